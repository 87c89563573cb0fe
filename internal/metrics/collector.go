package metrics

import (
	"database/sql"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/approvalflow/workflow"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 工作流指标
	instancesStarted     *prometheus.CounterVec
	instancesFinished    *prometheus.CounterVec
	tasksResolved        *prometheus.CounterVec
	conditionsEvaluated  *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen prometheus.Gauge
	dbConnectionsIdle prometheus.Gauge

	logger *zap.Logger
}

var _ workflow.Observer = (*Collector)(nil)

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.instancesStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_started_total",
			Help:      "Total number of workflow instances started",
		},
		[]string{"module_type"},
	)

	c.instancesFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_finished_total",
			Help:      "Total number of workflow instances reaching a terminal state",
		},
		[]string{"module_type", "status"},
	)

	c.tasksResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_resolved_total",
			Help:      "Total number of approval task resolutions",
		},
		[]string{"decision"},
	)

	c.conditionsEvaluated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conditions_evaluated_total",
			Help:      "Total number of route condition evaluations",
		},
		[]string{"matched"},
	)

	c.dbConnectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_connections_open",
		Help:      "Open database connections",
	})

	c.dbConnectionsIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_connections_idle",
		Help:      "Idle database connections",
	})

	return c
}

// =============================================================================
// 🎯 记录方法
// =============================================================================

// RecordHTTPRequest 记录一次 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// InstanceStarted 实现 workflow.Observer
func (c *Collector) InstanceStarted(moduleType string) {
	c.instancesStarted.WithLabelValues(moduleType).Inc()
}

// InstanceFinished 实现 workflow.Observer
func (c *Collector) InstanceFinished(moduleType string, status workflow.InstanceStatus) {
	c.instancesFinished.WithLabelValues(moduleType, string(status)).Inc()
}

// TaskResolved 实现 workflow.Observer
func (c *Collector) TaskResolved(decision workflow.Decision) {
	c.tasksResolved.WithLabelValues(string(decision)).Inc()
}

// ConditionEvaluated 实现 workflow.Observer
func (c *Collector) ConditionEvaluated(matched bool) {
	c.conditionsEvaluated.WithLabelValues(strconv.FormatBool(matched)).Inc()
}

// RecordDBStats 记录连接池状态，由定时任务刷新
func (c *Collector) RecordDBStats(stats sql.DBStats) {
	c.dbConnectionsOpen.Set(float64(stats.OpenConnections))
	c.dbConnectionsIdle.Set(float64(stats.Idle))
}
