package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/BaSui01/approvalflow/api/handlers"
	"github.com/BaSui01/approvalflow/config"
	"github.com/BaSui01/approvalflow/internal/cache"
	"github.com/BaSui01/approvalflow/internal/database"
	"github.com/BaSui01/approvalflow/internal/directory"
	"github.com/BaSui01/approvalflow/internal/metrics"
	"github.com/BaSui01/approvalflow/internal/registry"
	"github.com/BaSui01/approvalflow/internal/server"
	"github.com/BaSui01/approvalflow/internal/store"
	"github.com/BaSui01/approvalflow/internal/telemetry"
	"github.com/BaSui01/approvalflow/workflow"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 ApprovalFlow 的主服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 存储与缓存
	pool         *database.PoolManager
	cacheManager *cache.Manager

	// 领域组件
	engine            *workflow.Engine
	definitionManager *workflow.DefinitionManager
	moduleRegistry    *registry.Registry

	// Handlers
	healthHandler     *handlers.HealthHandler
	workflowHandler   *handlers.WorkflowHandler
	definitionHandler *handlers.DefinitionHandler
	registryHandler   *handlers.RegistryHandler

	// 指标收集器
	metricsCollector *metrics.Collector

	// 遥测
	otelProviders *telemetry.Providers

	// 到期任务扫描调度
	sweeper *cron.Cron

	// 后台 goroutine 生命周期管理
	backgroundCancel context.CancelFunc

	wg sync.WaitGroup
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger, otelProviders *telemetry.Providers) *Server {
	return &Server{
		cfg:           cfg,
		logger:        logger,
		otelProviders: otelProviders,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器
	s.metricsCollector = metrics.NewCollector("approvalflow", s.logger)

	// 2. 初始化存储层
	if err := s.initStorage(); err != nil {
		return fmt.Errorf("failed to init storage: %w", err)
	}

	// 3. 初始化引擎与 Handlers
	if err := s.initEngine(); err != nil {
		return fmt.Errorf("failed to init engine: %w", err)
	}

	// 4. 启动到期任务扫描
	if err := s.startSweeper(); err != nil {
		return fmt.Errorf("failed to start sweeper: %w", err)
	}

	// 5. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 6. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("sweep_schedule", s.cfg.Engine.SweepSchedule),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// databaseConfig 把顶层配置映射为连接层配置
func databaseConfig(cfg config.DatabaseConfig) database.Config {
	return database.Config{
		Driver:   cfg.Driver,
		Host:     cfg.Host,
		Port:     cfg.Port,
		User:     cfg.User,
		Password: cfg.Password,
		Name:     cfg.Name,
		SSLMode:  cfg.SSLMode,
		Pool: database.PoolConfig{
			MaxIdleConns:        cfg.MaxIdleConns,
			MaxOpenConns:        cfg.MaxOpenConns,
			ConnMaxLifetime:     cfg.ConnMaxLifetime,
			ConnMaxIdleTime:     cfg.ConnMaxIdleTime,
			HealthCheckInterval: cfg.HealthCheckInterval,
		},
	}
}

// initStorage 初始化数据库连接池和可选的 Redis 缓存
func (s *Server) initStorage() error {
	dbCfg := databaseConfig(s.cfg.Database)

	db, err := database.Open(dbCfg)
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}

	pool, err := database.NewPoolManager(db, dbCfg.Pool, s.logger)
	if err != nil {
		return fmt.Errorf("failed to create pool manager: %w", err)
	}
	s.pool = pool

	// AutoMigrate 确保表结构最新（生产环境建议改用 migrate 子命令）
	if err := store.AutoMigrate(db); err != nil {
		return fmt.Errorf("workflow schema migration failed: %w", err)
	}
	if err := directory.AutoMigrate(db); err != nil {
		return fmt.Errorf("directory schema migration failed: %w", err)
	}

	s.logger.Info("Database connected", zap.String("driver", s.cfg.Database.Driver))

	// Redis 缓存可选，关闭时目录解析直连数据库
	if s.cfg.Redis.Enabled {
		cacheManager, err := cache.NewManager(cache.Config{
			Addr:         s.cfg.Redis.Addr,
			Password:     s.cfg.Redis.Password,
			DB:           s.cfg.Redis.DB,
			DefaultTTL:   s.cfg.Redis.DefaultTTL,
			PoolSize:     s.cfg.Redis.PoolSize,
			MinIdleConns: s.cfg.Redis.MinIdleConns,
		}, s.logger)
		if err != nil {
			s.logger.Warn("Redis not available, directory cache disabled", zap.Error(err))
		} else {
			s.cacheManager = cacheManager
			s.logger.Info("Redis cache connected", zap.String("addr", s.cfg.Redis.Addr))
		}
	}

	return nil
}

// initEngine 初始化审批引擎、定义管理器和所有 handlers
func (s *Server) initEngine() error {
	st := store.New(s.pool.DB(), s.logger)
	dir := directory.New(s.pool.DB(), s.cacheManager, s.cfg.Engine.DirectoryCacheTTL, s.logger)
	s.moduleRegistry = registry.New()

	s.engine = workflow.NewEngine(st, dir, s.logger,
		workflow.WithObserver(s.metricsCollector),
	)
	s.definitionManager = workflow.NewDefinitionManager(st, s.logger)

	// 健康检查 handler
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewDatabaseHealthCheck("database", s.pool.Ping))
	if s.cacheManager != nil {
		s.healthHandler.RegisterCheck(handlers.NewRedisHealthCheck("redis", s.cacheManager.Ping))
	}

	// 业务 handlers
	s.workflowHandler = handlers.NewWorkflowHandler(s.engine, s.logger)
	s.definitionHandler = handlers.NewDefinitionHandler(s.definitionManager, s.logger)
	s.registryHandler = handlers.NewRegistryHandler(s.moduleRegistry, s.logger)

	s.logger.Info("Handlers initialized")
	return nil
}

// startSweeper 启动到期任务扫描调度器
func (s *Server) startSweeper() error {
	s.sweeper = cron.New()

	_, err := s.sweeper.AddFunc(s.cfg.Engine.SweepSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		swept, err := s.engine.SweepDueTasks(ctx)
		if err != nil {
			s.logger.Error("due task sweep failed", zap.Error(err))
			return
		}
		if swept > 0 {
			s.logger.Info("due tasks swept", zap.Int("count", swept))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.cfg.Engine.SweepSchedule, err)
	}

	s.sweeper.Start()
	return nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动 HTTP 服务器
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// ========================================
	// 健康检查端点
	// ========================================
	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)

	// 版本信息端点
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// ========================================
	// 工作流 API 路由
	// ========================================
	mux.HandleFunc("POST /v1/workflows/start", s.workflowHandler.HandleStart)
	mux.HandleFunc("POST /v1/tasks/resolve", s.workflowHandler.HandleResolveTask)
	mux.HandleFunc("GET /v1/tasks", s.workflowHandler.HandleListMyTasks)
	mux.HandleFunc("GET /v1/instances/{id}", s.workflowHandler.HandleGetInstance)
	mux.HandleFunc("GET /v1/instances/{id}/history", s.workflowHandler.HandleHistory)
	mux.HandleFunc("POST /v1/instances/{id}/withdraw", s.workflowHandler.HandleWithdraw)
	mux.HandleFunc("POST /v1/instances/{id}/resume", s.workflowHandler.HandleResume)

	// ========================================
	// 定义管理 API 路由
	// ========================================
	mux.HandleFunc("POST /v1/definitions", s.definitionHandler.HandleSave)
	mux.HandleFunc("GET /v1/definitions", s.definitionHandler.HandleList)
	mux.HandleFunc("GET /v1/definitions/{id}", s.definitionHandler.HandleGet)
	mux.HandleFunc("POST /v1/definitions/{id}/activate", s.definitionHandler.HandleActivate)
	mux.HandleFunc("POST /v1/definitions/{id}/deactivate", s.definitionHandler.HandleDeactivate)

	// ========================================
	// 模块注册表 API 路由
	// ========================================
	mux.HandleFunc("GET /v1/modules", s.registryHandler.HandleListModules)
	mux.HandleFunc("GET /v1/modules/fields", s.registryHandler.HandleModuleFields)

	// ========================================
	// 构建中间件链
	// ========================================
	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}
	backgroundCtx, backgroundCancel := context.WithCancel(context.Background())
	s.backgroundCancel = backgroundCancel

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(backgroundCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
	}
	if s.cfg.Telemetry.Enabled {
		middlewares = append(middlewares, OTelTracing())
	}
	if s.cfg.Auth.Enabled {
		if len(s.cfg.Auth.APIKeys) > 0 {
			middlewares = append(middlewares, APIKeyAuth(s.cfg.Auth.APIKeys, skipAuthPaths, s.logger))
		} else {
			middlewares = append(middlewares, JWTAuth(s.cfg.Auth.JWTSecret, skipAuthPaths, s.logger))
		}
	}
	handler := Chain(mux, middlewares...)

	// 定期上报连接池指标
	s.startPoolStatsReporter(backgroundCtx)

	// ========================================
	// 使用 internal/server.Manager
	// ========================================
	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     s.cfg.Server.IdleTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// startPoolStatsReporter 周期性地把数据库连接池状态写入指标
func (s *Server) startPoolStatsReporter(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.metricsCollector.RecordDBStats(s.pool.Stats())
			}
		}
	}()
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	// 使用 httpManager 的 WaitForShutdown（它会监听信号）
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	// 执行清理
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	// 1. 停止后台 goroutine（限流清理、指标上报）
	if s.backgroundCancel != nil {
		s.backgroundCancel()
	}

	// 2. 停止到期任务扫描，等待在途扫描结束
	if s.sweeper != nil {
		<-s.sweeper.Stop().Done()
	}

	// 3. 关闭 HTTP 服务器
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 4. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 5. 关闭遥测
	if s.otelProviders != nil {
		if err := s.otelProviders.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	// 6. 关闭缓存与数据库
	if s.cacheManager != nil {
		if err := s.cacheManager.Close(); err != nil {
			s.logger.Error("Cache shutdown error", zap.Error(err))
		}
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Error("Database shutdown error", zap.Error(err))
		}
	}

	// 7. 等待所有 goroutine 完成
	s.wg.Wait()

	s.logger.Info("Graceful shutdown completed")
}
