package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/approvalflow/types"
)

// =============================================================================
// 实例执行引擎
// =============================================================================
// 引擎是纯响应式的：Start / ResolveTask / Withdraw / Resume 每次调用在
// 一个逻辑事务内跑到底（含级联路由求值），节点间的"等待"只存在于持
// 久化状态里，没有任何进程内阻塞。
// =============================================================================

// Observer receives engine lifecycle events for metrics. All methods must be
// cheap and non-blocking.
type Observer interface {
	InstanceStarted(moduleType string)
	InstanceFinished(moduleType string, status InstanceStatus)
	TaskResolved(decision Decision)
	ConditionEvaluated(matched bool)
}

type noopObserver struct{}

func (noopObserver) InstanceStarted(string)                   {}
func (noopObserver) InstanceFinished(string, InstanceStatus)  {}
func (noopObserver) TaskResolved(Decision)                    {}
func (noopObserver) ConditionEvaluated(bool)                  {}

// Engine drives workflow instances through their definition graph.
type Engine struct {
	store     Store
	directory Directory
	logger    *zap.Logger
	observer  Observer
	tracer    trace.Tracer
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithObserver installs a metrics observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithClock overrides the engine clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine over the given store and directory.
func NewEngine(store Store, directory Directory, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		directory: directory,
		logger:    logger.With(zap.String("component", "workflow_engine")),
		observer:  noopObserver{},
		tracer:    otel.Tracer("approvalflow/workflow"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartRequest binds a business record to a new workflow instance.
type StartRequest struct {
	ModuleType   string
	ModuleID     string
	OriginatorID string
	// Record 业务记录字段快照，作为条件求值的数据源
	Record map[string]any
}

// Start creates an instance for the highest-priority active definition of
// the module type, snapshots the graph and the record into it, and advances
// past the start node.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*Instance, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Start",
		trace.WithAttributes(
			attribute.String("module_type", req.ModuleType),
			attribute.String("module_id", req.ModuleID),
		))
	defer span.End()

	if req.ModuleType == "" || req.ModuleID == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "module type and module id are required")
	}

	var inst *Instance
	err := e.store.InTx(ctx, func(tx Store) error {
		def, err := tx.FindActiveDefinition(ctx, req.ModuleType)
		if err != nil {
			return err
		}

		start := def.StartNode()
		if start == nil {
			return types.NewConfigurationError(
				fmt.Sprintf("definition %s has no start node", def.ID))
		}

		now := e.now()
		inst = &Instance{
			ID:            uuid.NewString(),
			DefinitionID:  def.ID,
			ModuleType:    req.ModuleType,
			ModuleID:      req.ModuleID,
			OriginatorID:  req.OriginatorID,
			Status:        InstanceRunning,
			Record:        req.Record,
			Definition:    def,
			MergeArrivals: map[string][]string{},
			CreatedAt:     now,
		}
		if inst.Record == nil {
			inst.Record = map[string]any{}
		}

		if err := tx.CreateInstance(ctx, inst); err != nil {
			return err
		}
		if err := tx.AppendHistory(ctx, &HistoryEntry{
			InstanceID: inst.ID,
			NodeKey:    start.Key,
			Action:     HistoryStart,
			OperatorID: req.OriginatorID,
			CreatedAt:  now,
		}); err != nil {
			return err
		}

		// start 节点除了记一条历史没有任何副作用，立即路由出去
		if err := e.routeFrom(ctx, tx, inst, start.Key); err != nil {
			return err
		}
		if err := e.settleMerges(ctx, tx, inst); err != nil {
			return err
		}
		return tx.UpdateInstance(ctx, inst)
	})
	if err != nil {
		return nil, err
	}

	e.observer.InstanceStarted(req.ModuleType)
	e.logger.Info("instance started",
		zap.String("instance_id", inst.ID),
		zap.String("module_type", req.ModuleType),
		zap.String("module_id", req.ModuleID),
	)
	return inst, nil
}

// Withdraw cancels a running instance. Only the originator may withdraw;
// the instance and every pending task flip state inside one transaction, so
// partial cancellation can never be observed.
func (e *Engine) Withdraw(ctx context.Context, instanceID, actorID, comment string) (*Instance, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Withdraw",
		trace.WithAttributes(attribute.String("instance_id", instanceID)))
	defer span.End()

	var inst *Instance
	err := e.store.InTx(ctx, func(tx Store) error {
		var err error
		inst, err = tx.GetInstanceForUpdate(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst.Status != InstanceRunning {
			return types.NewError(types.ErrInstanceNotRunning,
				fmt.Sprintf("instance %s is %s", instanceID, inst.Status))
		}
		if actorID != inst.OriginatorID {
			return types.NewError(types.ErrPermissionDenied, "only the originator may withdraw an instance")
		}
		return e.cancelLocked(ctx, tx, inst, actorID, comment)
	})
	if err != nil {
		return nil, err
	}

	e.observer.InstanceFinished(inst.ModuleType, InstanceCancelled)
	e.logger.Info("instance withdrawn",
		zap.String("instance_id", instanceID),
		zap.String("actor_id", actorID),
	)
	return inst, nil
}

// cancelLocked 撤回已加锁实例：取消实例 + 所有未决任务改为 withdrawn。
func (e *Engine) cancelLocked(ctx context.Context, tx Store, inst *Instance, actorID, comment string) error {
	now := e.now()
	pending, err := tx.ListPendingTasksByInstance(ctx, inst.ID)
	if err != nil {
		return err
	}
	for _, t := range pending {
		t.Status = TaskWithdrawn
		t.ResolvedAt = &now
		if err := tx.UpdateTask(ctx, t); err != nil {
			return err
		}
	}

	inst.Status = InstanceCancelled
	inst.ActiveNodes = nil
	inst.CompletedAt = &now
	if err := tx.AppendHistory(ctx, &HistoryEntry{
		InstanceID: inst.ID,
		Action:     HistoryWithdraw,
		OperatorID: actorID,
		Comment:    comment,
		CreatedAt:  now,
	}); err != nil {
		return err
	}
	return tx.UpdateInstance(ctx, inst)
}

// Resume clears the error sub-state after an administrator has fixed the
// offending configuration and retries the parked nodes.
func (e *Engine) Resume(ctx context.Context, instanceID, actorID string) (*Instance, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Resume",
		trace.WithAttributes(attribute.String("instance_id", instanceID)))
	defer span.End()

	var inst *Instance
	var stuckReason string
	err := e.store.InTx(ctx, func(tx Store) error {
		var err error
		inst, err = tx.GetInstanceForUpdate(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst.Status != InstanceRunning {
			return types.NewError(types.ErrInstanceNotRunning,
				fmt.Sprintf("instance %s is %s", instanceID, inst.Status))
		}
		if inst.StuckReason == "" {
			return types.NewError(types.ErrInvalidRequest, "instance is not in error state")
		}

		stuckReason = inst.StuckReason
		inst.StuckReason = ""
		if err := tx.AppendHistory(ctx, &HistoryEntry{
			InstanceID: inst.ID,
			Action:     HistoryResume,
			OperatorID: actorID,
			CreatedAt:  e.now(),
		}); err != nil {
			return err
		}

		// 重试所有停驻节点；健康的审批节点因已有未决任务而自然跳过
		for _, key := range append([]string(nil), inst.ActiveNodes...) {
			if err := e.retryNode(ctx, tx, inst, key); err != nil {
				return err
			}
			if inst.StuckReason != "" {
				break
			}
		}
		if err := e.settleMerges(ctx, tx, inst); err != nil {
			return err
		}
		return tx.UpdateInstance(ctx, inst)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("instance resumed",
		zap.String("instance_id", instanceID),
		zap.String("actor_id", actorID),
		zap.String("stuck_reason", stuckReason),
	)
	return inst, nil
}

// retryNode re-drives a parked token after Resume.
func (e *Engine) retryNode(ctx context.Context, tx Store, inst *Instance, key string) error {
	node := inst.Definition.Node(key)
	if node == nil {
		return types.NewConfigurationError(fmt.Sprintf("active node %q not in definition snapshot", key))
	}
	switch node.Type {
	case NodeTypeApproval:
		pending, err := tx.ListPendingTasksByInstance(ctx, inst.ID)
		if err != nil {
			return err
		}
		for _, t := range pending {
			if t.NodeKey == key {
				return nil // tasks already outstanding, nothing to retry
			}
		}
		return e.activateApproval(ctx, tx, inst, node)
	case NodeTypeMerge:
		return e.checkMergeFire(ctx, tx, inst, node)
	default:
		// 路由阶段卡住的令牌：从该节点重新路由
		inst.removeActiveNode(key)
		return e.routeFrom(ctx, tx, inst, key)
	}
}

// GetInstance returns an instance without its history.
func (e *Engine) GetInstance(ctx context.Context, instanceID string) (*Instance, error) {
	return e.store.GetInstance(ctx, instanceID)
}

// History returns the chronological audit trail of an instance.
func (e *Engine) History(ctx context.Context, instanceID string) ([]*HistoryEntry, error) {
	return e.store.ListHistory(ctx, instanceID)
}

// ListMyTasks returns task summaries for one assignee.
func (e *Engine) ListMyTasks(ctx context.Context, assigneeID string, filter TaskFilter) ([]*Task, error) {
	if assigneeID == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "assignee id is required")
	}
	return e.store.ListTasksByAssignee(ctx, assigneeID, filter)
}

// =============================================================================
// 路由与节点激活
// =============================================================================

// routeFrom moves the token leaving nodeKey along its outgoing routes.
// Condition nodes pick exactly one route (first matching conditional, else
// the always fallback); every other node type takes all always routes plus
// every conditional route that evaluates true. Zero routes taken parks the
// token and flags the instance stuck rather than dropping it silently.
func (e *Engine) routeFrom(ctx context.Context, tx Store, inst *Instance, nodeKey string) error {
	node := inst.Definition.Node(nodeKey)
	if node == nil {
		return types.NewConfigurationError(fmt.Sprintf("node %q not in definition snapshot", nodeKey))
	}
	routes := inst.Definition.Outgoing(nodeKey)

	if node.Type == NodeTypeCondition {
		chosen, err := e.pickConditionRoute(ctx, tx, inst, node, routes)
		if err != nil {
			return err
		}
		if inst.StuckReason != "" {
			return nil
		}
		if chosen == nil {
			return e.markStuck(ctx, tx, inst, nodeKey,
				fmt.Sprintf("no route matched at condition node %q", nodeKey))
		}
		return e.arriveAt(ctx, tx, inst, nodeKey, chosen.To)
	}

	// 先求值选出全部要走的路由，再统一派发：送达动作要等所有兄弟
	// 分支登记为 in-flight 之后才开始，否则先到 end 的分支会把自己
	// 误判成最后一条。
	var targets []string
	for _, r := range routes {
		switch r.Kind {
		case RouteAlways:
			targets = append(targets, r.To)
		case RouteCondition:
			matched, err := e.evaluateRoute(ctx, tx, inst, nodeKey, r.Condition)
			if err != nil {
				return err
			}
			if inst.StuckReason != "" {
				return nil
			}
			if matched {
				targets = append(targets, r.To)
			}
		}
	}

	if len(targets) == 0 {
		return e.markStuck(ctx, tx, inst, nodeKey,
			fmt.Sprintf("no outgoing route taken from node %q", nodeKey))
	}
	return e.deliver(ctx, tx, inst, nodeKey, targets)
}

// deliver hands the token leaving fromKey to every target node. All targets
// register as in-flight before the first delivery, so completion and merge
// checks triggered by an early branch still see the undelivered siblings.
func (e *Engine) deliver(ctx context.Context, tx Store, inst *Instance, fromKey string, targets []string) error {
	inst.addInflight(targets...)
	for _, to := range targets {
		inst.dropInflight(to)
		if inst.Status != InstanceRunning || inst.StuckReason != "" {
			// 实例已终结或停住，剩余令牌只出队不送达
			continue
		}
		if err := e.arriveAt(ctx, tx, inst, fromKey, to); err != nil {
			return err
		}
	}
	return nil
}

// pickConditionRoute evaluates a condition node's routes in definition
// order: conditional routes first-match-wins, the always fallback last.
func (e *Engine) pickConditionRoute(ctx context.Context, tx Store, inst *Instance, node *Node, routes []Route) (*Route, error) {
	var fallback *Route
	for i := range routes {
		r := &routes[i]
		switch r.Kind {
		case RouteAlways:
			if fallback == nil {
				fallback = r
			}
		case RouteCondition:
			matched, err := e.evaluateRoute(ctx, tx, inst, node.Key, r.Condition)
			if err != nil {
				return nil, err
			}
			if inst.StuckReason != "" {
				return nil, nil
			}
			if matched {
				return r, nil
			}
		}
	}
	return fallback, nil
}

// evaluateRoute runs the condition evaluator and appends the outcome to the
// audit trail.
func (e *Engine) evaluateRoute(ctx context.Context, tx Store, inst *Instance, nodeKey string, cond *ConditionConfig) (bool, error) {
	if cond == nil {
		return false, types.NewConfigurationError(
			fmt.Sprintf("conditional route from node %q has no condition", nodeKey))
	}
	matched, err := EvaluateCondition(cond, inst.Record)
	if err != nil {
		// 求值本身失败是配置错误：停住实例而不是让请求崩掉
		return false, e.markStuck(ctx, tx, inst, nodeKey,
			fmt.Sprintf("condition on %q failed: %v", cond.Field, err))
	}

	e.observer.ConditionEvaluated(matched)
	entry := &HistoryEntry{
		InstanceID: inst.ID,
		NodeKey:    nodeKey,
		Action:     HistoryConditionEvaluated,
		Condition: &ConditionOutcome{
			Field:    cond.Field,
			Operator: cond.Operator,
			Value:    cond.Value,
			Value2:   cond.Value2,
			Matched:  matched,
		},
		CreatedAt: e.now(),
	}
	if err := tx.AppendHistory(ctx, entry); err != nil {
		return false, err
	}
	return matched, nil
}

// arriveAt delivers a token from fromKey to nodeKey and reacts per node
// type. Pass-through nodes (condition, parallel, fired merges) cascade
// further routing inside the same transaction.
func (e *Engine) arriveAt(ctx context.Context, tx Store, inst *Instance, fromKey, nodeKey string) error {
	if inst.Status != InstanceRunning || inst.StuckReason != "" {
		return nil
	}
	node := inst.Definition.Node(nodeKey)
	if node == nil {
		return types.NewConfigurationError(fmt.Sprintf("route destination %q not in definition snapshot", nodeKey))
	}

	switch node.Type {
	case NodeTypeStart:
		return types.NewConfigurationError(fmt.Sprintf("route re-enters start node %q", nodeKey))

	case NodeTypeEnd:
		return e.completeBranch(ctx, tx, inst, node)

	case NodeTypeApproval:
		// 重复触发保护：节点已激活（令牌在场）就什么都不做
		if inst.HasActiveNode(nodeKey) {
			return nil
		}
		return e.activateApproval(ctx, tx, inst, node)

	case NodeTypeCondition:
		return e.routeFrom(ctx, tx, inst, nodeKey)

	case NodeTypeParallel:
		// 并行节点：所有出边同时成为独立分支
		routes := inst.Definition.Outgoing(nodeKey)
		targets := make([]string, 0, len(routes))
		for _, r := range routes {
			targets = append(targets, r.To)
		}
		return e.deliver(ctx, tx, inst, nodeKey, targets)

	case NodeTypeMerge:
		return e.mergeArrive(ctx, tx, inst, fromKey, node)

	default:
		return types.NewConfigurationError(fmt.Sprintf("node %q has unknown type %q", nodeKey, node.Type))
	}
}

// mergeArrive records one token arrival at a merge node. Duplicate arrivals
// over the same incoming route are ignored, which is what makes duplicate
// advance notifications harmless here.
func (e *Engine) mergeArrive(ctx context.Context, tx Store, inst *Instance, fromKey string, node *Node) error {
	if inst.MergeArrivals == nil {
		inst.MergeArrivals = map[string][]string{}
	}
	for _, k := range inst.MergeArrivals[node.Key] {
		if k == fromKey {
			return nil
		}
	}
	inst.MergeArrivals[node.Key] = append(inst.MergeArrivals[node.Key], fromKey)
	if !inst.HasActiveNode(node.Key) {
		inst.ActiveNodes = append(inst.ActiveNodes, node.Key)
	}
	return e.checkMergeFire(ctx, tx, inst, node)
}

// checkMergeFire fires the merge exactly once when it becomes ready, then
// clears the arrival set for later activations.
func (e *Engine) checkMergeFire(ctx context.Context, tx Store, inst *Instance, node *Node) error {
	if !e.mergeReady(inst, node.Key) {
		return nil // park until the remaining branches converge
	}
	delete(inst.MergeArrivals, node.Key)
	inst.removeActiveNode(node.Key)
	return e.routeFrom(ctx, tx, inst, node.Key)
}

// mergeReady reports whether a merge holding at least one arrival can fire:
// every incoming route has delivered, or no live token elsewhere can still
// reach the merge. The second clause covers merges fed by mutually exclusive
// condition arms, which only ever receive a subset of their incoming routes.
func (e *Engine) mergeReady(inst *Instance, key string) bool {
	arrived := len(inst.MergeArrivals[key])
	if arrived == 0 {
		return false
	}
	if arrived >= len(inst.Definition.Incoming(key)) {
		return true
	}
	return !e.mergeStillReachable(inst, key)
}

// mergeStillReachable reports whether any live token outside the merge can
// still deliver an arrival to it. Live tokens sit in ActiveNodes (parked
// approvals and waiting merges) or in the in-flight set of the current
// cascade.
func (e *Engine) mergeStillReachable(inst *Instance, mergeKey string) bool {
	for _, key := range inst.ActiveNodes {
		if key == mergeKey {
			continue
		}
		if inst.Definition.CanReach(key, mergeKey) {
			return true
		}
	}
	for _, key := range inst.inflight {
		if key == mergeKey || inst.Definition.CanReach(key, mergeKey) {
			return true
		}
	}
	return false
}

// settleMerges refires parked merges whose remaining feeders died at an end
// node or committed to another arm during this advance, repeating until no
// merge changes state. Without it a merge fed by a branch that ended
// elsewhere would wait forever with no pending tasks.
func (e *Engine) settleMerges(ctx context.Context, tx Store, inst *Instance) error {
	for inst.Status == InstanceRunning && inst.StuckReason == "" {
		var ready *Node
		for _, key := range inst.ActiveNodes {
			node := inst.Definition.Node(key)
			if node != nil && node.Type == NodeTypeMerge && e.mergeReady(inst, key) {
				ready = node
				break
			}
		}
		if ready == nil {
			return nil
		}
		if err := e.checkMergeFire(ctx, tx, inst, ready); err != nil {
			return err
		}
	}
	return nil
}

// completeBranch handles one branch reaching an end node. The instance
// completes only once the last active branch finishes.
func (e *Engine) completeBranch(ctx context.Context, tx Store, inst *Instance, node *Node) error {
	now := e.now()
	if err := tx.AppendHistory(ctx, &HistoryEntry{
		InstanceID: inst.ID,
		NodeKey:    node.Key,
		Action:     HistoryComplete,
		CreatedAt:  now,
	}); err != nil {
		return err
	}

	if len(inst.ActiveNodes) > 0 || len(inst.inflight) > 0 {
		// 其他并行分支还在跑（停驻或尚未送达），这条分支自然消亡
		return nil
	}

	inst.Status = InstanceCompleted
	inst.EndNodeKey = node.Key
	inst.CompletedAt = &now
	e.observer.InstanceFinished(inst.ModuleType, InstanceCompleted)
	e.logger.Info("instance completed",
		zap.String("instance_id", inst.ID),
		zap.String("end_node", node.Key),
	)
	return nil
}

// markStuck parks the token at nodeKey and flips the instance into the
// error sub-state. Execution halts but the instance stays queryable and
// resumable; it is never dropped silently.
func (e *Engine) markStuck(ctx context.Context, tx Store, inst *Instance, nodeKey, reason string) error {
	if !inst.HasActiveNode(nodeKey) {
		inst.ActiveNodes = append(inst.ActiveNodes, nodeKey)
	}
	inst.StuckReason = reason
	e.logger.Warn("instance stuck",
		zap.String("instance_id", inst.ID),
		zap.String("node_key", nodeKey),
		zap.String("reason", reason),
	)
	return tx.AppendHistory(ctx, &HistoryEntry{
		InstanceID: inst.ID,
		NodeKey:    nodeKey,
		Action:     HistoryStuck,
		Comment:    reason,
		CreatedAt:  e.now(),
	})
}
