package workflow_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"

	"github.com/BaSui01/approvalflow/internal/store"
	"github.com/BaSui01/approvalflow/types"
	"github.com/BaSui01/approvalflow/workflow"
)

// =============================================================================
// 🧪 引擎端到端测试（内存 sqlite + 真实 gorm 存储）
// =============================================================================

// stubDirectory 可变的组织目录桩，键为 "kind:value"
type stubDirectory struct {
	mu    sync.Mutex
	users map[string][]string
}

func (d *stubDirectory) ResolveApprovers(_ context.Context, spec workflow.ApproverSpec) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.users[string(spec.Kind)+":"+spec.Value], nil
}

func (d *stubDirectory) set(kind workflow.ApproverKind, value string, users ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[string(kind)+":"+value] = users
}

// recordingObserver 记录引擎上报的实例终态，校验指标口径
type recordingObserver struct {
	mu       sync.Mutex
	finished []workflow.InstanceStatus
}

func (o *recordingObserver) InstanceStarted(string) {}

func (o *recordingObserver) InstanceFinished(_ string, status workflow.InstanceStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, status)
}

func (o *recordingObserver) TaskResolved(workflow.Decision) {}
func (o *recordingObserver) ConditionEvaluated(bool)        {}

func (o *recordingObserver) finishedStatuses() []workflow.InstanceStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]workflow.InstanceStatus(nil), o.finished...)
}

type testEnv struct {
	engine  *workflow.Engine
	manager *workflow.DefinitionManager
	dir     *stubDirectory
	clock   *testClock
	obs     *recordingObserver
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "engine.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate(db))

	dir := &stubDirectory{users: map[string][]string{}}
	dir.set(workflow.ApproverKindUser, "u1", "u1")
	dir.set(workflow.ApproverKindUser, "u2", "u2")
	dir.set(workflow.ApproverKindUser, "legal1", "legal1")
	dir.set(workflow.ApproverKindUser, "fin1", "fin1")
	dir.set(workflow.ApproverKindUser, "director1", "director1")

	logger := zap.NewNop()
	st := store.New(db, logger)
	clock := &testClock{now: time.Now().Truncate(time.Second)}
	obs := &recordingObserver{}

	return &testEnv{
		engine: workflow.NewEngine(st, dir, logger,
			workflow.WithClock(clock.Now), workflow.WithObserver(obs)),
		manager: workflow.NewDefinitionManager(st, logger),
		dir:     dir,
		clock:   clock,
		obs:     obs,
	}
}

// activate 保存并激活一个定义
func (env *testEnv) activate(t *testing.T, def *workflow.Definition) *workflow.Definition {
	t.Helper()
	ctx := context.Background()
	saved, err := env.manager.Save(ctx, def)
	require.NoError(t, err)
	activated, err := env.manager.Activate(ctx, saved.ID)
	require.NoError(t, err)
	return activated
}

// pendingTaskFor 取一个受理人的唯一未决任务
func (env *testEnv) pendingTaskFor(t *testing.T, assignee string) *workflow.Task {
	t.Helper()
	tasks, err := env.engine.ListMyTasks(context.Background(), assignee,
		workflow.TaskFilter{Status: workflow.TaskPending})
	require.NoError(t, err)
	require.Len(t, tasks, 1, "expected exactly one pending task for %s", assignee)
	return tasks[0]
}

func approvalNode(key string, mode workflow.ApprovalMode, users ...string) workflow.Node {
	specs := make([]workflow.ApproverSpec, 0, len(users))
	for _, u := range users {
		specs = append(specs, workflow.ApproverSpec{Kind: workflow.ApproverKindUser, Value: u})
	}
	return workflow.Node{Key: key, Type: workflow.NodeTypeApproval, Approval: &workflow.ApprovalConfig{
		Mode:      mode,
		Approvers: specs,
	}}
}

func linearContractDefinition() *workflow.Definition {
	return &workflow.Definition{
		ModuleType: "contract",
		Name:       "合同审批",
		Code:       "contract_linear",
		Nodes: []workflow.Node{
			{Key: "start", Type: workflow.NodeTypeStart},
			approvalNode("manager", workflow.ApprovalModeOr, "u1"),
			{Key: "end", Type: workflow.NodeTypeEnd},
		},
		Routes: []workflow.Route{
			{From: "start", To: "manager", Kind: workflow.RouteAlways},
			{From: "manager", To: "end", Kind: workflow.RouteAlways},
		},
	}
}

func historyActions(t *testing.T, env *testEnv, instanceID string) []workflow.HistoryAction {
	t.Helper()
	entries, err := env.engine.History(context.Background(), instanceID)
	require.NoError(t, err)
	actions := make([]workflow.HistoryAction, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	return actions
}

// =============================================================================
// 基本流转
// =============================================================================

func TestEngine_LinearApprove(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.activate(t, linearContractDefinition())

	inst, err := env.engine.Start(ctx, workflow.StartRequest{
		ModuleType:   "contract",
		ModuleID:     "c-1",
		OriginatorID: "origin",
		Record:       map[string]any{"amount": 1000.0},
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceRunning, inst.Status)
	assert.Equal(t, []string{"manager"}, inst.ActiveNodes)

	task := env.pendingTaskFor(t, "u1")
	inst, err = env.engine.ResolveTask(ctx, workflow.ResolveRequest{
		TaskID:   task.ID,
		Decision: workflow.DecisionApprove,
		Comment:  "看过了",
		ActorID:  "u1",
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceCompleted, inst.Status)
	assert.Equal(t, "end", inst.EndNodeKey)
	assert.Empty(t, inst.ActiveNodes)
	require.NotNil(t, inst.CompletedAt)

	assert.Equal(t, []workflow.HistoryAction{
		workflow.HistoryStart,
		workflow.HistoryTaskCreated,
		workflow.HistoryApprove,
		workflow.HistoryComplete,
	}, historyActions(t, env, inst.ID))
}

func TestEngine_StartWithoutDefinition(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.Start(context.Background(), workflow.StartRequest{
		ModuleType:   "expense",
		ModuleID:     "e-1",
		OriginatorID: "origin",
	})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrNoApplicableDefinition))
}

func TestEngine_ResolveIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.activate(t, linearContractDefinition())

	_, err := env.engine.Start(ctx, workflow.StartRequest{
		ModuleType: "contract", ModuleID: "c-1", OriginatorID: "origin",
	})
	require.NoError(t, err)

	task := env.pendingTaskFor(t, "u1")
	req := workflow.ResolveRequest{TaskID: task.ID, Decision: workflow.DecisionApprove, ActorID: "u1"}

	_, err = env.engine.ResolveTask(ctx, req)
	require.NoError(t, err)

	// 同一任务再次处理必须拿到明确的冲突错误，而不是重复推进
	_, err = env.engine.ResolveTask(ctx, req)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrTaskAlreadyResolved))
}

func TestEngine_ResolveByWrongActor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.activate(t, linearContractDefinition())

	_, err := env.engine.Start(ctx, workflow.StartRequest{
		ModuleType: "contract", ModuleID: "c-1", OriginatorID: "origin",
	})
	require.NoError(t, err)

	task := env.pendingTaskFor(t, "u1")
	_, err = env.engine.ResolveTask(ctx, workflow.ResolveRequest{
		TaskID: task.ID, Decision: workflow.DecisionApprove, ActorID: "u2",
	})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrPermissionDenied))
}

// =============================================================================
// 聚合规则
// =============================================================================

func TestEngine_OrAggregationSkipsSiblings(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	def := linearContractDefinition()
	def.Code = "contract_or"
	def.Nodes[1] = approvalNode("manager", workflow.ApprovalModeOr, "u1", "u2")
	env.activate(t, def)

	_, err := env.engine.Start(ctx, workflow.StartRequest{
		ModuleType: "contract", ModuleID: "c-1", OriginatorID: "origin",
	})
	require.NoError(t, err)

	task1 := env.pendingTaskFor(t, "u1")
	task2 := env.pendingTaskFor(t, "u2")

	inst, err := env.engine.ResolveTask(ctx, workflow.ResolveRequest{
		TaskID: task1.ID, Decision: workflow.DecisionApprove, ActorID: "u1",
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceCompleted, inst.Status)

	// 或签短路后另一个席位收尾为 skipped，不可再处理
	_, err = env.engine.ResolveTask(ctx, workflow.ResolveRequest{
		TaskID: task2.ID, Decision: workflow.DecisionApprove, ActorID: "u2",
	})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrTaskAlreadyResolved))

	tasks, err := env.engine.ListMyTasks(ctx, "u2", workflow.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, workflow.TaskSkipped, tasks[0].Status)
}

func TestEngine_AndAggregationWaitsForAll(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	def := linearContractDefinition()
	def.Code = "contract_and"
	def.Nodes[1] = approvalNode("manager", workflow.ApprovalModeAnd, "u1", "u2")
	env.activate(t, def)

	_, err := env.engine.Start(ctx, workflow.StartRequest{
		ModuleType: "contract", ModuleID: "c-1", OriginatorID: "origin",
	})
	require.NoError(t, err)

	inst, err := env.engine.ResolveTask(ctx, workflow.ResolveRequest{
		TaskID: env.pendingTaskFor(t, "u1").ID, Decision: workflow.DecisionApprove, ActorID: "u1",
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceRunning, inst.Status, "countersign must wait for every seat")
	assert.Contains(t, inst.ActiveNodes, "manager")

	inst, err = env.engine.ResolveTask(ctx, workflow.ResolveRequest{
		TaskID: env.pendingTaskFor(t, "u2").ID, Decision: workflow.DecisionApprove, ActorID: "u2",
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceCompleted, inst.Status)
}

func TestEngine_RejectShortCircuits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	def := linearContractDefinition()
	def.Code = "contract_reject"
	def.Nodes[1] = approvalNode("manager", workflow.ApprovalModeAnd, "u1", "u2")
	env.activate(t, def)

	_, err := env.engine.Start(ctx, workflow.StartRequest{
		ModuleType: "contract", ModuleID: "c-1", OriginatorID: "origin",
	})
	require.NoError(t, err)

	inst, err := env.engine.ResolveTask(ctx, workflow.ResolveRequest{
		TaskID: env.pendingTaskFor(t, "u1").ID, Decision: workflow.DecisionReject,
		Comment: "金额不对", ActorID: "u1",
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceRejected, inst.Status)
	assert.Empty(t, inst.ActiveNodes)

	// 另一个席位被收尾为 skipped
	tasks, err := env.engine.ListMyTasks(ctx, "u2", workflow.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, workflow.TaskSkipped, tasks[0].Status)
}

// =============================================================================
// 转交
// =============================================================================

func TestEngine_TransferKeepsSeat(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.activate(t, linearContractDefinition())

	_, err := env.engine.Start(ctx, workflow.StartRequest{
		ModuleType: "contract", ModuleID: "c-1", OriginatorID: "origin",
	})
	require.NoError(t, err)

	task := env.pendingTaskFor(t, "u1")
	inst, err := env.engine.ResolveTask(ctx, workflow.ResolveRequest{
		TaskID:       task.ID,
		Decision:     workflow.DecisionTransfer,
		ActorID:      "u1",
		TransfereeID: "u2",
		Comment:      "休假，转给 u2",
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceRunning, inst.Status, "transfer must not advance the node")

	// 原任务终态 transferred，替补任务同一 activation
	old, err := env.engine.ListMyTasks(ctx, "u1", workflow.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, old, 1)
	assert.Equal(t, workflow.TaskTransferred, old[0].Status)

	replacement := env.pendingTaskFor(t, "u2")
	assert.Equal(t, task.ActivationID, replacement.ActivationID)
	assert.Equal(t, task.NodeKey, replacement.NodeKey)

	inst, err = env.engine.ResolveTask(ctx, workflow.ResolveRequest{
		TaskID: replacement.ID, Decision: workflow.DecisionApprove, ActorID: "u2",
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceCompleted, inst.Status)
}

func TestEngine_TransferToSelfRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.activate(t, linearContractDefinition())

	_, err := env.engine.Start(ctx, workflow.StartRequest{
		ModuleType: "contract", ModuleID: "c-1", OriginatorID: "origin",
	})
	require.NoError(t, err)

	task := env.pendingTaskFor(t, "u1")
	_, err = env.engine.ResolveTask(ctx, workflow.ResolveRequest{
		TaskID: task.ID, Decision: workflow.DecisionTransfer, ActorID: "u1", TransfereeID: "u1",
	})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest))
}

// =============================================================================
// 条件路由
// =============================================================================

func routedContractDefinition() *workflow.Definition {
	amountGate := &workflow.ConditionConfig{
		Field: "amount", Operator: workflow.OpGt, Value: "50000",
	}
	return &workflow.Definition{
		ModuleType: "contract",
		Name:       "金额分档",
		Code:       "contract_routed",
		Nodes: []workflow.Node{
			{Key: "start", Type: workflow.NodeTypeStart},
			{Key: "gate", Type: workflow.NodeTypeCondition, Condition: amountGate},
			approvalNode("director", workflow.ApprovalModeOr, "director1"),
			{Key: "end", Type: workflow.NodeTypeEnd},
		},
		Routes: []workflow.Route{
			{From: "start", To: "gate", Kind: workflow.RouteAlways},
			{From: "gate", To: "director", Kind: workflow.RouteCondition, Condition: amountGate, Order: 0},
			{From: "gate", To: "end", Kind: workflow.RouteAlways, Order: 1},
			{From: "director", To: "end", Kind: workflow.RouteAlways},
		},
	}
}

func TestEngine_ConditionRouting(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.activate(t, routedContractDefinition())

	// 大额合同进总监审批
	big, err := env.engine.Start(ctx, workflow.StartRequest{
		ModuleType: "contract", ModuleID: "c-big", OriginatorID: "origin",
		Record: map[string]any{"amount": 80000.0},
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceRunning, big.Status)
	assert.Equal(t, []string{"director"}, big.ActiveNodes)

	// 小额合同走兜底直接结束
	small, err := env.engine.Start(ctx, workflow.StartRequest{
		ModuleType: "contract", ModuleID: "c-small", OriginatorID: "origin",
		Record: map[string]any{"amount": 500.0},
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceCompleted, small.Status)

	// 条件求值进审计历史
	entries, err := env.engine.History(ctx, small.ID)
	require.NoError(t, err)
	var outcome *workflow.ConditionOutcome
	for _, e := range entries {
		if e.Action == workflow.HistoryConditionEvaluated {
			outcome = e.Condition
		}
	}
	require.NotNil(t, outcome, "condition evaluation must be audited")
	assert.Equal(t, "amount", outcome.Field)
	assert.False(t, outcome.Matched)
}

func TestEngine_UpdatedFieldsAffectLaterConditions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	amountGate := &workflow.ConditionConfig{
		Field: "amount", Operator: workflow.OpGt, Value: "50000",
	}
	def := &workflow.Definition{
		ModuleType: "contract",
		Code:       "contract_writeback",
		Nodes: []workflow.Node{
			{Key: "start", Type: workflow.NodeTypeStart},
			approvalNode("manager", workflow.ApprovalModeOr, "u1"),
			{Key: "gate", Type: workflow.NodeTypeCondition, Condition: amountGate},
			approvalNode("director", workflow.ApprovalModeOr, "director1"),
			{Key: "end", Type: workflow.NodeTypeEnd},
		},
		Routes: []workflow.Route{
			{From: "start", To: "manager", Kind: workflow.RouteAlways},
			{From: "manager", To: "gate", Kind: workflow.RouteAlways},
			{From: "gate", To: "director", Kind: workflow.RouteCondition, Condition: amountGate, Order: 0},
			{From: "gate", To: "end", Kind: workflow.RouteAlways, Order: 1},
			{From: "director", To: "end", Kind: workflow.RouteAlways},
		},
	}
	env.activate(t, def)

	_, err := env.engine.Start(ctx, workflow.StartRequest{
		ModuleType: "contract", ModuleID: "c-1", OriginatorID: "origin",
		Record: map[string]any{"amount": 1000.0},
	})
	require.NoError(t, err)

	// 审批人改大金额，后续条件用更新后的快照求值
	inst, err := env.engine.ResolveTask(ctx, workflow.ResolveRequest{
		TaskID:        env.pendingTaskFor(t, "u1").ID,
		Decision:      workflow.DecisionApprove,
		ActorID:       "u1",
		UpdatedFields: map[string]any{"amount": 90000.0},
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceRunning, inst.Status)
	assert.Equal(t, []string{"director"}, inst.ActiveNodes)
}

// =============================================================================
// 并行与汇聚
// =============================================================================

func parallelContractDefinition() *workflow.Definition {
	return &workflow.Definition{
		ModuleType: "contract",
		Code:       "contract_parallel",
		Nodes: []workflow.Node{
			{Key: "start", Type: workflow.NodeTypeStart},
			{Key: "fork", Type: workflow.NodeTypeParallel},
			approvalNode("legal", workflow.ApprovalModeOr, "legal1"),
			approvalNode("finance", workflow.ApprovalModeOr, "fin1"),
			{Key: "join", Type: workflow.NodeTypeMerge},
			{Key: "end", Type: workflow.NodeTypeEnd},
		},
		Routes: []workflow.Route{
			{From: "start", To: "fork", Kind: workflow.RouteAlways},
			{From: "fork", To: "legal", Kind: workflow.RouteAlways},
			{From: "fork", To: "finance", Kind: workflow.RouteAlways},
			{From: "legal", To: "join", Kind: workflow.RouteAlways},
			{From: "finance", To: "join", Kind: workflow.RouteAlways},
			{From: "join", To: "end", Kind: workflow.RouteAlways},
		},
	}
}

func TestEngine_ParallelBranchesMerge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.activate(t, parallelContractDefinition())

	inst, err := env.engine.Start(ctx, workflow.StartRequest{
		ModuleType: "contract", ModuleID: "c-1", OriginatorID: "origin",
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"legal", "finance"}, inst.ActiveNodes)

	// 第一条分支到达 merge 后停驻等待
	inst, err = env.engine.ResolveTask(ctx, workflow.ResolveRequest{
		TaskID: env.pendingTaskFor(t, "legal1").ID, Decision: workflow.DecisionApprove, ActorID: "legal1",
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceRunning, inst.Status)
	assert.ElementsMatch(t, []string{"finance", "join"}, inst.ActiveNodes)

	// 第二条分支到齐，merge 触发，实例完成
	inst, err = env.engine.ResolveTask(ctx, workflow.ResolveRequest{
		TaskID: env.pendingTaskFor(t, "fin1").ID, Decision: workflow.DecisionApprove, ActorID: "fin1",
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceCompleted, inst.Status)
	assert.Empty(t, inst.ActiveNodes)
	assert.Empty(t, inst.MergeArrivals)
}

func TestEngine_ParallelBranchToEndWaitsForSiblings(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// 第一条出边直达 end，审批分支排在其后
	def := &workflow.Definition{
		ModuleType: "contract",
		Code:       "contract_archive_branch",
		Nodes: []workflow.Node{
			{Key: "start", Type: workflow.NodeTypeStart},
			{Key: "fork", Type: workflow.NodeTypeParallel},
			approvalNode("legal", workflow.ApprovalModeOr, "legal1"),
			{Key: "archive", Type: workflow.NodeTypeEnd},
			{Key: "end", Type: workflow.NodeTypeEnd},
		},
		Routes: []workflow.Route{
			{From: "start", To: "fork", Kind: workflow.RouteAlways},
			{From: "fork", To: "archive", Kind: workflow.RouteAlways, Order: 0},
			{From: "fork", To: "legal", Kind: workflow.RouteAlways, Order: 1},
			{From: "legal", To: "end", Kind: workflow.RouteAlways},
		},
	}
	env.activate(t, def)

	// 先到 end 的分支不得提前完成实例，审批分支必须照常派发
	inst, err := env.engine.Start(ctx, workflow.StartRequest{
		ModuleType: "contract", ModuleID: "c-1", OriginatorID: "origin",
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceRunning, inst.Status)
	assert.Equal(t, []string{"legal"}, inst.ActiveNodes)

	task := env.pendingTaskFor(t, "legal1")
	inst, err = env.engine.ResolveTask(ctx, workflow.ResolveRequest{
		TaskID: task.ID, Decision: workflow.DecisionApprove, ActorID: "legal1",
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceCompleted, inst.Status)
	assert.Equal(t, "end", inst.EndNodeKey)
}

func TestEngine_MergeFiresWithoutUntakenConditionArm(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	highValue := &workflow.ConditionConfig{
		Field: "amount", Operator: workflow.OpGt, Value: "50000",
	}
	def := &workflow.Definition{
		ModuleType: "contract",
		Code:       "contract_diamond",
		Nodes: []workflow.Node{
			{Key: "start", Type: workflow.NodeTypeStart},
			{Key: "fork", Type: workflow.NodeTypeParallel},
			approvalNode("legal", workflow.ApprovalModeOr, "legal1"),
			{Key: "gate", Type: workflow.NodeTypeCondition, Condition: highValue},
			approvalNode("director", workflow.ApprovalModeOr, "director1"),
			approvalNode("finance", workflow.ApprovalModeOr, "fin1"),
			{Key: "join", Type: workflow.NodeTypeMerge},
			{Key: "end", Type: workflow.NodeTypeEnd},
		},
		Routes: []workflow.Route{
			{From: "start", To: "fork", Kind: workflow.RouteAlways},
			{From: "fork", To: "legal", Kind: workflow.RouteAlways},
			{From: "fork", To: "gate", Kind: workflow.RouteAlways},
			{From: "gate", To: "director", Kind: workflow.RouteCondition, Condition: highValue, Order: 0},
			{From: "gate", To: "finance", Kind: workflow.RouteAlways, Order: 1},
			{From: "legal", To: "join", Kind: workflow.RouteAlways},
			{From: "director", To: "join", Kind: workflow.RouteAlways},
			{From: "finance", To: "join", Kind: workflow.RouteAlways},
			{From: "join", To: "end", Kind: workflow.RouteAlways},
		},
	}
	env.activate(t, def)

	inst, err := env.engine.Start(ctx, workflow.StartRequest{
		ModuleType: "contract", ModuleID: "c-1", OriginatorID: "origin",
		Record: map[string]any{"amount": 80000.0},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"legal", "director"}, inst.ActiveNodes)

	inst, err = env.engine.ResolveTask(ctx, workflow.ResolveRequest{
		TaskID: env.pendingTaskFor(t, "legal1").ID, Decision: workflow.DecisionApprove, ActorID: "legal1",
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceRunning, inst.Status)

	// join 静态上有三条入边，但 gate 只会走其中一条；两条实际走过的
	// 分支到齐后汇聚必须触发，而不是等一条永远不会来的入边
	inst, err = env.engine.ResolveTask(ctx, workflow.ResolveRequest{
		TaskID: env.pendingTaskFor(t, "director1").ID, Decision: workflow.DecisionApprove, ActorID: "director1",
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceCompleted, inst.Status)
	assert.Empty(t, inst.ActiveNodes)
	assert.Empty(t, inst.MergeArrivals)
	assert.Empty(t, inst.StuckReason)
}

func TestEngine_MergeSettlesAfterSiblingBranchEnds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	highValue := &workflow.ConditionConfig{
		Field: "amount", Operator: workflow.OpGt, Value: "50000",
	}
	def := &workflow.Definition{
		ModuleType: "contract",
		Code:       "contract_early_exit",
		Nodes: []workflow.Node{
			{Key: "start", Type: workflow.NodeTypeStart},
			{Key: "fork", Type: workflow.NodeTypeParallel},
			approvalNode("legal", workflow.ApprovalModeOr, "legal1"),
			approvalNode("finance", workflow.ApprovalModeOr, "fin1"),
			{Key: "join", Type: workflow.NodeTypeMerge},
			{Key: "archive", Type: workflow.NodeTypeEnd},
			{Key: "end", Type: workflow.NodeTypeEnd},
		},
		Routes: []workflow.Route{
			{From: "start", To: "fork", Kind: workflow.RouteAlways},
			{From: "fork", To: "legal", Kind: workflow.RouteAlways},
			{From: "fork", To: "finance", Kind: workflow.RouteAlways},
			{From: "legal", To: "join", Kind: workflow.RouteAlways},
			{From: "finance", To: "join", Kind: workflow.RouteCondition, Condition: highValue, Order: 0},
			{From: "finance", To: "archive", Kind: workflow.RouteAlways, Order: 1},
			{From: "join", To: "end", Kind: workflow.RouteAlways},
		},
	}
	env.activate(t, def)

	_, err := env.engine.Start(ctx, workflow.StartRequest{
		ModuleType: "contract", ModuleID: "c-1", OriginatorID: "origin",
		Record: map[string]any{"amount": 500.0},
	})
	require.NoError(t, err)

	// 法务先批，join 停驻等财务分支
	inst, err := env.engine.ResolveTask(ctx, workflow.ResolveRequest{
		TaskID: env.pendingTaskFor(t, "legal1").ID, Decision: workflow.DecisionApprove, ActorID: "legal1",
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceRunning, inst.Status)
	assert.ElementsMatch(t, []string{"finance", "join"}, inst.ActiveNodes)

	// 小额合同的财务分支走兜底直达 archive 消亡；join 的另一条入边
	// 就此不可能再来，汇聚必须随之触发而不是永久挂起
	inst, err = env.engine.ResolveTask(ctx, workflow.ResolveRequest{
		TaskID: env.pendingTaskFor(t, "fin1").ID, Decision: workflow.DecisionApprove, ActorID: "fin1",
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceCompleted, inst.Status)
	assert.Equal(t, "end", inst.EndNodeKey)
	assert.Empty(t, inst.ActiveNodes)
	assert.Empty(t, inst.MergeArrivals)
}

func TestEngine_ParallelRejectCancelsAllBranches(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.activate(t, parallelContractDefinition())

	_, err := env.engine.Start(ctx, workflow.StartRequest{
		ModuleType: "contract", ModuleID: "c-1", OriginatorID: "origin",
	})
	require.NoError(t, err)

	inst, err := env.engine.ResolveTask(ctx, workflow.ResolveRequest{
		TaskID: env.pendingTaskFor(t, "legal1").ID, Decision: workflow.DecisionReject, ActorID: "legal1",
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceRejected, inst.Status)

	// 另一条分支的任务也被收尾，不留悬挂任务
	tasks, err := env.engine.ListMyTasks(ctx, "fin1", workflow.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, workflow.TaskSkipped, tasks[0].Status)
}

// =============================================================================
// 撤回
// =============================================================================

func TestEngine_Withdraw(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.activate(t, linearContractDefinition())

	inst, err := env.engine.Start(ctx, workflow.StartRequest{
		ModuleType: "contract", ModuleID: "c-1", OriginatorID: "origin",
	})
	require.NoError(t, err)

	// 非发起人不能撤回
	_, err = env.engine.Withdraw(ctx, inst.ID, "u1", "")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrPermissionDenied))

	inst, err = env.engine.Withdraw(ctx, inst.ID, "origin", "填错了")
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceCancelled, inst.Status)

	// 未决任务整体作废
	tasks, err := env.engine.ListMyTasks(ctx, "u1", workflow.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, workflow.TaskWithdrawn, tasks[0].Status)

	// 已结束实例不能再撤回
	_, err = env.engine.Withdraw(ctx, inst.ID, "origin", "")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrInstanceNotRunning))

	assert.Equal(t, []workflow.InstanceStatus{workflow.InstanceCancelled}, env.obs.finishedStatuses())
}

func TestEngine_WithdrawDecisionReportsCancelledInstance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.activate(t, linearContractDefinition())

	_, err := env.engine.Start(ctx, workflow.StartRequest{
		ModuleType: "contract", ModuleID: "c-1", OriginatorID: "origin",
	})
	require.NoError(t, err)

	// 发起人从任务入口撤回，终态上报口径必须与 Withdraw 入口一致
	task := env.pendingTaskFor(t, "u1")
	inst, err := env.engine.ResolveTask(ctx, workflow.ResolveRequest{
		TaskID: task.ID, Decision: workflow.DecisionWithdraw, ActorID: "origin",
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceCancelled, inst.Status)

	assert.Equal(t, []workflow.InstanceStatus{workflow.InstanceCancelled}, env.obs.finishedStatuses())
}

// =============================================================================
// 停滞与恢复
// =============================================================================

func TestEngine_StuckOnEmptyApproversAndResume(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	def := linearContractDefinition()
	def.Code = "contract_cfo"
	def.Nodes[1] = workflow.Node{Key: "manager", Type: workflow.NodeTypeApproval, Approval: &workflow.ApprovalConfig{
		Mode:      workflow.ApprovalModeOr,
		Approvers: []workflow.ApproverSpec{{Kind: workflow.ApproverKindRole, Value: "cfo"}},
	}}
	env.activate(t, def)

	// cfo 角色还没有人，实例进入 error 子状态而不是失败或静默跳过
	inst, err := env.engine.Start(ctx, workflow.StartRequest{
		ModuleType: "contract", ModuleID: "c-1", OriginatorID: "origin",
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceRunning, inst.Status)
	assert.NotEmpty(t, inst.StuckReason)
	assert.Equal(t, []string{"manager"}, inst.ActiveNodes)
	assert.Contains(t, historyActions(t, env, inst.ID), workflow.HistoryStuck)

	// 管理员补齐 cfo 角色后恢复，停驻节点重试并生成任务
	env.dir.set(workflow.ApproverKindRole, "cfo", "cfo1")
	env.dir.set(workflow.ApproverKindUser, "cfo1", "cfo1")

	resumed, err := env.engine.Resume(ctx, inst.ID, "admin")
	require.NoError(t, err)
	assert.Empty(t, resumed.StuckReason)

	task := env.pendingTaskFor(t, "cfo1")
	inst, err = env.engine.ResolveTask(ctx, workflow.ResolveRequest{
		TaskID: task.ID, Decision: workflow.DecisionApprove, ActorID: "cfo1",
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceCompleted, inst.Status)
	assert.Contains(t, historyActions(t, env, inst.ID), workflow.HistoryResume)
}

func TestEngine_ResumeLogsOriginalStuckReason(t *testing.T) {
	ctx := context.Background()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "engine.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate(db))

	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)
	dir := &stubDirectory{users: map[string][]string{}}
	st := store.New(db, logger)
	engine := workflow.NewEngine(st, dir, logger)
	manager := workflow.NewDefinitionManager(st, logger)

	saved, err := manager.Save(ctx, linearContractDefinition())
	require.NoError(t, err)
	_, err = manager.Activate(ctx, saved.ID)
	require.NoError(t, err)

	// u1 尚未入目录，实例停驻
	inst, err := engine.Start(ctx, workflow.StartRequest{
		ModuleType: "contract", ModuleID: "c-1", OriginatorID: "origin",
	})
	require.NoError(t, err)
	require.NotEmpty(t, inst.StuckReason)
	stuckReason := inst.StuckReason

	dir.set(workflow.ApproverKindUser, "u1", "u1")
	resumed, err := engine.Resume(ctx, inst.ID, "admin")
	require.NoError(t, err)
	require.Empty(t, resumed.StuckReason)

	// 恢复日志必须带上恢复前的停驻原因，而不是清空后的新状态
	entries := logs.FilterMessage("instance resumed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, stuckReason, entries[0].ContextMap()["stuck_reason"])
}

func TestEngine_ResumeRequiresStuckState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.activate(t, linearContractDefinition())

	inst, err := env.engine.Start(ctx, workflow.StartRequest{
		ModuleType: "contract", ModuleID: "c-1", OriginatorID: "origin",
	})
	require.NoError(t, err)

	_, err = env.engine.Resume(ctx, inst.ID, "admin")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest))
}

// =============================================================================
// 到期扫描
// =============================================================================

func TestEngine_SweepDueTasks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	def := linearContractDefinition()
	def.Code = "contract_due"
	def.Nodes[1].Approval.ResolveWithin = time.Hour
	env.activate(t, def)

	_, err := env.engine.Start(ctx, workflow.StartRequest{
		ModuleType: "contract", ModuleID: "c-1", OriginatorID: "origin",
	})
	require.NoError(t, err)

	// 还没到期
	flagged, err := env.engine.SweepDueTasks(ctx)
	require.NoError(t, err)
	assert.Zero(t, flagged)

	env.clock.Advance(2 * time.Hour)

	flagged, err = env.engine.SweepDueTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, flagged)

	task := env.pendingTaskFor(t, "u1")
	assert.True(t, task.Overdue)

	// 再次扫描不会重复标记
	flagged, err = env.engine.SweepDueTasks(ctx)
	require.NoError(t, err)
	assert.Zero(t, flagged)

	// 过期任务仍然可以正常处理
	inst, err := env.engine.ResolveTask(ctx, workflow.ResolveRequest{
		TaskID: task.ID, Decision: workflow.DecisionApprove, ActorID: "u1",
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceCompleted, inst.Status)
}
