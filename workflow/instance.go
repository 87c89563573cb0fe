package workflow

import "time"

// =============================================================================
// 运行期模型：实例 / 任务 / 历史
// =============================================================================

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	// InstanceRunning 正在执行（含停在 error 子状态的实例）
	InstanceRunning InstanceStatus = "running"
	// InstanceCompleted 成功走到 end 节点
	InstanceCompleted InstanceStatus = "completed"
	// InstanceRejected 任一必要审批被拒绝
	InstanceRejected InstanceStatus = "rejected"
	// InstanceCancelled 发起人撤回
	InstanceCancelled InstanceStatus = "cancelled"
)

// Instance is one running execution of a definition bound to a business
// record. The definition graph is snapshotted in at start time, so later
// edits to the definition never affect instances already in flight.
type Instance struct {
	ID           string         `json:"id"`
	DefinitionID string         `json:"definition_id"`
	ModuleType   string         `json:"module_type"`
	ModuleID     string         `json:"module_id"`
	OriginatorID string         `json:"originator_id"`
	Status       InstanceStatus `json:"status"`

	// StuckReason 非空表示实例处于 error 子状态：执行停住，等管理员
	// 修复配置后 Resume。status 保持 running，使其可查询可恢复。
	StuckReason string `json:"stuck_reason,omitempty"`

	// ActiveNodes 当前停留的节点键集合（审批节点和未齐的 merge 节点）；
	// 并行分支会同时有多个。
	ActiveNodes []string `json:"active_nodes"`

	// MergeArrivals 按 merge 节点键记录已送达令牌的来源节点键，
	// 用于恰好一次触发汇聚。
	MergeArrivals map[string][]string `json:"merge_arrivals,omitempty"`

	// inflight 本次推进中已派发、尚未送达的令牌目标节点键。只存在于
	// 单个事务的级联期间，不持久化；完成判定和汇聚判定都要把这些
	// 令牌当作活跃分支。
	inflight []string

	// Record 启动时绑定的业务记录字段快照，条件求值的数据源
	Record map[string]any `json:"record"`

	// Definition 图快照
	Definition *Definition `json:"definition"`

	// EndNodeKey 完成时命中的 end 节点键
	EndNodeKey  string     `json:"end_node_key,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// HasActiveNode reports whether the node key currently holds a token.
func (in *Instance) HasActiveNode(key string) bool {
	for _, k := range in.ActiveNodes {
		if k == key {
			return true
		}
	}
	return false
}

// removeActiveNode drops one token for the node key.
func (in *Instance) removeActiveNode(key string) {
	for i, k := range in.ActiveNodes {
		if k == key {
			in.ActiveNodes = append(in.ActiveNodes[:i], in.ActiveNodes[i+1:]...)
			return
		}
	}
}

// addInflight registers undelivered tokens by their destination node key.
func (in *Instance) addInflight(keys ...string) {
	in.inflight = append(in.inflight, keys...)
}

// dropInflight removes one in-flight token for the node key.
func (in *Instance) dropInflight(key string) {
	for i, k := range in.inflight {
		if k == key {
			in.inflight = append(in.inflight[:i], in.inflight[i+1:]...)
			return
		}
	}
}

// TaskStatus is the lifecycle state of a single approver task.
type TaskStatus string

const (
	TaskPending     TaskStatus = "pending"
	TaskApproved    TaskStatus = "approved"
	TaskRejected    TaskStatus = "rejected"
	TaskTransferred TaskStatus = "transferred"
	TaskWithdrawn   TaskStatus = "withdrawn"
	// TaskSkipped 或签短路后其余未决任务的终态，不留悬挂任务
	TaskSkipped TaskStatus = "skipped"
)

// Terminal reports whether the status admits no further resolution.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskApproved, TaskRejected, TaskWithdrawn, TaskSkipped:
		return true
	}
	return false
}

// Decision is an approver's action on a task.
type Decision string

const (
	DecisionApprove  Decision = "approve"
	DecisionReject   Decision = "reject"
	DecisionTransfer Decision = "transfer"
	DecisionWithdraw Decision = "withdraw"
)

// Task is one approver's pending or resolved decision at an approval node
// activation.
type Task struct {
	ID         string `json:"id"`
	InstanceID string `json:"instance_id"`
	NodeKey    string `json:"node_key"`
	// ActivationID groups the tasks generated by one activation of an
	// approval node, so re-entry into the same node later produces a fresh
	// task group and aggregation never mixes generations.
	ActivationID string     `json:"activation_id"`
	AssigneeID   string     `json:"assignee_id"`
	Status       TaskStatus `json:"status"`
	Comment      string     `json:"comment,omitempty"`
	Priority     int        `json:"priority,omitempty"`
	// Overdue 由到期扫描置位，提示任务超出节点配置的处理时限
	Overdue    bool       `json:"overdue,omitempty"`
	DueAt      *time.Time `json:"due_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// HistoryAction classifies a history entry.
type HistoryAction string

const (
	HistoryStart              HistoryAction = "start"
	HistoryApprove            HistoryAction = "approve"
	HistoryReject             HistoryAction = "reject"
	HistoryTransfer           HistoryAction = "transfer"
	HistoryWithdraw           HistoryAction = "withdraw"
	HistoryComplete           HistoryAction = "complete"
	HistoryConditionEvaluated HistoryAction = "condition_evaluated"
	HistoryTaskCreated        HistoryAction = "task_created"
	HistoryStuck              HistoryAction = "stuck"
	HistoryResume             HistoryAction = "resume"
	HistoryTimeout            HistoryAction = "timeout"
)

// ConditionOutcome captures one condition evaluation for the audit trail.
type ConditionOutcome struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    string   `json:"value,omitempty"`
	Value2   string   `json:"value2,omitempty"`
	Matched  bool     `json:"matched"`
}

// HistoryEntry is one append-only audit record. Entries are never mutated
// or deleted after being written.
type HistoryEntry struct {
	ID         uint64            `json:"id"`
	InstanceID string            `json:"instance_id"`
	NodeKey    string            `json:"node_key,omitempty"`
	Action     HistoryAction     `json:"action"`
	OperatorID string            `json:"operator_id,omitempty"`
	Comment    string            `json:"comment,omitempty"`
	Condition  *ConditionOutcome `json:"condition,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}
