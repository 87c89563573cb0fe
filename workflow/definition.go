package workflow

import (
	"sort"
	"time"
)

// =============================================================================
// 工作流定义模型
// =============================================================================
// 节点/路由图是一个异构变体：每种节点类型有自己的配置形状，用
// 类型枚举 + 按类型的配置结构体表达，而不是动态字段访问。
// =============================================================================

// NodeType defines the type of a graph node.
type NodeType string

const (
	// NodeTypeStart is the single entry node of a definition
	NodeTypeStart NodeType = "start"
	// NodeTypeEnd is a terminal node; a definition may have several
	NodeTypeEnd NodeType = "end"
	// NodeTypeApproval dispatches tasks to approvers and waits
	NodeTypeApproval NodeType = "approval"
	// NodeTypeCondition branches on record data, first matching route wins
	NodeTypeCondition NodeType = "condition"
	// NodeTypeParallel fans out every outgoing route as its own branch
	NodeTypeParallel NodeType = "parallel"
	// NodeTypeMerge joins parallel branches, firing once all have arrived
	NodeTypeMerge NodeType = "merge"
)

// ApprovalMode defines how multiple approver decisions aggregate.
type ApprovalMode string

const (
	// ApprovalModeOr 或签：第一个决定生效
	ApprovalModeOr ApprovalMode = "or"
	// ApprovalModeAnd 会签：全部通过才通过，任一拒绝即拒绝
	ApprovalModeAnd ApprovalMode = "and"
)

// ApproverKind is the closed variant of approver spec kinds.
type ApproverKind string

const (
	ApproverKindUser       ApproverKind = "user"
	ApproverKindRole       ApproverKind = "role"
	ApproverKindDepartment ApproverKind = "department"
)

// ApproverSpec names a set of users indirectly: a concrete user, everyone
// holding a role, or every member of a department. Resolution happens at
// node activation time through the organization directory.
type ApproverSpec struct {
	Kind  ApproverKind `json:"kind"`
	Value string       `json:"value"`
}

// FieldControl 审批节点上单个业务字段的展示控制
type FieldControl struct {
	Visible  bool `json:"visible"`
	Editable bool `json:"editable"`
	Required bool `json:"required"`
}

// ApprovalConfig is the type-specific configuration of an approval node.
type ApprovalConfig struct {
	// Mode 聚合方式：or（或签）/ and（会签）
	Mode ApprovalMode `json:"mode"`
	// Approvers 审批人规格列表，激活时逐个解析为具体用户
	Approvers []ApproverSpec `json:"approvers"`
	// ResolveWithin bounds how long tasks may stay pending before the
	// due-task sweep flags them. Zero means no deadline.
	ResolveWithin time.Duration `json:"resolve_within,omitempty"`
	// Priority 任务优先级，透传到生成的任务上
	Priority int `json:"priority,omitempty"`
	// FieldControls 按字段名的可见/可编辑/必填控制，可选
	FieldControls map[string]FieldControl `json:"field_controls,omitempty"`
}

// Operator is a condition comparison operator.
type Operator string

const (
	OpEq          Operator = "eq"
	OpNe          Operator = "ne"
	OpGt          Operator = "gt"
	OpGte         Operator = "gte"
	OpLt          Operator = "lt"
	OpLte         Operator = "lte"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpBetween     Operator = "between"
	OpIsNull      Operator = "is_null"
	OpIsNotNull   Operator = "is_not_null"
)

// ConditionConfig is the flat field/operator/value condition shape shared by
// condition nodes and conditional routes. Value2 is only meaningful for the
// between operator.
type ConditionConfig struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    string   `json:"value,omitempty"`
	Value2   string   `json:"value2,omitempty"`
}

// Node is a typed step in the definition graph. Exactly one of the config
// pointers is set, matching Type; the rest stay nil.
type Node struct {
	// Key 定义内唯一标识
	Key string `json:"key"`
	// Type 节点类型
	Type NodeType `json:"type"`
	// Name 展示名称
	Name string `json:"name,omitempty"`
	// Approval 审批节点配置（Type == approval 时非空）
	Approval *ApprovalConfig `json:"approval,omitempty"`
	// Condition 条件节点配置（Type == condition 时非空）
	Condition *ConditionConfig `json:"condition,omitempty"`
}

// RouteKind distinguishes unconditional from conditional edges.
type RouteKind string

const (
	RouteAlways    RouteKind = "always"
	RouteCondition RouteKind = "condition"
)

// Route is a directed, optionally conditional edge between two nodes.
type Route struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	Kind RouteKind `json:"kind"`
	// Condition 条件路由的判断配置（Kind == condition 时非空）
	Condition *ConditionConfig `json:"condition,omitempty"`
	// Order 同一源节点的条件路由按 Order 升序求值，第一条命中生效
	Order int `json:"order"`
}

// Definition is the designed workflow graph for a module type.
// Once an instance references a definition it is immutable: the engine
// snapshots nodes and routes into the instance record at start time, and
// edits to an active definition create a new version.
type Definition struct {
	ID         string `json:"id"`
	ModuleType string `json:"module_type"`
	Name       string `json:"name"`
	// Code 人读的唯一编码，跨版本保持不变
	Code   string `json:"code"`
	Active bool   `json:"active"`
	// Priority 同一模块类型有多个激活定义时取最高优先级；并列视为配置错误
	Priority int     `json:"priority"`
	Version  int     `json:"version"`
	Nodes    []Node  `json:"nodes"`
	Routes   []Route `json:"routes"`
}

// Node returns the node with the given key, or nil.
func (d *Definition) Node(key string) *Node {
	for i := range d.Nodes {
		if d.Nodes[i].Key == key {
			return &d.Nodes[i]
		}
	}
	return nil
}

// StartNode returns the start node, or nil for a malformed definition.
func (d *Definition) StartNode() *Node {
	for i := range d.Nodes {
		if d.Nodes[i].Type == NodeTypeStart {
			return &d.Nodes[i]
		}
	}
	return nil
}

// Outgoing returns the outgoing routes of a node in evaluation order.
func (d *Definition) Outgoing(key string) []Route {
	var out []Route
	for _, r := range d.Routes {
		if r.From == key {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Incoming returns the incoming routes of a node.
func (d *Definition) Incoming(key string) []Route {
	var in []Route
	for _, r := range d.Routes {
		if r.To == key {
			in = append(in, r)
		}
	}
	return in
}

// CanReach reports whether a directed route path of at least one hop leads
// from one node to another.
func (d *Definition) CanReach(from, to string) bool {
	visited := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		for _, r := range d.Routes {
			if r.From != key || visited[r.To] {
				continue
			}
			if r.To == to {
				return true
			}
			visited[r.To] = true
			queue = append(queue, r.To)
		}
	}
	return false
}
