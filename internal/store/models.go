package store

import (
	"time"

	"github.com/BaSui01/approvalflow/workflow"
)

// =============================================================================
// 📦 表模型
// =============================================================================

// DefinitionRow 工作流定义表
type DefinitionRow struct {
	ID         string `gorm:"primaryKey;size:36"`
	ModuleType string `gorm:"size:64;not null;index"`
	Name       string `gorm:"size:128;not null"`
	Code       string `gorm:"size:64;not null;index"`
	Active     bool   `gorm:"not null;default:false;index"`
	Priority   int    `gorm:"not null;default:0"`
	Version    int    `gorm:"not null;default:1"`

	// 图结构整体 JSON 存储，节点/路由不拆表
	Nodes  []workflow.Node  `gorm:"serializer:json"`
	Routes []workflow.Route `gorm:"serializer:json"`

	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`
}

// TableName 指定表名
func (DefinitionRow) TableName() string { return "workflow_definitions" }

// InstanceRow 工作流实例表
type InstanceRow struct {
	ID           string `gorm:"primaryKey;size:36"`
	DefinitionID string `gorm:"size:36;not null;index"`
	ModuleType   string `gorm:"size:64;not null;index:idx_instances_module"`
	ModuleID     string `gorm:"size:64;not null;index:idx_instances_module"`
	OriginatorID string `gorm:"size:64;not null;index"`
	Status       string `gorm:"size:16;not null;index"`
	StuckReason  string `gorm:"type:text"`

	ActiveNodes   []string            `gorm:"serializer:json"`
	MergeArrivals map[string][]string `gorm:"serializer:json"`
	Record        map[string]any      `gorm:"serializer:json"`

	// Definition 启动时的图快照；定义后续编辑不影响在途实例
	Definition *workflow.Definition `gorm:"serializer:json"`

	EndNodeKey  string     `gorm:"size:64"`
	CreatedAt   time.Time  `gorm:"not null"`
	CompletedAt *time.Time ``
}

// TableName 指定表名
func (InstanceRow) TableName() string { return "workflow_instances" }

// TaskRow 审批任务表
type TaskRow struct {
	ID           string `gorm:"primaryKey;size:36"`
	InstanceID   string `gorm:"size:36;not null;index"`
	NodeKey      string `gorm:"size:64;not null"`
	ActivationID string `gorm:"size:36;not null;index"`
	AssigneeID   string `gorm:"size:64;not null;index:idx_tasks_assignee_status"`
	Status       string `gorm:"size:16;not null;index:idx_tasks_assignee_status"`
	Comment      string `gorm:"type:text"`
	Priority     int    `gorm:"not null;default:0"`
	Overdue      bool   `gorm:"not null;default:false"`
	DueAt        *time.Time
	CreatedAt    time.Time `gorm:"not null"`
	ResolvedAt   *time.Time
}

// TableName 指定表名
func (TaskRow) TableName() string { return "workflow_tasks" }

// HistoryRow 审计历史表（只追加，永不更新/删除）
type HistoryRow struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	InstanceID string `gorm:"size:36;not null;index"`
	NodeKey    string `gorm:"size:64"`
	Action     string `gorm:"size:32;not null"`
	OperatorID string `gorm:"size:64"`
	Comment    string `gorm:"type:text"`

	Condition *workflow.ConditionOutcome `gorm:"serializer:json"`

	CreatedAt time.Time `gorm:"not null;index"`
}

// TableName 指定表名
func (HistoryRow) TableName() string { return "workflow_history" }

// =============================================================================
// 🔄 行 <-> 领域模型转换
// =============================================================================

func definitionFromRow(r *DefinitionRow) *workflow.Definition {
	return &workflow.Definition{
		ID:         r.ID,
		ModuleType: r.ModuleType,
		Name:       r.Name,
		Code:       r.Code,
		Active:     r.Active,
		Priority:   r.Priority,
		Version:    r.Version,
		Nodes:      r.Nodes,
		Routes:     r.Routes,
	}
}

func definitionToRow(d *workflow.Definition) *DefinitionRow {
	return &DefinitionRow{
		ID:         d.ID,
		ModuleType: d.ModuleType,
		Name:       d.Name,
		Code:       d.Code,
		Active:     d.Active,
		Priority:   d.Priority,
		Version:    d.Version,
		Nodes:      d.Nodes,
		Routes:     d.Routes,
	}
}

func instanceFromRow(r *InstanceRow) *workflow.Instance {
	return &workflow.Instance{
		ID:            r.ID,
		DefinitionID:  r.DefinitionID,
		ModuleType:    r.ModuleType,
		ModuleID:      r.ModuleID,
		OriginatorID:  r.OriginatorID,
		Status:        workflow.InstanceStatus(r.Status),
		StuckReason:   r.StuckReason,
		ActiveNodes:   r.ActiveNodes,
		MergeArrivals: r.MergeArrivals,
		Record:        r.Record,
		Definition:    r.Definition,
		EndNodeKey:    r.EndNodeKey,
		CreatedAt:     r.CreatedAt,
		CompletedAt:   r.CompletedAt,
	}
}

func instanceToRow(in *workflow.Instance) *InstanceRow {
	return &InstanceRow{
		ID:            in.ID,
		DefinitionID:  in.DefinitionID,
		ModuleType:    in.ModuleType,
		ModuleID:      in.ModuleID,
		OriginatorID:  in.OriginatorID,
		Status:        string(in.Status),
		StuckReason:   in.StuckReason,
		ActiveNodes:   in.ActiveNodes,
		MergeArrivals: in.MergeArrivals,
		Record:        in.Record,
		Definition:    in.Definition,
		EndNodeKey:    in.EndNodeKey,
		CreatedAt:     in.CreatedAt,
		CompletedAt:   in.CompletedAt,
	}
}

func taskFromRow(r *TaskRow) *workflow.Task {
	return &workflow.Task{
		ID:           r.ID,
		InstanceID:   r.InstanceID,
		NodeKey:      r.NodeKey,
		ActivationID: r.ActivationID,
		AssigneeID:   r.AssigneeID,
		Status:       workflow.TaskStatus(r.Status),
		Comment:      r.Comment,
		Priority:     r.Priority,
		Overdue:      r.Overdue,
		DueAt:        r.DueAt,
		CreatedAt:    r.CreatedAt,
		ResolvedAt:   r.ResolvedAt,
	}
}

func taskToRow(t *workflow.Task) *TaskRow {
	return &TaskRow{
		ID:           t.ID,
		InstanceID:   t.InstanceID,
		NodeKey:      t.NodeKey,
		ActivationID: t.ActivationID,
		AssigneeID:   t.AssigneeID,
		Status:       string(t.Status),
		Comment:      t.Comment,
		Priority:     t.Priority,
		Overdue:      t.Overdue,
		DueAt:        t.DueAt,
		CreatedAt:    t.CreatedAt,
		ResolvedAt:   t.ResolvedAt,
	}
}

func historyFromRow(r *HistoryRow) *workflow.HistoryEntry {
	return &workflow.HistoryEntry{
		ID:         r.ID,
		InstanceID: r.InstanceID,
		NodeKey:    r.NodeKey,
		Action:     workflow.HistoryAction(r.Action),
		OperatorID: r.OperatorID,
		Comment:    r.Comment,
		Condition:  r.Condition,
		CreatedAt:  r.CreatedAt,
	}
}

func historyToRow(h *workflow.HistoryEntry) *HistoryRow {
	return &HistoryRow{
		ID:         h.ID,
		InstanceID: h.InstanceID,
		NodeKey:    h.NodeKey,
		Action:     string(h.Action),
		OperatorID: h.OperatorID,
		Comment:    h.Comment,
		Condition:  h.Condition,
		CreatedAt:  h.CreatedAt,
	}
}
