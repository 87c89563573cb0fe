package workflow

import (
	"context"
	"time"
)

// =============================================================================
// 持久化与组织架构接口
// =============================================================================
// 引擎对存储只依赖这组接口；internal/store 用 gorm 实现，测试里用
// 内存 sqlite。每次状态迁移都应在 InTx 的一个事务内完成。
// =============================================================================

// TaskFilter narrows ListTasksByAssignee.
type TaskFilter struct {
	Status     TaskStatus
	ModuleType string
	Page       int
	PageSize   int
}

// Store is the persistence contract of the engine. ForUpdate variants must
// acquire a row lock (SELECT ... FOR UPDATE or the dialect's equivalent) so
// concurrent resolutions on the same instance serialize.
type Store interface {
	// InTx runs fn against a transaction-scoped store. A non-nil error
	// rolls the transaction back.
	InTx(ctx context.Context, fn func(tx Store) error) error

	// --- definitions ---
	SaveDefinition(ctx context.Context, def *Definition) error
	GetDefinition(ctx context.Context, id string) (*Definition, error)
	ListDefinitions(ctx context.Context, moduleType string) ([]*Definition, error)
	// FindActiveDefinition returns the highest-priority active definition
	// for the module type, ErrNoApplicableDefinition when none exists or
	// when the top priority is ambiguous.
	FindActiveDefinition(ctx context.Context, moduleType string) (*Definition, error)

	// --- instances ---
	CreateInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	GetInstanceForUpdate(ctx context.Context, id string) (*Instance, error)
	UpdateInstance(ctx context.Context, inst *Instance) error

	// --- tasks ---
	CreateTasks(ctx context.Context, tasks []*Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	GetTaskForUpdate(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, task *Task) error
	ListTasksByActivation(ctx context.Context, instanceID, activationID string) ([]*Task, error)
	ListPendingTasksByInstance(ctx context.Context, instanceID string) ([]*Task, error)
	ListTasksByAssignee(ctx context.Context, assigneeID string, filter TaskFilter) ([]*Task, error)
	// ListDueTasks returns pending tasks whose due time has passed and that
	// are not yet flagged overdue.
	ListDueTasks(ctx context.Context, now time.Time) ([]*Task, error)

	// --- history ---
	AppendHistory(ctx context.Context, entry *HistoryEntry) error
	ListHistory(ctx context.Context, instanceID string) ([]*HistoryEntry, error)
}

// Directory resolves approver specs into concrete user ids against current
// organization data. Implementations are read-only; the engine never writes
// org data.
type Directory interface {
	// ResolveApprovers returns the active user ids an approver spec names. An
	// empty result is not an error here; the engine turns it into the
	// zero-approver configuration error with node context attached.
	ResolveApprovers(ctx context.Context, spec ApproverSpec) ([]string, error)
}
