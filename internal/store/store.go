package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/approvalflow/types"
	"github.com/BaSui01/approvalflow/workflow"
)

// =============================================================================
// 🗄️ gorm 存储实现
// =============================================================================

// Store implements workflow.Store over a gorm DB handle. The zero handle is
// the root store; InTx derives transaction-scoped stores from it.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ workflow.Store = (*Store)(nil)

// New creates a store over an opened gorm DB.
func New(db *gorm.DB, logger *zap.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With(zap.String("component", "store")),
	}
}

// AutoMigrate creates or updates the engine tables. Production deployments
// run versioned SQL migrations instead (internal/migration); this path
// serves tests and the sqlite dev mode.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&DefinitionRow{},
		&InstanceRow{},
		&TaskRow{},
		&HistoryRow{},
	)
}

// InTx runs fn against a transaction-scoped store.
func (s *Store) InTx(ctx context.Context, fn func(tx workflow.Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, logger: s.logger})
	})
}

// =============================================================================
// 📋 定义
// =============================================================================

// SaveDefinition upserts one definition row.
func (s *Store) SaveDefinition(ctx context.Context, def *workflow.Definition) error {
	if def.ID == "" {
		return types.NewError(types.ErrInvalidRequest, "definition id is required")
	}
	if err := s.db.WithContext(ctx).Save(definitionToRow(def)).Error; err != nil {
		return fmt.Errorf("save definition %s: %w", def.ID, err)
	}
	return nil
}

// GetDefinition loads one definition by id.
func (s *Store) GetDefinition(ctx context.Context, id string) (*workflow.Definition, error) {
	var row DefinitionRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewNotFoundError(fmt.Sprintf("definition %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("get definition %s: %w", id, err)
	}
	return definitionFromRow(&row), nil
}

// ListDefinitions returns all versions for a module type, newest first.
func (s *Store) ListDefinitions(ctx context.Context, moduleType string) ([]*workflow.Definition, error) {
	var rows []DefinitionRow
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if moduleType != "" {
		q = q.Where("module_type = ?", moduleType)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	out := make([]*workflow.Definition, 0, len(rows))
	for i := range rows {
		out = append(out, definitionFromRow(&rows[i]))
	}
	return out, nil
}

// FindActiveDefinition returns the single highest-priority active
// definition for the module type. A tie at the top priority is ambiguous
// routing and is reported as NO_APPLICABLE_DEFINITION; activation normally
// prevents ties, this guards against rows edited out-of-band.
func (s *Store) FindActiveDefinition(ctx context.Context, moduleType string) (*workflow.Definition, error) {
	var rows []DefinitionRow
	err := s.db.WithContext(ctx).
		Where("module_type = ? AND active = ?", moduleType, true).
		Order("priority DESC").
		Limit(2).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("find active definition for %s: %w", moduleType, err)
	}
	switch {
	case len(rows) == 0:
		return nil, types.NewError(types.ErrNoApplicableDefinition,
			fmt.Sprintf("no active definition for module type %q", moduleType))
	case len(rows) > 1 && rows[0].Priority == rows[1].Priority:
		return nil, types.NewError(types.ErrNoApplicableDefinition,
			fmt.Sprintf("multiple active definitions for module type %q share priority %d",
				moduleType, rows[0].Priority))
	}
	return definitionFromRow(&rows[0]), nil
}

// =============================================================================
// ⚙️ 实例
// =============================================================================

// CreateInstance inserts a new instance row.
func (s *Store) CreateInstance(ctx context.Context, inst *workflow.Instance) error {
	if err := s.db.WithContext(ctx).Create(instanceToRow(inst)).Error; err != nil {
		return fmt.Errorf("create instance %s: %w", inst.ID, err)
	}
	return nil
}

// GetInstance loads one instance without locking.
func (s *Store) GetInstance(ctx context.Context, id string) (*workflow.Instance, error) {
	return s.getInstance(ctx, id, false)
}

// GetInstanceForUpdate loads one instance under a row lock. The instance
// row is the serialization point for everything that mutates an instance:
// concurrent resolutions, merge arrivals, withdraws.
func (s *Store) GetInstanceForUpdate(ctx context.Context, id string) (*workflow.Instance, error) {
	return s.getInstance(ctx, id, true)
}

func (s *Store) getInstance(ctx context.Context, id string, forUpdate bool) (*workflow.Instance, error) {
	q := s.db.WithContext(ctx)
	if forUpdate && s.db.Dialector.Name() != "sqlite" {
		// sqlite 没有行锁语法，单写者模型下等价串行；mysql/postgres 走
		// SELECT ... FOR UPDATE
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row InstanceRow
	err := q.First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewNotFoundError(fmt.Sprintf("instance %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("get instance %s: %w", id, err)
	}
	return instanceFromRow(&row), nil
}

// UpdateInstance persists the full instance state.
func (s *Store) UpdateInstance(ctx context.Context, inst *workflow.Instance) error {
	row := instanceToRow(inst)
	// Save 写全部列，活动节点集/汇聚令牌/记录快照都是整体覆盖
	if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
		return fmt.Errorf("update instance %s: %w", inst.ID, err)
	}
	return nil
}

// =============================================================================
// ✅ 任务
// =============================================================================

// CreateTasks inserts one activation's tasks. Referential integrity to the
// instance is enforced here, not assumed from caller discipline.
func (s *Store) CreateTasks(ctx context.Context, tasks []*workflow.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	for _, t := range tasks {
		var n int64
		if err := s.db.WithContext(ctx).Model(&InstanceRow{}).Where("id = ?", t.InstanceID).Count(&n).Error; err != nil {
			return fmt.Errorf("check instance %s: %w", t.InstanceID, err)
		}
		if n == 0 {
			return types.NewError(types.ErrInvalidRequest,
				fmt.Sprintf("task references unknown instance %s", t.InstanceID))
		}
	}
	rows := make([]*TaskRow, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, taskToRow(t))
	}
	if err := s.db.WithContext(ctx).Create(rows).Error; err != nil {
		return fmt.Errorf("create tasks: %w", err)
	}
	return nil
}

// GetTask loads one task without locking.
func (s *Store) GetTask(ctx context.Context, id string) (*workflow.Task, error) {
	return s.getTask(ctx, id, false)
}

// GetTaskForUpdate loads one task under a row lock.
func (s *Store) GetTaskForUpdate(ctx context.Context, id string) (*workflow.Task, error) {
	return s.getTask(ctx, id, true)
}

func (s *Store) getTask(ctx context.Context, id string, forUpdate bool) (*workflow.Task, error) {
	q := s.db.WithContext(ctx)
	if forUpdate && s.db.Dialector.Name() != "sqlite" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row TaskRow
	err := q.First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewNotFoundError(fmt.Sprintf("task %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return taskFromRow(&row), nil
}

// UpdateTask persists a task's state.
func (s *Store) UpdateTask(ctx context.Context, task *workflow.Task) error {
	if err := s.db.WithContext(ctx).Save(taskToRow(task)).Error; err != nil {
		return fmt.Errorf("update task %s: %w", task.ID, err)
	}
	return nil
}

// ListTasksByActivation returns every task of one approval node activation.
func (s *Store) ListTasksByActivation(ctx context.Context, instanceID, activationID string) ([]*workflow.Task, error) {
	var rows []TaskRow
	err := s.db.WithContext(ctx).
		Where("instance_id = ? AND activation_id = ?", instanceID, activationID).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list tasks by activation: %w", err)
	}
	return tasksFromRows(rows), nil
}

// ListPendingTasksByInstance returns every pending task across all of an
// instance's branches.
func (s *Store) ListPendingTasksByInstance(ctx context.Context, instanceID string) ([]*workflow.Task, error) {
	var rows []TaskRow
	err := s.db.WithContext(ctx).
		Where("instance_id = ? AND status = ?", instanceID, string(workflow.TaskPending)).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list pending tasks: %w", err)
	}
	return tasksFromRows(rows), nil
}

// ListTasksByAssignee returns one user's tasks with optional filters and
// pagination.
func (s *Store) ListTasksByAssignee(ctx context.Context, assigneeID string, filter workflow.TaskFilter) ([]*workflow.Task, error) {
	q := s.db.WithContext(ctx).Model(&TaskRow{}).Where("assignee_id = ?", assigneeID)
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.ModuleType != "" {
		q = q.Joins("JOIN workflow_instances ON workflow_instances.id = workflow_tasks.instance_id").
			Where("workflow_instances.module_type = ?", filter.ModuleType)
	}
	if filter.PageSize > 0 {
		page := filter.Page
		if page < 1 {
			page = 1
		}
		q = q.Offset((page - 1) * filter.PageSize).Limit(filter.PageSize)
	}
	var rows []TaskRow
	if err := q.Order("workflow_tasks.created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list tasks by assignee: %w", err)
	}
	return tasksFromRows(rows), nil
}

// ListDueTasks returns pending tasks past their due time and not yet
// flagged overdue.
func (s *Store) ListDueTasks(ctx context.Context, now time.Time) ([]*workflow.Task, error) {
	var rows []TaskRow
	err := s.db.WithContext(ctx).
		Where("status = ? AND overdue = ? AND due_at IS NOT NULL AND due_at <= ?",
			string(workflow.TaskPending), false, now).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list due tasks: %w", err)
	}
	return tasksFromRows(rows), nil
}

func tasksFromRows(rows []TaskRow) []*workflow.Task {
	out := make([]*workflow.Task, 0, len(rows))
	for i := range rows {
		out = append(out, taskFromRow(&rows[i]))
	}
	return out
}

// =============================================================================
// 📜 历史（只追加）
// =============================================================================

// AppendHistory inserts one audit entry. No update or delete operation is
// exposed anywhere on history rows.
func (s *Store) AppendHistory(ctx context.Context, entry *workflow.HistoryEntry) error {
	row := historyToRow(entry)
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	entry.ID = row.ID
	return nil
}

// ListHistory returns an instance's audit trail in chronological order.
func (s *Store) ListHistory(ctx context.Context, instanceID string) ([]*workflow.HistoryEntry, error) {
	var rows []HistoryRow
	err := s.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	out := make([]*workflow.HistoryEntry, 0, len(rows))
	for i := range rows {
		out = append(out, historyFromRow(&rows[i]))
	}
	return out, nil
}
