package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/approvalflow/types"
)

// =============================================================================
// 任务 / 审批生命周期
// =============================================================================

// activateApproval resolves the node's approver specs through the directory
// and creates one task per resolved user. Zero resolved users is a
// configuration error: the instance parks here in the error sub-state
// instead of silently skipping the node.
func (e *Engine) activateApproval(ctx context.Context, tx Store, inst *Instance, node *Node) error {
	cfg := node.Approval
	if cfg == nil {
		return types.NewConfigurationError(fmt.Sprintf("approval node %q has no config", node.Key))
	}

	assignees, err := e.resolveApprovers(ctx, cfg.Approvers)
	if err != nil {
		return err
	}
	if len(assignees) == 0 {
		return e.markStuck(ctx, tx, inst, node.Key,
			fmt.Sprintf("approval node %q resolved to zero approvers", node.Key))
	}

	now := e.now()
	activationID := uuid.NewString()
	var dueAt *time.Time
	if cfg.ResolveWithin > 0 {
		due := now.Add(cfg.ResolveWithin)
		dueAt = &due
	}

	tasks := make([]*Task, 0, len(assignees))
	for _, userID := range assignees {
		tasks = append(tasks, &Task{
			ID:           uuid.NewString(),
			InstanceID:   inst.ID,
			NodeKey:      node.Key,
			ActivationID: activationID,
			AssigneeID:   userID,
			Status:       TaskPending,
			Priority:     cfg.Priority,
			DueAt:        dueAt,
			CreatedAt:    now,
		})
	}
	if err := tx.CreateTasks(ctx, tasks); err != nil {
		return err
	}

	if !inst.HasActiveNode(node.Key) {
		inst.ActiveNodes = append(inst.ActiveNodes, node.Key)
	}

	if err := tx.AppendHistory(ctx, &HistoryEntry{
		InstanceID: inst.ID,
		NodeKey:    node.Key,
		Action:     HistoryTaskCreated,
		Comment:    fmt.Sprintf("assigned to %s", strings.Join(assignees, ", ")),
		CreatedAt:  now,
	}); err != nil {
		return err
	}

	e.logger.Info("approval tasks created",
		zap.String("instance_id", inst.ID),
		zap.String("node_key", node.Key),
		zap.String("activation_id", activationID),
		zap.Int("task_count", len(tasks)),
	)
	return nil
}

// resolveApprovers flattens approver specs into a de-duplicated user id
// list, preserving first-seen order.
func (e *Engine) resolveApprovers(ctx context.Context, specs []ApproverSpec) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, spec := range specs {
		users, err := e.directory.ResolveApprovers(ctx, spec)
		if err != nil {
			return nil, fmt.Errorf("resolve approver %s:%s: %w", spec.Kind, spec.Value, err)
		}
		for _, u := range users {
			if !seen[u] {
				seen[u] = true
				out = append(out, u)
			}
		}
	}
	return out, nil
}

// ResolveRequest carries one approver decision on a task.
type ResolveRequest struct {
	TaskID   string
	Decision Decision
	Comment  string
	ActorID  string
	// TransfereeID 转交目标用户，Decision == transfer 时必填
	TransfereeID string
	// UpdatedFields 审批人对可编辑字段的回写，合并进实例记录快照后
	// 参与后续条件求值
	UpdatedFields map[string]any
}

// ResolveTask applies one decision to a task and advances the instance as
// far as the decision allows, all inside a single transaction. The instance
// row lock serializes concurrent resolutions on the same activation, so two
// simultaneous approvals of an or-node cannot both believe they are first;
// the loser observes a terminal task and gets TASK_ALREADY_RESOLVED.
func (e *Engine) ResolveTask(ctx context.Context, req ResolveRequest) (*Instance, error) {
	ctx, span := e.tracer.Start(ctx, "engine.ResolveTask",
		trace.WithAttributes(
			attribute.String("task_id", req.TaskID),
			attribute.String("decision", string(req.Decision)),
		))
	defer span.End()

	if req.TaskID == "" || req.ActorID == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "task id and actor id are required")
	}

	var inst *Instance
	err := e.store.InTx(ctx, func(tx Store) error {
		// 先无锁读出 instance id，再按 实例 → 任务 的固定顺序加锁，
		// 避免交叉加锁死锁。
		peek, err := tx.GetTask(ctx, req.TaskID)
		if err != nil {
			return err
		}

		inst, err = tx.GetInstanceForUpdate(ctx, peek.InstanceID)
		if err != nil {
			return err
		}
		task, err := tx.GetTaskForUpdate(ctx, req.TaskID)
		if err != nil {
			return err
		}

		if task.Status.Terminal() {
			return types.NewError(types.ErrTaskAlreadyResolved,
				fmt.Sprintf("task %s is already %s", task.ID, task.Status))
		}
		if inst.Status != InstanceRunning {
			return types.NewError(types.ErrInstanceNotRunning,
				fmt.Sprintf("instance %s is %s", inst.ID, inst.Status))
		}

		switch req.Decision {
		case DecisionWithdraw:
			if req.ActorID != inst.OriginatorID {
				return types.NewError(types.ErrPermissionDenied, "only the originator may withdraw an instance")
			}
			return e.cancelLocked(ctx, tx, inst, req.ActorID, req.Comment)
		case DecisionApprove, DecisionReject, DecisionTransfer:
			if req.ActorID != task.AssigneeID {
				return types.NewError(types.ErrPermissionDenied,
					fmt.Sprintf("task %s is not assigned to user %s", task.ID, req.ActorID))
			}
		default:
			return types.NewError(types.ErrInvalidRequest,
				fmt.Sprintf("unknown decision %q", req.Decision))
		}

		if req.Decision == DecisionTransfer {
			if err := e.transferLocked(ctx, tx, inst, task, req); err != nil {
				return err
			}
			return tx.UpdateInstance(ctx, inst)
		}

		// 可编辑字段回写，后续条件求值用更新后的快照
		for k, v := range req.UpdatedFields {
			inst.Record[k] = v
		}

		now := e.now()
		task.Comment = req.Comment
		task.ResolvedAt = &now
		if req.Decision == DecisionApprove {
			task.Status = TaskApproved
		} else {
			task.Status = TaskRejected
		}
		if err := tx.UpdateTask(ctx, task); err != nil {
			return err
		}

		action := HistoryApprove
		if req.Decision == DecisionReject {
			action = HistoryReject
		}
		if err := tx.AppendHistory(ctx, &HistoryEntry{
			InstanceID: inst.ID,
			NodeKey:    task.NodeKey,
			Action:     action,
			OperatorID: req.ActorID,
			Comment:    req.Comment,
			CreatedAt:  now,
		}); err != nil {
			return err
		}

		if err := e.aggregate(ctx, tx, inst, task); err != nil {
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

	e.observer.TaskResolved(req.Decision)
	e.logger.Info("task resolved",
		zap.String("task_id", req.TaskID),
		zap.String("decision", string(req.Decision)),
		zap.String("instance_id", inst.ID),
		zap.String("instance_status", string(inst.Status)),
	)
	switch inst.Status {
	case InstanceRejected:
		e.observer.InstanceFinished(inst.ModuleType, InstanceRejected)
	case InstanceCancelled:
		e.observer.InstanceFinished(inst.ModuleType, InstanceCancelled)
	}
	return inst, nil
}

// transferLocked reassigns a seat: the old task becomes terminal with
// status transferred and a fresh pending task is created for the
// transferee under the same activation, so aggregation still sees one
// outstanding seat and the audit trail keeps the original assignee.
func (e *Engine) transferLocked(ctx context.Context, tx Store, inst *Instance, task *Task, req ResolveRequest) error {
	if req.TransfereeID == "" {
		return types.NewError(types.ErrInvalidRequest, "transferee id is required for transfer")
	}
	if req.TransfereeID == task.AssigneeID {
		return types.NewError(types.ErrInvalidRequest, "cannot transfer a task to its current assignee")
	}

	now := e.now()
	task.Status = TaskTransferred
	task.Comment = req.Comment
	task.ResolvedAt = &now
	if err := tx.UpdateTask(ctx, task); err != nil {
		return err
	}

	replacement := &Task{
		ID:           uuid.NewString(),
		InstanceID:   task.InstanceID,
		NodeKey:      task.NodeKey,
		ActivationID: task.ActivationID,
		AssigneeID:   req.TransfereeID,
		Status:       TaskPending,
		Priority:     task.Priority,
		DueAt:        task.DueAt,
		CreatedAt:    now,
	}
	if err := tx.CreateTasks(ctx, []*Task{replacement}); err != nil {
		return err
	}

	return tx.AppendHistory(ctx, &HistoryEntry{
		InstanceID: inst.ID,
		NodeKey:    task.NodeKey,
		Action:     HistoryTransfer,
		OperatorID: req.ActorID,
		Comment:    fmt.Sprintf("transferred to %s; %s", req.TransfereeID, req.Comment),
		CreatedAt:  now,
	})
}

// aggregate applies the node's or/and rule after one task reached approved
// or rejected, and advances or rejects the instance accordingly.
func (e *Engine) aggregate(ctx context.Context, tx Store, inst *Instance, task *Task) error {
	node := inst.Definition.Node(task.NodeKey)
	if node == nil || node.Approval == nil {
		return types.NewConfigurationError(
			fmt.Sprintf("task %s references non-approval node %q", task.ID, task.NodeKey))
	}

	// 任一拒绝立即否决节点并级联否决实例，不论 or/and
	if task.Status == TaskRejected {
		return e.rejectInstance(ctx, tx, inst)
	}

	siblings, err := tx.ListTasksByActivation(ctx, inst.ID, task.ActivationID)
	if err != nil {
		return err
	}

	switch node.Approval.Mode {
	case ApprovalModeOr:
		// 或签：第一个通过即节点通过，其余未决任务收尾为 skipped
		if err := e.skipPending(ctx, tx, siblings); err != nil {
			return err
		}
	case ApprovalModeAnd:
		// 会签：所有席位都 approved 才通过（transferred 席位已由
		// 替补任务顶上，不参与计数）
		for _, t := range siblings {
			switch t.Status {
			case TaskApproved, TaskTransferred:
			default:
				return nil // still waiting on someone
			}
		}
	default:
		return types.NewConfigurationError(
			fmt.Sprintf("approval node %q has invalid mode %q", node.Key, node.Approval.Mode))
	}

	inst.removeActiveNode(node.Key)
	return e.routeFrom(ctx, tx, inst, node.Key)
}

// rejectInstance short-circuits the whole instance on the first rejection:
// every remaining pending task (all branches included) becomes skipped and
// the instance lands in the terminal rejected state.
func (e *Engine) rejectInstance(ctx context.Context, tx Store, inst *Instance) error {
	pending, err := tx.ListPendingTasksByInstance(ctx, inst.ID)
	if err != nil {
		return err
	}
	if err := e.skipPending(ctx, tx, pending); err != nil {
		return err
	}

	now := e.now()
	inst.Status = InstanceRejected
	inst.ActiveNodes = nil
	inst.CompletedAt = &now
	return nil
}

// skipPending marks every still-pending task in the list as skipped.
func (e *Engine) skipPending(ctx context.Context, tx Store, tasks []*Task) error {
	now := e.now()
	for _, t := range tasks {
		if t.Status != TaskPending {
			continue
		}
		t.Status = TaskSkipped
		t.ResolvedAt = &now
		if err := tx.UpdateTask(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// SweepDueTasks flags pending tasks whose deadline passed. It is a periodic
// batch job, not a correctness requirement: overdue tasks stay resolvable,
// the flag only feeds reminders and operator dashboards.
func (e *Engine) SweepDueTasks(ctx context.Context) (int, error) {
	now := e.now()
	var flagged int
	err := e.store.InTx(ctx, func(tx Store) error {
		due, err := tx.ListDueTasks(ctx, now)
		if err != nil {
			return err
		}
		for _, t := range due {
			t.Overdue = true
			if err := tx.UpdateTask(ctx, t); err != nil {
				return err
			}
			if err := tx.AppendHistory(ctx, &HistoryEntry{
				InstanceID: t.InstanceID,
				NodeKey:    t.NodeKey,
				Action:     HistoryTimeout,
				Comment:    fmt.Sprintf("task for %s overdue", t.AssigneeID),
				CreatedAt:  now,
			}); err != nil {
				return err
			}
			flagged++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if flagged > 0 {
		e.logger.Info("due-task sweep flagged overdue tasks", zap.Int("count", flagged))
	}
	return flagged, nil
}
