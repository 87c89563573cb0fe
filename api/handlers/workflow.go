package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/BaSui01/approvalflow/types"
	"github.com/BaSui01/approvalflow/workflow"
	"go.uber.org/zap"
)

// =============================================================================
// 🔄 工作流实例 Handler
// =============================================================================

// WorkflowHandler 工作流实例与审批任务处理器
type WorkflowHandler struct {
	engine *workflow.Engine
	logger *zap.Logger
}

// NewWorkflowHandler 创建工作流处理器
func NewWorkflowHandler(engine *workflow.Engine, logger *zap.Logger) *WorkflowHandler {
	return &WorkflowHandler{
		engine: engine,
		logger: logger,
	}
}

// StartWorkflowRequest 启动审批流请求
type StartWorkflowRequest struct {
	ModuleType   string         `json:"module_type"`
	ModuleID     string         `json:"module_id"`
	OriginatorID string         `json:"originator_id"`
	Record       map[string]any `json:"record"`
}

// ResolveTaskRequest 任务处理请求
type ResolveTaskRequest struct {
	TaskID        string         `json:"task_id"`
	Decision      string         `json:"decision"`
	Comment       string         `json:"comment,omitempty"`
	ActorID       string         `json:"actor_id"`
	TransfereeID  string         `json:"transferee_id,omitempty"`
	UpdatedFields map[string]any `json:"updated_fields,omitempty"`
}

// InstanceActionRequest 撤回/恢复请求
type InstanceActionRequest struct {
	ActorID string `json:"actor_id"`
	Comment string `json:"comment,omitempty"`
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleStart 启动审批流
// @Summary 启动审批流
// @Description 为业务记录启动匹配定义的审批流实例
// @Tags 工作流
// @Accept json
// @Produce json
// @Param request body StartWorkflowRequest true "启动请求"
// @Success 200 {object} Response{data=workflow.Instance} "实例"
// @Failure 400 {object} Response "参数错误"
// @Failure 409 {object} Response "没有可用定义"
// @Security ApiKeyAuth
// @Router /v1/workflows/start [post]
func (h *WorkflowHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	var req StartWorkflowRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if req.ModuleType == "" || req.ModuleID == "" || req.OriginatorID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"module_type, module_id and originator_id are required", h.logger)
		return
	}

	inst, err := h.engine.Start(r.Context(), workflow.StartRequest{
		ModuleType:   req.ModuleType,
		ModuleID:     req.ModuleID,
		OriginatorID: req.OriginatorID,
		Record:       req.Record,
	})
	if err != nil {
		WriteEngineError(w, err, h.logger)
		return
	}

	WriteSuccess(w, inst)
}

// HandleResolveTask 处理审批任务
// @Summary 处理审批任务
// @Description 审批人对任务作出同意/拒绝/转交/撤回决定
// @Tags 工作流
// @Accept json
// @Produce json
// @Param request body ResolveTaskRequest true "处理请求"
// @Success 200 {object} Response{data=workflow.Instance} "处理后的实例"
// @Failure 400 {object} Response "参数错误"
// @Failure 403 {object} Response "非任务受理人"
// @Failure 409 {object} Response "任务已处理或实例已结束"
// @Security ApiKeyAuth
// @Router /v1/tasks/resolve [post]
func (h *WorkflowHandler) HandleResolveTask(w http.ResponseWriter, r *http.Request) {
	var req ResolveTaskRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if req.TaskID == "" || req.ActorID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"task_id and actor_id are required", h.logger)
		return
	}

	decision := workflow.Decision(req.Decision)
	switch decision {
	case workflow.DecisionApprove, workflow.DecisionReject, workflow.DecisionTransfer, workflow.DecisionWithdraw:
	default:
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"decision must be one of approve, reject, transfer, withdraw", h.logger)
		return
	}

	if decision == workflow.DecisionTransfer && req.TransfereeID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"transferee_id is required for transfer", h.logger)
		return
	}

	inst, err := h.engine.ResolveTask(r.Context(), workflow.ResolveRequest{
		TaskID:        req.TaskID,
		Decision:      decision,
		Comment:       req.Comment,
		ActorID:       req.ActorID,
		TransfereeID:  req.TransfereeID,
		UpdatedFields: req.UpdatedFields,
	})
	if err != nil {
		WriteEngineError(w, err, h.logger)
		return
	}

	WriteSuccess(w, inst)
}

// HandleGetInstance 查询实例
// @Summary 查询实例
// @Description 返回实例当前状态与图快照
// @Tags 工作流
// @Produce json
// @Param id path string true "实例 ID"
// @Success 200 {object} Response{data=workflow.Instance} "实例"
// @Failure 404 {object} Response "实例不存在"
// @Security ApiKeyAuth
// @Router /v1/instances/{id} [get]
func (h *WorkflowHandler) HandleGetInstance(w http.ResponseWriter, r *http.Request) {
	instanceID := extractInstanceID(r)
	if instanceID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "instance ID is required", h.logger)
		return
	}

	inst, err := h.engine.GetInstance(r.Context(), instanceID)
	if err != nil {
		WriteEngineError(w, err, h.logger)
		return
	}

	WriteSuccess(w, inst)
}

// HandleHistory 查询实例历史
// @Summary 查询实例历史
// @Description 按时间顺序返回实例的全部审计历史
// @Tags 工作流
// @Produce json
// @Param id path string true "实例 ID"
// @Success 200 {object} Response{data=[]workflow.HistoryEntry} "历史条目"
// @Failure 404 {object} Response "实例不存在"
// @Security ApiKeyAuth
// @Router /v1/instances/{id}/history [get]
func (h *WorkflowHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	instanceID := extractInstanceID(r)
	if instanceID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "instance ID is required", h.logger)
		return
	}

	entries, err := h.engine.History(r.Context(), instanceID)
	if err != nil {
		WriteEngineError(w, err, h.logger)
		return
	}

	WriteSuccess(w, entries)
}

// HandleWithdraw 发起人撤回实例
// @Summary 撤回实例
// @Description 发起人撤回在途实例，所有待处理任务作废
// @Tags 工作流
// @Accept json
// @Produce json
// @Param id path string true "实例 ID"
// @Param request body InstanceActionRequest true "撤回请求"
// @Success 200 {object} Response{data=workflow.Instance} "撤回后的实例"
// @Failure 403 {object} Response "非发起人"
// @Failure 409 {object} Response "实例已结束"
// @Security ApiKeyAuth
// @Router /v1/instances/{id}/withdraw [post]
func (h *WorkflowHandler) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	instanceID := extractInstanceID(r)
	if instanceID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "instance ID is required", h.logger)
		return
	}

	var req InstanceActionRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.ActorID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "actor_id is required", h.logger)
		return
	}

	inst, err := h.engine.Withdraw(r.Context(), instanceID, req.ActorID, req.Comment)
	if err != nil {
		WriteEngineError(w, err, h.logger)
		return
	}

	WriteSuccess(w, inst)
}

// HandleResume 恢复停滞实例
// @Summary 恢复停滞实例
// @Description 管理员修复配置后重试停滞节点
// @Tags 工作流
// @Accept json
// @Produce json
// @Param id path string true "实例 ID"
// @Param request body InstanceActionRequest true "恢复请求"
// @Success 200 {object} Response{data=workflow.Instance} "恢复后的实例"
// @Failure 409 {object} Response "实例未停滞"
// @Security ApiKeyAuth
// @Router /v1/instances/{id}/resume [post]
func (h *WorkflowHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	instanceID := extractInstanceID(r)
	if instanceID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "instance ID is required", h.logger)
		return
	}

	var req InstanceActionRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.ActorID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "actor_id is required", h.logger)
		return
	}

	inst, err := h.engine.Resume(r.Context(), instanceID, req.ActorID)
	if err != nil {
		WriteEngineError(w, err, h.logger)
		return
	}

	WriteSuccess(w, inst)
}

// HandleListMyTasks 查询我的待办
// @Summary 查询我的待办
// @Description 按受理人返回任务列表，支持状态/模块过滤与分页
// @Tags 工作流
// @Produce json
// @Param assignee query string true "受理人 ID"
// @Param status query string false "任务状态过滤"
// @Param module_type query string false "模块类型过滤"
// @Param page query int false "页码（从 1 开始）"
// @Param page_size query int false "每页条数"
// @Success 200 {object} Response{data=[]workflow.Task} "任务列表"
// @Failure 400 {object} Response "参数错误"
// @Security ApiKeyAuth
// @Router /v1/tasks [get]
func (h *WorkflowHandler) HandleListMyTasks(w http.ResponseWriter, r *http.Request) {
	assigneeID := r.URL.Query().Get("assignee")
	if assigneeID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"query parameter 'assignee' is required", h.logger)
		return
	}

	filter := workflow.TaskFilter{
		Status:     workflow.TaskStatus(r.URL.Query().Get("status")),
		ModuleType: r.URL.Query().Get("module_type"),
	}
	if v := r.URL.Query().Get("page"); v != "" {
		if page, err := strconv.Atoi(v); err == nil {
			filter.Page = page
		}
	}
	if v := r.URL.Query().Get("page_size"); v != "" {
		if size, err := strconv.Atoi(v); err == nil {
			filter.PageSize = size
		}
	}

	tasks, err := h.engine.ListMyTasks(r.Context(), assigneeID, filter)
	if err != nil {
		WriteEngineError(w, err, h.logger)
		return
	}

	WriteSuccess(w, tasks)
}

// =============================================================================
// Helper Functions
// =============================================================================

// extractInstanceID extracts the instance ID from the URL path.
// Supports /v1/instances/{id} and its sub-resources.
func extractInstanceID(r *http.Request) string {
	// Try Go 1.22+ PathValue first
	if id := r.PathValue("id"); id != "" {
		return id
	}
	// Fallback: extract from URL path by trimming the /v1/instances/ prefix
	path := strings.TrimPrefix(r.URL.Path, "/v1/instances/")
	if path == "" || path == r.URL.Path {
		return ""
	}
	if idx := strings.IndexByte(path, '/'); idx >= 0 {
		path = path[:idx]
	}
	return path
}
