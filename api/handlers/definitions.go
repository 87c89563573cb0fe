package handlers

import (
	"net/http"
	"strings"

	"github.com/BaSui01/approvalflow/types"
	"github.com/BaSui01/approvalflow/workflow"
	"go.uber.org/zap"
)

// =============================================================================
// 📜 工作流定义 Handler
// =============================================================================

// DefinitionHandler 工作流定义管理处理器
type DefinitionHandler struct {
	manager *workflow.DefinitionManager
	logger  *zap.Logger
}

// NewDefinitionHandler 创建定义处理器
func NewDefinitionHandler(manager *workflow.DefinitionManager, logger *zap.Logger) *DefinitionHandler {
	return &DefinitionHandler{
		manager: manager,
		logger:  logger,
	}
}

// SaveDefinitionRequest 保存定义请求
type SaveDefinitionRequest struct {
	ID         string           `json:"id,omitempty"`
	ModuleType string           `json:"module_type"`
	Name       string           `json:"name"`
	Code       string           `json:"code"`
	Priority   int              `json:"priority"`
	Nodes      []workflow.Node  `json:"nodes"`
	Routes     []workflow.Route `json:"routes"`
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleSave 保存定义
// @Summary 保存定义
// @Description 校验并保存工作流定义；已有 ID 时创建新版本
// @Tags 定义
// @Accept json
// @Produce json
// @Param request body SaveDefinitionRequest true "定义"
// @Success 200 {object} Response{data=workflow.Definition} "保存后的定义"
// @Failure 422 {object} Response "定义不合法（含全部违规明细）"
// @Security ApiKeyAuth
// @Router /v1/definitions [post]
func (h *DefinitionHandler) HandleSave(w http.ResponseWriter, r *http.Request) {
	var req SaveDefinitionRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if req.ModuleType == "" || req.Name == "" || req.Code == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"module_type, name and code are required", h.logger)
		return
	}

	def, err := h.manager.Save(r.Context(), &workflow.Definition{
		ID:         req.ID,
		ModuleType: req.ModuleType,
		Name:       req.Name,
		Code:       req.Code,
		Priority:   req.Priority,
		Nodes:      req.Nodes,
		Routes:     req.Routes,
	})
	if err != nil {
		WriteEngineError(w, err, h.logger)
		return
	}

	WriteSuccess(w, def)
}

// HandleActivate 激活定义
// @Summary 激活定义
// @Description 重新校验后激活定义，同模块同优先级并列会被拒绝
// @Tags 定义
// @Produce json
// @Param id path string true "定义 ID"
// @Success 200 {object} Response{data=workflow.Definition} "激活后的定义"
// @Failure 404 {object} Response "定义不存在"
// @Failure 422 {object} Response "定义不合法"
// @Security ApiKeyAuth
// @Router /v1/definitions/{id}/activate [post]
func (h *DefinitionHandler) HandleActivate(w http.ResponseWriter, r *http.Request) {
	definitionID := extractDefinitionID(r)
	if definitionID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "definition ID is required", h.logger)
		return
	}

	def, err := h.manager.Activate(r.Context(), definitionID)
	if err != nil {
		WriteEngineError(w, err, h.logger)
		return
	}

	WriteSuccess(w, def)
}

// HandleDeactivate 停用定义
// @Summary 停用定义
// @Description 停用定义，在途实例不受影响
// @Tags 定义
// @Produce json
// @Param id path string true "定义 ID"
// @Success 200 {object} Response "已停用"
// @Failure 404 {object} Response "定义不存在"
// @Security ApiKeyAuth
// @Router /v1/definitions/{id}/deactivate [post]
func (h *DefinitionHandler) HandleDeactivate(w http.ResponseWriter, r *http.Request) {
	definitionID := extractDefinitionID(r)
	if definitionID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "definition ID is required", h.logger)
		return
	}

	if err := h.manager.Deactivate(r.Context(), definitionID); err != nil {
		WriteEngineError(w, err, h.logger)
		return
	}

	WriteSuccess(w, map[string]string{"id": definitionID, "status": "inactive"})
}

// HandleGet 查询定义
// @Summary 查询定义
// @Description 返回单个定义的完整图结构
// @Tags 定义
// @Produce json
// @Param id path string true "定义 ID"
// @Success 200 {object} Response{data=workflow.Definition} "定义"
// @Failure 404 {object} Response "定义不存在"
// @Security ApiKeyAuth
// @Router /v1/definitions/{id} [get]
func (h *DefinitionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	definitionID := extractDefinitionID(r)
	if definitionID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "definition ID is required", h.logger)
		return
	}

	def, err := h.manager.Get(r.Context(), definitionID)
	if err != nil {
		WriteEngineError(w, err, h.logger)
		return
	}

	WriteSuccess(w, def)
}

// HandleList 查询定义列表
// @Summary 查询定义列表
// @Description 按模块类型过滤返回定义列表（含历史版本）
// @Tags 定义
// @Produce json
// @Param module_type query string false "模块类型过滤"
// @Success 200 {object} Response{data=[]workflow.Definition} "定义列表"
// @Security ApiKeyAuth
// @Router /v1/definitions [get]
func (h *DefinitionHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	defs, err := h.manager.List(r.Context(), r.URL.Query().Get("module_type"))
	if err != nil {
		WriteEngineError(w, err, h.logger)
		return
	}

	WriteSuccess(w, defs)
}

// extractDefinitionID extracts the definition ID from the URL path.
// Supports /v1/definitions/{id} and its sub-resources.
func extractDefinitionID(r *http.Request) string {
	if id := r.PathValue("id"); id != "" {
		return id
	}
	path := strings.TrimPrefix(r.URL.Path, "/v1/definitions/")
	if path == "" || path == r.URL.Path {
		return ""
	}
	if idx := strings.IndexByte(path, '/'); idx >= 0 {
		path = path[:idx]
	}
	return path
}
