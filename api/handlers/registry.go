package handlers

import (
	"net/http"

	"github.com/BaSui01/approvalflow/internal/registry"
	"github.com/BaSui01/approvalflow/types"
	"go.uber.org/zap"
)

// =============================================================================
// 🗂️ 模块字段注册表 Handler
// =============================================================================

// RegistryHandler 模块字段注册表处理器，供流程设计器拉取可用字段
type RegistryHandler struct {
	registry *registry.Registry
	logger   *zap.Logger
}

// NewRegistryHandler 创建注册表处理器
func NewRegistryHandler(reg *registry.Registry, logger *zap.Logger) *RegistryHandler {
	return &RegistryHandler{
		registry: reg,
		logger:   logger,
	}
}

// HandleListModules 查询已注册模块
// @Summary 查询已注册模块
// @Description 返回可配置审批流的业务模块类型列表
// @Tags 注册表
// @Produce json
// @Success 200 {object} Response{data=[]string} "模块类型列表"
// @Security ApiKeyAuth
// @Router /v1/modules [get]
func (h *RegistryHandler) HandleListModules(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.registry.Modules())
}

// HandleModuleFields 查询模块字段
// @Summary 查询模块字段
// @Description 返回模块可用于条件配置的字段清单
// @Tags 注册表
// @Produce json
// @Param module_type query string true "模块类型"
// @Success 200 {object} Response{data=[]registry.Field} "字段清单"
// @Failure 404 {object} Response "模块未注册"
// @Security ApiKeyAuth
// @Router /v1/modules/fields [get]
func (h *RegistryHandler) HandleModuleFields(w http.ResponseWriter, r *http.Request) {
	moduleType := r.URL.Query().Get("module_type")
	if moduleType == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"query parameter 'module_type' is required", h.logger)
		return
	}

	fields, err := h.registry.FieldsFor(moduleType)
	if err != nil {
		WriteEngineError(w, err, h.logger)
		return
	}

	WriteSuccess(w, fields)
}
