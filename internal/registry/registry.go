// Package registry is the module/field catalog backing the designer's
// condition pickers: for each module type it lists the business-record
// fields with name, label and type. This package is internal and should not
// be imported by external projects.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/BaSui01/approvalflow/types"
)

// FieldType 字段类型，决定设计器展示哪些可用操作符
type FieldType string

const (
	FieldTypeText   FieldType = "text"
	FieldTypeNumber FieldType = "number"
	FieldTypeDate   FieldType = "date"
	FieldTypeEnum   FieldType = "enum"
)

// Field 一个可用于条件配置的业务字段
type Field struct {
	Name  string    `json:"name"`
	Label string    `json:"label"`
	Type  FieldType `json:"type"`
}

// Registry 模块字段目录，读多写少
type Registry struct {
	mu      sync.RWMutex
	modules map[string][]Field
}

// New creates a registry seeded with the built-in module catalogs.
func New() *Registry {
	r := &Registry{modules: map[string][]Field{}}
	for moduleType, fields := range builtinModules {
		r.modules[moduleType] = append([]Field(nil), fields...)
	}
	return r
}

// builtinModules 内置业务模块的字段目录；部署方可以用 Register 覆盖
var builtinModules = map[string][]Field{
	"contract": {
		{Name: "name", Label: "合同名称", Type: FieldTypeText},
		{Name: "amount", Label: "合同金额", Type: FieldTypeNumber},
		{Name: "customer_id", Label: "客户", Type: FieldTypeText},
		{Name: "sign_date", Label: "签约日期", Type: FieldTypeDate},
		{Name: "status", Label: "状态", Type: FieldTypeEnum},
	},
	"expense": {
		{Name: "amount", Label: "报销金额", Type: FieldTypeNumber},
		{Name: "category", Label: "费用类别", Type: FieldTypeEnum},
		{Name: "applicant_id", Label: "申请人", Type: FieldTypeText},
		{Name: "expense_date", Label: "发生日期", Type: FieldTypeDate},
	},
	"opportunity": {
		{Name: "name", Label: "商机名称", Type: FieldTypeText},
		{Name: "amount", Label: "预计金额", Type: FieldTypeNumber},
		{Name: "stage", Label: "阶段", Type: FieldTypeEnum},
	},
}

// Register installs or replaces the field catalog for a module type.
func (r *Registry) Register(moduleType string, fields []Field) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[moduleType] = append([]Field(nil), fields...)
}

// FieldsFor returns the field catalog of a module type.
func (r *Registry) FieldsFor(moduleType string) ([]Field, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fields, ok := r.modules[moduleType]
	if !ok {
		return nil, types.NewNotFoundError(fmt.Sprintf("unknown module type %q", moduleType))
	}
	return append([]Field(nil), fields...), nil
}

// Modules returns the known module types, sorted.
func (r *Registry) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.modules))
	for m := range r.modules {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
