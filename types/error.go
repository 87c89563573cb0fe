package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Definition-time error codes
const (
	// ErrValidation 定义不合法（保存/激活时拒绝，绝不进入运行期）
	ErrValidation ErrorCode = "VALIDATION"
	// ErrNoApplicableDefinition 模块类型没有激活的定义，或最高优先级并列
	ErrNoApplicableDefinition ErrorCode = "NO_APPLICABLE_DEFINITION"
)

// Runtime error codes
const (
	// ErrConfiguration 结构合法但语义坏掉的运行期状况（审批人解析为空等）
	ErrConfiguration ErrorCode = "CONFIGURATION"
	// ErrTaskAlreadyResolved 任务已是终态，重复处理被拒绝
	ErrTaskAlreadyResolved ErrorCode = "TASK_ALREADY_RESOLVED"
	// ErrInstanceNotRunning 对已完成/已取消实例执行操作
	ErrInstanceNotRunning ErrorCode = "INSTANCE_NOT_RUNNING"
	// ErrInstanceStuck 实例处于 error 子状态，需要管理员修复后 resume
	ErrInstanceStuck ErrorCode = "INSTANCE_STUCK"
	// ErrPermissionDenied 操作人无权执行该操作（如非发起人 withdraw）
	ErrPermissionDenied ErrorCode = "PERMISSION_DENIED"
)

// Transport error codes
const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrUnauthorized   ErrorCode = "UNAUTHORIZED"
	ErrForbidden      ErrorCode = "FORBIDDEN"
	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrRateLimited    ErrorCode = "RATE_LIMITED"
	ErrInternalError  ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	// Details carries per-rule violation messages for VALIDATION errors so
	// the designer UI can highlight every problem at once.
	Details []string `json:"details,omitempty"`
	Cause   error    `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewValidationError 创建带全部违规明细的校验错误
func NewValidationError(details []string) *Error {
	return &Error{
		Code:    ErrValidation,
		Message: fmt.Sprintf("definition failed validation with %d violation(s)", len(details)),
		Details: details,
	}
}

// NewConfigurationError 创建运行期配置错误
func NewConfigurationError(message string) *Error {
	return &Error{Code: ErrConfiguration, Message: message}
}

// NewNotFoundError 创建资源不存在错误
func NewNotFoundError(message string) *Error {
	return &Error{Code: ErrNotFound, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithDetails appends violation details.
func (e *Error) WithDetails(details ...string) *Error {
	e.Details = append(e.Details, details...)
	return e
}

// GetErrorCode extracts the error code from an error, unwrapping as needed.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
