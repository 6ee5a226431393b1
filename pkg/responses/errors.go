package responses

import (
	"errors"
	"fmt"
)

// 错误码
const (
	CodeSuccess         = 2000000
	CodePartialSuccess  = 2060000 // 部分成功
	CodeBadRequest      = 4000000
	CodeUnauthorized    = 4010000
	CodeForbidden       = 4030000
	CodeNotFound        = 4040000
	CodeConflict        = 4090000
	CodeReconnect       = 4190000 // 集成凭据失效，需要重新连接
	CodeTooManyRequests = 4290000
	CodeInternalError   = 5000000
	CodeDatabaseError   = 5001000
	CodeAuthError       = 5002000
	CodeValidationError = 5003000
	CodeUpstreamError   = 5020000 // GitLab 上游错误
)

// AppError 应用错误
type AppError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap 返回被包装的原始错误
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 按错误码和消息判断是否为同一类错误，便于 errors.Is 匹配预定义错误
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

// New 创建新错误
func New(code int, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包装错误
func Wrap(code int, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithCause 基于预定义错误附加原因，保留错误码和消息
func WithCause(base *AppError, err error) *AppError {
	return &AppError{
		Code:    base.Code,
		Message: base.Message,
		Err:     err,
	}
}

// CodeOf 提取错误码，非 AppError 返回 CodeInternalError
func CodeOf(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternalError
}

// 预定义错误
var (
	ErrBadRequest      = New(CodeBadRequest, "请求参数错误")
	ErrUnauthorized    = New(CodeUnauthorized, "未授权")
	ErrForbidden       = New(CodeForbidden, "禁止访问")
	ErrNotFound        = New(CodeNotFound, "资源不存在")
	ErrConflict        = New(CodeConflict, "资源冲突")
	ErrInternalError   = New(CodeInternalError, "内部服务器错误")
	ErrDatabaseError   = New(CodeDatabaseError, "数据库错误")
	ErrAuthError       = New(CodeAuthError, "认证失败")
	ErrValidationError = New(CodeValidationError, "数据验证失败")

	ErrInvalidParams  = New(CodeBadRequest, "请求参数错误")
	ErrInvalidToken   = New(CodeUnauthorized, "无效的Token")
	ErrTokenExpired   = New(CodeUnauthorized, "Token已过期")
	ErrRecordNotFound = New(CodeNotFound, "记录不存在")
	ErrRecordExists   = New(CodeConflict, "记录已存在")
)
