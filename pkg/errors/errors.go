package errors

import "fmt"

// 错误码, 与 HTTP 语义对齐, 通过响应体的 code 返回
const (
	CodeSuccess       = 200
	CodeBadRequest    = 400
	CodeUnauthorized  = 401
	CodeForbidden     = 403
	CodeNotFound      = 404
	CodeConflict      = 409
	CodeUnprocessable = 422 // 流水线校验失败
	CodeInternalError = 500
	CodeDatabaseError = 501
	CodeAuthError     = 502
)

// AppError 应用错误
type AppError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("[%d] %s", e.Code, e.Message)
	}
	return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Err)
}

func (e *AppError) Unwrap() error { return e.Err }

// Is 错误码与消息都相同视为同一错误, 便于对 Wrap 后的预定义错误做 errors.Is
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	return ok && t.Code == e.Code && t.Message == e.Message
}

func New(code int, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap 包装底层错误
func Wrap(code int, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// 通用错误
var (
	ErrUnauthorized   = New(CodeUnauthorized, "未授权")
	ErrForbidden      = New(CodeForbidden, "禁止访问")
	ErrInternalError  = New(CodeInternalError, "内部服务器错误")
	ErrAuthError      = New(CodeAuthError, "认证失败")
	ErrInvalidParams  = New(CodeBadRequest, "请求参数错误")
	ErrRecordNotFound = New(CodeNotFound, "记录不存在")
)

// 用户与令牌
var (
	ErrUserNotFound = New(CodeNotFound, "用户不存在")
	ErrUserDisabled = New(CodeForbidden, "用户已禁用")
	ErrInvalidToken = New(CodeUnauthorized, "无效的Token")
	ErrTokenExpired = New(CodeUnauthorized, "Token已过期")
)

// 流水线与 Runner
var (
	ErrRunnerForbidden = New(CodeForbidden, "Runner 已停用或令牌无效")
	ErrJobNotAssigned  = New(CodeForbidden, "任务未分配给当前 Runner")
	ErrInvalidState    = New(CodeConflict, "当前状态不允许该操作")
)
