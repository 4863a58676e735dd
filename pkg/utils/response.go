package utils

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"ci-scheduler/pkg/errors"
)

// Response 统一响应结构, HTTP 状态码恒为 200, 业务结果看 code
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Detail  string      `json:"detail,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func write(c *gin.Context, resp Response) {
	c.JSON(http.StatusOK, resp)
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	write(c, Response{Code: errors.CodeSuccess, Message: "success", Data: data})
}

// Error 按 AppError 输出业务错误, 其余错误一律视为内部错误
func Error(c *gin.Context, err error) {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		appErr = errors.ErrInternalError
	}
	write(c, Response{Code: appErr.Code, Message: appErr.Message, Detail: detail(appErr)})
}

// ErrorWithCode 自定义错误响应
func ErrorWithCode(c *gin.Context, code int, message string) {
	write(c, Response{Code: code, Message: message})
}

// ErrorWithDetail 带详细信息的错误响应
func ErrorWithDetail(c *gin.Context, code int, message, detail string) {
	write(c, Response{Code: code, Message: message, Detail: detail})
}

// detail 客户端错误携带的底层原因, 服务端错误不对外暴露
func detail(appErr *errors.AppError) string {
	if appErr.Err == nil || appErr.Code >= errors.CodeInternalError {
		return ""
	}
	return appErr.Err.Error()
}
