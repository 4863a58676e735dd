package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"ci-scheduler/internal/model"
	"ci-scheduler/internal/service"
	"ci-scheduler/pkg/constants"
	pkgErrors "ci-scheduler/pkg/errors"
	"ci-scheduler/pkg/utils"
)

const runnerContextKey = "ci_runner"

// AuthMiddleware JWT认证中间件
func AuthMiddleware(authService service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 获取Authorization header
		authHeader := c.GetHeader(constants.HeaderAuthorization)
		if authHeader == "" {
			utils.ErrorWithCode(c, pkgErrors.CodeUnauthorized, "缺少Authorization Header")
			c.Abort()
			return
		}

		// 检查Bearer前缀
		if !strings.HasPrefix(authHeader, constants.HeaderBearerPrefix) {
			utils.ErrorWithCode(c, pkgErrors.CodeUnauthorized, "Authorization格式错误")
			c.Abort()
			return
		}

		user, err := authService.Authenticate(strings.TrimPrefix(authHeader, constants.HeaderBearerPrefix))
		if err != nil {
			utils.Error(c, err)
			c.Abort()
			return
		}

		c.Set(constants.JWTContextKey, user)
		c.Set("username", user.Username)
		c.Next()
	}
}

// RunnerMiddleware Runner 令牌认证
func RunnerMiddleware(runnerService service.RunnerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		runner, err := runnerService.Authenticate(c.GetHeader(constants.HeaderRunnerToken))
		if err != nil {
			utils.Error(c, err)
			c.Abort()
			return
		}
		c.Set(runnerContextKey, runner)
		c.Next()
	}
}

// CurrentUser 由 AuthMiddleware 写入
func CurrentUser(c *gin.Context) *model.User {
	if v, ok := c.Get(constants.JWTContextKey); ok {
		if user, ok := v.(*model.User); ok {
			return user
		}
	}
	return nil
}

// CurrentRunner 由 RunnerMiddleware 写入
func CurrentRunner(c *gin.Context) *model.Runner {
	if v, ok := c.Get(runnerContextKey); ok {
		if runner, ok := v.(*model.Runner); ok {
			return runner
		}
	}
	return nil
}
