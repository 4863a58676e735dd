package router

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ci-scheduler/internal/api/handler"
	"ci-scheduler/internal/api/middleware"
	"ci-scheduler/internal/core"
	"ci-scheduler/internal/pkg/config"
	"ci-scheduler/internal/pkg/jwt"
	"ci-scheduler/internal/repository"
	"ci-scheduler/internal/service"
	"ci-scheduler/pkg/utils"
)

// Setup 设置路由
func Setup(cfg *config.Config, coreEngine *core.CoreEngine, authz *service.AuthorizationService, logger *zap.Logger) *gin.Engine {
	// 设置Gin模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	utils.RegisterJSONFieldNames()

	r := gin.New()

	// 全局中间件
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(logger.Named("http"), coreEngine.Metrics()))

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(coreEngine.Metrics().Handler()))
	}

	db := coreEngine.DB()

	// 初始化Repository
	userRepo := repository.NewUserRepository(db)
	projectRepo := repository.NewProjectRepository(db)
	pipelineRepo := repository.NewPipelineRepository(db)
	buildRepo := repository.NewBuildRepository(db)
	runnerRepo := repository.NewRunnerRepository(db)

	// 初始化Service
	authService := service.NewAuthService(jwt.NewManager(cfg.Auth.JWT), userRepo)
	pipelineService := service.NewPipelineService(projectRepo, pipelineRepo, buildRepo, authz,
		coreEngine.Creator(), coreEngine.Processor(), coreEngine.LockRetries(), logger.Named("pipeline"))
	jobService := service.NewJobService(buildRepo, authz, coreEngine.BuildMachine(), coreEngine.LockRetries(), logger.Named("job"))
	runnerService := service.NewRunnerService(runnerRepo, buildRepo, pipelineRepo,
		coreEngine.RunnerQueue(), coreEngine.BuildMachine(), coreEngine.LockRetries(), logger.Named("runner"))

	// 初始化Handler
	authHandler := handler.NewAuthHandler(authService)
	pipelineHandler := handler.NewPipelineHandler(pipelineService)
	jobHandler := handler.NewJobHandler(jobService)
	runnerHandler := handler.NewRunnerHandler(runnerService)

	// API v1
	v1 := r.Group("/api/v1")
	{
		// 认证相关(无需token)
		v1.POST("/auth/refresh", authHandler.Refresh)

		// 需要认证的路由
		authed := v1.Group("")
		authed.Use(middleware.AuthMiddleware(authService))
		{
			authed.GET("/auth/me", authHandler.GetMe)

			// 流水线
			groupPipelines := authed.Group("/pipelines")
			{
				groupPipelines.POST("", pipelineHandler.Create)             // 创建流水线
				groupPipelines.GET("", pipelineHandler.List)                // 列表查询（project_id 必填）
				groupPipelines.GET("/:id", pipelineHandler.GetByID)         // 获取详情
				groupPipelines.GET("/:id/jobs", pipelineHandler.ListJobs)   // 任务列表
				groupPipelines.POST("/:id/cancel", pipelineHandler.Cancel) // 取消
			}

			// 任务
			groupJobs := authed.Group("/jobs")
			{
				groupJobs.GET("/:id", jobHandler.GetByID)
				groupJobs.POST("/:id/play", jobHandler.Play)     // 手动触发
				groupJobs.POST("/:id/cancel", jobHandler.Cancel) // 取消
			}
		}

		// Runner 接口（X-Runner-Token 认证）
		groupRunner := v1.Group("/runner")
		groupRunner.Use(middleware.RunnerMiddleware(runnerService))
		{
			groupRunner.POST("/jobs/request", runnerHandler.RequestJob) // 领取任务
			groupRunner.PUT("/jobs/:id", runnerHandler.UpdateJob)       // 回报状态
		}
	}

	return r
}
