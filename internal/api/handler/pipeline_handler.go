package handler

import (
	"github.com/gin-gonic/gin"

	"ci-scheduler/internal/api/middleware"
	"ci-scheduler/internal/dto"
	"ci-scheduler/internal/service"
	pkgErrors "ci-scheduler/pkg/errors"
	"ci-scheduler/pkg/utils"
)

type PipelineHandler struct {
	pipelineService service.PipelineService
}

func NewPipelineHandler(pipelineService service.PipelineService) *PipelineHandler {
	return &PipelineHandler{
		pipelineService: pipelineService,
	}
}

// Create 创建流水线
// @Summary 创建流水线
// @Description 读取 ref 对应提交的 CI 配置并生成任务, 校验失败时返回 422 及错误列表
// @Tags Pipeline
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param request body dto.CreatePipelineRequest true "创建流水线请求"
// @Success 200 {object} utils.Response{data=dto.PipelineResponse}
// @Router /api/v1/pipelines [post]
func (h *PipelineHandler) Create(c *gin.Context) {
	var req dto.CreatePipelineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorWithDetail(c, pkgErrors.CodeBadRequest, "请求参数错误", utils.FormatValidationError(err))
		return
	}

	pipeline, err := h.pipelineService.Create(c.Request.Context(), middleware.CurrentUser(c), &req)
	if err != nil {
		utils.Error(c, err)
		return
	}

	utils.Success(c, pipeline)
}

// GetByID 获取流水线详情
// @Summary 获取流水线详情
// @Tags Pipeline
// @Produce json
// @Security ApiKeyAuth
// @Param id path int true "流水线ID"
// @Success 200 {object} utils.Response{data=dto.PipelineResponse}
// @Router /api/v1/pipelines/{id} [get]
func (h *PipelineHandler) GetByID(c *gin.Context) {
	var param dto.IDParam
	if err := c.ShouldBindUri(&param); err != nil {
		utils.ErrorWithDetail(c, pkgErrors.CodeBadRequest, "请求参数错误", utils.FormatValidationError(err))
		return
	}

	pipeline, err := h.pipelineService.GetByID(c.Request.Context(), middleware.CurrentUser(c), param.ID)
	if err != nil {
		utils.Error(c, err)
		return
	}

	utils.Success(c, pipeline)
}

// List 流水线列表
// @Summary 获取项目流水线列表
// @Tags Pipeline
// @Produce json
// @Security ApiKeyAuth
// @Param project_id query int true "项目ID"
// @Param ref query string false "分支或标签"
// @Param status query string false "状态"
// @Param source query string false "来源"
// @Param page query int false "页码"
// @Param page_size query int false "每页数量"
// @Success 200 {object} utils.Response{data=dto.PageResponse[dto.PipelineResponse]}
// @Router /api/v1/pipelines [get]
func (h *PipelineHandler) List(c *gin.Context) {
	var query dto.PipelineListQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		utils.ErrorWithDetail(c, pkgErrors.CodeBadRequest, "请求参数错误", utils.FormatValidationError(err))
		return
	}

	pipelines, total, err := h.pipelineService.List(c.Request.Context(), middleware.CurrentUser(c), &query)
	if err != nil {
		utils.Error(c, err)
		return
	}

	utils.Success(c, dto.NewPageResponse(pipelines, total, query.PageQuery))
}

// ListJobs 流水线任务列表
// @Summary 获取流水线的任务
// @Tags Pipeline
// @Produce json
// @Security ApiKeyAuth
// @Param id path int true "流水线ID"
// @Success 200 {object} utils.Response{data=[]dto.JobResponse}
// @Router /api/v1/pipelines/{id}/jobs [get]
func (h *PipelineHandler) ListJobs(c *gin.Context) {
	var param dto.IDParam
	if err := c.ShouldBindUri(&param); err != nil {
		utils.ErrorWithDetail(c, pkgErrors.CodeBadRequest, "请求参数错误", utils.FormatValidationError(err))
		return
	}

	jobs, err := h.pipelineService.ListJobs(c.Request.Context(), middleware.CurrentUser(c), param.ID)
	if err != nil {
		utils.Error(c, err)
		return
	}

	utils.Success(c, jobs)
}

// Cancel 取消流水线
// @Summary 取消流水线及其未结束的任务
// @Tags Pipeline
// @Produce json
// @Security ApiKeyAuth
// @Param id path int true "流水线ID"
// @Success 200 {object} utils.Response{data=dto.PipelineResponse}
// @Router /api/v1/pipelines/{id}/cancel [post]
func (h *PipelineHandler) Cancel(c *gin.Context) {
	var param dto.IDParam
	if err := c.ShouldBindUri(&param); err != nil {
		utils.ErrorWithDetail(c, pkgErrors.CodeBadRequest, "请求参数错误", utils.FormatValidationError(err))
		return
	}

	pipeline, err := h.pipelineService.Cancel(c.Request.Context(), middleware.CurrentUser(c), param.ID)
	if err != nil {
		utils.Error(c, err)
		return
	}

	utils.Success(c, pipeline)
}
