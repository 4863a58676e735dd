package handler

import (
	"github.com/gin-gonic/gin"

	"ci-scheduler/internal/api/middleware"
	"ci-scheduler/internal/dto"
	"ci-scheduler/internal/service"
	pkgErrors "ci-scheduler/pkg/errors"
	"ci-scheduler/pkg/utils"
)

// HeaderLastUpdate 队列版本号, 无任务时 Runner 据此继续轮询
const HeaderLastUpdate = "X-Runner-Last-Update"

type RunnerHandler struct {
	runnerService service.RunnerService
}

func NewRunnerHandler(runnerService service.RunnerService) *RunnerHandler {
	return &RunnerHandler{
		runnerService: runnerService,
	}
}

// RequestJob Runner 领取任务
// @Summary Runner 领取任务
// @Description last_update 与当前队列版本一致时直接返回无任务
// @Tags Runner
// @Accept json
// @Produce json
// @Param X-Runner-Token header string true "Runner 令牌"
// @Param request body dto.RequestJobRequest false "领取请求"
// @Success 200 {object} utils.Response{data=dto.RequestJobResponse}
// @Router /api/v1/runner/jobs/request [post]
func (h *RunnerHandler) RequestJob(c *gin.Context) {
	var req dto.RequestJobRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.ErrorWithDetail(c, pkgErrors.CodeBadRequest, "请求参数错误", utils.FormatValidationError(err))
			return
		}
	}

	resp, err := h.runnerService.RequestJob(c.Request.Context(), middleware.CurrentRunner(c), &req)
	if err != nil {
		utils.Error(c, err)
		return
	}

	c.Header(HeaderLastUpdate, resp.LastUpdate)
	utils.Success(c, resp)
}

// UpdateJob Runner 回报任务状态
// @Summary Runner 回报任务状态
// @Tags Runner
// @Accept json
// @Produce json
// @Param X-Runner-Token header string true "Runner 令牌"
// @Param id path int true "任务ID"
// @Param request body dto.UpdateJobRequest true "任务状态"
// @Success 200 {object} utils.Response{data=dto.JobResponse}
// @Router /api/v1/runner/jobs/{id} [put]
func (h *RunnerHandler) UpdateJob(c *gin.Context) {
	var param dto.IDParam
	if err := c.ShouldBindUri(&param); err != nil {
		utils.ErrorWithDetail(c, pkgErrors.CodeBadRequest, "请求参数错误", utils.FormatValidationError(err))
		return
	}
	var req dto.UpdateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorWithDetail(c, pkgErrors.CodeBadRequest, "请求参数错误", utils.FormatValidationError(err))
		return
	}

	job, err := h.runnerService.UpdateJob(c.Request.Context(), middleware.CurrentRunner(c), param.ID, &req)
	if err != nil {
		utils.Error(c, err)
		return
	}

	utils.Success(c, job)
}
