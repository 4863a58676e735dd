package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"ci-scheduler/internal/api/middleware"
	"ci-scheduler/internal/dto"
	"ci-scheduler/internal/model"
	"ci-scheduler/internal/service"
	pkgErrors "ci-scheduler/pkg/errors"
	"ci-scheduler/pkg/utils"
)

type JobHandler struct {
	jobService service.JobService
}

func NewJobHandler(jobService service.JobService) *JobHandler {
	return &JobHandler{
		jobService: jobService,
	}
}

// GetByID 获取任务详情
// @Summary 获取任务详情
// @Tags Job
// @Produce json
// @Security ApiKeyAuth
// @Param id path int true "任务ID"
// @Success 200 {object} utils.Response{data=dto.JobResponse}
// @Router /api/v1/jobs/{id} [get]
func (h *JobHandler) GetByID(c *gin.Context) {
	h.handle(c, h.jobService.GetByID)
}

// Play 手动触发任务
// @Summary 触发 manual 任务或立即执行延时任务
// @Tags Job
// @Produce json
// @Security ApiKeyAuth
// @Param id path int true "任务ID"
// @Success 200 {object} utils.Response{data=dto.JobResponse}
// @Router /api/v1/jobs/{id}/play [post]
func (h *JobHandler) Play(c *gin.Context) {
	h.handle(c, h.jobService.Play)
}

// Cancel 取消任务
// @Summary 取消任务
// @Tags Job
// @Produce json
// @Security ApiKeyAuth
// @Param id path int true "任务ID"
// @Success 200 {object} utils.Response{data=dto.JobResponse}
// @Router /api/v1/jobs/{id}/cancel [post]
func (h *JobHandler) Cancel(c *gin.Context) {
	h.handle(c, h.jobService.Cancel)
}

type jobAction func(ctx context.Context, user *model.User, id int64) (*dto.JobResponse, error)

func (h *JobHandler) handle(c *gin.Context, action jobAction) {
	var param dto.IDParam
	if err := c.ShouldBindUri(&param); err != nil {
		utils.ErrorWithDetail(c, pkgErrors.CodeBadRequest, "请求参数错误", utils.FormatValidationError(err))
		return
	}

	job, err := action(c.Request.Context(), middleware.CurrentUser(c), param.ID)
	if err != nil {
		utils.Error(c, err)
		return
	}

	utils.Success(c, job)
}
