package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ci-scheduler/internal/dto"
	"ci-scheduler/internal/model"
	"ci-scheduler/internal/testutil"
	"ci-scheduler/pkg/constants"
	pkgErrors "ci-scheduler/pkg/errors"
)

func appCode(t *testing.T, err error) int {
	t.Helper()
	var appErr *pkgErrors.AppError
	require.True(t, errors.As(err, &appErr), "expected AppError, got %v", err)
	return appErr.Code
}

func TestPipelineServiceCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	developer := f.member(t, constants.RoleDeveloper)

	resp, err := f.pipelines.Create(ctx, developer, &dto.CreatePipelineRequest{
		ProjectID: f.project.ID,
		Ref:       "main",
		Variables: []dto.VariableItem{{Key: "DEPLOY", Value: "false"}},
	})
	require.NoError(t, err)
	assert.Equal(t, constants.SourceAPI, resp.Source)
	assert.Equal(t, constants.StatusPending, resp.Status)
	assert.Equal(t, "sha1", resp.SHA)
	assert.Equal(t, []dto.VariableItem{{Key: "DEPLOY", Value: "false"}}, resp.Variables)
	require.NotNil(t, resp.UserID)
	assert.Equal(t, developer.ID, *resp.UserID)

	jobs, err := f.pipelines.ListJobs(ctx, developer, resp.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "build", jobs[0].Name)
	assert.Equal(t, constants.StatusPending, jobs[0].Status)

	list, total, err := f.pipelines.List(ctx, developer, &dto.PipelineListQuery{ProjectID: f.project.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, resp.ID, list[0].ID)
}

func TestPipelineServiceCreateErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	developer := f.member(t, constants.RoleDeveloper)
	reporter := f.member(t, constants.RoleReporter)
	stranger := testutil.CreateUser(t, f.db)

	tests := []struct {
		name string
		user *model.User
		req  *dto.CreatePipelineRequest
		code int
	}{
		{"unknown ref", developer, &dto.CreatePipelineRequest{ProjectID: f.project.ID, Ref: "nope"}, pkgErrors.CodeUnprocessable},
		{"reporter cannot create", reporter, &dto.CreatePipelineRequest{ProjectID: f.project.ID, Ref: "main"}, pkgErrors.CodeUnprocessable},
		{"private project hidden", stranger, &dto.CreatePipelineRequest{ProjectID: f.project.ID, Ref: "main"}, pkgErrors.CodeNotFound},
		{"missing project", developer, &dto.CreatePipelineRequest{ProjectID: 9999, Ref: "main"}, pkgErrors.CodeNotFound},
		{"unknown source", developer, &dto.CreatePipelineRequest{ProjectID: f.project.ID, Ref: "main", Source: "cron"}, pkgErrors.CodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.pipelines.Create(ctx, tt.user, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.code, appCode(t, err))
		})
	}

	var count int64
	require.NoError(t, f.db.Model(&model.Pipeline{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestPipelineServiceCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	maintainer := f.member(t, constants.RoleMaintainer)
	reporter := f.member(t, constants.RoleReporter)

	created, err := f.pipelines.Create(ctx, maintainer, &dto.CreatePipelineRequest{ProjectID: f.project.ID, Ref: "main"})
	require.NoError(t, err)

	_, err = f.pipelines.Cancel(ctx, reporter, created.ID)
	assert.ErrorIs(t, err, pkgErrors.ErrForbidden)

	resp, err := f.pipelines.Cancel(ctx, maintainer, created.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.StatusCanceled, resp.Status)

	jobs, err := f.pipelines.ListJobs(ctx, maintainer, created.ID)
	require.NoError(t, err)
	for _, job := range jobs {
		assert.Equal(t, constants.StatusCanceled, job.Status)
		assert.Zero(t, testutil.QueueEntryCount(t, f.db, job.ID))
	}

	_, err = f.pipelines.Cancel(ctx, maintainer, created.ID)
	assert.ErrorIs(t, err, pkgErrors.ErrInvalidState)
}

func TestPipelineServiceGetHidesPrivateProjects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := testutil.CreatePipeline(t, f.db, f.project)

	_, err := f.pipelines.GetByID(ctx, testutil.CreateUser(t, f.db), p.ID)
	assert.ErrorIs(t, err, pkgErrors.ErrRecordNotFound)

	admin := testutil.CreateUser(t, f.db, func(u *model.User) { u.Admin = true })
	resp, err := f.pipelines.GetByID(ctx, admin, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, resp.ID)
}
