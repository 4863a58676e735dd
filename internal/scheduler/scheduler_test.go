package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"ci-scheduler/internal/core"
	"ci-scheduler/internal/model"
	"ci-scheduler/internal/pkg/config"
	"ci-scheduler/internal/pkg/git"
	"ci-scheduler/internal/pkg/git/memory"
	"ci-scheduler/internal/repository"
	"ci-scheduler/internal/service"
	"ci-scheduler/internal/testutil"
	"ci-scheduler/pkg/constants"
)

func newScheduler(t *testing.T) (*Scheduler, *gorm.DB, *model.Project) {
	t.Helper()
	db := testutil.NewDB(t)
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	provider := memory.New()
	sources := git.NewRegistry("memory")
	sources.Register("memory", provider)

	authz := service.NewAuthorizationService(repository.NewProjectRepository(db), repository.NewMemberRepository(db))
	cfg := &config.Config{
		Core: config.CoreConfig{LockRetries: 3},
		Jobs: config.JobsConfig{Mode: core.JobsModeInline},
	}
	engine, err := core.NewCoreEngine(db, client, sources, authz, cfg, testutil.Logger(t))
	require.NoError(t, err)

	project := testutil.CreateProject(t, db)
	provider.AddCommit(project.FullPath, "sha1", "init", map[string]string{
		constants.DefaultCIConfigPath: "nightly:\n  script: make nightly\n",
	}).SetBranch(project.FullPath, "main", "sha1")

	return NewScheduler(engine, testutil.Logger(t)), db, project
}

func TestRunPipelineSchedules(t *testing.T) {
	s, db, project := newScheduler(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	owner := testutil.CreateUser(t, db)
	testutil.AddMember(t, db, project, owner, constants.RoleDeveloper)
	schedule := &model.PipelineSchedule{ProjectID: project.ID, Ref: "main", Cron: "0 * * * *", OwnerID: owner.ID, Active: true}
	require.NoError(t, repository.NewScheduleRepository(db).Create(schedule))

	// 首次只计算下次运行时间
	n, err := s.RunPipelineSchedules(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	testutil.Reload(t, db, schedule, schedule.ID)
	require.NotNil(t, schedule.NextRunAt)
	assert.True(t, schedule.NextRunAt.Equal(time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)), schedule.NextRunAt)

	n, err = s.RunPipelineSchedules(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	now = now.Add(time.Hour)
	n, err = s.RunPipelineSchedules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var pipelines []*model.Pipeline
	require.NoError(t, db.Where("project_id = ?", project.ID).Find(&pipelines).Error)
	require.Len(t, pipelines, 1)
	assert.Equal(t, constants.SourceSchedule, pipelines[0].Source)
	require.NotNil(t, pipelines[0].UserID)
	assert.Equal(t, owner.ID, *pipelines[0].UserID)

	testutil.Reload(t, db, schedule, schedule.ID)
	assert.True(t, schedule.NextRunAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)), schedule.NextRunAt)
}

func TestRunPipelineSchedulesSkipsBlockedOwner(t *testing.T) {
	s, db, project := newScheduler(t)
	ctx := context.Background()

	owner := testutil.CreateUser(t, db, func(u *model.User) { u.Blocked = true })
	past := time.Now().Add(-time.Minute)
	schedule := &model.PipelineSchedule{ProjectID: project.ID, Ref: "main", Cron: "*/5 * * * *", OwnerID: owner.ID, Active: true, NextRunAt: &past}
	require.NoError(t, db.Create(schedule).Error)
	invalid := &model.PipelineSchedule{ProjectID: project.ID, Ref: "main", Cron: "every day", OwnerID: owner.ID, Active: true, NextRunAt: &past}
	require.NoError(t, db.Create(invalid).Error)

	n, err := s.RunPipelineSchedules(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	testutil.Reload(t, db, schedule, schedule.ID)
	assert.True(t, schedule.NextRunAt.After(time.Now()))
	testutil.Reload(t, db, invalid, invalid.ID)
	assert.True(t, invalid.NextRunAt.Equal(past))
}

func TestEnqueueDelayedBuilds(t *testing.T) {
	s, db, project := newScheduler(t)
	ctx := context.Background()

	p := testutil.CreatePipeline(t, db, project, func(p *model.Pipeline) { p.Status = constants.StatusScheduled })
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	due := testutil.CreateBuild(t, db, p, func(b *model.Build) {
		b.Status = constants.StatusScheduled
		b.When = constants.WhenDelayed
		b.StartIn = "1 minute"
		b.ScheduledAt = &past
	})
	later := testutil.CreateBuild(t, db, p, func(b *model.Build) {
		b.Status = constants.StatusScheduled
		b.When = constants.WhenDelayed
		b.StartIn = "1 hour"
		b.ScheduledAt = &future
	})

	n, err := s.EnqueueDelayedBuilds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	testutil.Reload(t, db, due, due.ID)
	assert.Equal(t, constants.StatusPending, due.Status)
	assert.Equal(t, int64(1), testutil.QueueEntryCount(t, db, due.ID))
	testutil.Reload(t, db, later, later.ID)
	assert.Equal(t, constants.StatusScheduled, later.Status)
}

func TestStartRejectsInvalidCron(t *testing.T) {
	s, _, _ := newScheduler(t)
	err := s.Start(&config.Config{Schedule: config.ScheduleConfig{PipelineScheduleCron: "bogus"}})
	assert.Error(t, err)

	s, _, _ = newScheduler(t)
	require.NoError(t, s.Start(&config.Config{Schedule: config.ScheduleConfig{
		PipelineScheduleCron: "0 * * * * *",
		DelayedBuildCron:     "*/10 * * * * *",
	}}))
	assert.Len(t, s.cronSchedules, 2)
	s.Stop()
}
