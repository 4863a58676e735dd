package service

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"ci-scheduler/internal/core"
	"ci-scheduler/internal/model"
	"ci-scheduler/internal/pkg/config"
	"ci-scheduler/internal/pkg/git"
	"ci-scheduler/internal/pkg/git/memory"
	"ci-scheduler/internal/repository"
	"ci-scheduler/internal/testutil"
	"ci-scheduler/pkg/constants"
)

const ciConfig = `
build:
  script:
    - make
  variables:
    GOFLAGS: -mod=mod
`

type fixture struct {
	db        *gorm.DB
	engine    *core.CoreEngine
	git       *memory.Provider
	project   *model.Project
	pipelines PipelineService
	jobs      JobService
	runners   RunnerService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	provider := memory.New()
	sources := git.NewRegistry("memory")
	sources.Register("memory", provider)

	projectRepo := repository.NewProjectRepository(db)
	pipelineRepo := repository.NewPipelineRepository(db)
	buildRepo := repository.NewBuildRepository(db)
	authz := NewAuthorizationService(projectRepo, repository.NewMemberRepository(db))

	cfg := &config.Config{
		Core: config.CoreConfig{LockRetries: 3},
		Jobs: config.JobsConfig{Mode: core.JobsModeInline},
	}
	engine, err := core.NewCoreEngine(db, client, sources, authz, cfg, testutil.Logger(t))
	require.NoError(t, err)

	logger := testutil.Logger(t)
	f := &fixture{
		db:      db,
		engine:  engine,
		git:     provider,
		project: testutil.CreateProject(t, db),
		pipelines: NewPipelineService(projectRepo, pipelineRepo, buildRepo, authz,
			engine.Creator(), engine.Processor(), engine.LockRetries(), logger),
		jobs: NewJobService(buildRepo, authz, engine.BuildMachine(), engine.LockRetries(), logger),
		runners: NewRunnerService(repository.NewRunnerRepository(db), buildRepo, pipelineRepo,
			engine.RunnerQueue(), engine.BuildMachine(), engine.LockRetries(), logger),
	}
	provider.AddCommit(f.project.FullPath, "sha1", "init", map[string]string{constants.DefaultCIConfigPath: ciConfig}).
		SetBranch(f.project.FullPath, "main", "sha1")
	return f
}

func (f *fixture) member(t *testing.T, role string) *model.User {
	t.Helper()
	user := testutil.CreateUser(t, f.db)
	testutil.AddMember(t, f.db, f.project, user, role)
	return user
}
