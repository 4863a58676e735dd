package bridge

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"ci-scheduler/internal/adapter/jobs"
	"ci-scheduler/internal/adapter/notification"
	"ci-scheduler/internal/core/chain"
	"ci-scheduler/internal/core/pipeline"
	"ci-scheduler/internal/core/processor"
	"ci-scheduler/internal/core/queue"
	"ci-scheduler/internal/core/statemachine"
	"ci-scheduler/internal/core/transitions"
	"ci-scheduler/internal/model"
	"ci-scheduler/internal/pkg/auth"
	"ci-scheduler/internal/pkg/git"
	"ci-scheduler/internal/pkg/git/memory"
	"ci-scheduler/internal/pkg/metrics"
	"ci-scheduler/internal/testutil"
	"ci-scheduler/pkg/constants"
)

const downstreamConfig = `
rspec:
  stage: test
  script: rspec
`

type nopPicker struct{}

func (nopPicker) PickBuild(context.Context, *model.Runner, *model.Build) (bool, error) {
	return false, nil
}

type fakePerms struct {
	deny     map[auth.Permission]bool
	denyPush bool
}

func (f *fakePerms) Can(_ context.Context, _ *model.User, _ *model.Project, perm auth.Permission) (bool, error) {
	return !f.deny[perm], nil
}

func (f *fakePerms) CanPushToRef(context.Context, *model.User, *model.Project, string, bool) (bool, error) {
	return !f.denyPush, nil
}

type fakeTracker struct {
	mu     sync.Mutex
	errors []error
}

func (f *fakeTracker) TrackException(_ context.Context, err error, _ map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, err)
}

type env struct {
	db         *gorm.DB
	git        *memory.Provider
	perms      *fakePerms
	tracker    *fakeTracker
	creator    *chain.Service
	svc        *Service
	user       *model.User
	upstream   *model.Project
	downstream *model.Project
}

func newEnv(t *testing.T, opts Options) *env {
	db := testutil.NewDB(t)
	logger := testutil.Logger(t)

	buildMachine := statemachine.NewBuildMachine(db, logger)
	pipelineMachine := statemachine.NewPipelineMachine(db, logger)
	collector := metrics.NewCollector()
	manager := queue.NewManager(db, collector, queue.NewRunnerFinder(db, time.Hour), nopPicker{}, logger)
	proc := pipeline.NewProcessor(db, processor.NewService(buildMachine, logger), buildMachine, pipelineMachine, 3, logger)

	registry := jobs.NewRegistry()
	dispatcher := jobs.NewInlineDispatcher(registry, collector, logger)
	deps := transitions.Deps{
		Queue:        manager,
		Dispatcher:   dispatcher,
		Notifier:     notification.NewLogNotifier(logger),
		BuildMachine: buildMachine,
		LockRetries:  3,
		Logger:       logger,
	}
	transitions.RegisterBuild(buildMachine, deps)
	transitions.RegisterPipeline(pipelineMachine, deps)

	provider := memory.New()
	sources := git.NewRegistry("memory")
	sources.Register("memory", provider)

	perms := &fakePerms{deny: map[auth.Permission]bool{}}
	tracker := &fakeTracker{}
	creator := chain.NewService(db, proc, perms, sources, dispatcher, collector, chain.Limits{}, 3, logger)
	svc := NewService(db, creator, perms, buildMachine, tracker, opts, logger)

	registry.Register(jobs.PipelineProcess, proc.ProcessByID)
	registry.Register(jobs.CreateDownstreamPipeline, svc.ExecuteByID)
	registry.Register(jobs.AutoCancelRedundantPipelines, creator.CancelRedundantPipelines)
	registry.Register(jobs.UpdateHeadPipeline, creator.UpdateHeadPipeline)

	e := &env{
		db:         db,
		git:        provider,
		perms:      perms,
		tracker:    tracker,
		creator:    creator,
		svc:        svc,
		user:       testutil.CreateUser(t, db),
		upstream:   testutil.CreateProject(t, db),
		downstream: testutil.CreateProject(t, db),
	}
	provider.AddCommit(e.downstream.FullPath, "down1", "init", map[string]string{constants.DefaultCIConfigPath: downstreamConfig}).
		SetBranch(e.downstream.FullPath, "main", "down1")
	return e
}

func defaultOptions() Options {
	return Options{DropBridgeOnDownstreamErrors: true, LockRetries: 3}
}

// bridge 上游流水线中处于 pending 的 bridge
func (e *env) bridge(t *testing.T, trigger model.TriggerOptions, opts ...func(*model.Pipeline)) *model.Build {
	t.Helper()
	opts = append([]func(*model.Pipeline){func(p *model.Pipeline) {
		p.UserID = &e.user.ID
		p.Status = constants.StatusRunning
	}}, opts...)
	upstream := testutil.CreatePipeline(t, e.db, e.upstream, opts...)
	return testutil.CreateBuild(t, e.db, upstream, testutil.AsBridge(trigger), func(b *model.Build) {
		b.Status = constants.StatusPending
	})
}

func (e *env) status(t *testing.T, b *model.Build) *model.Build {
	return testutil.Reload(t, e.db, &model.Build{}, b.ID)
}

func (e *env) pipelines(t *testing.T, project *model.Project) int64 {
	var n int64
	require.NoError(t, e.db.Model(&model.Pipeline{}).Where("project_id = ?", project.ID).Count(&n).Error)
	return n
}

func TestCrossProjectPipelineCreated(t *testing.T) {
	e := newEnv(t, defaultOptions())
	b := e.bridge(t, model.TriggerOptions{Project: e.downstream.FullPath})

	p, err := e.svc.Execute(context.Background(), b)
	require.NoError(t, err)

	require.True(t, p.Persisted(), p.Errors)
	assert.Equal(t, e.downstream.ID, p.ProjectID)
	assert.Equal(t, "main", p.Ref)
	assert.Equal(t, constants.SourcePipeline, p.Source)
	assert.Equal(t, b.ID, *p.SourceJobID)
	assert.Equal(t, e.upstream.ID, *p.SourceProjectID)
	assert.Equal(t, e.user.ID, *p.UserID)
	assert.Equal(t, constants.StatusPending, testutil.Reload(t, e.db, &model.Pipeline{}, p.ID).Status)

	assert.Equal(t, constants.StatusSuccess, e.status(t, b).Status)
	assert.Empty(t, e.tracker.errors)
}

func TestDependBridgeLeftRunning(t *testing.T) {
	e := newEnv(t, defaultOptions())
	b := e.bridge(t, model.TriggerOptions{Project: e.downstream.FullPath, Strategy: constants.TriggerStrategyDepend})

	p, err := e.svc.Execute(context.Background(), b)
	require.NoError(t, err)
	require.True(t, p.Persisted())
	assert.Equal(t, constants.StatusRunning, e.status(t, b).Status)
}

func TestDuplicateTriggerIsNoop(t *testing.T) {
	e := newEnv(t, defaultOptions())
	b := e.bridge(t, model.TriggerOptions{Project: e.downstream.FullPath, Strategy: constants.TriggerStrategyDepend})

	first, err := e.svc.Execute(context.Background(), b)
	require.NoError(t, err)
	require.True(t, first.Persisted())

	second, err := e.svc.Execute(context.Background(), b)
	require.NoError(t, err)
	assert.Nil(t, second)
	assert.Equal(t, int64(1), e.pipelines(t, e.downstream))
	require.Len(t, e.tracker.errors, 1)
	assert.ErrorIs(t, e.tracker.errors[0], ErrDuplicateDownstream)
}

func TestConcurrentTriggersCreateOneDownstream(t *testing.T) {
	e := newEnv(t, defaultOptions())
	b := e.bridge(t, model.TriggerOptions{Project: e.downstream.FullPath, Strategy: constants.TriggerStrategyDepend})

	const workers = 4
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		errs    []error
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		own := testutil.Reload(t, e.db, &model.Build{}, b.ID)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			p, err := e.svc.Execute(context.Background(), own)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			}
			if p != nil && p.Persisted() {
				created++
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Empty(t, errs)
	assert.Equal(t, 1, created)
	assert.Equal(t, int64(1), e.pipelines(t, e.downstream))
	assert.Equal(t, constants.StatusRunning, e.status(t, b).Status)
	for _, err := range e.tracker.errors {
		assert.ErrorIs(t, err, ErrDuplicateDownstream)
	}
}

func TestPreconditionFailuresDropBridge(t *testing.T) {
	cases := []struct {
		name    string
		trigger func(e *env) model.TriggerOptions
		prepare func(e *env)
		child   bool
		want    string
	}{
		{
			name:    "project not found",
			trigger: func(*env) model.TriggerOptions { return model.TriggerOptions{Project: "missing/project"} },
			want:    constants.FailureReasonDownstreamProjectNotFound,
		},
		{
			name:    "project not readable",
			trigger: func(e *env) model.TriggerOptions { return model.TriggerOptions{Project: e.downstream.FullPath} },
			prepare: func(e *env) { e.perms.deny[auth.PermProjectRead] = true },
			want:    constants.FailureReasonDownstreamProjectNotFound,
		},
		{
			name:    "same project",
			trigger: func(e *env) model.TriggerOptions { return model.TriggerOptions{Project: e.upstream.FullPath} },
			want:    constants.FailureReasonInvalidBridgeTrigger,
		},
		{
			name:    "child of child",
			trigger: func(*env) model.TriggerOptions { return model.TriggerOptions{Include: []string{"child.yml"}} },
			child:   true,
			want:    constants.FailureReasonBridgePipelineIsChild,
		},
		{
			name:    "cannot update upstream",
			trigger: func(e *env) model.TriggerOptions { return model.TriggerOptions{Project: e.downstream.FullPath} },
			prepare: func(e *env) { e.perms.deny[auth.PermPipelineUpdate] = true },
			want:    constants.FailureReasonInsufficientBridgePerms,
		},
		{
			name:    "cannot create downstream",
			trigger: func(e *env) model.TriggerOptions { return model.TriggerOptions{Project: e.downstream.FullPath} },
			prepare: func(e *env) { e.perms.deny[auth.PermPipelineCreate] = true },
			want:    constants.FailureReasonInsufficientBridgePerms,
		},
		{
			name:    "cannot push to ref",
			trigger: func(e *env) model.TriggerOptions { return model.TriggerOptions{Project: e.downstream.FullPath} },
			prepare: func(e *env) { e.perms.denyPush = true },
			want:    constants.FailureReasonInsufficientBridgePerms,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			e := newEnv(t, defaultOptions())
			if c.prepare != nil {
				c.prepare(e)
			}
			var opts []func(*model.Pipeline)
			if c.child {
				opts = append(opts, func(p *model.Pipeline) { p.Source = constants.SourceParentPipeline })
			}
			b := e.bridge(t, c.trigger(e), opts...)

			p, err := e.svc.Execute(context.Background(), b)
			require.NoError(t, err)
			assert.Nil(t, p)

			dropped := e.status(t, b)
			assert.Equal(t, constants.StatusFailed, dropped.Status)
			assert.Equal(t, c.want, dropped.FailureReason)
			assert.Zero(t, e.pipelines(t, e.downstream))
		})
	}
}

func TestCreationFailureDropsBridge(t *testing.T) {
	e := newEnv(t, defaultOptions())
	e.git.AddCommit(e.downstream.FullPath, "empty", "no config", nil).SetBranch(e.downstream.FullPath, "empty", "empty")
	b := e.bridge(t, model.TriggerOptions{Project: e.downstream.FullPath, Branch: "empty"})

	p, err := e.svc.Execute(context.Background(), b)
	require.NoError(t, err)
	assert.False(t, p.Persisted())
	assert.Equal(t, []string{"Missing CI config file"}, p.Errors)

	dropped := e.status(t, b)
	assert.Equal(t, constants.StatusFailed, dropped.Status)
	assert.Equal(t, constants.FailureReasonDownstreamCreationFailed, dropped.FailureReason)
}

func TestPropagationDisabled(t *testing.T) {
	e := newEnv(t, Options{LockRetries: 3})
	b := e.bridge(t, model.TriggerOptions{Project: e.downstream.FullPath})

	p, err := e.svc.Execute(context.Background(), b)
	require.NoError(t, err)
	assert.True(t, p.Persisted())
	assert.Equal(t, constants.StatusPending, e.status(t, b).Status)
}

func TestCanceledBridgeIsTracked(t *testing.T) {
	e := newEnv(t, defaultOptions())
	b := e.bridge(t, model.TriggerOptions{Project: e.downstream.FullPath})
	require.NoError(t, e.db.Model(&model.Build{}).Where("id = ?", b.ID).Update("status", constants.StatusCanceled).Error)

	p, err := e.svc.Execute(context.Background(), b)
	require.NoError(t, err)
	assert.True(t, p.Persisted())
	assert.Equal(t, constants.StatusCanceled, e.status(t, b).Status)

	require.Len(t, e.tracker.errors, 1)
	var invalid *statemachine.InvalidTransitionError
	assert.ErrorAs(t, e.tracker.errors[0], &invalid)
}

func TestChildPipeline(t *testing.T) {
	e := newEnv(t, defaultOptions())
	e.git.AddCommit(e.upstream.FullPath, "up1", "init", map[string]string{
		"ci/child.yml": "rspec:\n  script: rspec\necho:\n  script: echo\n",
	}).SetBranch(e.upstream.FullPath, "feature", "up1")
	b := e.bridge(t, model.TriggerOptions{Include: []string{"ci/child.yml"}}, func(p *model.Pipeline) {
		p.Ref = "feature"
		p.SHA = "up1"
	})

	p, err := e.svc.Execute(context.Background(), b)
	require.NoError(t, err)

	require.True(t, p.Persisted(), p.Errors)
	assert.Equal(t, e.upstream.ID, p.ProjectID)
	assert.Equal(t, constants.SourceParentPipeline, p.Source)
	assert.Equal(t, "feature", p.Ref)
	assert.Equal(t, "up1", p.SHA)
	assert.Equal(t, b.PipelineID, *p.ParentPipelineID)
	assert.Equal(t, []string{"rspec", "echo"}, []string{p.Builds[0].Name, p.Builds[1].Name})
	assert.Equal(t, constants.StatusSuccess, e.status(t, b).Status)
}

func TestDownstreamVariables(t *testing.T) {
	forward := func(yaml, pipeline bool) model.TriggerOptions {
		return model.TriggerOptions{Project: "x/y", Forward: &model.ForwardOptions{YamlVariables: &yaml, PipelineVariables: &pipeline}}
	}
	upstream := &model.Pipeline{Variables: []model.Variable{
		{Key: "PIPELINE_VARIABLE", Value: "my-value-var"},
		{Key: "SHARED", Value: "from-pipeline"},
	}}
	newBridge := func(trigger model.TriggerOptions) *model.Build {
		b := &model.Build{YamlVariables: []model.Variable{
			{Key: "BRIDGE", Value: "$PIPELINE_VARIABLE"},
			{Key: "SHARED", Value: "from-yaml"},
			{Key: "RAW", Value: "${UNKNOWN}"},
		}}
		testutil.AsBridge(trigger)(b)
		return b
	}

	vars := DownstreamVariables(newBridge(model.TriggerOptions{Project: "x/y"}), upstream)
	assert.Equal(t, []model.Variable{
		{Key: "BRIDGE", Value: "my-value-var"},
		{Key: "SHARED", Value: "from-yaml"},
		{Key: "RAW", Value: "$UNKNOWN"},
	}, vars)

	vars = DownstreamVariables(newBridge(forward(true, true)), upstream)
	assert.Equal(t, "from-pipeline", model.VariablesToMap(vars)["SHARED"])
	assert.Equal(t, "my-value-var", model.VariablesToMap(vars)["PIPELINE_VARIABLE"])

	assert.Empty(t, DownstreamVariables(newBridge(forward(false, false)), upstream))
}

func TestBridgeJobTriggersDownstreamEndToEnd(t *testing.T) {
	e := newEnv(t, defaultOptions())
	config := fmt.Sprintf("trigger_downstream:\n  stage: deploy\n  variables:\n    TARGET: staging\n  trigger:\n    project: %s\n", e.downstream.FullPath)
	e.git.AddCommit(e.upstream.FullPath, "up1", "init", map[string]string{constants.DefaultCIConfigPath: config}).
		SetBranch(e.upstream.FullPath, "main", "up1")

	upstream, err := e.creator.Execute(context.Background(), constants.SourcePush, e.upstream, e.user, chain.Params{Ref: "main"})
	require.NoError(t, err)
	require.True(t, upstream.Persisted(), upstream.Errors)

	var downstream model.Pipeline
	require.NoError(t, e.db.Where("project_id = ?", e.downstream.ID).First(&downstream).Error)
	assert.Equal(t, upstream.Builds[0].ID, *downstream.SourceJobID)
	assert.Equal(t, "staging", model.VariablesToMap(downstream.Variables)["TARGET"])

	assert.Equal(t, constants.StatusSuccess, e.status(t, upstream.Builds[0]).Status)
	assert.Equal(t, constants.StatusSuccess, testutil.Reload(t, e.db, &model.Pipeline{}, upstream.ID).Status)
}
