package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"ci-scheduler/internal/adapter/jobs"
	"ci-scheduler/internal/adapter/notification"
	"ci-scheduler/internal/core/processor"
	"ci-scheduler/internal/core/queue"
	"ci-scheduler/internal/core/statemachine"
	"ci-scheduler/internal/core/transitions"
	"ci-scheduler/internal/model"
	"ci-scheduler/internal/pkg/metrics"
	"ci-scheduler/internal/testutil"
	"ci-scheduler/pkg/constants"
)

type nopPicker struct{}

func (nopPicker) PickBuild(context.Context, *model.Runner, *model.Build) (bool, error) {
	return false, nil
}

type engine struct {
	db        *gorm.DB
	builds    *statemachine.Machine[*model.Build]
	processor *Processor
	project   *model.Project
}

func newEngine(t *testing.T) *engine {
	db := testutil.NewDB(t)
	logger := testutil.Logger(t)

	buildMachine := statemachine.NewBuildMachine(db, logger)
	pipelineMachine := statemachine.NewPipelineMachine(db, logger)
	collector := metrics.NewCollector()
	manager := queue.NewManager(db, collector, queue.NewRunnerFinder(db, time.Hour), nopPicker{}, logger)

	p := NewProcessor(db, processor.NewService(buildMachine, logger), buildMachine, pipelineMachine, 3, logger)

	registry := jobs.NewRegistry()
	registry.Register(jobs.PipelineProcess, p.ProcessByID)
	registry.Register(jobs.CreateDownstreamPipeline, func(context.Context, int64) error { return nil })
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

	return &engine{db: db, builds: buildMachine, processor: p, project: testutil.CreateProject(t, db)}
}

func (e *engine) fire(t *testing.T, b *model.Build, events ...statemachine.Event) {
	t.Helper()
	for _, ev := range events {
		require.NoError(t, e.builds.Fire(context.Background(), b, ev))
	}
}

func (e *engine) status(t *testing.T, b *model.Build) string {
	return testutil.Reload(t, e.db, &model.Build{}, b.ID).Status
}

func stage(idx int) func(*model.Build) {
	return func(b *model.Build) { b.StageIdx = idx }
}

func TestProcessAdvancesStagesInOrder(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	pl := testutil.CreatePipeline(t, e.db, e.project)
	build := testutil.CreateBuild(t, e.db, pl, stage(0))
	test := testutil.CreateBuild(t, e.db, pl, stage(1))
	rollback := testutil.CreateBuild(t, e.db, pl, stage(1), func(b *model.Build) { b.When = constants.WhenOnFailure })

	processed, err := e.processor.Process(ctx, pl)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, constants.StatusPending, e.status(t, build))
	assert.Equal(t, constants.StatusCreated, e.status(t, test))
	assert.Equal(t, constants.StatusPending, pl.Status)
	assert.Equal(t, int64(1), testutil.QueueEntryCount(t, e.db, build.ID))

	e.fire(t, build, statemachine.EventRun)
	assert.Equal(t, constants.StatusRunning, testutil.Reload(t, e.db, &model.Pipeline{}, pl.ID).Status)

	e.fire(t, build, statemachine.EventSuccess)
	assert.Equal(t, constants.StatusPending, e.status(t, test))
	assert.Equal(t, constants.StatusSkipped, e.status(t, rollback))

	e.fire(t, test, statemachine.EventRun, statemachine.EventSuccess)
	fresh := testutil.Reload(t, e.db, &model.Pipeline{}, pl.ID)
	assert.Equal(t, constants.StatusSuccess, fresh.Status)
	assert.NotNil(t, fresh.StartedAt)
	assert.NotNil(t, fresh.FinishedAt)

	finished := testutil.Reload(t, e.db, &model.Build{}, test.ID)
	assert.NotNil(t, finished.QueuedAt)
	assert.NotNil(t, finished.StartedAt)
	assert.NotNil(t, finished.FinishedAt)
}

func TestFailedStageRunsOnFailureJobs(t *testing.T) {
	e := newEngine(t)
	pl := testutil.CreatePipeline(t, e.db, e.project)
	build := testutil.CreateBuild(t, e.db, pl, stage(0))
	deploy := testutil.CreateBuild(t, e.db, pl, stage(1))
	cleanup := testutil.CreateBuild(t, e.db, pl, stage(1), func(b *model.Build) { b.When = constants.WhenAlways })

	_, err := e.processor.Process(context.Background(), pl)
	require.NoError(t, err)

	e.fire(t, build, statemachine.EventRun)
	require.NoError(t, e.builds.Fire(context.Background(), build, statemachine.EventDrop,
		statemachine.WithReason(constants.FailureReasonScriptFailure)))

	assert.Equal(t, constants.FailureReasonScriptFailure, testutil.Reload(t, e.db, &model.Build{}, build.ID).FailureReason)
	assert.Equal(t, constants.StatusSkipped, e.status(t, deploy))
	assert.Equal(t, constants.StatusPending, e.status(t, cleanup))
	assert.Equal(t, constants.StatusRunning, testutil.Reload(t, e.db, &model.Pipeline{}, pl.ID).Status)

	e.fire(t, cleanup, statemachine.EventRun, statemachine.EventSuccess)
	assert.Equal(t, constants.StatusFailed, testutil.Reload(t, e.db, &model.Pipeline{}, pl.ID).Status)
}

func TestManualStageBlocksLaterStages(t *testing.T) {
	e := newEngine(t)
	pl := testutil.CreatePipeline(t, e.db, e.project)
	gate := testutil.CreateBuild(t, e.db, pl, stage(0), func(b *model.Build) { b.When = constants.WhenManual })
	deploy := testutil.CreateBuild(t, e.db, pl, stage(1))

	_, err := e.processor.Process(context.Background(), pl)
	require.NoError(t, err)
	assert.Equal(t, constants.StatusManual, e.status(t, gate))
	assert.Equal(t, constants.StatusCreated, e.status(t, deploy))
	assert.Equal(t, constants.StatusManual, pl.Status)
	assert.Zero(t, testutil.QueueEntryCount(t, e.db, gate.ID))

	// play
	e.fire(t, gate, statemachine.EventEnqueue)
	assert.Equal(t, int64(1), testutil.QueueEntryCount(t, e.db, gate.ID))
	assert.Equal(t, constants.StatusPending, testutil.Reload(t, e.db, &model.Pipeline{}, pl.ID).Status)
}

func TestAllowedFailureManualDoesNotBlock(t *testing.T) {
	e := newEngine(t)
	pl := testutil.CreatePipeline(t, e.db, e.project)
	testutil.CreateBuild(t, e.db, pl, stage(0), func(b *model.Build) {
		b.When = constants.WhenManual
		b.AllowFailure = true
	})
	deploy := testutil.CreateBuild(t, e.db, pl, stage(1))

	_, err := e.processor.Process(context.Background(), pl)
	require.NoError(t, err)
	assert.Equal(t, constants.StatusPending, e.status(t, deploy))
}

func TestAutoCancelRunning(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	old := testutil.CreatePipeline(t, e.db, e.project)
	queued := testutil.CreateBuild(t, e.db, old, stage(0))
	later := testutil.CreateBuild(t, e.db, old, stage(1))
	_, err := e.processor.Process(ctx, old)
	require.NoError(t, err)
	require.Equal(t, int64(1), testutil.QueueEntryCount(t, e.db, queued.ID))

	newer := testutil.CreatePipeline(t, e.db, e.project)
	require.NoError(t, e.processor.AutoCancelRunning(ctx, old, newer))

	fresh := testutil.Reload(t, e.db, &model.Pipeline{}, old.ID)
	assert.Equal(t, constants.StatusCanceled, fresh.Status)
	require.NotNil(t, fresh.AutoCanceledByID)
	assert.Equal(t, newer.ID, *fresh.AutoCanceledByID)

	for _, b := range []*model.Build{queued, later} {
		got := testutil.Reload(t, e.db, &model.Build{}, b.ID)
		assert.Equal(t, constants.StatusCanceled, got.Status)
		require.NotNil(t, got.AutoCanceledByID)
		assert.Equal(t, newer.ID, *got.AutoCanceledByID)
	}
	assert.Zero(t, testutil.QueueEntryCount(t, e.db, queued.ID))

	err = e.processor.CancelRunning(ctx, fresh)
	var invalid *statemachine.InvalidTransitionError
	assert.ErrorAs(t, err, &invalid, "canceling twice is rejected by the pipeline table")
}

func TestDependentBridgeInheritsDownstreamStatus(t *testing.T) {
	cases := []struct {
		name       string
		finish     statemachine.Event
		wantBridge string
		wantReason string
	}{
		{"success", statemachine.EventSuccess, constants.StatusSuccess, ""},
		{"failed", statemachine.EventDrop, constants.StatusFailed, constants.FailureReasonDownstreamPipelineFailed},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			e := newEngine(t)
			ctx := context.Background()

			upstream := testutil.CreatePipeline(t, e.db, e.project, func(p *model.Pipeline) { p.Status = constants.StatusRunning })
			bridge := testutil.CreateBuild(t, e.db, upstream,
				testutil.AsBridge(model.TriggerOptions{Project: "group/downstream", Strategy: constants.TriggerStrategyDepend}),
				func(b *model.Build) { b.Status = constants.StatusRunning })

			downstream := testutil.CreatePipeline(t, e.db, e.project, func(p *model.Pipeline) {
				p.Source = constants.SourcePipeline
				p.SourceJobID = &bridge.ID
			})
			job := testutil.CreateBuild(t, e.db, downstream)
			_, err := e.processor.Process(ctx, downstream)
			require.NoError(t, err)
			assert.Equal(t, constants.StatusRunning, e.status(t, bridge), "bridge waits while downstream runs")

			e.fire(t, job, statemachine.EventRun, c.finish)

			got := testutil.Reload(t, e.db, &model.Build{}, bridge.ID)
			assert.Equal(t, c.wantBridge, got.Status)
			assert.Equal(t, c.wantReason, got.FailureReason)
			assert.Equal(t, c.wantBridge, testutil.Reload(t, e.db, &model.Pipeline{}, upstream.ID).Status)
		})
	}
}

func TestNonDependentBridgeIgnoresDownstream(t *testing.T) {
	e := newEngine(t)
	upstream := testutil.CreatePipeline(t, e.db, e.project)
	bridge := testutil.CreateBuild(t, e.db, upstream,
		testutil.AsBridge(model.TriggerOptions{Project: "group/downstream"}),
		func(b *model.Build) { b.Status = constants.StatusSuccess })

	downstream := testutil.CreatePipeline(t, e.db, e.project, func(p *model.Pipeline) { p.SourceJobID = &bridge.ID })
	job := testutil.CreateBuild(t, e.db, downstream)
	_, err := e.processor.Process(context.Background(), downstream)
	require.NoError(t, err)
	e.fire(t, job, statemachine.EventRun, statemachine.EventDrop)

	assert.Equal(t, constants.StatusFailed, testutil.Reload(t, e.db, &model.Pipeline{}, downstream.ID).Status)
	assert.Equal(t, constants.StatusSuccess, e.status(t, bridge))
}
