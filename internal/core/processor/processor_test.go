package processor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"ci-scheduler/internal/core/statemachine"
	"ci-scheduler/internal/core/status"
	"ci-scheduler/internal/model"
	"ci-scheduler/internal/testutil"
	"ci-scheduler/pkg/constants"
)

type fixture struct {
	db       *gorm.DB
	service  *Service
	pipeline *model.Pipeline
}

func newFixture(t *testing.T) *fixture {
	db := testutil.NewDB(t)
	project := testutil.CreateProject(t, db)
	machine := statemachine.NewBuildMachine(db, testutil.Logger(t))
	// 队列钩子由 transitions 包注册, 这里只断言 pending 状态与队列表为空
	return &fixture{
		db:       db,
		service:  NewService(machine, testutil.Logger(t)),
		pipeline: testutil.CreatePipeline(t, db, project),
	}
}

func TestProcessTotality(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	f.service.now = func() time.Time { return now }

	predecessors := []string{constants.StatusSuccess, constants.StatusFailed, constants.StatusSkipped, status.PriorNone}
	expected := map[string]map[string]string{
		constants.WhenOnSuccess: {
			constants.StatusSuccess: constants.StatusPending,
			constants.StatusFailed:  constants.StatusSkipped,
			constants.StatusSkipped: constants.StatusPending,
			status.PriorNone:        constants.StatusPending,
		},
		constants.WhenOnFailure: {
			constants.StatusSuccess: constants.StatusSkipped,
			constants.StatusFailed:  constants.StatusPending,
			constants.StatusSkipped: constants.StatusSkipped,
			status.PriorNone:        constants.StatusSkipped,
		},
		constants.WhenAlways: {
			constants.StatusSuccess: constants.StatusPending,
			constants.StatusFailed:  constants.StatusPending,
			constants.StatusSkipped: constants.StatusPending,
			status.PriorNone:        constants.StatusPending,
		},
		constants.WhenManual: {
			constants.StatusSuccess: constants.StatusManual,
			constants.StatusFailed:  constants.StatusSkipped,
			constants.StatusSkipped: constants.StatusManual,
			status.PriorNone:        constants.StatusManual,
		},
		constants.WhenDelayed: {
			constants.StatusSuccess: constants.StatusScheduled,
			constants.StatusFailed:  constants.StatusSkipped,
			constants.StatusSkipped: constants.StatusScheduled,
			status.PriorNone:        constants.StatusScheduled,
		},
		"bogus": {
			constants.StatusSuccess: constants.StatusSkipped,
			constants.StatusFailed:  constants.StatusSkipped,
			constants.StatusSkipped: constants.StatusSkipped,
			status.PriorNone:        constants.StatusSkipped,
		},
	}

	for when, outcomes := range expected {
		for _, prior := range predecessors {
			build := testutil.CreateBuild(t, f.db, f.pipeline, func(b *model.Build) {
				b.When = when
				if when == constants.WhenDelayed {
					b.StartIn = "30 minutes"
				}
			})

			proceeded, err := f.service.Process(context.Background(), build, prior)
			require.NoError(t, err, "%s after %s", when, prior)

			want := outcomes[prior]
			assert.Equal(t, want != constants.StatusSkipped, proceeded, "%s after %s", when, prior)
			fresh := testutil.Reload(t, f.db, &model.Build{}, build.ID)
			assert.Equal(t, want, fresh.Status, "%s after %s", when, prior)

			if want == constants.StatusScheduled {
				require.NotNil(t, fresh.ScheduledAt)
				assert.WithinDuration(t, now.Add(30*time.Minute), *fresh.ScheduledAt, time.Second)
			}
		}
	}
}

func TestDelayedWithoutStartInBecomesManual(t *testing.T) {
	f := newFixture(t)
	build := testutil.CreateBuild(t, f.db, f.pipeline, func(b *model.Build) { b.When = constants.WhenDelayed })

	proceeded, err := f.service.Process(context.Background(), build, constants.StatusSuccess)
	require.NoError(t, err)
	assert.True(t, proceeded)
	assert.Equal(t, constants.StatusManual, build.Status)
}

func TestOnFailureAfterSuccessIsSkipped(t *testing.T) {
	f := newFixture(t)
	build := testutil.CreateBuild(t, f.db, f.pipeline, func(b *model.Build) { b.When = constants.WhenOnFailure })

	proceeded, err := f.service.Process(context.Background(), build, constants.StatusSuccess)
	require.NoError(t, err)
	assert.False(t, proceeded)
	assert.Equal(t, constants.StatusSkipped, build.Status)
	assert.Zero(t, testutil.QueueEntryCount(t, f.db, build.ID))
}

func TestManualAfterSkippedIsActionized(t *testing.T) {
	f := newFixture(t)
	build := testutil.CreateBuild(t, f.db, f.pipeline, func(b *model.Build) { b.When = constants.WhenManual })

	proceeded, err := f.service.Process(context.Background(), build, constants.StatusSkipped)
	require.NoError(t, err)
	assert.True(t, proceeded)
	assert.Equal(t, constants.StatusManual, build.Status)
	assert.Zero(t, testutil.QueueEntryCount(t, f.db, build.ID))
}

func TestProcessRejectsAlreadyProcessedBuild(t *testing.T) {
	f := newFixture(t)
	build := testutil.CreateBuild(t, f.db, f.pipeline)
	_, err := f.service.Process(context.Background(), build, constants.StatusSuccess)
	require.NoError(t, err)

	_, err = f.service.Process(context.Background(), build, constants.StatusSuccess)
	var invalid *statemachine.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, constants.StatusPending, invalid.From)
}

func TestValidStatusesUnknownWhenIsEmpty(t *testing.T) {
	assert.Empty(t, ValidStatuses("sometimes"))
	assert.Equal(t, []string{constants.StatusFailed}, ValidStatuses(constants.WhenOnFailure))
}
