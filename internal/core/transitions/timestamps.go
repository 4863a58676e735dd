package transitions

import (
	"time"

	"ci-scheduler/internal/core/statemachine"
	"ci-scheduler/internal/model"
)

var now = time.Now

func stampQueuedAt(b *model.Build, _ statemachine.Transition) {
	t := now()
	b.QueuedAt = &t
}

func stampStartedAt(b *model.Build, _ statemachine.Transition) {
	t := now()
	b.StartedAt = &t
}

func stampFinishedAt(b *model.Build, _ statemachine.Transition) {
	t := now()
	b.FinishedAt = &t
}

func stampFailureReason(b *model.Build, tr statemachine.Transition) {
	if tr.Reason != "" {
		b.FailureReason = tr.Reason
	}
}

func stampPipelineStarted(p *model.Pipeline, _ statemachine.Transition) {
	if p.StartedAt == nil {
		t := now()
		p.StartedAt = &t
	}
}

func stampPipelineFinished(p *model.Pipeline, _ statemachine.Transition) {
	t := now()
	p.FinishedAt = &t
	if p.StartedAt != nil {
		p.Duration = int(t.Sub(*p.StartedAt).Seconds())
	}
}

func clearPipelineFinished(p *model.Pipeline, _ statemachine.Transition) {
	p.FinishedAt = nil
}

func stampPipelineFailureReason(p *model.Pipeline, tr statemachine.Transition) {
	if tr.Reason != "" {
		p.FailureReason = tr.Reason
	}
}
