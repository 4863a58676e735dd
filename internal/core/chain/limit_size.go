package chain

import (
	"context"
	"fmt"

	"ci-scheduler/internal/model"
	"ci-scheduler/pkg/constants"
)

// LimitSize 单条流水线的任务数上限, 0 表示不限制
type LimitSize struct {
	incomplete
	limit int
}

func (LimitSize) Name() string { return "limit_size" }

func (s LimitSize) Perform(ctx context.Context, p *model.Pipeline, cmd *Command) Result {
	if s.limit <= 0 {
		return Continue
	}
	excess := cmd.SeedsSize(ctx, p) - s.limit
	if excess <= 0 {
		return Continue
	}
	return s.drop(ctx, p, cmd,
		fmt.Sprintf("Pipeline size limit exceeded by %s!", pluralize(excess, "job")),
		constants.FailureReasonSizeLimitExceeded)
}
