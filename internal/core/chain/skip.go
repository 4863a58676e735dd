package chain

import (
	"context"
	"regexp"

	"ci-scheduler/internal/core/statemachine"
	"ci-scheduler/internal/model"
	"ci-scheduler/pkg/constants"
)

var skipPattern = regexp.MustCompile(`(?i)\[(ci[ _-]skip|skip[ _-]ci)\]`)

// Skip 提交信息或 push option 要求跳过
type Skip struct {
	incomplete
}

func (Skip) Name() string { return "skip" }

func (s Skip) Perform(ctx context.Context, p *model.Pipeline, cmd *Command) Result {
	if cmd.IgnoreSkipCI || !s.skipped(ctx, cmd) {
		return Continue
	}
	if cmd.SaveIncompleted {
		if err := s.persist(ctx, p, statemachine.EventSkip, constants.StatusSkipped, ""); err != nil {
			p.AddError("Failed to persist the pipeline: " + err.Error())
		}
	}
	return Result{Break: true}
}

func (s Skip) skipped(ctx context.Context, cmd *Command) bool {
	if _, ok := cmd.PushOptions["ci.skip"]; ok {
		return true
	}
	commit, err := cmd.Commit(ctx)
	return err == nil && skipPattern.MatchString(commit.Message)
}
