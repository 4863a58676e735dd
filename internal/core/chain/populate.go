package chain

import (
	"context"
	"fmt"

	"ci-scheduler/internal/model"
)

// Populate 根据阶段种子生成任务
type Populate struct{}

func (Populate) Name() string { return "populate" }

func (Populate) Perform(ctx context.Context, p *model.Pipeline, cmd *Command) Result {
	cfg, err := cmd.Config(ctx)
	if err != nil {
		return halt(p, err.Error())
	}

	allowed, err := cfg.WorkflowAllows(cmd.SeedContext(p))
	if err != nil {
		return halt(p, err.Error())
	}
	if !allowed {
		return halt(p, "Pipeline filtered out by workflow rules.")
	}

	seeds, err := cmd.StageSeeds(ctx, p)
	if err != nil {
		return halt(p, fmt.Sprintf("Failed to evaluate rules: %v", err))
	}

	p.Builds = nil
	for _, seed := range seeds {
		for _, b := range seed.Jobs {
			b.ProjectID = p.ProjectID
			b.Ref = p.Ref
			b.SHA = p.SHA
			b.Protected = cmd.protected
			b.UserID = p.UserID
			p.Builds = append(p.Builds, b)
		}
	}
	if len(p.Builds) == 0 {
		return halt(p, "No stages / jobs for this pipeline.")
	}
	return Continue
}
