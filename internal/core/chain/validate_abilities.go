package chain

import (
	"context"
	"fmt"

	"ci-scheduler/internal/model"
	"ci-scheduler/internal/pkg/auth"
)

// ValidateAbilities 检查项目与用户权限
type ValidateAbilities struct {
	perms Permissions
}

func (ValidateAbilities) Name() string { return "validate_abilities" }

func (s ValidateAbilities) Perform(ctx context.Context, p *model.Pipeline, cmd *Command) Result {
	if !cmd.Project.BuildsEnabled {
		return halt(p, "Pipelines are disabled!")
	}

	ok, err := s.perms.Can(ctx, cmd.CurrentUser, cmd.Project, auth.PermPipelineCreate)
	if err != nil {
		return halt(p, fmt.Sprintf("Failed to check permissions: %v", err))
	}
	if !ok {
		return halt(p, "Insufficient permissions to create a new pipeline")
	}

	ok, err = s.perms.CanPushToRef(ctx, cmd.CurrentUser, cmd.Project, p.Ref, p.Tag)
	if err != nil {
		return halt(p, fmt.Sprintf("Failed to check permissions: %v", err))
	}
	if !ok {
		return halt(p, fmt.Sprintf("Insufficient permissions for protected ref '%s'", p.Ref))
	}
	return Continue
}
