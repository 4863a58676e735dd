package chain

import (
	"context"

	"github.com/samber/lo"
	"gorm.io/gorm"

	"ci-scheduler/internal/model"
	"ci-scheduler/pkg/constants"
)

// Build 组装内存中的流水线
type Build struct {
	db *gorm.DB
}

func (Build) Name() string { return "build" }

func (s Build) Perform(ctx context.Context, p *model.Pipeline, cmd *Command) Result {
	p.Source = cmd.Source
	p.ProjectID = cmd.Project.ID
	p.Project = cmd.Project
	p.Ref = cmd.Ref()
	p.Tag = cmd.IsTag(ctx)
	p.SHA = cmd.SHA(ctx)
	p.BeforeSHA = cmd.BeforeSHA
	p.Status = constants.StatusCreated
	p.Variables = cmd.Variables
	if cmd.CurrentUser != nil {
		p.UserID = &cmd.CurrentUser.ID
		p.User = cmd.CurrentUser
	}
	if cmd.Bridge != nil {
		p.SourceJobID = &cmd.Bridge.ID
		p.SourceProjectID = &cmd.Bridge.ProjectID
	}
	if cmd.ParentPipeline != nil {
		p.ParentPipelineID = &cmd.ParentPipeline.ID
	}

	if cmd.SeedsBlock != nil {
		cmd.SeedsBlock(p)
	}

	cmd.protected = !p.Tag && s.protectedRef(ctx, cmd.Project.ID, p.Ref)
	return Continue
}

func (s Build) protectedRef(ctx context.Context, projectID int64, ref string) bool {
	var branches []*model.ProtectedBranch
	if err := s.db.WithContext(ctx).Where("project_id = ?", projectID).Find(&branches).Error; err != nil {
		return false
	}
	return lo.SomeBy(branches, func(b *model.ProtectedBranch) bool { return b.Matches(ref) })
}
