package chain

import (
	"context"
	"errors"
	"fmt"

	"ci-scheduler/internal/model"
	"ci-scheduler/internal/pkg/git/api"
)

// ValidateRepository 检查 ref 与提交是否存在
type ValidateRepository struct{}

func (ValidateRepository) Name() string { return "validate_repository" }

func (ValidateRepository) Perform(ctx context.Context, p *model.Pipeline, cmd *Command) Result {
	_, refErr := cmd.ResolveRef(ctx)
	switch {
	case errors.Is(refErr, api.ErrNotFound):
		return halt(p, "Reference not found")
	case refErr != nil && !errors.Is(refErr, api.ErrAmbiguousRef):
		return halt(p, fmt.Sprintf("Failed to resolve ref: %v", refErr))
	}

	if _, err := cmd.Commit(ctx); err != nil {
		if errors.Is(err, api.ErrNotFound) {
			return halt(p, "Commit not found")
		}
		return halt(p, fmt.Sprintf("Failed to load commit: %v", err))
	}

	if errors.Is(refErr, api.ErrAmbiguousRef) {
		return halt(p, "Ref is ambiguous")
	}
	return Continue
}
