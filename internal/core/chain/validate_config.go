package chain

import (
	"context"

	"ci-scheduler/internal/core/ciconfig"
	"ci-scheduler/internal/model"
	"ci-scheduler/pkg/constants"
)

// ValidateConfig 配置必须存在且合法
type ValidateConfig struct {
	incomplete
}

func (ValidateConfig) Name() string { return "validate_config" }

func (s ValidateConfig) Perform(ctx context.Context, p *model.Pipeline, cmd *Command) Result {
	_, err := cmd.Config(ctx)
	if err == nil {
		return Continue
	}
	if ciconfig.IsConfigError(err) || err == errMissingConfig {
		p.YamlErrors = err.Error()
	}
	return s.drop(ctx, p, cmd, err.Error(), constants.FailureReasonConfigError)
}
