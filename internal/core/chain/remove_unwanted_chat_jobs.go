package chain

import (
	"context"

	"github.com/samber/lo"

	"ci-scheduler/internal/core/ciconfig"
	"ci-scheduler/internal/model"
	"ci-scheduler/pkg/constants"
)

// RemoveUnwantedChatJobs chat 触发的流水线只保留指定的任务
type RemoveUnwantedChatJobs struct{}

func (RemoveUnwantedChatJobs) Name() string { return "remove_unwanted_chat_jobs" }

func (RemoveUnwantedChatJobs) Perform(ctx context.Context, p *model.Pipeline, cmd *Command) Result {
	if p.Source != constants.SourceChat {
		return Continue
	}
	cfg, err := cmd.Config(ctx)
	if err != nil {
		// 配置错误由 ValidateConfig 报告
		return Continue
	}
	cfg.Jobs = lo.Filter(cfg.Jobs, func(j *ciconfig.Job, _ int) bool { return j.Name == cmd.ChatJobName })
	return Continue
}
