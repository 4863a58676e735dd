package dto

// RequestJobRequest Runner 领取任务
type RequestJobRequest struct {
	LastUpdate string `json:"last_update"` // 上次拿到的队列版本号, 未变化时直接返回无任务
}

// RequestJobResponse 领取结果, Job 为空表示暂无任务
type RequestJobResponse struct {
	LastUpdate string            `json:"last_update"`
	Job        *RunnerJobPayload `json:"job,omitempty"`
}

// RunnerJobPayload 下发给 Runner 的任务
type RunnerJobPayload struct {
	ID         int64          `json:"id"`
	PipelineID int64          `json:"pipeline_id"`
	ProjectID  int64          `json:"project_id"`
	Name       string         `json:"name"`
	Stage      string         `json:"stage"`
	Ref        string         `json:"ref"`
	SHA        string         `json:"sha"`
	Script     []string       `json:"script"`
	Variables  []VariableItem `json:"variables"`
}

// UpdateJobRequest Runner 回报任务结果
type UpdateJobRequest struct {
	State         string `json:"state" binding:"required,oneof=running success failed"`
	FailureReason string `json:"failure_reason" binding:"omitempty,oneof=script_failure runner_system_failure stuck_or_timeout_failure unknown_failure"`
}
