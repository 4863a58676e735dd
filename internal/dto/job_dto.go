package dto

import "time"

// JobResponse 任务
type JobResponse struct {
	ID            int64      `json:"id"`
	PipelineID    int64      `json:"pipeline_id"`
	ProjectID     int64      `json:"project_id"`
	Type          string     `json:"type"`
	Name          string     `json:"name"`
	Stage         string     `json:"stage"`
	StageIdx      int        `json:"stage_idx"`
	Status        string     `json:"status"`
	When          string     `json:"when"`
	AllowFailure  bool       `json:"allow_failure"`
	Tags          []string   `json:"tags"`
	Ref           string     `json:"ref"`
	SHA           string     `json:"sha"`
	RunnerID      *int64     `json:"runner_id"`
	FailureReason string     `json:"failure_reason,omitempty"`
	ScheduledAt   *time.Time `json:"scheduled_at,omitempty"`
	QueuedAt      *time.Time `json:"queued_at"`
	StartedAt     *time.Time `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at"`
}
