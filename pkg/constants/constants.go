package constants

// CI 状态 (pipeline / build 共用)
const (
	StatusCreated   = "created"
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
	StatusSkipped   = "skipped"
	StatusManual    = "manual"
	StatusScheduled = "scheduled"
)

var (
	// CompletedStatuses 终态
	CompletedStatuses = []string{StatusSuccess, StatusFailed, StatusCanceled, StatusSkipped}
	// ActiveStatuses 执行中
	ActiveStatuses = []string{StatusPending, StatusRunning}
	// BlockedStatuses 等待人工/定时
	BlockedStatuses = []string{StatusManual, StatusScheduled}
	// CancelableStatuses 可取消
	CancelableStatuses = []string{StatusCreated, StatusPending, StatusRunning, StatusManual, StatusScheduled}
)

// IsCompleted 是否终态
func IsCompleted(status string) bool {
	return contains(CompletedStatuses, status)
}

// IsActive 是否执行中
func IsActive(status string) bool {
	return contains(ActiveStatuses, status)
}

// IsBlocked 是否阻塞
func IsBlocked(status string) bool {
	return contains(BlockedStatuses, status)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Job when 策略
const (
	WhenOnSuccess = "on_success"
	WhenOnFailure = "on_failure"
	WhenAlways    = "always"
	WhenManual    = "manual"
	WhenDelayed   = "delayed"
	WhenNever     = "never"
)

// Pipeline 触发来源
const (
	SourcePush              = "push"
	SourceWeb               = "web"
	SourceTrigger           = "trigger"
	SourceSchedule          = "schedule"
	SourceAPI               = "api"
	SourceExternal          = "external"
	SourcePipeline          = "pipeline" // 跨项目下游
	SourceChat              = "chat"
	SourceMergeRequestEvent = "merge_request_event"
	SourceParentPipeline    = "parent_pipeline" // 子流水线
)

// PipelineSources 合法来源
var PipelineSources = []string{
	SourcePush, SourceWeb, SourceTrigger, SourceSchedule, SourceAPI, SourceExternal,
	SourcePipeline, SourceChat, SourceMergeRequestEvent, SourceParentPipeline,
}

// IsValidSource 来源是否合法
func IsValidSource(source string) bool {
	return contains(PipelineSources, source)
}

// Build 类型
const (
	BuildTypeBuild  = "build"
	BuildTypeBridge = "bridge"
)

// 失败原因
const (
	FailureReasonUnknown                     = "unknown_failure"
	FailureReasonScriptFailure               = "script_failure"
	FailureReasonConfigError                 = "config_error"
	FailureReasonSizeLimitExceeded           = "size_limit_exceeded"
	FailureReasonActivityLimitExceeded       = "activity_limit_exceeded"
	FailureReasonDownstreamProjectNotFound   = "downstream_bridge_project_not_found"
	FailureReasonInvalidBridgeTrigger        = "invalid_bridge_trigger"
	FailureReasonBridgePipelineIsChild       = "bridge_pipeline_is_child_pipeline"
	FailureReasonInsufficientBridgePerms     = "insufficient_bridge_permissions"
	FailureReasonDownstreamCreationFailed    = "downstream_pipeline_creation_failed"
	FailureReasonDownstreamPipelineFailed    = "downstream_pipeline_failed"
	FailureReasonRunnerSystemFailure         = "runner_system_failure"
	FailureReasonStuckOrTimeout              = "stuck_or_timeout_failure"
	FailureReasonUpstreamBridgeProjectAccess = "upstream_bridge_project_not_found"
)

// 取消原因: 随流水线整体取消的任务不再单独触发流水线处理
const (
	CancelReasonPipelineCanceled = "pipeline_canceled"
	CancelReasonAutoCanceled     = "auto_canceled"
)

// Trigger 策略
const (
	TriggerStrategyDepend = "depend"
)

// Runner 类型
const (
	RunnerTypeInstance = "instance_type"
	RunnerTypeGroup    = "group_type"
	RunnerTypeProject  = "project_type"
)

// Runner 访问级别
const (
	RunnerAccessNotProtected = "not_protected"
	RunnerAccessRefProtected = "ref_protected"
)

// 项目成员角色
const (
	RoleGuest      = "guest"
	RoleReporter   = "reporter"
	RoleDeveloper  = "developer"
	RoleMaintainer = "maintainer"
	RoleOwner      = "owner"
	RoleNoOne      = "no_one"
)

// 合并请求状态
const (
	MergeRequestOpened = "opened"
	MergeRequestMerged = "merged"
	MergeRequestClosed = "closed"
)

// Git 类型
const (
	GitTypeGitea  = "gitea"
	GitTypeGitLab = "gitlab"
	GitTypeGitHub = "github"
)

// JWT 相关
const (
	JWTContextKey  = "jwt_user"
	JWTTypeAccess  = "access"
	JWTTypeRefresh = "refresh"
)

// HTTP Header
const (
	HeaderAuthorization = "Authorization"
	HeaderBearerPrefix  = "Bearer "
	HeaderRunnerToken   = "X-Runner-Token"
)

// 默认 CI 配置文件
const DefaultCIConfigPath = ".gitlab-ci.yml"
