package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

var GlobalConfig *Config

// Config 全局配置
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Log          LogConfig          `mapstructure:"log"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Core         CoreConfig         `mapstructure:"core"`
	Jobs         JobsConfig         `mapstructure:"jobs"`
	Schedule     ScheduleConfig     `mapstructure:"schedule"`
	Notification NotificationConfig `mapstructure:"notification"`
	Git          GitConfig          `mapstructure:"git"`
}

// ServerConfig 服务配置
type ServerConfig struct {
	Name string `mapstructure:"name"`
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver          string `mapstructure:"driver"`
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Database        string `mapstructure:"database"`
	Username        string `mapstructure:"username"`
	Password        string `mapstructure:"password"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // 秒
	LogLevel        string `mapstructure:"log_level"`         // SQL日志级别: silent/error/warn/info
	AutoMigrate     bool   `mapstructure:"auto_migrate"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// AuthConfig 认证配置
type AuthConfig struct {
	JWT JWTConfig `mapstructure:"jwt"`
}

// JWTConfig JWT配置
type JWTConfig struct {
	Secret             string `mapstructure:"secret"`
	AccessTokenExpire  int    `mapstructure:"access_token_expire"`  // 秒
	RefreshTokenExpire int    `mapstructure:"refresh_token_expire"` // 秒
}

// LogConfig 日志配置
type LogConfig struct {
	Level    string `mapstructure:"level"`  // debug, info, warn, error
	Format   string `mapstructure:"format"` // json, console
	Output   string `mapstructure:"output"` // stdout, file
	FilePath string `mapstructure:"file_path"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// CoreConfig Core模块配置
type CoreConfig struct {
	ScanInterval string         `mapstructure:"scan_interval"` // 扫描间隔
	LockRetries  int            `mapstructure:"lock_retries"`  // 乐观锁重试次数
	Features     FeaturesConfig `mapstructure:"features"`
	Limits       LimitsConfig   `mapstructure:"limits"`
	Runner       RunnerConfig   `mapstructure:"runner"`
}

// FeaturesConfig 功能开关
type FeaturesConfig struct {
	DropBridgeOnDownstreamErrors *bool `mapstructure:"drop_bridge_on_downstream_errors"`
}

// DropBridgeOnDownstreamErrorsEnabled 未配置时默认开启
func (f FeaturesConfig) DropBridgeOnDownstreamErrorsEnabled() bool {
	if f.DropBridgeOnDownstreamErrors == nil {
		return true
	}
	return *f.DropBridgeOnDownstreamErrors
}

// LimitsConfig 流水线限制, 0 表示不限制
type LimitsConfig struct {
	MaxJobsPerPipeline int `mapstructure:"max_jobs_per_pipeline"`
	MaxActivePipelines int `mapstructure:"max_active_pipelines"`
}

// RunnerConfig Runner 在线判定
type RunnerConfig struct {
	OnlineContactTimeout string `mapstructure:"online_contact_timeout"`
	QueueExpiry          string `mapstructure:"queue_expiry"`
}

// OnlineContactTimeoutDuration 默认 2h
func (r RunnerConfig) OnlineContactTimeoutDuration() time.Duration {
	return parseDurationOr(r.OnlineContactTimeout, 2*time.Hour)
}

// QueueExpiryDuration 默认 1h
func (r RunnerConfig) QueueExpiryDuration() time.Duration {
	return parseDurationOr(r.QueueExpiry, time.Hour)
}

// JobsConfig 异步任务配置
type JobsConfig struct {
	Mode        string `mapstructure:"mode"` // redis, inline
	QueuePrefix string `mapstructure:"queue_prefix"`
	Workers     int    `mapstructure:"workers"`
}

// ScheduleConfig 定时任务配置
type ScheduleConfig struct {
	PipelineScheduleCron string `mapstructure:"pipeline_schedule_cron"` // 秒 分 时 日 月 周
	DelayedBuildCron     string `mapstructure:"delayed_build_cron"`
}

// NotificationConfig 通知配置
type NotificationConfig struct {
	Enabled     bool   `mapstructure:"enabled"`      // 是否启用
	Provider    string `mapstructure:"provider"`     // 通知渠道
	LarkWebhook string `mapstructure:"lark_webhook"` // Lark Webhook
}

// GitConfig 代码托管平台配置
type GitConfig struct {
	Default string            `mapstructure:"default"` // 未指定 git_source 的项目使用的源
	Sources []GitSourceConfig `mapstructure:"sources"`
}

// GitSourceConfig 代码托管源
type GitSourceConfig struct {
	Name     string `mapstructure:"name"`     // 源名称
	Platform string `mapstructure:"platform"` // 平台类型: gitea/gitlab/github
	BaseURL  string `mapstructure:"base_url"` // 平台地址
	Token    string `mapstructure:"token"`    // 访问令牌
	Enabled  bool   `mapstructure:"enabled"`  // 是否启用
}

// Load 加载配置
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// 设置配置文件路径
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	setDefaults(v)

	// 读取环境变量
	v.AutomaticEnv()

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	// 解析配置
	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	// 设置全局配置
	GlobalConfig = config

	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.name", "ci-scheduler")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("core.scan_interval", "30s")
	v.SetDefault("core.lock_retries", 3)
	v.SetDefault("jobs.mode", "redis")
	v.SetDefault("jobs.queue_prefix", "ci:jobs:")
	v.SetDefault("jobs.workers", 4)
	v.SetDefault("schedule.pipeline_schedule_cron", "0 * * * * *")
	v.SetDefault("schedule.delayed_build_cron", "*/10 * * * * *")
}

// GetDSN 获取数据库DSN
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.Username,
		c.Password,
		c.Host,
		c.Port,
		c.Database,
	)
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
