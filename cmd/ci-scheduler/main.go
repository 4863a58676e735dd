package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"ci-scheduler/internal/api/router"
	"ci-scheduler/internal/core"
	"ci-scheduler/internal/pkg/config"
	"ci-scheduler/internal/pkg/database"
	"ci-scheduler/internal/pkg/git"
	"ci-scheduler/internal/pkg/jwt"
	"ci-scheduler/internal/pkg/logger"
	"ci-scheduler/internal/pkg/redis"
	"ci-scheduler/internal/repository"
	"ci-scheduler/internal/scheduler"
	"ci-scheduler/internal/service"
)

const (
	appName    = "ci-scheduler"
	appVersion = "1.0.0"

	defaultConfigPath   = "configs/config.yaml"
	defaultScanInterval = 30 * time.Second
	shutdownTimeout     = 5 * time.Second
)

var (
	configFile = flag.String("config", "", "配置文件路径 (例如: -config=configs/config.yaml)")
	version    = flag.Bool("version", false, "显示版本信息")
	issueToken = flag.String("issue-token", "", "为指定用户签发 Token 后退出")
)

func main() {
	flag.Parse()
	if *version {
		fmt.Printf("%s version %s\n", appName, appVersion)
		return
	}

	// 优先级: 命令行参数 > 环境变量 CONFIG_FILE > 默认路径
	configPath, source := resolveConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败 (%s, 来源: %s): %v\n", configPath, source, err)
		fmt.Fprintf(os.Stderr, "使用 -config=%s 或 CONFIG_FILE 环境变量指定配置文件\n", defaultConfigPath)
		os.Exit(1)
	}
	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Close() }()

	logger.Info("配置已加载", zap.String("path", configPath), zap.String("source", source), zap.String("version", appVersion))

	if err := run(cfg); err != nil {
		logger.Fatal("服务异常退出", zap.Error(err))
	}
}

func run(cfg *config.Config) error {
	if err := database.Init(&cfg.Database); err != nil {
		return fmt.Errorf("初始化数据库: %w", err)
	}
	defer func() { _ = database.Close() }()
	db := database.GetDB()
	logger.Info("数据库连接成功", zap.String("driver", cfg.Database.Driver), zap.String("database", cfg.Database.Database))

	if *issueToken != "" {
		return printToken(service.NewAuthService(jwt.NewManager(cfg.Auth.JWT), repository.NewUserRepository(db)), *issueToken)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := redis.Init(ctx, &cfg.Redis); err != nil {
		return fmt.Errorf("初始化Redis: %w", err)
	}
	defer func() { _ = redis.Close() }()

	gitSources, err := git.NewRegistryFromConfig(cfg.Git)
	if err != nil {
		return fmt.Errorf("初始化代码托管源: %w", err)
	}

	authz := service.NewAuthorizationService(repository.NewProjectRepository(db), repository.NewMemberRepository(db))
	engine, err := core.NewCoreEngine(db, redis.Client, gitSources, authz, cfg, logger.Log)
	if err != nil {
		return fmt.Errorf("初始化Core引擎: %w", err)
	}

	scanInterval, err := time.ParseDuration(cfg.Core.ScanInterval)
	if err != nil || scanInterval <= 0 {
		logger.Warn("扫描间隔无效, 使用默认值", zap.String("scan_interval", cfg.Core.ScanInterval), zap.Duration("default", defaultScanInterval))
		scanInterval = defaultScanInterval
	}
	engine.Start(scanInterval)
	defer engine.Stop()
	logger.Info("Core引擎已启动", zap.Duration("scan_interval", scanInterval), zap.String("jobs_mode", cfg.Jobs.Mode))

	cronScheduler := scheduler.NewScheduler(engine, logger.Named("scheduler"))
	if err := cronScheduler.Start(cfg); err != nil {
		return fmt.Errorf("启动定时任务: %w", err)
	}
	defer cronScheduler.Stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router.Setup(cfg, engine, authz, logger.Log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP 服务启动", zap.String("address", srv.Addr), zap.String("mode", cfg.Server.Mode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	// 先停止接收请求, defer 依次停止定时任务与 Core 引擎
	logger.Info("服务正在关闭...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP 服务关闭异常", zap.Error(err))
	}
	return nil
}

// printToken 输出 JSON 格式的 Token, 用于初始化管理员或脚本调用
func printToken(authService service.AuthService, username string) error {
	resp, err := authService.IssueToken(username)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func resolveConfigPath() (path, source string) {
	if *configFile != "" {
		return *configFile, "命令行参数"
	}
	if env := os.Getenv("CONFIG_FILE"); env != "" {
		return env, "环境变量"
	}
	return defaultConfigPath, "默认路径"
}
