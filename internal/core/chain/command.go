package chain

import (
	"context"
	"errors"
	"fmt"

	"ci-scheduler/internal/core/ciconfig"
	"ci-scheduler/internal/model"
	"ci-scheduler/internal/pkg/git/api"
)

// Command 创建流水线的共享上下文, 各步骤只读取或补充其中的惰性计算结果
type Command struct {
	Source      string
	Project     *model.Project
	CurrentUser *model.User

	OriginRef   string
	BeforeSHA   string
	AfterSHA    string
	CheckoutSHA string

	Variables  []model.Variable
	SeedsBlock func(*model.Pipeline)

	Bridge         *model.Build
	ParentPipeline *model.Pipeline
	MergeRequest   *model.MergeRequest
	ChatJobName    string
	PushOptions    map[string]string

	IgnoreSkipCI    bool
	SaveIncompleted bool

	// ConfigContent 非空时不再读取仓库中的配置文件
	ConfigContent string
	// ConfigPaths 覆盖项目配置文件路径, 多个文件按顺序合并
	ConfigPaths []string

	git    api.GitProvider
	gitErr error

	refResolved bool
	ref         *api.RefInfo
	refErr      error

	commitResolved bool
	commit         *api.CommitInfo
	commitErr      error

	configLoaded bool
	config       *ciconfig.Config
	configErr    error

	seedsComputed bool
	seeds         []ciconfig.StageSeed
	seedsErr      error

	protected bool
}

// errMissingConfig 仓库中没有配置文件
var errMissingConfig = errors.New("Missing CI config file")

// Ref 去掉 refs/heads/ refs/tags/ 前缀后的名称
func (c *Command) Ref() string {
	name, _, _ := api.SplitRef(c.OriginRef)
	return name
}

// ResolveRef 解析 ref, 结果缓存
func (c *Command) ResolveRef(ctx context.Context) (*api.RefInfo, error) {
	if c.refResolved {
		return c.ref, c.refErr
	}
	c.refResolved = true
	if c.gitErr != nil {
		c.refErr = c.gitErr
		return nil, c.refErr
	}
	c.ref, c.refErr = c.git.ResolveRef(ctx, c.Project.FullPath, c.OriginRef)
	return c.ref, c.refErr
}

// IsTag ref 是否为标签
func (c *Command) IsTag(ctx context.Context) bool {
	if _, tag, explicit := api.SplitRef(c.OriginRef); explicit {
		return tag
	}
	ref, err := c.ResolveRef(ctx)
	return err == nil && ref.Tag
}

// SHA checkout_sha > after_sha > ref 当前指向
func (c *Command) SHA(ctx context.Context) string {
	if c.CheckoutSHA != "" {
		return c.CheckoutSHA
	}
	if c.AfterSHA != "" {
		return c.AfterSHA
	}
	if ref, err := c.ResolveRef(ctx); err == nil {
		return ref.SHA
	}
	return ""
}

// Commit 当前 SHA 对应的提交
func (c *Command) Commit(ctx context.Context) (*api.CommitInfo, error) {
	if c.commitResolved {
		return c.commit, c.commitErr
	}
	c.commitResolved = true
	sha := c.SHA(ctx)
	switch {
	case c.gitErr != nil:
		c.commitErr = c.gitErr
	case sha == "":
		c.commitErr = api.ErrNotFound
	default:
		c.commit, c.commitErr = c.git.GetCommit(ctx, c.Project.FullPath, sha)
	}
	return c.commit, c.commitErr
}

// Config 解析后的配置, 结果缓存
func (c *Command) Config(ctx context.Context) (*ciconfig.Config, error) {
	if c.configLoaded {
		return c.config, c.configErr
	}
	c.configLoaded = true
	c.config, c.configErr = c.loadConfig(ctx)
	return c.config, c.configErr
}

func (c *Command) loadConfig(ctx context.Context) (*ciconfig.Config, error) {
	if c.ConfigContent != "" {
		return ciconfig.Parse([]byte(c.ConfigContent))
	}
	if c.gitErr != nil {
		return nil, c.gitErr
	}

	paths := c.ConfigPaths
	if len(paths) == 0 {
		paths = []string{c.Project.CIConfigPathOrDefault()}
	}
	sha := c.SHA(ctx)
	contents := make([][]byte, 0, len(paths))
	for _, path := range paths {
		content, err := c.git.GetFile(ctx, c.Project.FullPath, sha, path)
		if errors.Is(err, api.ErrNotFound) {
			return nil, errMissingConfig
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		contents = append(contents, content)
	}
	return ciconfig.Parse(contents...)
}

// SeedContext 计算阶段种子用的上下文
func (c *Command) SeedContext(p *model.Pipeline) *ciconfig.Context {
	return &ciconfig.Context{
		Ref:           p.Ref,
		Tag:           p.Tag,
		SHA:           p.SHA,
		Source:        p.Source,
		ProjectPath:   c.Project.FullPath,
		DefaultBranch: c.Project.DefaultBranch,
		Variables:     p.Variables,
	}
}

// StageSeeds 阶段种子, 依赖已解析的配置与流水线变量
func (c *Command) StageSeeds(ctx context.Context, p *model.Pipeline) ([]ciconfig.StageSeed, error) {
	if c.seedsComputed {
		return c.seeds, c.seedsErr
	}
	cfg, err := c.Config(ctx)
	if err != nil {
		return nil, err
	}
	c.seedsComputed = true
	c.seeds, c.seedsErr = cfg.Seeds(c.SeedContext(p))
	return c.seeds, c.seedsErr
}

// SeedsSize 种子中的任务总数
func (c *Command) SeedsSize(ctx context.Context, p *model.Pipeline) int {
	seeds, err := c.StageSeeds(ctx, p)
	if err != nil {
		return 0
	}
	n := 0
	for _, s := range seeds {
		n += len(s.Jobs)
	}
	return n
}
