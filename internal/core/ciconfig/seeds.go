package ciconfig

import (
	"github.com/samber/lo"
	"gorm.io/datatypes"

	"ci-scheduler/internal/model"
	"ci-scheduler/pkg/constants"
)

// Context 计算种子时的流水线上下文
type Context struct {
	Ref           string
	Tag           bool
	SHA           string
	Source        string
	ProjectPath   string
	DefaultBranch string
	Variables     []model.Variable // 流水线变量, 优先级最高
}

// StageSeed 一个阶段及其待创建的任务
type StageSeed struct {
	Name  string
	Index int
	Jobs  []*model.Build
}

// Predefined 预定义变量
func (c *Context) Predefined() []model.Variable {
	vars := []model.Variable{
		{Key: "CI", Value: "true"},
		{Key: "CI_COMMIT_REF_NAME", Value: c.Ref},
		{Key: "CI_COMMIT_SHA", Value: c.SHA},
		{Key: "CI_PIPELINE_SOURCE", Value: c.Source},
		{Key: "CI_PROJECT_PATH", Value: c.ProjectPath},
		{Key: "CI_DEFAULT_BRANCH", Value: c.DefaultBranch},
	}
	if c.Tag {
		return append(vars, model.Variable{Key: "CI_COMMIT_TAG", Value: c.Ref})
	}
	return append(vars, model.Variable{Key: "CI_COMMIT_BRANCH", Value: c.Ref})
}

// WorkflowAllows workflow:rules 是否允许创建流水线, 未配置时允许
func (c *Config) WorkflowAllows(ctx *Context) (bool, error) {
	if len(c.WorkflowRules) == 0 {
		return true, nil
	}
	vars := model.VariablesToMap(ctx.Predefined(), c.Variables, ctx.Variables)
	rule, err := firstMatch(c.WorkflowRules, vars)
	if err != nil {
		return false, err
	}
	return rule != nil && rule.When != constants.WhenNever, nil
}

// Seeds 按 stages 顺序生成阶段种子, 被 rules 排除的任务和空阶段不出现
func (c *Config) Seeds(ctx *Context) ([]StageSeed, error) {
	byStage := lo.GroupBy(c.Jobs, func(j *Job) string { return j.Stage })

	var seeds []StageSeed
	for _, name := range c.Stages {
		var builds []*model.Build
		for _, job := range byStage[name] {
			b, err := c.seedJob(job, ctx)
			if err != nil {
				return nil, err
			}
			if b != nil {
				builds = append(builds, b)
			}
		}
		if len(builds) == 0 {
			continue
		}
		idx := len(seeds)
		for _, b := range builds {
			b.StageIdx = idx
		}
		seeds = append(seeds, StageSeed{Name: name, Index: idx, Jobs: builds})
	}
	return seeds, nil
}

// seedJob 返回 nil 表示任务被 rules 排除
func (c *Config) seedJob(job *Job, ctx *Context) (*model.Build, error) {
	when, startIn, allowFailure := job.When, job.StartIn, job.AllowFailure
	if len(job.Rules) > 0 {
		vars := model.VariablesToMap(ctx.Predefined(), c.Variables, job.Variables, ctx.Variables)
		rule, err := firstMatch(job.Rules, vars)
		if err != nil {
			return nil, err
		}
		if rule == nil || rule.When == constants.WhenNever {
			return nil, nil
		}
		if rule.When != "" {
			when = rule.When
		}
		if rule.StartIn != "" {
			startIn = rule.StartIn
		}
		if rule.AllowFailure != nil {
			allowFailure = *rule.AllowFailure
		}
	}

	b := &model.Build{
		Type:          lo.Ternary(job.IsBridge(), constants.BuildTypeBridge, constants.BuildTypeBuild),
		Name:          job.Name,
		Stage:         job.Stage,
		Status:        constants.StatusCreated,
		When:          when,
		StartIn:       lo.Ternary(when == constants.WhenDelayed, startIn, ""),
		AllowFailure:  allowFailure,
		Tags:          datatypes.JSONSlice[string](job.Tags),
		Options:       datatypes.NewJSONType(model.BuildOptions{Script: job.Script, Trigger: job.Trigger}),
		YamlVariables: datatypes.JSONSlice[model.Variable](mergeVariables(c.Variables, job.Variables)),
	}
	return b, nil
}

func firstMatch(rules []Rule, vars map[string]string) (*Rule, error) {
	for i := range rules {
		r := &rules[i]
		if r.If == "" {
			return r, nil
		}
		e, err := CompileExpression(r.If)
		if err != nil {
			return nil, &Error{Messages: []string{err.Error()}}
		}
		ok, err := e.Evaluate(vars)
		if err != nil {
			return nil, &Error{Messages: []string{err.Error()}}
		}
		if ok {
			return r, nil
		}
	}
	return nil, nil
}

// mergeVariables 保持首次出现的顺序, 后出现的值覆盖
func mergeVariables(lists ...[]model.Variable) []model.Variable {
	var out []model.Variable
	index := map[string]int{}
	for _, list := range lists {
		for _, v := range list {
			if i, ok := index[v.Key]; ok {
				out[i].Value = v.Value
				continue
			}
			index[v.Key] = len(out)
			out = append(out, v)
		}
	}
	return out
}
