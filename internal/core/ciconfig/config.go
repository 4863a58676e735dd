// Package ciconfig 解析流水线 YAML 配置并计算阶段种子
package ciconfig

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"ci-scheduler/internal/model"
	"ci-scheduler/pkg/constants"
)

// DefaultStages 未声明 stages 时使用
var DefaultStages = []string{".pre", "build", "test", "deploy", ".post"}

// DefaultStage 未声明 stage 的任务
const DefaultStage = "test"

// 顶层保留关键字, 不作为任务解析
var reservedKeys = map[string]bool{
	"stages": true, "variables": true, "workflow": true, "include": true, "default": true,
	"image": true, "services": true, "before_script": true, "after_script": true, "cache": true,
}

var validWhen = []string{
	constants.WhenOnSuccess, constants.WhenOnFailure, constants.WhenAlways,
	constants.WhenManual, constants.WhenDelayed,
}

// Config 解析后的配置
type Config struct {
	Stages        []string
	Variables     []model.Variable
	WorkflowRules []Rule
	Jobs          []*Job
}

// Job 任务定义
type Job struct {
	Name         string
	Stage        string
	When         string
	StartIn      string
	Tags         []string
	AllowFailure bool
	Script       []string
	Rules        []Rule
	Trigger      *model.TriggerOptions
	Variables    []model.Variable
}

// IsBridge 配置了 trigger
func (j *Job) IsBridge() bool {
	return j.Trigger != nil
}

// Rule rules 中的一条
type Rule struct {
	If           string
	When         string
	StartIn      string
	AllowFailure *bool
}

// Error 配置错误
type Error struct {
	Messages []string
}

func (e *Error) Error() string {
	return strings.Join(e.Messages, ", ")
}

// Parse 解析一个或多个文件, 后面文件的顶层键覆盖前面的同名键
func Parse(contents ...[]byte) (*Config, error) {
	root, err := mergeDocuments(contents)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	var jobErrs []string
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, value := root.Content[i].Value, root.Content[i+1]
		switch key {
		case "stages":
			var stages []string
			if err := value.Decode(&stages); err != nil {
				return nil, &Error{Messages: []string{"stages config should be an array of strings"}}
			}
			cfg.Stages = stages
		case "variables":
			var vars variables
			if err := value.Decode(&vars); err != nil {
				return nil, &Error{Messages: []string{"variables config should be a hash of key value pairs"}}
			}
			cfg.Variables = vars
		case "workflow":
			var wf struct {
				Rules []ruleYAML `yaml:"rules"`
			}
			if err := value.Decode(&wf); err != nil {
				return nil, &Error{Messages: []string{"workflow config contains unknown keys"}}
			}
			cfg.WorkflowRules = toRules(wf.Rules)
		default:
			if reservedKeys[key] || strings.HasPrefix(key, ".") {
				continue
			}
			job, err := parseJob(key, value)
			if err != nil {
				jobErrs = append(jobErrs, err.Error())
				continue
			}
			cfg.Jobs = append(cfg.Jobs, job)
		}
	}

	cfg.Stages = normalizeStages(cfg.Stages)
	jobErrs = append(jobErrs, cfg.validate()...)
	if len(jobErrs) > 0 {
		return nil, &Error{Messages: jobErrs}
	}
	return cfg, nil
}

func mergeDocuments(contents [][]byte) (*yaml.Node, error) {
	merged := &yaml.Node{Kind: yaml.MappingNode}
	index := map[string]int{}

	for _, content := range contents {
		if len(bytes.TrimSpace(content)) == 0 {
			continue
		}
		var doc yaml.Node
		if err := yaml.Unmarshal(content, &doc); err != nil {
			return nil, &Error{Messages: []string{fmt.Sprintf("Invalid configuration format: %v", err)}}
		}
		if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
			return nil, &Error{Messages: []string{"Invalid configuration format"}}
		}

		m := doc.Content[0]
		for i := 0; i+1 < len(m.Content); i += 2 {
			key := m.Content[i].Value
			if pos, ok := index[key]; ok {
				merged.Content[pos+1] = m.Content[i+1]
				continue
			}
			index[key] = len(merged.Content)
			merged.Content = append(merged.Content, m.Content[i], m.Content[i+1])
		}
	}
	if len(merged.Content) == 0 {
		return nil, &Error{Messages: []string{"Please provide content of .gitlab-ci.yml"}}
	}
	return merged, nil
}

func normalizeStages(stages []string) []string {
	if len(stages) == 0 {
		return append([]string(nil), DefaultStages...)
	}
	out := []string{".pre"}
	for _, s := range stages {
		if s != ".pre" && s != ".post" {
			out = append(out, s)
		}
	}
	return lo.Uniq(append(out, ".post"))
}

func parseJob(name string, node *yaml.Node) (*Job, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("jobs:%s config should be a hash", name)
	}
	var raw jobYAML
	if err := node.Decode(&raw); err != nil {
		return nil, fmt.Errorf("jobs:%s config contains unknown keys: %v", name, err)
	}

	job := &Job{
		Name:         name,
		Stage:        lo.Ternary(raw.Stage == "", DefaultStage, raw.Stage),
		When:         lo.Ternary(raw.When == "", constants.WhenOnSuccess, raw.When),
		StartIn:      raw.StartIn,
		Tags:         raw.Tags,
		AllowFailure: raw.AllowFailure,
		Script:       raw.Script,
		Rules:        toRules(raw.Rules),
		Trigger:      raw.Trigger.options(),
		Variables:    raw.Variables,
	}
	if len(job.Script) == 0 && job.Trigger == nil {
		return nil, fmt.Errorf("jobs:%s config should implement a script: or a trigger: keyword", name)
	}
	if len(job.Script) > 0 && job.Trigger != nil {
		return nil, fmt.Errorf("jobs:%s config should contain either a trigger or script keywords", name)
	}
	return job, nil
}

func (c *Config) validate() []string {
	var errs []string
	if len(c.Jobs) == 0 {
		errs = append(errs, "jobs config should contain at least one visible job")
	}
	for _, j := range c.Jobs {
		if !lo.Contains(c.Stages, j.Stage) {
			errs = append(errs, fmt.Sprintf("%s job: chosen stage does not exist; available stages are %s",
				j.Name, strings.Join(c.Stages, ", ")))
		}
		if err := validateWhen(j.Name, j.When, j.StartIn, false); err != nil {
			errs = append(errs, err.Error())
		}
		for _, r := range j.Rules {
			if r.When == "" {
				continue
			}
			if err := validateWhen(j.Name, r.When, lo.Ternary(r.StartIn == "", j.StartIn, r.StartIn), true); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if j.IsBridge() && j.Trigger.Project == "" && len(j.Trigger.Include) == 0 {
			errs = append(errs, fmt.Sprintf("jobs:%s:trigger config must specify project or include", j.Name))
		}
	}
	return errs
}

func validateWhen(job, when, startIn string, inRule bool) error {
	if inRule && when == constants.WhenNever {
		return nil
	}
	if !lo.Contains(validWhen, when) {
		return fmt.Errorf("jobs:%s when should be one of: %s", job, strings.Join(validWhen, ", "))
	}
	if when != constants.WhenDelayed {
		return nil
	}
	if startIn == "" {
		return fmt.Errorf("jobs:%s start in should be specified for delayed job", job)
	}
	if _, err := model.ParseHumanDuration(startIn); err != nil {
		return fmt.Errorf("jobs:%s start in should be a duration", job)
	}
	return nil
}

// IsConfigError 是否为配置错误
func IsConfigError(err error) bool {
	var cfgErr *Error
	return errors.As(err, &cfgErr)
}
