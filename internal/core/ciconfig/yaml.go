package ciconfig

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"ci-scheduler/internal/model"
)

// jobYAML 未列出的关键字 (image, artifacts, needs ...) 解码时忽略
type jobYAML struct {
	Stage        string       `yaml:"stage"`
	Script       stringList   `yaml:"script"`
	When         string       `yaml:"when"`
	StartIn      string       `yaml:"start_in"`
	Tags         []string     `yaml:"tags"`
	AllowFailure bool         `yaml:"allow_failure"`
	Rules        []ruleYAML   `yaml:"rules"`
	Trigger      *triggerYAML `yaml:"trigger"`
	Variables    variables    `yaml:"variables"`
}

type ruleYAML struct {
	If           string `yaml:"if"`
	When         string `yaml:"when"`
	StartIn      string `yaml:"start_in"`
	AllowFailure *bool  `yaml:"allow_failure"`
}

func toRules(in []ruleYAML) []Rule {
	out := make([]Rule, 0, len(in))
	for _, r := range in {
		out = append(out, Rule{If: r.If, When: r.When, StartIn: r.StartIn, AllowFailure: r.AllowFailure})
	}
	return out
}

// stringList 字符串或字符串数组
type stringList []string

func (l *stringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*l = []string{node.Value}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	}
	return fmt.Errorf("line %d: should be a string or an array of strings", node.Line)
}

// variables 保持声明顺序; 值可以是标量或 {value: ...}
type variables []model.Variable

func (v *variables) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: variables should be a hash", node.Line)
	}
	out := make([]model.Variable, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i].Value, node.Content[i+1]
		switch value.Kind {
		case yaml.ScalarNode:
			out = append(out, model.Variable{Key: key, Value: value.Value})
		case yaml.MappingNode:
			var full struct {
				Value string `yaml:"value"`
			}
			if err := value.Decode(&full); err != nil {
				return err
			}
			out = append(out, model.Variable{Key: key, Value: full.Value})
		default:
			return fmt.Errorf("line %d: variable %s should be a string", value.Line, key)
		}
	}
	*v = out
	return nil
}

// triggerYAML trigger: <project> 或完整形式
type triggerYAML struct {
	Project  string
	Branch   string
	Strategy string
	Include  includeList
	Forward  *model.ForwardOptions
}

func (t *triggerYAML) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		t.Project = node.Value
		return nil
	}
	var full struct {
		Project  string      `yaml:"project"`
		Branch   string      `yaml:"branch"`
		Strategy string      `yaml:"strategy"`
		Include  includeList `yaml:"include"`
		Forward  *struct {
			YamlVariables     *bool `yaml:"yaml_variables"`
			PipelineVariables *bool `yaml:"pipeline_variables"`
		} `yaml:"forward"`
	}
	if err := node.Decode(&full); err != nil {
		return err
	}
	t.Project, t.Branch, t.Strategy, t.Include = full.Project, full.Branch, full.Strategy, full.Include
	if full.Forward != nil {
		t.Forward = &model.ForwardOptions{
			YamlVariables:     full.Forward.YamlVariables,
			PipelineVariables: full.Forward.PipelineVariables,
		}
	}
	return nil
}

func (t *triggerYAML) options() *model.TriggerOptions {
	if t == nil {
		return nil
	}
	return &model.TriggerOptions{
		Project:  t.Project,
		Branch:   t.Branch,
		Strategy: t.Strategy,
		Include:  t.Include,
		Forward:  t.Forward,
	}
}

// includeList include: path / [path] / [{local: path}]
type includeList []string

func (l *includeList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*l = []string{node.Value}
		return nil
	case yaml.MappingNode:
		path, err := localPath(node)
		if err != nil {
			return err
		}
		*l = []string{path}
		return nil
	case yaml.SequenceNode:
		out := make([]string, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind == yaml.ScalarNode {
				out = append(out, item.Value)
				continue
			}
			path, err := localPath(item)
			if err != nil {
				return err
			}
			out = append(out, path)
		}
		*l = out
		return nil
	}
	return fmt.Errorf("line %d: include should be a string or an array", node.Line)
}

func localPath(node *yaml.Node) (string, error) {
	var entry struct {
		Local    string `yaml:"local"`
		Artifact string `yaml:"artifact"`
	}
	if err := node.Decode(&entry); err != nil {
		return "", err
	}
	if entry.Local == "" {
		return "", fmt.Errorf("line %d: only local includes are supported", node.Line)
	}
	return entry.Local, nil
}
