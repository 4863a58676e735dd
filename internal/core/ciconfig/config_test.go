package ciconfig

import (
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ci-scheduler/internal/model"
	"ci-scheduler/pkg/constants"
)

const basicYAML = `
variables:
  GLOBAL: one
  DEPLOY_ENV:
    value: staging
build:
  stage: build
  script: make
  tags: [docker]
.hidden:
  script: echo hidden
rspec:
  script:
    - bundle exec rspec
  allow_failure: true
deploy:
  stage: deploy
  when: manual
  script: ./deploy
  variables:
    GLOBAL: two
downstream:
  stage: deploy
  trigger:
    project: group/downstream
    branch: main
    strategy: depend
`

func TestParseDefaultStages(t *testing.T) {
	cfg, err := Parse([]byte(basicYAML))
	require.NoError(t, err)

	assert.Equal(t, DefaultStages, cfg.Stages)
	assert.Equal(t, []string{"build", "rspec", "deploy", "downstream"},
		lo.Map(cfg.Jobs, func(j *Job, _ int) string { return j.Name }), "hidden jobs skipped, order kept")
	assert.Equal(t, []model.Variable{{Key: "GLOBAL", Value: "one"}, {Key: "DEPLOY_ENV", Value: "staging"}}, cfg.Variables)

	rspec := cfg.Jobs[1]
	assert.Equal(t, DefaultStage, rspec.Stage)
	assert.Equal(t, constants.WhenOnSuccess, rspec.When)
	assert.True(t, rspec.AllowFailure)
	assert.Equal(t, []string{"bundle exec rspec"}, rspec.Script)

	bridge := cfg.Jobs[3]
	require.True(t, bridge.IsBridge())
	assert.Equal(t, "group/downstream", bridge.Trigger.Project)
	assert.Equal(t, constants.TriggerStrategyDepend, bridge.Trigger.Strategy)
}

func TestParseCustomStagesWrappedInPreAndPost(t *testing.T) {
	cfg, err := Parse([]byte(`
stages: [lint, test]
lint:
  stage: lint
  script: golangci-lint run
`))
	require.NoError(t, err)
	assert.Equal(t, []string{".pre", "lint", "test", ".post"}, cfg.Stages)
}

func TestParseMergesLaterDocuments(t *testing.T) {
	cfg, err := Parse([]byte("build:\n  script: a\ntest:\n  script: b\n"), []byte("build:\n  script: c\n  stage: build\n"))
	require.NoError(t, err)
	require.Len(t, cfg.Jobs, 2)
	assert.Equal(t, []string{"c"}, cfg.Jobs[0].Script)
	assert.Equal(t, "build", cfg.Jobs[0].Stage)
}

func TestParseChildTriggerInclude(t *testing.T) {
	cfg, err := Parse([]byte(`
child:
  trigger:
    include:
      - local: ci/child.yml
    forward:
      pipeline_variables: true
`))
	require.NoError(t, err)
	trigger := cfg.Jobs[0].Trigger
	assert.Equal(t, []string{"ci/child.yml"}, trigger.Include)
	require.NotNil(t, trigger.Forward)
	assert.True(t, *trigger.Forward.PipelineVariables)
	assert.Nil(t, trigger.Forward.YamlVariables)
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"empty", "", "Please provide content of .gitlab-ci.yml"},
		{"not a mapping", "- a\n- b\n", "Invalid configuration format"},
		{"no visible jobs", ".hidden:\n  script: a\n", "jobs config should contain at least one visible job"},
		{"unknown stage", "a:\n  stage: nope\n  script: x\n", "a job: chosen stage does not exist"},
		{"bad when", "a:\n  when: sometimes\n  script: x\n", "jobs:a when should be one of"},
		{"delayed without start_in", "a:\n  when: delayed\n  script: x\n", "start in should be specified for delayed job"},
		{"delayed with bad start_in", "a:\n  when: delayed\n  start_in: soon\n  script: x\n", "start in should be a duration"},
		{"no script", "a:\n  stage: test\n", "should implement a script: or a trigger: keyword"},
		{"rule when", "a:\n  script: x\n  rules:\n    - when: later\n", "jobs:a when should be one of"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Parse([]byte(c.yaml))
			require.Error(t, err)
			assert.True(t, IsConfigError(err))
			assert.Contains(t, err.Error(), c.want)
		})
	}
}

func TestSeedsApplyRules(t *testing.T) {
	cfg, err := Parse([]byte(`
stages: [build, deploy]
compile:
  stage: build
  script: make
mr-only:
  stage: build
  script: make check
  rules:
    - if: $CI_PIPELINE_SOURCE == "merge_request_event"
release:
  stage: deploy
  script: ./release
  rules:
    - if: $CI_COMMIT_TAG
      when: never
    - if: $CI_COMMIT_BRANCH =~ /^MAIN$/i
      when: delayed
      start_in: 4 hours
      allow_failure: true
`))
	require.NoError(t, err)

	seeds, err := cfg.Seeds(&Context{Ref: "main", Source: constants.SourcePush})
	require.NoError(t, err)
	require.Len(t, seeds, 2)

	assert.Equal(t, "build", seeds[0].Name)
	assert.Equal(t, 0, seeds[0].Index)
	require.Len(t, seeds[0].Jobs, 1, "mr-only excluded when no rule matches")
	assert.Equal(t, "compile", seeds[0].Jobs[0].Name)
	assert.Equal(t, constants.StatusCreated, seeds[0].Jobs[0].Status)

	release := seeds[1].Jobs[0]
	assert.Equal(t, 1, release.StageIdx)
	assert.Equal(t, constants.WhenDelayed, release.When)
	assert.Equal(t, "4 hours", release.StartIn)
	assert.True(t, release.AllowFailure)

	seeds, err = cfg.Seeds(&Context{Ref: "v1.0", Tag: true, Source: constants.SourcePush})
	require.NoError(t, err)
	require.Len(t, seeds, 1, "deploy stage is empty for tags and disappears")
}

func TestSeedsVariablePrecedence(t *testing.T) {
	cfg, err := Parse([]byte(`
variables:
  TARGET: global
job:
  script: x
  variables:
    TARGET: job
  rules:
    - if: $TARGET == "pipeline"
`))
	require.NoError(t, err)

	seeds, err := cfg.Seeds(&Context{Ref: "main"})
	require.NoError(t, err)
	assert.Empty(t, seeds)

	seeds, err = cfg.Seeds(&Context{Ref: "main", Variables: []model.Variable{{Key: "TARGET", Value: "pipeline"}}})
	require.NoError(t, err)
	require.Len(t, seeds, 1)
	assert.Equal(t, []model.Variable{{Key: "TARGET", Value: "job"}}, []model.Variable(seeds[0].Jobs[0].YamlVariables))
}

func TestBridgeSeedCarriesTrigger(t *testing.T) {
	cfg, err := Parse([]byte("trigger-downstream:\n  trigger: group/downstream\n"))
	require.NoError(t, err)
	seeds, err := cfg.Seeds(&Context{Ref: "main"})
	require.NoError(t, err)

	b := seeds[0].Jobs[0]
	assert.True(t, b.IsBridge())
	require.NotNil(t, b.Trigger())
	assert.Equal(t, "group/downstream", b.Trigger().Project)
}

func TestWorkflowRules(t *testing.T) {
	cfg, err := Parse([]byte(`
workflow:
  rules:
    - if: $CI_COMMIT_REF_NAME =~ /^release/
      when: never
    - if: $CI_COMMIT_BRANCH
job:
  script: x
`))
	require.NoError(t, err)

	ok, err := cfg.WorkflowAllows(&Context{Ref: "main"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cfg.WorkflowAllows(&Context{Ref: "release-1"})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = cfg.WorkflowAllows(&Context{Ref: "v1", Tag: true})
	require.NoError(t, err)
	assert.False(t, ok, "no rule matches")
}
