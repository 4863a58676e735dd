package statemachine

import (
	"ci-scheduler/internal/model"
	"ci-scheduler/pkg/constants"
)

// Event 状态事件
type Event string

const (
	EventEnqueue          Event = "enqueue"
	EventEnqueueScheduled Event = "enqueue_scheduled"
	EventRun              Event = "run"
	EventSuccess          Event = "success"
	EventDrop             Event = "drop"
	EventCancel           Event = "cancel"
	EventSkip             Event = "skip"
	EventActionize        Event = "actionize"
	EventSchedule         Event = "schedule"
	EventUnschedule       Event = "unschedule"

	// bridge 专用, 允许从任意状态(含自身)进入
	EventPending   Event = "pending"
	EventManual    Event = "manual"
	EventScheduled Event = "scheduled"

	// pipeline
	EventSucceed Event = "succeed"
	EventBlock   Event = "block"
	EventDelay   Event = "delay"
)

// Rule 一条流转规则. From 为空表示任意状态; AnyFrom 时默认不允许自环.
type Rule struct {
	From     []string
	To       string
	Loopback bool
}

func (r Rule) accepts(from string) bool {
	if len(r.From) == 0 {
		return r.Loopback || from != r.To
	}
	return in(from, r.From)
}

// Table 事件 -> 规则, 按顺序匹配第一条
type Table map[Event][]Rule

// Next 计算目标状态
func (t Table) Next(from string, event Event) (string, bool) {
	for _, r := range t[event] {
		if r.accepts(from) {
			return r.To, true
		}
	}
	return "", false
}

// Events 当前状态下可用的事件
func (t Table) Events(from string) []Event {
	var out []Event
	for e := range t {
		if _, ok := t.Next(from, e); ok {
			out = append(out, e)
		}
	}
	return out
}

const (
	created   = constants.StatusCreated
	pending   = constants.StatusPending
	running   = constants.StatusRunning
	success   = constants.StatusSuccess
	failed    = constants.StatusFailed
	canceled  = constants.StatusCanceled
	skipped   = constants.StatusSkipped
	manual    = constants.StatusManual
	scheduled = constants.StatusScheduled
)

// BuildTable 普通任务
var BuildTable = Table{
	EventEnqueue:          {{From: []string{created, skipped, manual, scheduled}, To: pending}},
	EventEnqueueScheduled: {{From: []string{scheduled}, To: pending}},
	EventRun:              {{From: []string{pending}, To: running}},
	EventSkip:             {{From: []string{created}, To: skipped}},
	EventDrop:             {{From: []string{created, pending, running, manual, scheduled}, To: failed}},
	EventSuccess:          {{From: []string{created, pending, running}, To: success}},
	EventCancel:           {{From: []string{created, pending, running, manual, scheduled}, To: canceled}},
	EventActionize:        {{From: []string{created}, To: manual}},
	EventSchedule:         {{From: []string{created}, To: scheduled}},
	EventUnschedule:       {{From: []string{scheduled}, To: manual}},
}

// BridgeTable 桥接任务: 在普通任务基础上允许从任意状态进入 pending/manual/scheduled
var BridgeTable = func() Table {
	t := Table{}
	for e, rules := range BuildTable {
		t[e] = rules
	}
	t[EventPending] = []Rule{{To: pending, Loopback: true}}
	t[EventManual] = []Rule{{To: manual, Loopback: true}}
	t[EventScheduled] = []Rule{{To: scheduled, Loopback: true}}
	return t
}()

// PipelineTable 流水线
var PipelineTable = Table{
	EventEnqueue: {
		{From: []string{created, manual, skipped, scheduled}, To: pending},
		{From: []string{success, failed, canceled}, To: running},
	},
	EventRun:     {{To: running}},
	EventSkip:    {{To: skipped}},
	EventDrop:    {{To: failed}},
	EventSucceed: {{To: success}},
	EventCancel:  {{To: canceled}},
	EventBlock:   {{To: manual}},
	EventDelay:   {{To: scheduled}},
}

// BuildTableFor 按任务类型选择流转表
func BuildTableFor(b *model.Build) Table {
	if b.IsBridge() {
		return BridgeTable
	}
	return BuildTable
}

// PipelineTableFor 流水线流转表
func PipelineTableFor(*model.Pipeline) Table {
	return PipelineTable
}
