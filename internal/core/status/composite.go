// Package status 由一组任务状态推导聚合状态
package status

import (
	"github.com/samber/lo"

	"ci-scheduler/pkg/constants"
)

// PriorNone 第一个阶段没有前置阶段
const PriorNone = "none"

// Item 参与聚合的任务
type Item struct {
	Status       string
	AllowFailure bool
}

// Composite 聚合状态, 没有任务时返回 ""
//
// 允许失败的 failed/canceled 任务与允许失败的 manual 任务视为 ignored.
func Composite(items []Item) string {
	if len(items) == 0 {
		return ""
	}

	counts := map[string]int{}
	for _, it := range items {
		key := it.Status
		if it.AllowFailure && (it.Status == constants.StatusFailed || it.Status == constants.StatusCanceled || it.Status == constants.StatusManual) {
			key = "ignored"
		}
		counts[key]++
	}

	only := func(statuses ...string) bool {
		for s, n := range counts {
			if n > 0 && !lo.Contains(statuses, s) {
				return false
			}
		}
		return true
	}
	anyOf := func(statuses ...string) bool {
		return lo.SomeBy(statuses, func(s string) bool { return counts[s] > 0 })
	}

	switch {
	case only(constants.StatusSkipped, "ignored"):
		return constants.StatusSkipped
	case only(constants.StatusSuccess, constants.StatusSkipped, "ignored"):
		return constants.StatusSuccess
	case only(constants.StatusCreated, "ignored"):
		return constants.StatusCreated
	case only(constants.StatusCanceled, constants.StatusSuccess, constants.StatusSkipped, "ignored"):
		return constants.StatusCanceled
	case only(constants.StatusPending, constants.StatusCreated, constants.StatusSkipped, "ignored"):
		return constants.StatusPending
	case anyOf(constants.StatusRunning, constants.StatusPending):
		return constants.StatusRunning
	case anyOf(constants.StatusManual):
		return constants.StatusManual
	case anyOf(constants.StatusScheduled):
		return constants.StatusScheduled
	case anyOf(constants.StatusCreated):
		return constants.StatusRunning
	default:
		return constants.StatusFailed
	}
}
