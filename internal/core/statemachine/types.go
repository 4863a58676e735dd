package statemachine

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// Stateful 可被状态机驱动的实体
type Stateful interface {
	GetID() int64
	GetStatus() string
	SetStatus(status string)
	GetLockVersion() int
	SetLockVersion(v int)
}

// Transition 一次状态流转, Tx 为流转所在事务 (After 阶段已提交, 不可再使用)
type Transition struct {
	Tx       *gorm.DB
	Event    Event
	From     string
	To       string
	Reason   string
	Operator string
}

// TransitionHandler 流转钩子
type TransitionHandler[T Stateful] interface {
	// Handle 状态写入后、提交前执行, 失败则整体回滚
	Handle(ctx context.Context, entity T, tr Transition) error

	// After 事务提交后执行
	After(ctx context.Context, entity T, tr Transition)
}

// HandleFunc 只在事务内执行的钩子
type HandleFunc[T Stateful] func(ctx context.Context, entity T, tr Transition) error

func (f HandleFunc[T]) Handle(ctx context.Context, entity T, tr Transition) error {
	return f(ctx, entity, tr)
}

func (f HandleFunc[T]) After(context.Context, T, Transition) {}

// AfterFunc 只在提交后执行的钩子
type AfterFunc[T Stateful] func(ctx context.Context, entity T, tr Transition)

func (f AfterFunc[T]) Handle(context.Context, T, Transition) error { return nil }

func (f AfterFunc[T]) After(ctx context.Context, entity T, tr Transition) {
	f(ctx, entity, tr)
}

// Matcher 决定钩子是否作用于某次流转
type Matcher func(tr Transition) bool

// ToAny 目标状态命中
func ToAny(statuses ...string) Matcher {
	return func(tr Transition) bool { return in(tr.To, statuses) }
}

// FromAny 源状态命中且状态确有变化
func FromAny(statuses ...string) Matcher {
	return func(tr Transition) bool { return tr.From != tr.To && in(tr.From, statuses) }
}

// OnEvent 事件命中
func OnEvent(events ...Event) Matcher {
	return func(tr Transition) bool {
		for _, e := range events {
			if tr.Event == e {
				return true
			}
		}
		return false
	}
}

// Any 任意流转
func Any() Matcher {
	return func(Transition) bool { return true }
}

func in(s string, list []string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// BeforeFunc 状态写入前修改实体字段 (时间戳、失败原因等)
type BeforeFunc[T Stateful] func(entity T, tr Transition)

type hook[T Stateful] struct {
	name    string
	match   Matcher
	before  BeforeFunc[T]
	handler TransitionHandler[T]
}

// TransitionOption Fire 参数
type TransitionOption func(*TransitionOptions)

type TransitionOptions struct {
	Operator   string
	Reason     string
	SideEffect func()
}

// WithModelEffects 在重新加载实体之后、写入之前执行的字段修改
func WithModelEffects(sideEffects func()) TransitionOption {
	return func(o *TransitionOptions) { o.SideEffect = sideEffects }
}

func WithOperator(operator string) TransitionOption {
	return func(o *TransitionOptions) { o.Operator = operator }
}

func WithReason(reason string) TransitionOption {
	return func(o *TransitionOptions) { o.Reason = reason }
}

// InvalidTransitionError 当前状态不允许该事件
type InvalidTransitionError struct {
	Machine string
	ID      int64
	From    string
	Event   Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s %d: cannot transition via %q from %q", e.Machine, e.ID, e.Event, e.From)
}
