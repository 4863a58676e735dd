package statemachine

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ci-scheduler/internal/core/locking"
	"ci-scheduler/internal/model"
)

// Machine 基于流转表的事务型状态机
type Machine[T Stateful] struct {
	db     *gorm.DB
	logger *zap.Logger
	name   string
	table  func(entity T) Table
	hooks  []hook[T]
}

// New 创建状态机, table 按实体选择流转表
func New[T Stateful](db *gorm.DB, logger *zap.Logger, name string, table func(entity T) Table) *Machine[T] {
	return &Machine[T]{
		db:     db,
		logger: logger,
		name:   name,
		table:  table,
	}
}

// NewBuildMachine 任务状态机 (含 bridge)
func NewBuildMachine(db *gorm.DB, logger *zap.Logger) *Machine[*model.Build] {
	return New[*model.Build](db, logger, "build", BuildTableFor)
}

// NewPipelineMachine 流水线状态机
func NewPipelineMachine(db *gorm.DB, logger *zap.Logger) *Machine[*model.Pipeline] {
	return New[*model.Pipeline](db, logger, "pipeline", PipelineTableFor)
}

// DB 状态机使用的连接
func (m *Machine[T]) DB() *gorm.DB {
	return m.db
}

// Register 注册钩子
func (m *Machine[T]) Register(name string, match Matcher, handler TransitionHandler[T]) {
	m.hooks = append(m.hooks, hook[T]{name: name, match: match, handler: handler})
}

// RegisterBefore 注册写入前的字段修改
func (m *Machine[T]) RegisterBefore(name string, match Matcher, before BeforeFunc[T]) {
	m.hooks = append(m.hooks, hook[T]{name: name, match: match, before: before})
}

// Can 基于内存中的状态判断事件是否可用
func (m *Machine[T]) Can(entity T, event Event) bool {
	_, ok := m.table(entity).Next(entity.GetStatus(), event)
	return ok
}

// Fire 触发事件:
// 重新加载 -> 校验 -> 字段修改 -> 条件更新 (lock_version) -> 事务内钩子 -> 提交 -> After 钩子
func (m *Machine[T]) Fire(ctx context.Context, entity T, event Event, opts ...TransitionOption) error {
	option := &TransitionOptions{}
	for _, opt := range opts {
		opt(option)
	}

	var tr Transition
	var after []TransitionHandler[T]
	var prevStatus string
	var prevLock int
	written := false

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 1. 重新加载最新状态
		if err := tx.First(entity, entity.GetID()).Error; err != nil {
			return err
		}
		prevStatus = entity.GetStatus()
		prevLock = entity.GetLockVersion()

		// 2. 检查是否允许
		to, ok := m.table(entity).Next(prevStatus, event)
		if !ok {
			return &InvalidTransitionError{Machine: m.name, ID: entity.GetID(), From: prevStatus, Event: event}
		}
		tr = Transition{Tx: tx, Event: event, From: prevStatus, To: to, Reason: option.Reason, Operator: option.Operator}

		// 3. 执行业务字段更新
		if option.SideEffect != nil {
			option.SideEffect()
		}
		matched := make([]hook[T], 0, len(m.hooks))
		for _, h := range m.hooks {
			if h.match(tr) {
				matched = append(matched, h)
			}
		}
		for _, h := range matched {
			if h.before != nil {
				h.before(entity, tr)
			}
		}

		// 4. 乐观锁更新
		entity.SetStatus(to)
		entity.SetLockVersion(prevLock + 1)
		written = true
		result := tx.Model(entity).
			Where("lock_version = ?", prevLock).
			Select("*").
			Omit(clause.Associations).
			Updates(entity)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%s %d: %w", m.name, entity.GetID(), locking.ErrStaleObject)
		}

		// 5. 处理强依赖操作, 失败自动回滚
		for _, h := range matched {
			if h.handler == nil {
				continue
			}
			if err := h.handler.Handle(ctx, entity, tr); err != nil {
				return fmt.Errorf("%s hook %s: %w", m.name, h.name, err)
			}
			after = append(after, h.handler)
		}
		return nil
	})

	if err != nil {
		if written {
			entity.SetStatus(prevStatus)
			entity.SetLockVersion(prevLock)
		}
		return err
	}

	m.logger.Debug(fmt.Sprintf("[%s SM: %d] 状态变更成功: %s -> %s", m.name, entity.GetID(), tr.From, tr.To),
		zap.String("event", string(event)))

	// 事务成功后执行 after()
	tr.Tx = nil
	for _, h := range after {
		h.After(ctx, entity, tr)
	}
	return nil
}
