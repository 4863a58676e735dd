package locking

import (
	"context"
	"errors"
	"fmt"
)

// DefaultMaxAttempts 默认最多尝试次数
const DefaultMaxAttempts = 3

// ErrStaleObject 条件更新未命中: lock_version 已被其他事务修改
var ErrStaleObject = errors.New("stale object: lock version changed")

// ConflictError 重试耗尽
type ConflictError struct {
	Name     string
	Attempts int
	Err      error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("optimistic lock conflict on %s after %d attempts: %v", e.Name, e.Attempts, e.Err)
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// Options 重试参数
type Options struct {
	Name        string
	MaxAttempts int
	// IsConflict 判断是否为可重试的冲突, 默认 errors.Is(err, ErrStaleObject)
	IsConflict func(error) bool
}

type Option func(*Options)

func WithName(name string) Option {
	return func(o *Options) { o.Name = name }
}

func WithMaxAttempts(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxAttempts = n
		}
	}
}

func WithConflictPredicate(fn func(error) bool) Option {
	return func(o *Options) { o.IsConflict = fn }
}

// Retry 对 subject 执行 fn, 遇到乐观锁冲突时 reload 后整体重试.
// 首次使用调用方传入的 subject, 之后每次都使用重新加载的对象.
func Retry[T any](ctx context.Context, subject T, reload func(ctx context.Context, current T) (T, error), fn func(T) error, opts ...Option) error {
	o := &Options{Name: "record", MaxAttempts: DefaultMaxAttempts}
	for _, opt := range opts {
		opt(o)
	}
	if o.IsConflict == nil {
		o.IsConflict = func(err error) bool { return errors.Is(err, ErrStaleObject) }
	}

	current := subject
	for attempt := 1; ; attempt++ {
		err := fn(current)
		if err == nil {
			return nil
		}
		if !o.IsConflict(err) {
			return err
		}
		if attempt >= o.MaxAttempts {
			return &ConflictError{Name: o.Name, Attempts: attempt, Err: err}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		reloaded, rerr := reload(ctx, current)
		if rerr != nil {
			return fmt.Errorf("reload %s: %w", o.Name, rerr)
		}
		current = reloaded
	}
}
