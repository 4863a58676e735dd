package repository

import (
	"errors"

	"gorm.io/gorm"

	pkgErrors "ci-scheduler/pkg/errors"
)

// QueryOption 附加到查询上的预加载或条件
type QueryOption func(*gorm.DB) *gorm.DB

func WithPreload(association string, conds ...interface{}) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Preload(association, conds...)
	}
}

func apply(db *gorm.DB, opts []QueryOption) *gorm.DB {
	for _, opt := range opts {
		db = opt(db)
	}
	return db
}

// first 查询单条记录, 未找到返回 notFound, 其余错误包装为数据库错误
func first[T any](db *gorm.DB, notFound error, message string) (*T, error) {
	var record T
	err := db.First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound
	}
	if err != nil {
		return nil, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, message, err)
	}
	return &record, nil
}
