package repository

import (
	"gorm.io/gorm"

	"ci-scheduler/internal/model"
	pkgErrors "ci-scheduler/pkg/errors"
)

type UserRepository interface {
	Create(user *model.User) error
	FindByUsername(username string) (*model.User, error)
	FindByID(id int64) (*model.User, error)
}

type userRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) Create(user *model.User) error {
	if err := r.db.Create(user).Error; err != nil {
		return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "创建用户失败", err)
	}
	return nil
}

func (r *userRepository) FindByUsername(username string) (*model.User, error) {
	return first[model.User](r.db.Where("username = ?", username), pkgErrors.ErrUserNotFound, "查询用户失败")
}

func (r *userRepository) FindByID(id int64) (*model.User, error) {
	return first[model.User](r.db.Where("id = ?", id), pkgErrors.ErrUserNotFound, "查询用户失败")
}
