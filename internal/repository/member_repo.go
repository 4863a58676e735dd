package repository

import (
	"gorm.io/gorm"

	"ci-scheduler/internal/model"
	pkgErrors "ci-scheduler/pkg/errors"
)

type MemberRepository interface {
	Create(member *model.ProjectMember) error
	FindByProjectAndUser(projectID, userID int64) (*model.ProjectMember, error)
	ListByProject(projectID int64) ([]*model.ProjectMember, error)
}

type memberRepository struct {
	db *gorm.DB
}

func NewMemberRepository(db *gorm.DB) MemberRepository {
	return &memberRepository{db: db}
}

func (r *memberRepository) Create(member *model.ProjectMember) error {
	if err := r.db.Create(member).Error; err != nil {
		return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "添加项目成员失败", err)
	}
	return nil
}

// FindByProjectAndUser 非成员返回 ErrRecordNotFound
func (r *memberRepository) FindByProjectAndUser(projectID, userID int64) (*model.ProjectMember, error) {
	return first[model.ProjectMember](r.db.Where("project_id = ? AND user_id = ?", projectID, userID),
		pkgErrors.ErrRecordNotFound, "查询项目成员失败")
}

func (r *memberRepository) ListByProject(projectID int64) ([]*model.ProjectMember, error) {
	var members []*model.ProjectMember
	if err := r.db.Preload("User").Where("project_id = ?", projectID).Order("id").Find(&members).Error; err != nil {
		return nil, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "查询项目成员失败", err)
	}
	return members, nil
}
