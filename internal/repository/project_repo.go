package repository

import (
	"gorm.io/gorm"

	"ci-scheduler/internal/model"
	pkgErrors "ci-scheduler/pkg/errors"
)

type ProjectRepository interface {
	FindByID(id int64) (*model.Project, error)
	ListProtectedBranches(projectID int64) ([]*model.ProtectedBranch, error)
}

type projectRepository struct {
	db *gorm.DB
}

func NewProjectRepository(db *gorm.DB) ProjectRepository {
	return &projectRepository{db: db}
}

func (r *projectRepository) FindByID(id int64) (*model.Project, error) {
	return first[model.Project](r.db.Where("id = ?", id), pkgErrors.ErrRecordNotFound, "查询项目失败")
}

// ListProtectedBranches 项目的受保护分支规则, 按创建顺序
func (r *projectRepository) ListProtectedBranches(projectID int64) ([]*model.ProtectedBranch, error) {
	var branches []*model.ProtectedBranch
	if err := r.db.Where("project_id = ?", projectID).Order("id").Find(&branches).Error; err != nil {
		return nil, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "查询受保护分支失败", err)
	}
	return branches, nil
}
