package service

import (
	"context"
	"errors"

	"github.com/samber/lo"

	"ci-scheduler/internal/model"
	"ci-scheduler/internal/pkg/auth"
	"ci-scheduler/internal/repository"
	pkgErrors "ci-scheduler/pkg/errors"
)

// AuthorizationService 基于项目成员角色的权限判断
//  1. 未登录或已禁用的用户只能读取公开项目
//  2. 管理员拥有全部权限
//  3. 成员角色 -> 权限 的关系见 auth.RolePermissions, 支持通配符
//  4. 推送到受保护分支需要角色不低于规则的 push_role
type AuthorizationService struct {
	projectRepo repository.ProjectRepository
	memberRepo  repository.MemberRepository
}

// NewAuthorizationService 创建 AuthorizationService
func NewAuthorizationService(projectRepo repository.ProjectRepository, memberRepo repository.MemberRepository) *AuthorizationService {
	return &AuthorizationService{
		projectRepo: projectRepo,
		memberRepo:  memberRepo,
	}
}

// Can 判断用户在项目上是否拥有权限
func (s *AuthorizationService) Can(_ context.Context, user *model.User, project *model.Project, perm auth.Permission) (bool, error) {
	if project == nil {
		return false, nil
	}
	if project.IsPublic() && (perm == auth.PermProjectRead || perm == auth.PermPipelineRead) {
		return true, nil
	}
	if user == nil || user.Blocked {
		return false, nil
	}
	if user.Admin {
		return true, nil
	}

	role, err := s.role(project, user)
	if err != nil || role == "" {
		return false, err
	}
	return auth.Allow([]string{role}, perm), nil
}

// CanPushToRef 受保护分支按 push_role 判断, 其余按 ref:push 权限判断
func (s *AuthorizationService) CanPushToRef(_ context.Context, user *model.User, project *model.Project, ref string, tag bool) (bool, error) {
	if project == nil || user == nil || user.Blocked {
		return false, nil
	}
	if user.Admin {
		return true, nil
	}

	role, err := s.role(project, user)
	if err != nil || role == "" {
		return false, err
	}

	if !tag {
		branches, err := s.projectRepo.ListProtectedBranches(project.ID)
		if err != nil {
			return false, err
		}
		matched := lo.Filter(branches, func(b *model.ProtectedBranch, _ int) bool { return b.Matches(ref) })
		if len(matched) > 0 {
			return lo.SomeBy(matched, func(b *model.ProtectedBranch) bool { return auth.AtLeast(role, b.PushRole) }), nil
		}
	}
	return auth.Allow([]string{role}, auth.PermRefPush), nil
}

// role 非成员返回空
func (s *AuthorizationService) role(project *model.Project, user *model.User) (string, error) {
	member, err := s.memberRepo.FindByProjectAndUser(project.ID, user.ID)
	if err != nil {
		if errors.Is(err, pkgErrors.ErrRecordNotFound) {
			return "", nil
		}
		return "", err
	}
	return member.Role, nil
}
