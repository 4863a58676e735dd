package auth

import (
	"strings"

	"ci-scheduler/pkg/constants"
)

// Permission 内置权限, 段之间以 : 分隔
type Permission string

const (
	PermProjectRead    Permission = "project:read"
	PermPipelineRead   Permission = "pipeline:read"
	PermPipelineCreate Permission = "pipeline:create"
	PermPipelineUpdate Permission = "pipeline:update"
	PermPipelineCancel Permission = "pipeline:cancel"
	PermJobPlay        Permission = "job:play"
	PermJobCancel      Permission = "job:cancel"
	PermRefPush        Permission = "ref:push"
)

// RolePermissions 项目角色 -> 权限
var RolePermissions = map[string][]Permission{
	constants.RoleGuest:      {"project:read"},
	constants.RoleReporter:   {"project:read", "pipeline:read"},
	constants.RoleDeveloper:  {"project:read", "pipeline:*", "job:*", "ref:push"},
	constants.RoleMaintainer: {"project:*", "pipeline:*", "job:*", "ref:*"},
	constants.RoleOwner:      {"*"},
}

// roleLevels 角色等级, 用于受保护分支的最低推送角色
var roleLevels = map[string]int{
	constants.RoleGuest:      10,
	constants.RoleReporter:   20,
	constants.RoleDeveloper:  30,
	constants.RoleMaintainer: 40,
	constants.RoleOwner:      50,
}

// AtLeast have 角色是否不低于 need; need 为 no_one 时任何角色都不满足
func AtLeast(have, need string) bool {
	if need == constants.RoleNoOne {
		return false
	}
	h, ok := roleLevels[have]
	if !ok {
		return false
	}
	return h >= roleLevels[need]
}

// Allow 判断一组角色是否包含所需权限，支持通配符
func Allow(roles []string, need Permission) bool {
	for _, r := range roles {
		for _, p := range RolePermissions[r] {
			if match(p, need) {
				return true
			}
		}
	}
	return false
}

// match * 匹配剩余所有段
func match(have, need Permission) bool {
	if have == need || have == "*" {
		return true
	}
	haveParts := strings.Split(string(have), ":")
	needParts := strings.Split(string(need), ":")
	for i, part := range haveParts {
		if part == "*" {
			return true
		}
		if i >= len(needParts) || part != needParts[i] {
			return false
		}
	}
	return len(haveParts) == len(needParts)
}
