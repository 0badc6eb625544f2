package quorum

import (
	"github.com/polipireddirohith/government-fund-blockchain/internal/model"
	bizerr "github.com/polipireddirohith/government-fund-blockchain/pkg/errors"
)

// CapabilityTable 角色 × 操作 权限表
type CapabilityTable struct {
	grants map[model.FundAction]map[model.Role]struct{}
}

// DefaultGrants 默认授权
func DefaultGrants() map[model.FundAction][]model.Role {
	allocators := []model.Role{model.RoleAdmin, model.RoleAuthority}
	return map[model.FundAction][]model.Role{
		model.ActionAllocate:          allocators,
		model.ActionApprove:           allocators,
		model.ActionRelease:           allocators,
		model.ActionReject:            allocators,
		model.ActionAddMilestone:      allocators,
		model.ActionProgressMilestone: {model.RoleBeneficiary, model.RoleAuthority, model.RoleAdmin},
		model.ActionVerifyMilestone:   {model.RoleAuditor, model.RoleAdmin},
		model.ActionViewReports:       {model.RoleAdmin, model.RoleAuditor},
	}
}

// NewCapabilityTable 创建权限表，grants 为 nil 时使用默认授权
func NewCapabilityTable(grants map[model.FundAction][]model.Role) *CapabilityTable {
	if grants == nil {
		grants = DefaultGrants()
	}
	t := &CapabilityTable{grants: make(map[model.FundAction]map[model.Role]struct{}, len(grants))}
	for action, roles := range grants {
		set := make(map[model.Role]struct{}, len(roles))
		for _, r := range roles {
			set[r] = struct{}{}
		}
		t.grants[action] = set
	}
	return t
}

// Allowed 判断角色是否具备该操作权限
func (t *CapabilityTable) Allowed(role model.Role, action model.FundAction) bool {
	roles, ok := t.grants[action]
	if !ok {
		return false
	}
	_, ok = roles[role]
	return ok
}

// Check 校验调用方权限，未授权返回 ErrForbidden
func (t *CapabilityTable) Check(actor *model.Actor, action model.FundAction) error {
	if actor == nil || actor.ID == "" {
		return bizerr.Wrapf(bizerr.ErrForbidden, "missing actor for %s", action)
	}
	if !t.Allowed(actor.Role, action) {
		return bizerr.Wrapf(bizerr.ErrForbidden, "role %q cannot %s", actor.Role, action)
	}
	return nil
}
