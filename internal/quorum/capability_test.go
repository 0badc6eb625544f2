package quorum

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/polipireddirohith/government-fund-blockchain/internal/model"
	bizerr "github.com/polipireddirohith/government-fund-blockchain/pkg/errors"
)

func TestCapabilityTable_Default(t *testing.T) {
	table := NewCapabilityTable(nil)

	allowed := map[model.FundAction][]model.Role{
		model.ActionAllocate:          {model.RoleAdmin, model.RoleAuthority},
		model.ActionApprove:           {model.RoleAdmin, model.RoleAuthority},
		model.ActionRelease:           {model.RoleAdmin, model.RoleAuthority},
		model.ActionReject:            {model.RoleAdmin, model.RoleAuthority},
		model.ActionAddMilestone:      {model.RoleAdmin, model.RoleAuthority},
		model.ActionProgressMilestone: {model.RoleAdmin, model.RoleAuthority, model.RoleBeneficiary},
		model.ActionVerifyMilestone:   {model.RoleAdmin, model.RoleAuditor},
		model.ActionViewReports:       {model.RoleAdmin, model.RoleAuditor},
	}
	roles := []model.Role{model.RoleAdmin, model.RoleAuthority, model.RoleAuditor, model.RoleBeneficiary, model.Role("guest")}

	for action, permitted := range allowed {
		for _, role := range roles {
			want := false
			for _, p := range permitted {
				if p == role {
					want = true
				}
			}
			t.Run(action.String()+"/"+string(role), func(t *testing.T) {
				assert.Equal(t, want, table.Allowed(role, action))
				err := table.Check(&model.Actor{ID: "x", Role: role}, action)
				if want {
					assert.NoError(t, err)
				} else {
					assert.True(t, bizerr.Is(err, bizerr.ErrForbidden))
				}
			})
		}
	}
}

func TestCapabilityTable_Check(t *testing.T) {
	table := NewCapabilityTable(map[model.FundAction][]model.Role{
		model.ActionApprove: {model.RoleAdmin},
	})

	assert.NoError(t, table.Check(&model.Actor{ID: "root", Role: model.RoleAdmin}, model.ActionApprove))
	assert.Error(t, table.Check(&model.Actor{ID: "a", Role: model.RoleAuthority}, model.ActionApprove))
	assert.Error(t, table.Check(&model.Actor{ID: "root", Role: model.RoleAdmin}, model.ActionRelease))
	assert.True(t, bizerr.IsForbidden(table.Check(nil, model.ActionApprove)))
	assert.True(t, bizerr.IsForbidden(table.Check(&model.Actor{Role: model.RoleAdmin}, model.ActionApprove)))
}
