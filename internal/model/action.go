package model

import (
	"strings"

	"github.com/shopspring/decimal"

	bizerr "github.com/polipireddirohith/government-fund-blockchain/pkg/errors"
)

// Role 调用方角色 (由外部认证层解析)
type Role string

const (
	RoleAdmin       Role = "admin"
	RoleAuthority   Role = "authority"
	RoleAuditor     Role = "auditor"
	RoleBeneficiary Role = "beneficiary"
)

// IsValid 是否为已知角色
func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleAuthority, RoleAuditor, RoleBeneficiary:
		return true
	}
	return false
}

// ParseRole 解析角色
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.IsValid() {
		return "", bizerr.Wrapf(bizerr.ErrValidation, "unknown role %q", s)
	}
	return r, nil
}

// Actor 已认证的调用方
type Actor struct {
	ID     string `json:"id"`
	Role   Role   `json:"role"`
	Wallet string `json:"wallet,omitempty"`
}

// FundAction 基金操作
type FundAction int8

const (
	ActionAllocate          FundAction = 1
	ActionApprove           FundAction = 2
	ActionRelease           FundAction = 3
	ActionReject            FundAction = 4
	ActionAddMilestone      FundAction = 5
	ActionProgressMilestone FundAction = 6 // 里程碑 -> IN_PROGRESS / COMPLETED
	ActionVerifyMilestone   FundAction = 7 // 里程碑 -> VERIFIED
	ActionViewReports       FundAction = 8
)

func (a FundAction) String() string {
	switch a {
	case ActionAllocate:
		return "ALLOCATE"
	case ActionApprove:
		return "APPROVE"
	case ActionRelease:
		return "RELEASE"
	case ActionReject:
		return "REJECT"
	case ActionAddMilestone:
		return "ADD_MILESTONE"
	case ActionProgressMilestone:
		return "PROGRESS_MILESTONE"
	case ActionVerifyMilestone:
		return "VERIFY_MILESTONE"
	case ActionViewReports:
		return "VIEW_REPORTS"
	default:
		return "UNKNOWN"
	}
}

// TxType 操作对应的链上交易类型
func (a FundAction) TxType() TxType {
	switch a {
	case ActionAllocate:
		return TxTypeAllocation
	case ActionApprove:
		return TxTypeApproval
	case ActionRelease:
		return TxTypeRelease
	case ActionReject:
		return TxTypeRejection
	default:
		return TxTypeMilestone
	}
}

// MilestoneAction 里程碑目标状态对应的操作 (用于权限检查)
func MilestoneAction(target MilestoneStatus) FundAction {
	if target == MilestoneStatusVerified {
		return ActionVerifyMilestone
	}
	return ActionProgressMilestone
}

// ActionParams 操作参数
type ActionParams struct {
	FundID          int64           `json:"fund_id,omitempty"`
	Project         *ProjectSpec    `json:"project,omitempty"`
	Remarks         string          `json:"remarks,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	Milestone       *MilestoneSpec  `json:"milestone,omitempty"`
	MilestoneIndex  int             `json:"milestone_index"`
	MilestoneStatus MilestoneStatus `json:"milestone_status"`
	Proof           string          `json:"proof,omitempty"`
}
