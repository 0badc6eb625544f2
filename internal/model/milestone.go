package model

import (
	"strings"

	"github.com/shopspring/decimal"

	bizerr "github.com/polipireddirohith/government-fund-blockchain/pkg/errors"
)

// MilestoneStatus 里程碑状态
//
// 只允许逐级前进: PENDING -> IN_PROGRESS -> COMPLETED -> VERIFIED
type MilestoneStatus int8

const (
	MilestoneStatusPending    MilestoneStatus = 0 // 未开始
	MilestoneStatusInProgress MilestoneStatus = 1 // 进行中
	MilestoneStatusCompleted  MilestoneStatus = 2 // 已完成 (需要证明材料)
	MilestoneStatusVerified   MilestoneStatus = 3 // 已审计确认
)

func (s MilestoneStatus) String() string {
	switch s {
	case MilestoneStatusPending:
		return "PENDING"
	case MilestoneStatusInProgress:
		return "IN_PROGRESS"
	case MilestoneStatusCompleted:
		return "COMPLETED"
	case MilestoneStatusVerified:
		return "VERIFIED"
	default:
		return "UNKNOWN"
	}
}

// IsValid 是否为已知状态
func (s MilestoneStatus) IsValid() bool {
	return s >= MilestoneStatusPending && s <= MilestoneStatusVerified
}

// IsTerminal 判断是否为终态
func (s MilestoneStatus) IsTerminal() bool {
	return s == MilestoneStatusVerified
}

// CanTransitionTo 判断是否可以流转到 next
func (s MilestoneStatus) CanTransitionTo(next MilestoneStatus) bool {
	return s.IsValid() && next.IsValid() && next == s+1
}

// ParseMilestoneStatus 解析里程碑状态名称
func ParseMilestoneStatus(s string) (MilestoneStatus, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for st := MilestoneStatusPending; st <= MilestoneStatusVerified; st++ {
		if st.String() == name {
			return st, nil
		}
	}
	return 0, bizerr.Wrapf(bizerr.ErrValidation, "unknown milestone status %q", s)
}

// FundMilestone 里程碑
//
// 金额仅为计划拨付批次的标注，不参与 Release 校验
type FundMilestone struct {
	ID             int64           `gorm:"primaryKey;autoIncrement" json:"-"`
	FundID         int64           `gorm:"column:fund_id;not null;uniqueIndex:uk_fund_milestones_index,priority:1" json:"fund_id"`
	MilestoneIndex int             `gorm:"column:milestone_index;type:int;not null;uniqueIndex:uk_fund_milestones_index,priority:2" json:"index"`
	Description    string          `gorm:"column:description;type:varchar(500);not null" json:"description"`
	Amount         decimal.Decimal `gorm:"column:amount;type:decimal(36,18);not null" json:"amount"`
	Deadline       int64           `gorm:"column:deadline;type:bigint" json:"deadline"`
	Status         MilestoneStatus `gorm:"column:status;type:smallint;not null" json:"status"`
	ProofDocument  string          `gorm:"column:proof_document;type:varchar(255)" json:"proof_document"`
	CompletedAt    int64           `gorm:"column:completed_at;type:bigint" json:"completed_at"`
	UpdatedAt      int64           `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (FundMilestone) TableName() string {
	return "fund_milestones"
}

// MilestoneSpec 新增里程碑请求
type MilestoneSpec struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Deadline    int64           `json:"deadline"`
}
