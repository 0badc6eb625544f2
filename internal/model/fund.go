package model

import (
	"strings"

	"github.com/shopspring/decimal"

	bizerr "github.com/polipireddirohith/government-fund-blockchain/pkg/errors"
)

// FundCategory 基金类别 (封闭枚举)
type FundCategory int8

const (
	FundCategoryEducation      FundCategory = 0 // 教育
	FundCategoryHealthcare     FundCategory = 1 // 医疗
	FundCategoryInfrastructure FundCategory = 2 // 基础设施
	FundCategorySocialWelfare  FundCategory = 3 // 社会福利
	FundCategoryAgriculture    FundCategory = 4 // 农业
	FundCategoryOther          FundCategory = 5 // 其他
)

var fundCategoryNames = map[FundCategory]string{
	FundCategoryEducation:      "EDUCATION",
	FundCategoryHealthcare:     "HEALTHCARE",
	FundCategoryInfrastructure: "INFRASTRUCTURE",
	FundCategorySocialWelfare:  "SOCIAL_WELFARE",
	FundCategoryAgriculture:    "AGRICULTURE",
	FundCategoryOther:          "OTHER",
}

func (c FundCategory) String() string {
	if name, ok := fundCategoryNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsValid 是否为已知类别
func (c FundCategory) IsValid() bool {
	_, ok := fundCategoryNames[c]
	return ok
}

// AllFundCategories 返回全部类别 (按枚举值排序)
func AllFundCategories() []FundCategory {
	return []FundCategory{
		FundCategoryEducation,
		FundCategoryHealthcare,
		FundCategoryInfrastructure,
		FundCategorySocialWelfare,
		FundCategoryAgriculture,
		FundCategoryOther,
	}
}

// ParseFundCategory 解析类别名称，大小写不敏感
func ParseFundCategory(s string) (FundCategory, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for c, n := range fundCategoryNames {
		if n == name {
			return c, nil
		}
	}
	return 0, bizerr.Wrapf(bizerr.ErrValidation, "unknown fund category %q", s)
}

// FundStatus 基金状态
//
// PENDING -> APPROVED -> RELEASED -> COMPLETED，任意非终态可显式进入 REJECTED
type FundStatus int8

const (
	FundStatusPending   FundStatus = 0 // 待审批
	FundStatusApproved  FundStatus = 1 // 已达到审批法定人数
	FundStatusReleased  FundStatus = 2 // 部分释放
	FundStatusCompleted FundStatus = 3 // 全额释放
	FundStatusRejected  FundStatus = 4 // 已驳回
)

func (s FundStatus) String() string {
	switch s {
	case FundStatusPending:
		return "PENDING"
	case FundStatusApproved:
		return "APPROVED"
	case FundStatusReleased:
		return "RELEASED"
	case FundStatusCompleted:
		return "COMPLETED"
	case FundStatusRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal 判断是否为终态
func (s FundStatus) IsTerminal() bool {
	return s == FundStatusCompleted || s == FundStatusRejected
}

// IsValid 是否为已知状态
func (s FundStatus) IsValid() bool {
	return s >= FundStatusPending && s <= FundStatusRejected
}

// ParseFundStatus 解析状态名称
func ParseFundStatus(s string) (FundStatus, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for st := FundStatusPending; st <= FundStatusRejected; st++ {
		if st.String() == name {
			return st, nil
		}
	}
	return 0, bizerr.Wrapf(bizerr.ErrValidation, "unknown fund status %q", s)
}

// BlockchainStatus 最近一次链上交互状态，与 FundStatus 相互独立
type BlockchainStatus int8

const (
	BlockchainStatusPending   BlockchainStatus = 0
	BlockchainStatusConfirmed BlockchainStatus = 1
	BlockchainStatusFailed    BlockchainStatus = 2
)

func (s BlockchainStatus) String() string {
	switch s {
	case BlockchainStatusPending:
		return "PENDING"
	case BlockchainStatusConfirmed:
		return "CONFIRMED"
	case BlockchainStatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Fund 基金 (链上已确认事实的本地投影)
type Fund struct {
	FundID            int64            `gorm:"column:fund_id;primaryKey;autoIncrement:false" json:"fund_id"`
	ProjectName       string           `gorm:"column:project_name;type:varchar(200);not null" json:"project_name"`
	Description       string           `gorm:"column:description;type:text" json:"description"`
	Category          FundCategory     `gorm:"column:category;type:smallint;index;not null" json:"category"`
	TotalAmount       decimal.Decimal  `gorm:"column:total_amount;type:decimal(36,18);not null" json:"total_amount"`
	ReleasedAmount    decimal.Decimal  `gorm:"column:released_amount;type:decimal(36,18);not null" json:"released_amount"`
	Beneficiary       string           `gorm:"column:beneficiary;type:varchar(64);index;not null" json:"beneficiary"`
	BeneficiaryWallet string           `gorm:"column:beneficiary_wallet;type:varchar(42);not null" json:"beneficiary_wallet"`
	AllocatedBy       string           `gorm:"column:allocated_by;type:varchar(64);index;not null" json:"allocated_by"`
	Status            FundStatus       `gorm:"column:status;type:smallint;index;not null" json:"status"`
	BlockchainStatus  BlockchainStatus `gorm:"column:blockchain_status;type:smallint;not null" json:"blockchain_status"`
	TxHash            string           `gorm:"column:tx_hash;type:varchar(66)" json:"tx_hash"`
	Remarks           string           `gorm:"column:remarks;type:varchar(500)" json:"remarks"`
	Version           int64            `gorm:"column:version;type:bigint;not null" json:"version"`
	CreatedAt         int64            `gorm:"column:created_at;type:bigint;index;not null" json:"created_at"`
	UpdatedAt         int64            `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`

	Approvals  []*FundApproval  `gorm:"foreignKey:FundID;references:FundID" json:"approvals"`
	Milestones []*FundMilestone `gorm:"foreignKey:FundID;references:FundID" json:"milestones"`
}

// TableName 返回表名
func (Fund) TableName() string {
	return "funds"
}

// RemainingAmount 剩余可释放金额 (读取时计算，不落库)
func (f *Fund) RemainingAmount() decimal.Decimal {
	return f.TotalAmount.Sub(f.ReleasedAmount)
}

// CompletionPercentage 释放进度百分比，保留两位小数
func (f *Fund) CompletionPercentage() decimal.Decimal {
	if !f.TotalAmount.IsPositive() {
		return decimal.Zero
	}
	return f.ReleasedAmount.Div(f.TotalAmount).Mul(decimal.NewFromInt(100)).Round(2)
}

// HasApproval 判断该审批人是否已审批
func (f *Fund) HasApproval(authority string) bool {
	for _, a := range f.Approvals {
		if a.Authority == authority {
			return true
		}
	}
	return false
}

// Clone 深拷贝，审批决策在副本上进行
func (f *Fund) Clone() *Fund {
	if f == nil {
		return nil
	}
	c := *f
	if f.Approvals != nil {
		c.Approvals = make([]*FundApproval, len(f.Approvals))
		for i, a := range f.Approvals {
			ac := *a
			c.Approvals[i] = &ac
		}
	}
	if f.Milestones != nil {
		c.Milestones = make([]*FundMilestone, len(f.Milestones))
		for i, m := range f.Milestones {
			mc := *m
			c.Milestones[i] = &mc
		}
	}
	return &c
}

// FundApproval 审批记录
type FundApproval struct {
	ID         int64  `gorm:"primaryKey;autoIncrement" json:"-"`
	FundID     int64  `gorm:"column:fund_id;not null;uniqueIndex:uk_fund_approvals_authority,priority:1" json:"fund_id"`
	Seq        int    `gorm:"column:seq;type:int;not null" json:"seq"`
	Authority  string `gorm:"column:authority;type:varchar(64);not null;uniqueIndex:uk_fund_approvals_authority,priority:2" json:"authority"`
	ApprovedAt int64  `gorm:"column:approved_at;type:bigint;not null" json:"approved_at"`
	Remarks    string `gorm:"column:remarks;type:varchar(500)" json:"remarks"`
}

// TableName 返回表名
func (FundApproval) TableName() string {
	return "fund_approvals"
}

// FundSequence 基金编号序列 (单行计数器)
type FundSequence struct {
	ID        int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string `gorm:"column:name;type:varchar(32);uniqueIndex;not null" json:"name"`
	Value     int64  `gorm:"column:value;type:bigint;not null" json:"value"`
	UpdatedAt int64  `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (FundSequence) TableName() string {
	return "fund_sequences"
}

// ProjectSpec 拨款请求
type ProjectSpec struct {
	ProjectName       string          `json:"project_name"`
	Description       string          `json:"description"`
	Category          string          `json:"category"`
	TotalAmount       decimal.Decimal `json:"total_amount"`
	Beneficiary       string          `json:"beneficiary"`
	BeneficiaryWallet string          `json:"beneficiary_wallet"`
	Remarks           string          `json:"remarks,omitempty"`
}
