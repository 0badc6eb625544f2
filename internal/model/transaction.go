package model

import (
	"strings"

	"github.com/shopspring/decimal"
)

// TxType 链上交易类型
type TxType int8

const (
	TxTypeAllocation TxType = 0 // 拨款
	TxTypeApproval   TxType = 1 // 审批
	TxTypeRelease    TxType = 2 // 释放
	TxTypeMilestone  TxType = 3 // 里程碑
	TxTypeRejection  TxType = 4 // 驳回
)

func (t TxType) String() string {
	switch t {
	case TxTypeAllocation:
		return "ALLOCATION"
	case TxTypeApproval:
		return "APPROVAL"
	case TxTypeRelease:
		return "RELEASE"
	case TxTypeMilestone:
		return "MILESTONE"
	case TxTypeRejection:
		return "REJECTION"
	default:
		return "UNKNOWN"
	}
}

// Lower 小写名称，用作指标标签
func (t TxType) Lower() string {
	return strings.ToLower(t.String())
}

// TxStatus 链上交易状态
type TxStatus int8

const (
	TxStatusPending   TxStatus = 0
	TxStatusConfirmed TxStatus = 1
	TxStatusFailed    TxStatus = 2
)

func (s TxStatus) String() string {
	switch s {
	case TxStatusPending:
		return "PENDING"
	case TxStatusConfirmed:
		return "CONFIRMED"
	case TxStatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal 判断是否为终态
func (s TxStatus) IsTerminal() bool {
	return s == TxStatusConfirmed || s == TxStatusFailed
}

// FundTransaction 链上交易审计记录 (只追加)
//
// tx_hash 唯一，重复的确认回执不会产生第二行
type FundTransaction struct {
	ID          int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	TxHash      string          `gorm:"column:tx_hash;type:varchar(66);uniqueIndex;not null" json:"tx_hash"`
	FundID      int64           `gorm:"column:fund_id;not null;index:idx_fund_transactions_fund_block,priority:1" json:"fund_id"`
	FromAddress string          `gorm:"column:from_address;type:varchar(42);not null" json:"from"`
	ToAddress   string          `gorm:"column:to_address;type:varchar(42);not null" json:"to"`
	Amount      decimal.Decimal `gorm:"column:amount;type:decimal(36,18);not null" json:"amount"`
	Type        TxType          `gorm:"column:type;type:smallint;index;not null" json:"type"`
	Status      TxStatus        `gorm:"column:status;type:smallint;index;not null" json:"status"`
	BlockNumber int64           `gorm:"column:block_number;type:bigint;not null;index:idx_fund_transactions_fund_block,priority:2" json:"block_number"`
	TxIndex     int             `gorm:"column:tx_index;type:int;not null" json:"tx_index"`
	GasUsed     int64           `gorm:"column:gas_used;type:bigint" json:"gas_used"`
	Remarks     string          `gorm:"column:remarks;type:varchar(500)" json:"remarks"`
	Timestamp   int64           `gorm:"column:block_timestamp;type:bigint;not null" json:"timestamp"`
	CreatedAt   int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (FundTransaction) TableName() string {
	return "fund_transactions"
}

// ChainReceipt 链上确认回执
type ChainReceipt struct {
	TxHash      string `json:"tx_hash"`
	From        string `json:"from"`
	To          string `json:"to"`
	BlockNumber int64  `json:"block_number"`
	TxIndex     int    `json:"tx_index"`
	GasUsed     int64  `json:"gas_used"`
	Success     bool   `json:"success"`
	Timestamp   int64  `json:"timestamp"` // 区块时间 (毫秒)
}
