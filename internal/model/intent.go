package model

import (
	"encoding/json"
)

// ChainIntentStatus 链上意图状态
type ChainIntentStatus int8

const (
	ChainIntentStatusPending   ChainIntentStatus = 0 // 已签名广播，等待确认
	ChainIntentStatusConfirmed ChainIntentStatus = 1 // 回执已投影
	ChainIntentStatusFailed    ChainIntentStatus = 2 // 广播失败或链上回滚
	ChainIntentStatusExpired   ChainIntentStatus = 3 // 超过过期时间仍未上链
)

func (s ChainIntentStatus) String() string {
	switch s {
	case ChainIntentStatusPending:
		return "PENDING"
	case ChainIntentStatusConfirmed:
		return "CONFIRMED"
	case ChainIntentStatusFailed:
		return "FAILED"
	case ChainIntentStatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal 判断是否为终态
func (s ChainIntentStatus) IsTerminal() bool {
	return s != ChainIntentStatusPending
}

// ChainIntent 已签名的链上意图
//
// 在广播前写入，未观察到确认时保持 PENDING，由恢复任务按 tx_hash 补投影。
// 同一基金存在 PENDING 意图时拒绝新的写操作，保证补投影时的快照与决策时一致。
type ChainIntent struct {
	ID           int64             `gorm:"primaryKey;autoIncrement" json:"id"`
	IntentID     string            `gorm:"column:intent_id;type:varchar(36);uniqueIndex;not null" json:"intent_id"`
	CommandID    *string           `gorm:"column:command_id;type:varchar(64);uniqueIndex" json:"command_id,omitempty"` // 上游命令幂等键
	FundID       int64             `gorm:"column:fund_id;not null;index:idx_fund_chain_intents_fund_status,priority:1" json:"fund_id"`
	Action       FundAction        `gorm:"column:action;type:smallint;not null" json:"action"`
	Actor        string            `gorm:"column:actor;type:text;not null" json:"actor"`   // JSON
	Params       string            `gorm:"column:params;type:text;not null" json:"params"` // JSON
	TxHash       string            `gorm:"column:tx_hash;type:varchar(66);uniqueIndex;not null" json:"tx_hash"`
	Nonce        int64             `gorm:"column:nonce;type:bigint;not null" json:"nonce"`
	DecidedAt    int64             `gorm:"column:decided_at;type:bigint;not null" json:"decided_at"`
	TimeoutAt    int64             `gorm:"column:timeout_at;type:bigint;index;not null" json:"timeout_at"`
	Status       ChainIntentStatus `gorm:"column:status;type:smallint;not null;index:idx_fund_chain_intents_fund_status,priority:2" json:"status"`
	ErrorMessage string            `gorm:"column:error_message;type:varchar(500)" json:"error_message"`
	CreatedAt    int64             `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt    int64             `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (ChainIntent) TableName() string {
	return "fund_chain_intents"
}

// GetActor 解析 Actor
func (i *ChainIntent) GetActor() (*Actor, error) {
	var actor Actor
	if err := json.Unmarshal([]byte(i.Actor), &actor); err != nil {
		return nil, err
	}
	return &actor, nil
}

// SetActor 设置 Actor
func (i *ChainIntent) SetActor(actor *Actor) error {
	data, err := json.Marshal(actor)
	if err != nil {
		return err
	}
	i.Actor = string(data)
	return nil
}

// GetParams 解析操作参数
func (i *ChainIntent) GetParams() (*ActionParams, error) {
	var params ActionParams
	if err := json.Unmarshal([]byte(i.Params), &params); err != nil {
		return nil, err
	}
	return &params, nil
}

// SetParams 设置操作参数
func (i *ChainIntent) SetParams(params *ActionParams) error {
	data, err := json.Marshal(params)
	if err != nil {
		return err
	}
	i.Params = string(data)
	return nil
}
