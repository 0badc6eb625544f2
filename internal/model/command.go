package model

import (
	"context"

	"github.com/shopspring/decimal"
)

// FundCommandType 命令类型
type FundCommandType string

const (
	FundCommandAllocate              FundCommandType = "ALLOCATE"
	FundCommandApprove               FundCommandType = "APPROVE"
	FundCommandRelease               FundCommandType = "RELEASE"
	FundCommandReject                FundCommandType = "REJECT"
	FundCommandAddMilestone          FundCommandType = "ADD_MILESTONE"
	FundCommandUpdateMilestoneStatus FundCommandType = "UPDATE_MILESTONE_STATUS"
)

// FundCommand 来自 fund-commands 主题的写请求
//
// 由上游网关完成认证后投递，Actor 视为已认证身份
type FundCommand struct {
	CommandID       string          `json:"command_id"`
	Type            FundCommandType `json:"type"`
	Actor           Actor           `json:"actor"`
	FundID          int64           `json:"fund_id,omitempty"`
	Project         *ProjectSpec    `json:"project,omitempty"`
	Milestone       *MilestoneSpec  `json:"milestone,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	Remarks         string          `json:"remarks,omitempty"`
	MilestoneIndex  int             `json:"milestone_index"`
	MilestoneStatus string          `json:"milestone_status,omitempty"`
	Proof           string          `json:"proof,omitempty"`
	Timestamp       int64           `json:"timestamp"`
}

// FundCommandResult 命令处理结果，写入 fund-command-results
type FundCommandResult struct {
	CommandID    string    `json:"command_id"`
	Success      bool      `json:"success"`
	Fund         *FundView `json:"fund,omitempty"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Retryable    bool      `json:"retryable"`
	ProcessedAt  int64     `json:"processed_at"`
}

// MaxCommandIDLength command_id 最大长度
const MaxCommandIDLength = 64

type commandIDKey struct{}

// ContextWithCommandID 在 ctx 中携带命令幂等键，空值不写入
func ContextWithCommandID(ctx context.Context, commandID string) context.Context {
	if commandID == "" {
		return ctx
	}
	return context.WithValue(ctx, commandIDKey{}, commandID)
}

// CommandIDFromContext 读取命令幂等键
func CommandIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(commandIDKey{}).(string)
	return id
}
