package model

import (
	"github.com/shopspring/decimal"
)

// FundEventType 领域事件类型
type FundEventType string

const (
	FundEventAllocated        FundEventType = "FUND_ALLOCATED"
	FundEventApproved         FundEventType = "FUND_APPROVED"
	FundEventReleased         FundEventType = "FUND_RELEASED"
	FundEventRejected         FundEventType = "FUND_REJECTED"
	FundEventMilestoneChanged FundEventType = "MILESTONE_CHANGED"
)

// ApprovalView 审批记录视图
type ApprovalView struct {
	Authority  string `json:"authority"`
	ApprovedAt int64  `json:"approved_at"`
	Remarks    string `json:"remarks,omitempty"`
}

// MilestoneView 里程碑视图
type MilestoneView struct {
	Index         int             `json:"index"`
	Description   string          `json:"description"`
	Amount        decimal.Decimal `json:"amount"`
	Deadline      int64           `json:"deadline"`
	Status        string          `json:"status"`
	ProofDocument string          `json:"proof_document,omitempty"`
	CompletedAt   int64           `json:"completed_at,omitempty"`
}

// FundView 对外输出的基金视图，枚举输出为名称，派生字段在此计算
type FundView struct {
	FundID               int64            `json:"fund_id"`
	ProjectName          string           `json:"project_name"`
	Description          string           `json:"description"`
	Category             string           `json:"category"`
	TotalAmount          decimal.Decimal  `json:"total_amount"`
	ReleasedAmount       decimal.Decimal  `json:"released_amount"`
	RemainingAmount      decimal.Decimal  `json:"remaining_amount"`
	CompletionPercentage decimal.Decimal  `json:"completion_percentage"`
	Beneficiary          string           `json:"beneficiary"`
	BeneficiaryWallet    string           `json:"beneficiary_wallet"`
	AllocatedBy          string           `json:"allocated_by"`
	Status               string           `json:"status"`
	BlockchainStatus     string           `json:"blockchain_status"`
	TxHash               string           `json:"tx_hash"`
	Remarks              string           `json:"remarks,omitempty"`
	Approvals            []*ApprovalView  `json:"approvals"`
	Milestones           []*MilestoneView `json:"milestones"`
	CreatedAt            int64            `json:"created_at"`
	UpdatedAt            int64            `json:"updated_at"`
}

// NewFundView 构建基金视图
func NewFundView(f *Fund) *FundView {
	if f == nil {
		return nil
	}
	v := &FundView{
		FundID:               f.FundID,
		ProjectName:          f.ProjectName,
		Description:          f.Description,
		Category:             f.Category.String(),
		TotalAmount:          f.TotalAmount,
		ReleasedAmount:       f.ReleasedAmount,
		RemainingAmount:      f.RemainingAmount(),
		CompletionPercentage: f.CompletionPercentage(),
		Beneficiary:          f.Beneficiary,
		BeneficiaryWallet:    f.BeneficiaryWallet,
		AllocatedBy:          f.AllocatedBy,
		Status:               f.Status.String(),
		BlockchainStatus:     f.BlockchainStatus.String(),
		TxHash:               f.TxHash,
		Remarks:              f.Remarks,
		Approvals:            make([]*ApprovalView, 0, len(f.Approvals)),
		Milestones:           make([]*MilestoneView, 0, len(f.Milestones)),
		CreatedAt:            f.CreatedAt,
		UpdatedAt:            f.UpdatedAt,
	}
	for _, a := range f.Approvals {
		v.Approvals = append(v.Approvals, &ApprovalView{
			Authority:  a.Authority,
			ApprovedAt: a.ApprovedAt,
			Remarks:    a.Remarks,
		})
	}
	for _, m := range f.Milestones {
		v.Milestones = append(v.Milestones, &MilestoneView{
			Index:         m.MilestoneIndex,
			Description:   m.Description,
			Amount:        m.Amount,
			Deadline:      m.Deadline,
			Status:        m.Status.String(),
			ProofDocument: m.ProofDocument,
			CompletedAt:   m.CompletedAt,
		})
	}
	return v
}

// TransactionView 链上交易视图
type TransactionView struct {
	TxHash      string          `json:"tx_hash"`
	FundID      int64           `json:"fund_id"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	Amount      decimal.Decimal `json:"amount"`
	Type        string          `json:"type"`
	Status      string          `json:"status"`
	BlockNumber int64           `json:"block_number"`
	TxIndex     int             `json:"tx_index"`
	GasUsed     int64           `json:"gas_used"`
	Remarks     string          `json:"remarks,omitempty"`
	Timestamp   int64           `json:"timestamp"`
}

// NewTransactionView 构建交易视图
func NewTransactionView(tx *FundTransaction) *TransactionView {
	if tx == nil {
		return nil
	}
	return &TransactionView{
		TxHash:      tx.TxHash,
		FundID:      tx.FundID,
		From:        tx.FromAddress,
		To:          tx.ToAddress,
		Amount:      tx.Amount,
		Type:        tx.Type.Lower(),
		Status:      tx.Status.String(),
		BlockNumber: tx.BlockNumber,
		TxIndex:     tx.TxIndex,
		GasUsed:     tx.GasUsed,
		Remarks:     tx.Remarks,
		Timestamp:   tx.Timestamp,
	}
}

// FundEvent 投影提交后发出的领域事件
type FundEvent struct {
	EventID        string           `json:"event_id"`
	Type           FundEventType    `json:"type"`
	Fund           *FundView        `json:"fund"`
	Transaction    *TransactionView `json:"transaction,omitempty"`
	MilestoneIndex *int             `json:"milestone_index,omitempty"`
	OccurredAt     int64            `json:"occurred_at"`
}
