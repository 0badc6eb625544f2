// Package quorum 基金生命周期决策
//
// Engine 只在内存快照上计算，不做任何 I/O。输入快照不会被修改，
// 返回值是深拷贝后应用了操作的新状态。
package quorum

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/polipireddirohith/government-fund-blockchain/internal/model"
	bizerr "github.com/polipireddirohith/government-fund-blockchain/pkg/errors"
)

// DefaultRequiredApprovals 默认审批法定人数
const DefaultRequiredApprovals = 2

// 金额与存储列 decimal(36,18) 一致: 18 位整数、18 位小数
const amountScale = 18

var amountLimit = decimal.New(1, 18)

// validateAmount 金额必须能无损写入 decimal(36,18)
func validateAmount(field string, amount decimal.Decimal) error {
	if amount.Abs().GreaterThanOrEqual(amountLimit) {
		return bizerr.Wrapf(bizerr.ErrValidation, "%s %s exceeds 18 integer digits", field, amount.String())
	}
	if !amount.Equal(amount.Truncate(amountScale)) {
		return bizerr.Wrapf(bizerr.ErrValidation, "%s %s has more than %d decimal places", field, amount.String(), amountScale)
	}
	return nil
}

// Config 决策配置
type Config struct {
	RequiredApprovals int
}

// Engine 审批法定人数决策引擎
type Engine struct {
	requiredApprovals int
}

// NewEngine 创建决策引擎
func NewEngine(cfg *Config) *Engine {
	required := DefaultRequiredApprovals
	if cfg != nil && cfg.RequiredApprovals > 0 {
		required = cfg.RequiredApprovals
	}
	return &Engine{requiredApprovals: required}
}

// RequiredApprovals 返回法定人数
func (e *Engine) RequiredApprovals() int {
	return e.requiredApprovals
}

// Decide 对快照应用操作，返回新状态或拒绝原因
//
// now 为决策时间 (毫秒)，写入审批时间、里程碑完成时间等字段。
func (e *Engine) Decide(fund *model.Fund, action model.FundAction, actor *model.Actor, params *model.ActionParams, now int64) (*model.Fund, error) {
	if actor == nil {
		return nil, bizerr.Wrapf(bizerr.ErrValidation, "actor is required")
	}
	if params == nil {
		params = &model.ActionParams{}
	}

	if action == model.ActionAllocate {
		if fund != nil {
			return nil, bizerr.Wrapf(bizerr.ErrInvalidState, "fund %d already allocated", fund.FundID)
		}
		return e.allocate(actor, params, now)
	}

	if fund == nil {
		return nil, bizerr.Wrapf(bizerr.ErrFundNotFound, "fund %d", params.FundID)
	}

	next := fund.Clone()
	var err error
	switch action {
	case model.ActionApprove:
		err = e.approve(next, actor, params, now)
	case model.ActionRelease:
		err = e.release(next, params)
	case model.ActionReject:
		err = e.reject(next, params)
	case model.ActionAddMilestone:
		err = e.addMilestone(next, params, now)
	case model.ActionProgressMilestone, model.ActionVerifyMilestone:
		err = e.updateMilestone(next, actor, params, now)
	default:
		err = bizerr.Wrapf(bizerr.ErrValidation, "%s does not change fund state", action)
	}
	if err != nil {
		return nil, err
	}

	next.UpdatedAt = now
	return next, nil
}

func (e *Engine) allocate(actor *model.Actor, params *model.ActionParams, now int64) (*model.Fund, error) {
	spec := params.Project
	if spec == nil {
		return nil, bizerr.Wrapf(bizerr.ErrValidation, "project is required")
	}

	name := strings.TrimSpace(spec.ProjectName)
	if name == "" {
		return nil, bizerr.Wrapf(bizerr.ErrValidation, "project name is required")
	}
	category, err := model.ParseFundCategory(spec.Category)
	if err != nil {
		return nil, err
	}
	if !spec.TotalAmount.IsPositive() {
		return nil, bizerr.Wrapf(bizerr.ErrValidation, "total amount must be positive")
	}
	if err := validateAmount("total amount", spec.TotalAmount); err != nil {
		return nil, err
	}
	beneficiary := strings.TrimSpace(spec.Beneficiary)
	if beneficiary == "" {
		return nil, bizerr.Wrapf(bizerr.ErrValidation, "beneficiary is required")
	}
	if !common.IsHexAddress(spec.BeneficiaryWallet) {
		return nil, bizerr.Wrapf(bizerr.ErrValidation, "invalid beneficiary wallet %q", spec.BeneficiaryWallet)
	}

	return &model.Fund{
		FundID:            params.FundID,
		ProjectName:       name,
		Description:       strings.TrimSpace(spec.Description),
		Category:          category,
		TotalAmount:       spec.TotalAmount,
		ReleasedAmount:    decimal.Zero,
		Beneficiary:       beneficiary,
		BeneficiaryWallet: common.HexToAddress(spec.BeneficiaryWallet).Hex(),
		AllocatedBy:       actor.ID,
		Status:            model.FundStatusPending,
		BlockchainStatus:  model.BlockchainStatusPending,
		Remarks:           spec.Remarks,
		Approvals:         []*model.FundApproval{},
		Milestones:        []*model.FundMilestone{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

func (e *Engine) approve(f *model.Fund, actor *model.Actor, params *model.ActionParams, now int64) error {
	if f.Status != model.FundStatusPending {
		return bizerr.Wrapf(bizerr.ErrInvalidState, "fund %d is %s", f.FundID, f.Status)
	}
	if actor.ID == f.AllocatedBy {
		return bizerr.Wrapf(bizerr.ErrSelfApproval, "fund %d allocated by %s", f.FundID, actor.ID)
	}
	if f.HasApproval(actor.ID) {
		return bizerr.Wrapf(bizerr.ErrAlreadyApproved, "fund %d approved by %s", f.FundID, actor.ID)
	}

	f.Approvals = append(f.Approvals, &model.FundApproval{
		FundID:     f.FundID,
		Seq:        len(f.Approvals) + 1,
		Authority:  actor.ID,
		ApprovedAt: now,
		Remarks:    params.Remarks,
	})
	if len(f.Approvals) >= e.requiredApprovals {
		f.Status = model.FundStatusApproved
	}
	return nil
}

func (e *Engine) release(f *model.Fund, params *model.ActionParams) error {
	if !params.Amount.IsPositive() {
		return bizerr.Wrapf(bizerr.ErrValidation, "release amount must be positive")
	}
	if err := validateAmount("release amount", params.Amount); err != nil {
		return err
	}
	if f.Status == model.FundStatusCompleted {
		return bizerr.Wrapf(bizerr.ErrExceedsAllocation, "fund %d fully released", f.FundID)
	}
	if f.Status != model.FundStatusApproved && f.Status != model.FundStatusReleased {
		return bizerr.Wrapf(bizerr.ErrInvalidState, "fund %d is %s", f.FundID, f.Status)
	}

	released := f.ReleasedAmount.Add(params.Amount)
	if released.GreaterThan(f.TotalAmount) {
		return bizerr.Wrapf(bizerr.ErrExceedsAllocation, "fund %d remaining %s, requested %s",
			f.FundID, f.RemainingAmount().String(), params.Amount.String())
	}

	f.ReleasedAmount = released
	if released.Equal(f.TotalAmount) {
		f.Status = model.FundStatusCompleted
	} else {
		f.Status = model.FundStatusReleased
	}
	return nil
}

func (e *Engine) reject(f *model.Fund, params *model.ActionParams) error {
	if f.Status != model.FundStatusPending && f.Status != model.FundStatusApproved {
		return bizerr.Wrapf(bizerr.ErrInvalidState, "fund %d is %s", f.FundID, f.Status)
	}
	f.Status = model.FundStatusRejected
	if params.Remarks != "" {
		f.Remarks = params.Remarks
	}
	return nil
}

func (e *Engine) addMilestone(f *model.Fund, params *model.ActionParams, now int64) error {
	if f.Status == model.FundStatusRejected {
		return bizerr.Wrapf(bizerr.ErrInvalidState, "fund %d is %s", f.FundID, f.Status)
	}
	spec := params.Milestone
	if spec == nil {
		return bizerr.Wrapf(bizerr.ErrValidation, "milestone is required")
	}
	description := strings.TrimSpace(spec.Description)
	if description == "" {
		return bizerr.Wrapf(bizerr.ErrValidation, "milestone description is required")
	}
	if spec.Amount.IsNegative() {
		return bizerr.Wrapf(bizerr.ErrValidation, "milestone amount must not be negative")
	}
	if err := validateAmount("milestone amount", spec.Amount); err != nil {
		return err
	}
	if spec.Deadline < 0 {
		return bizerr.Wrapf(bizerr.ErrValidation, "milestone deadline must not be negative")
	}

	f.Milestones = append(f.Milestones, &model.FundMilestone{
		FundID:         f.FundID,
		MilestoneIndex: len(f.Milestones),
		Description:    description,
		Amount:         spec.Amount,
		Deadline:       spec.Deadline,
		Status:         model.MilestoneStatusPending,
		UpdatedAt:      now,
	})
	return nil
}

func (e *Engine) updateMilestone(f *model.Fund, actor *model.Actor, params *model.ActionParams, now int64) error {
	if actor.Role == model.RoleBeneficiary && !isBeneficiary(f, actor) {
		return bizerr.Wrapf(bizerr.ErrForbidden, "fund %d does not belong to %s", f.FundID, actor.ID)
	}
	if params.MilestoneIndex < 0 || params.MilestoneIndex >= len(f.Milestones) {
		return bizerr.Wrapf(bizerr.ErrValidation, "milestone index %d out of range", params.MilestoneIndex)
	}
	target := params.MilestoneStatus
	if !target.IsValid() {
		return bizerr.Wrapf(bizerr.ErrValidation, "unknown milestone status %d", target)
	}

	m := f.Milestones[params.MilestoneIndex]
	if !m.Status.CanTransitionTo(target) {
		return bizerr.Wrapf(bizerr.ErrInvalidTransition, "milestone %d: %s -> %s", m.MilestoneIndex, m.Status, target)
	}
	proof := strings.TrimSpace(params.Proof)
	if target == model.MilestoneStatusCompleted && proof == "" {
		return bizerr.Wrapf(bizerr.ErrInvalidTransition, "milestone %d: proof document required", m.MilestoneIndex)
	}

	m.Status = target
	if proof != "" {
		m.ProofDocument = proof
	}
	if target == model.MilestoneStatusCompleted {
		m.CompletedAt = now
	}
	m.UpdatedAt = now
	return nil
}

func isBeneficiary(f *model.Fund, actor *model.Actor) bool {
	if actor.ID == f.Beneficiary {
		return true
	}
	return actor.Wallet != "" && strings.EqualFold(actor.Wallet, f.BeneficiaryWallet)
}
