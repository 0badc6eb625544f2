package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/polipireddirohith/government-fund-blockchain/internal/contract"
	"github.com/polipireddirohith/government-fund-blockchain/internal/metrics"
	"github.com/polipireddirohith/government-fund-blockchain/internal/model"
	"github.com/polipireddirohith/government-fund-blockchain/internal/quorum"
	"github.com/polipireddirohith/government-fund-blockchain/internal/repository"
	bizerr "github.com/polipireddirohith/government-fund-blockchain/pkg/errors"
	"github.com/polipireddirohith/government-fund-blockchain/pkg/logger"
)

// FundReader 链上基金读取接口，contract.FundRegistry 实现该接口
type FundReader interface {
	GetFundDetails(ctx context.Context, fundID int64) (*contract.FundDetails, error)
}

// AuditSummary 审计汇总
type AuditSummary struct {
	Funds          *repository.FundStats        `json:"funds"`
	Transactions   *repository.TransactionStats `json:"transactions"`
	PendingIntents int64                        `json:"pending_intents"`
	GeneratedAt    int64                        `json:"generated_at"`
}

// UtilizationReport 基金使用报告，按类别与创建时间过滤
type UtilizationReport struct {
	Stats       *repository.FundStats  `json:"stats"`
	Funds       []*model.FundView      `json:"funds"`
	Page        *repository.Pagination `json:"page"`
	GeneratedAt int64                  `json:"generated_at"`
}

// AuditReport 交易审计报告，按基金与出块时间过滤
type AuditReport struct {
	Stats        *repository.TransactionStats `json:"stats"`
	Transactions []*model.TransactionView     `json:"transactions"`
	Page         *repository.Pagination       `json:"page"`
	GeneratedAt  int64                        `json:"generated_at"`
}

// DivergenceReport 本地账本与链上状态比对结果
type DivergenceReport struct {
	FundID     int64    `json:"fund_id"`
	Diverged   bool     `json:"diverged"`
	Mismatches []string `json:"mismatches,omitempty"`
	CheckedAt  int64    `json:"checked_at"`
}

// DivergenceAuditResult 批量比对结果
type DivergenceAuditResult struct {
	Checked  int     `json:"checked"`
	Diverged []int64 `json:"diverged"`
	Errors   int     `json:"errors"`
}

// QueryService 基金查询服务
type QueryService struct {
	fundRepo     repository.FundRepository
	txRepo       repository.TransactionRepository
	intentRepo   repository.IntentRepository
	capabilities *quorum.CapabilityTable
	chain        FundReader
}

// NewQueryService 创建查询服务
func NewQueryService(
	fundRepo repository.FundRepository,
	txRepo repository.TransactionRepository,
	intentRepo repository.IntentRepository,
	capabilities *quorum.CapabilityTable,
	chain FundReader,
) *QueryService {
	if capabilities == nil {
		capabilities = quorum.NewCapabilityTable(nil)
	}
	return &QueryService{
		fundRepo:     fundRepo,
		txRepo:       txRepo,
		intentRepo:   intentRepo,
		capabilities: capabilities,
		chain:        chain,
	}
}

// GetFund 获取基金，派生字段 (剩余额度、完成度) 在读取时计算
func (s *QueryService) GetFund(ctx context.Context, fundID int64) (*model.Fund, error) {
	fund, err := s.fundRepo.LoadFund(ctx, fundID)
	if errors.Is(err, repository.ErrFundNotFound) {
		return nil, bizerr.Wrapf(bizerr.ErrFundNotFound, "fund %d", fundID)
	}
	if err != nil {
		return nil, bizerr.WrapWithCause(bizerr.ErrInternal, err, "load fund %d", fundID)
	}
	return fund, nil
}

// ListTransactions 返回基金审计日志，按 (block_number, tx_index) 排序
func (s *QueryService) ListTransactions(ctx context.Context, fundID int64) ([]*model.FundTransaction, error) {
	if _, err := s.GetFund(ctx, fundID); err != nil {
		return nil, err
	}
	txs, err := s.txRepo.ListTransactions(ctx, fundID)
	if err != nil {
		return nil, bizerr.WrapWithCause(bizerr.ErrInternal, err, "list transactions of fund %d", fundID)
	}
	return txs, nil
}

// ListFunds 分页查询基金
func (s *QueryService) ListFunds(ctx context.Context, filter *repository.FundFilter, page *repository.Pagination) ([]*model.Fund, error) {
	funds, err := s.fundRepo.ListFunds(ctx, filter, page)
	if err != nil {
		return nil, bizerr.WrapWithCause(bizerr.ErrInternal, err, "list funds")
	}
	return funds, nil
}

// GetStats 基金总览与按类别的使用情况，filter 为 nil 时统计全部基金
func (s *QueryService) GetStats(ctx context.Context, filter *repository.FundFilter) (*repository.FundStats, error) {
	stats, err := s.fundRepo.AggregateStats(ctx, filter)
	if err != nil {
		return nil, bizerr.WrapWithCause(bizerr.ErrInternal, err, "aggregate fund stats")
	}
	return stats, nil
}

// GetAuditSummary 审计汇总，仅 admin / auditor 可见
func (s *QueryService) GetAuditSummary(ctx context.Context, actor *model.Actor) (*AuditSummary, error) {
	if err := s.capabilities.Check(actor, model.ActionViewReports); err != nil {
		return nil, err
	}

	funds, err := s.GetStats(ctx, nil)
	if err != nil {
		return nil, err
	}
	txs, err := s.txRepo.AggregateTransactions(ctx, nil)
	if err != nil {
		return nil, bizerr.WrapWithCause(bizerr.ErrInternal, err, "aggregate transactions")
	}
	pending, err := s.intentRepo.CountPending(ctx)
	if err != nil {
		return nil, bizerr.WrapWithCause(bizerr.ErrInternal, err, "count pending intents")
	}

	return &AuditSummary{
		Funds:          funds,
		Transactions:   txs,
		PendingIntents: pending,
		GeneratedAt:    time.Now().UnixMilli(),
	}, nil
}

// GetUtilizationReport 基金使用报告，仅 admin / auditor 可见
//
// 汇总覆盖过滤后的全部基金，明细按 page 分页。
func (s *QueryService) GetUtilizationReport(ctx context.Context, actor *model.Actor, filter *repository.FundFilter, page *repository.Pagination) (*UtilizationReport, error) {
	if err := s.capabilities.Check(actor, model.ActionViewReports); err != nil {
		return nil, err
	}
	if err := validateTimeRange(filterRange(filter)); err != nil {
		return nil, err
	}

	stats, err := s.GetStats(ctx, filter)
	if err != nil {
		return nil, err
	}
	page = page.Normalize()
	funds, err := s.ListFunds(ctx, filter, page)
	if err != nil {
		return nil, err
	}

	views := make([]*model.FundView, 0, len(funds))
	for _, f := range funds {
		views = append(views, model.NewFundView(f))
	}
	return &UtilizationReport{
		Stats:       stats,
		Funds:       views,
		Page:        page,
		GeneratedAt: time.Now().UnixMilli(),
	}, nil
}

// GetAuditReport 交易审计报告，仅 admin / auditor 可见
//
// 明细按 (block_number, tx_index) 倒序分页。
func (s *QueryService) GetAuditReport(ctx context.Context, actor *model.Actor, filter *repository.TransactionFilter, page *repository.Pagination) (*AuditReport, error) {
	if err := s.capabilities.Check(actor, model.ActionViewReports); err != nil {
		return nil, err
	}
	if filter != nil {
		if err := validateTimeRange(filter.TimeRange); err != nil {
			return nil, err
		}
		if filter.FundID > 0 {
			if _, err := s.GetFund(ctx, filter.FundID); err != nil {
				return nil, err
			}
		}
	}

	stats, err := s.txRepo.AggregateTransactions(ctx, filter)
	if err != nil {
		return nil, bizerr.WrapWithCause(bizerr.ErrInternal, err, "aggregate transactions")
	}
	page = page.Normalize()
	txs, err := s.txRepo.ListTransactionsPage(ctx, filter, page)
	if err != nil {
		return nil, bizerr.WrapWithCause(bizerr.ErrInternal, err, "list transactions")
	}

	views := make([]*model.TransactionView, 0, len(txs))
	for _, tx := range txs {
		views = append(views, model.NewTransactionView(tx))
	}
	return &AuditReport{
		Stats:        stats,
		Transactions: views,
		Page:         page,
		GeneratedAt:  time.Now().UnixMilli(),
	}, nil
}

func filterRange(filter *repository.FundFilter) *repository.TimeRange {
	if filter == nil {
		return nil
	}
	return filter.TimeRange
}

// validateTimeRange 未设置视为不限，设置后必须有效
func validateTimeRange(tr *repository.TimeRange) error {
	if tr == nil || tr.IsValid() {
		return nil
	}
	return bizerr.Wrapf(bizerr.ErrValidation, "invalid time range [%d, %d)", tr.Start, tr.End)
}

// CheckDivergence 比对本地基金与链上 getFundDetails
func (s *QueryService) CheckDivergence(ctx context.Context, fundID int64) (*DivergenceReport, error) {
	if s.chain == nil {
		return nil, bizerr.Wrapf(bizerr.ErrServiceUnavailable, "chain reader not configured")
	}

	fund, err := s.GetFund(ctx, fundID)
	if err != nil {
		return nil, err
	}
	onChain, err := s.chain.GetFundDetails(ctx, fundID)
	if err != nil {
		metrics.RecordDivergenceCheck("error")
		return nil, bizerr.WrapWithCause(bizerr.ErrChainSubmissionFailed, err, "read fund %d from chain", fundID)
	}

	report := &DivergenceReport{
		FundID:     fundID,
		Mismatches: compareFund(fund, onChain),
		CheckedAt:  time.Now().UnixMilli(),
	}
	report.Diverged = len(report.Mismatches) > 0

	if report.Diverged {
		metrics.RecordDivergenceCheck("diverged")
		logger.ForFund(ctx, fundID).Error("ledger diverged from chain",
			zap.Strings("mismatches", report.Mismatches))
	} else {
		metrics.RecordDivergenceCheck("consistent")
	}
	return report, nil
}

func compareFund(local *model.Fund, chain *contract.FundDetails) []string {
	var mismatches []string
	if local.ProjectName != chain.ProjectName {
		mismatches = append(mismatches, fmt.Sprintf("project_name: local=%q chain=%q", local.ProjectName, chain.ProjectName))
	}
	if !local.TotalAmount.Equal(chain.TotalAmount) {
		mismatches = append(mismatches, fmt.Sprintf("total_amount: local=%s chain=%s", local.TotalAmount, chain.TotalAmount))
	}
	if !local.ReleasedAmount.Equal(chain.ReleasedAmount) {
		mismatches = append(mismatches, fmt.Sprintf("released_amount: local=%s chain=%s", local.ReleasedAmount, chain.ReleasedAmount))
	}
	if chainStatus := model.FundStatus(chain.Status); local.Status != chainStatus {
		mismatches = append(mismatches, fmt.Sprintf("status: local=%s chain=%s", local.Status, chainStatus))
	}
	if int64(len(local.Approvals)) != chain.ApprovalCount {
		mismatches = append(mismatches, fmt.Sprintf("approvals: local=%d chain=%d", len(local.Approvals), chain.ApprovalCount))
	}
	if !strings.EqualFold(common.HexToAddress(local.BeneficiaryWallet).Hex(), chain.Beneficiary.Hex()) {
		mismatches = append(mismatches, fmt.Sprintf("beneficiary: local=%s chain=%s", local.BeneficiaryWallet, chain.Beneficiary.Hex()))
	}
	return mismatches
}

// AuditDivergence 分批比对所有基金，供定时任务使用
func (s *QueryService) AuditDivergence(ctx context.Context, batchSize int) (*DivergenceAuditResult, error) {
	if batchSize <= 0 || batchSize > 100 {
		batchSize = 100
	}

	result := &DivergenceAuditResult{Diverged: []int64{}}
	for pageNo := 1; ; pageNo++ {
		funds, err := s.ListFunds(ctx, nil, &repository.Pagination{Page: pageNo, PageSize: batchSize})
		if err != nil {
			return result, err
		}
		for _, fund := range funds {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			report, err := s.CheckDivergence(ctx, fund.FundID)
			result.Checked++
			if err != nil {
				result.Errors++
				logger.ForFund(ctx, fund.FundID).Warn("divergence check failed", zap.Error(err))
				continue
			}
			if report.Diverged {
				result.Diverged = append(result.Diverged, fund.FundID)
			}
		}
		if len(funds) < batchSize {
			return result, nil
		}
	}
}
