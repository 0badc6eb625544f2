// Package service 提供基金生命周期的业务逻辑服务
//
// ========================================
// ReconciliationService 对账写入服务说明
// ========================================
//
// ## 功能概述
// 所有改变基金状态的操作都必须先在链上确认，再投影到本地账本。
// 本地账本只反映已确认的链上事实，链上与链下状态不会出现分叉。
//
// ## 处理流程 (每个写操作)
//  1. 能力表校验 (CapabilityTable)
//  2. 获取基金级 Redis 锁 fund:<id>，等待超时返回 FUND_BUSY
//  3. 存在未决链上意图时返回 INTENT_PENDING
//  4. 加载快照，审批引擎 Decide 计算新状态 (纯函数)
//  5. Submitter 签名、记录意图、广播并等待确认
//  6. 单个数据库事务: 写入交易 -> 写入基金 -> 意图置为 CONFIRMED
//  7. 提交后触发事件回调 (Kafka)，发布失败只记录日志
//
// ## 意图恢复
// 确认超时的意图保持 PENDING，由定时任务 RecoverPendingIntents 查询回执后幂等投影，
// 超过过期时间仍未上链的意图置为 EXPIRED。
//
// ========================================
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/polipireddirohith/government-fund-blockchain/internal/blockchain"
	"github.com/polipireddirohith/government-fund-blockchain/internal/contract"
	"github.com/polipireddirohith/government-fund-blockchain/internal/metrics"
	"github.com/polipireddirohith/government-fund-blockchain/internal/model"
	"github.com/polipireddirohith/government-fund-blockchain/internal/quorum"
	"github.com/polipireddirohith/government-fund-blockchain/internal/repository"
	bizerr "github.com/polipireddirohith/government-fund-blockchain/pkg/errors"
	"github.com/polipireddirohith/government-fund-blockchain/pkg/lock"
	"github.com/polipireddirohith/government-fund-blockchain/pkg/logger"
)

// ChainSubmitter 链上提交接口，blockchain.Submitter 实现该接口
type ChainSubmitter interface {
	Submit(ctx context.Context, call *contract.Call, onSigned blockchain.SignedHook) (*model.ChainReceipt, error)
	// GetReceipt 未上链或确认数不足时返回 blockchain.ErrTxNotFound
	GetReceipt(ctx context.Context, txHash string) (*model.ChainReceipt, error)
	ConfirmTimeout() time.Duration
}

// Transactor 数据库事务，repository.Repository 实现该接口
type Transactor interface {
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
	// TransactionWithRetry 死锁、序列化失败等临时错误时整体重试
	TransactionWithRetry(ctx context.Context, maxRetries int, fn func(ctx context.Context) error) error
}

// FundLocker 基金级互斥锁，lock.RedisLocker 实现该接口
type FundLocker interface {
	WithLockWait(ctx context.Context, key string, wait time.Duration, fn func(ctx context.Context) error) error
	// WithLock 锁被占用时立即返回 lock.ErrLockAcquireFailed
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

const (
	defaultLockMargin = 30 * time.Second
	projectMaxRetries = 3
)

// EventHandler 领域事件回调
type EventHandler func(ctx context.Context, event *model.FundEvent) error

// ReconciliationService 基金写入服务
type ReconciliationService struct {
	tx           Transactor
	fundRepo     repository.FundRepository
	txRepo       repository.TransactionRepository
	intentRepo   repository.IntentRepository
	engine       *quorum.Engine
	capabilities *quorum.CapabilityTable
	registry     *contract.FundRegistry
	submitter    ChainSubmitter
	locker       FundLocker

	// 配置
	lockWait          time.Duration
	intentExpiry      time.Duration
	recoveryBatchSize int

	// 事件回调
	handlers map[model.FundEventType]EventHandler

	now func() int64
}

// ReconciliationServiceConfig 配置
type ReconciliationServiceConfig struct {
	LockWait          time.Duration // 等待基金锁的最长时间，默认 ConfirmTimeout + 30s
	IntentExpiry      time.Duration // 超时后继续等待回执的时间，之后置为 EXPIRED
	RecoveryBatchSize int
}

// ReconciliationDeps 依赖
type ReconciliationDeps struct {
	Tx           Transactor
	FundRepo     repository.FundRepository
	TxRepo       repository.TransactionRepository
	IntentRepo   repository.IntentRepository
	Engine       *quorum.Engine
	Capabilities *quorum.CapabilityTable
	Registry     *contract.FundRegistry
	Submitter    ChainSubmitter
	Locker       FundLocker
}

// NewReconciliationService 创建基金写入服务
func NewReconciliationService(deps *ReconciliationDeps, cfg *ReconciliationServiceConfig) *ReconciliationService {
	if cfg == nil {
		cfg = &ReconciliationServiceConfig{}
	}

	// 等待方至少要能等过持锁方的一次完整确认
	lockWait := cfg.LockWait
	if lockWait == 0 {
		lockWait = deps.Submitter.ConfirmTimeout() + defaultLockMargin
	}

	intentExpiry := cfg.IntentExpiry
	if intentExpiry == 0 {
		intentExpiry = 30 * time.Minute
	}

	batchSize := cfg.RecoveryBatchSize
	if batchSize == 0 {
		batchSize = 100
	}

	capabilities := deps.Capabilities
	if capabilities == nil {
		capabilities = quorum.NewCapabilityTable(nil)
	}
	engine := deps.Engine
	if engine == nil {
		engine = quorum.NewEngine(nil)
	}

	return &ReconciliationService{
		tx:                deps.Tx,
		fundRepo:          deps.FundRepo,
		txRepo:            deps.TxRepo,
		intentRepo:        deps.IntentRepo,
		engine:            engine,
		capabilities:      capabilities,
		registry:          deps.Registry,
		submitter:         deps.Submitter,
		locker:            deps.Locker,
		lockWait:          lockWait,
		intentExpiry:      intentExpiry,
		recoveryBatchSize: batchSize,
		handlers:          make(map[model.FundEventType]EventHandler),
		now:               func() int64 { return time.Now().UnixMilli() },
	}
}

// SetOnFundAllocated 设置拨款确认回调
func (s *ReconciliationService) SetOnFundAllocated(fn EventHandler) {
	s.handlers[model.FundEventAllocated] = fn
}

// SetOnFundApproved 设置审批确认回调
func (s *ReconciliationService) SetOnFundApproved(fn EventHandler) {
	s.handlers[model.FundEventApproved] = fn
}

// SetOnFundReleased 设置释放确认回调
func (s *ReconciliationService) SetOnFundReleased(fn EventHandler) {
	s.handlers[model.FundEventReleased] = fn
}

// SetOnFundRejected 设置驳回确认回调
func (s *ReconciliationService) SetOnFundRejected(fn EventHandler) {
	s.handlers[model.FundEventRejected] = fn
}

// SetOnMilestoneChanged 设置里程碑变更回调 (新增与状态流转)
func (s *ReconciliationService) SetOnMilestoneChanged(fn EventHandler) {
	s.handlers[model.FundEventMilestoneChanged] = fn
}

// Allocate 拨款: 分配新基金编号并在链上登记
func (s *ReconciliationService) Allocate(ctx context.Context, actor *model.Actor, project *model.ProjectSpec) (*model.Fund, error) {
	return s.execute(ctx, model.ActionAllocate, actor, &model.ActionParams{Project: project})
}

// Approve 审批，达到法定人数后基金进入 APPROVED
func (s *ReconciliationService) Approve(ctx context.Context, actor *model.Actor, fundID int64, remarks string) (*model.Fund, error) {
	return s.execute(ctx, model.ActionApprove, actor, &model.ActionParams{FundID: fundID, Remarks: remarks})
}

// Release 释放资金
func (s *ReconciliationService) Release(ctx context.Context, actor *model.Actor, fundID int64, amount decimal.Decimal) (*model.Fund, error) {
	return s.execute(ctx, model.ActionRelease, actor, &model.ActionParams{FundID: fundID, Amount: amount})
}

// Reject 驳回基金
func (s *ReconciliationService) Reject(ctx context.Context, actor *model.Actor, fundID int64, remarks string) (*model.Fund, error) {
	return s.execute(ctx, model.ActionReject, actor, &model.ActionParams{FundID: fundID, Remarks: remarks})
}

// AddMilestone 追加里程碑
func (s *ReconciliationService) AddMilestone(ctx context.Context, actor *model.Actor, fundID int64, milestone *model.MilestoneSpec) (*model.Fund, error) {
	return s.execute(ctx, model.ActionAddMilestone, actor, &model.ActionParams{FundID: fundID, Milestone: milestone})
}

// UpdateMilestoneStatus 推进里程碑状态，VERIFIED 需要审计权限
func (s *ReconciliationService) UpdateMilestoneStatus(ctx context.Context, actor *model.Actor, fundID int64, index int, status model.MilestoneStatus, proof string) (*model.Fund, error) {
	return s.execute(ctx, model.MilestoneAction(status), actor, &model.ActionParams{
		FundID:          fundID,
		MilestoneIndex:  index,
		MilestoneStatus: status,
		Proof:           proof,
	})
}

// execute 执行写操作并记录指标
func (s *ReconciliationService) execute(ctx context.Context, action model.FundAction, actor *model.Actor, params *model.ActionParams) (*model.Fund, error) {
	start := time.Now()

	fund, err := s.run(ctx, action, actor, params)

	result := "success"
	if err != nil {
		result = bizerr.GetCode(err)
		log := logger.ForFund(ctx, params.FundID).With(
			zap.String("action", action.String()),
			zap.String("code", result))
		if bizerr.IsRuleRejection(err) {
			log.Debug("fund operation rejected", zap.Error(err))
		} else {
			log.Warn("fund operation failed", zap.Error(err))
		}
	}
	metrics.RecordFundOperation(action.String(), result, time.Since(start).Seconds())

	return fund, err
}

func (s *ReconciliationService) run(ctx context.Context, action model.FundAction, actor *model.Actor, params *model.ActionParams) (*model.Fund, error) {
	if actor == nil {
		return nil, bizerr.Wrapf(bizerr.ErrValidation, "actor is required")
	}
	if err := s.capabilities.Check(actor, action); err != nil {
		return nil, err
	}

	if action == model.ActionAllocate {
		// 新基金还没有编号可加锁，并发的同一命令由 command_id 唯一索引拦截
		fund, replayed, err := s.replayCommand(ctx, action, 0)
		if err != nil || replayed {
			return fund, err
		}
		return s.allocate(ctx, actor, params)
	}
	if params.FundID <= 0 {
		return nil, bizerr.Wrapf(bizerr.ErrValidation, "invalid fund id %d", params.FundID)
	}

	var fund *model.Fund
	err := s.withFundLock(ctx, params.FundID, func(ctx context.Context) error {
		replay, replayed, err := s.replayCommand(ctx, action, params.FundID)
		if err != nil {
			return err
		}
		if replayed {
			fund = replay
			return nil
		}

		if err := s.ensureNoPendingIntent(ctx, params.FundID); err != nil {
			return err
		}

		snapshot, err := s.loadFund(ctx, params.FundID)
		if err != nil {
			return err
		}

		now := s.now()
		next, err := s.engine.Decide(snapshot, action, actor, params, now)
		if err != nil {
			return err
		}

		fund, err = s.submitAndProject(ctx, action, actor, params, next, now)
		return err
	})
	return fund, err
}

// allocate 先校验再分配编号，校验失败不消耗编号
func (s *ReconciliationService) allocate(ctx context.Context, actor *model.Actor, params *model.ActionParams) (*model.Fund, error) {
	now := s.now()
	next, err := s.engine.Decide(nil, model.ActionAllocate, actor, params, now)
	if err != nil {
		return nil, err
	}

	fundID, err := s.fundRepo.NextFundID(ctx)
	if err != nil {
		return nil, bizerr.WrapWithCause(bizerr.ErrDBTransaction, err, "allocate fund id")
	}
	next.FundID = fundID
	params.FundID = fundID

	// 新编号不会与其他写操作竞争，加锁只为与恢复任务互斥
	var fund *model.Fund
	err = s.withFundLock(ctx, fundID, func(ctx context.Context) error {
		fund, err = s.submitAndProject(ctx, model.ActionAllocate, actor, params, next, now)
		return err
	})
	return fund, err
}

func (s *ReconciliationService) withFundLock(ctx context.Context, fundID int64, fn func(ctx context.Context) error) error {
	err := s.locker.WithLockWait(ctx, fundLockKey(fundID), s.lockWait, fn)
	if errors.Is(err, lock.ErrLockAcquireFailed) {
		return bizerr.Wrapf(bizerr.ErrFundBusy, "fund %d is locked by another operation", fundID)
	}
	if err != nil && !bizerr.As(err, new(*bizerr.Error)) {
		return bizerr.WrapWithCause(bizerr.ErrInternal, err, "fund %d", fundID)
	}
	return err
}

// tryFundLock 不等待的基金锁，供后台任务使用，繁忙时返回 lock.ErrLockAcquireFailed
func (s *ReconciliationService) tryFundLock(ctx context.Context, fundID int64, fn func(ctx context.Context) error) error {
	return s.locker.WithLock(ctx, fundLockKey(fundID), fn)
}

func fundLockKey(fundID int64) string {
	return fmt.Sprintf("fund:%d", fundID)
}

// replayCommand 处理同一 command_id 的重复投递
//
// 已确认: 返回当前基金，不再上链；未决: INTENT_PENDING；
// 失败或过期: 释放幂等键后按新命令执行。返回 true 表示命令已生效。
func (s *ReconciliationService) replayCommand(ctx context.Context, action model.FundAction, fundID int64) (*model.Fund, bool, error) {
	commandID := model.CommandIDFromContext(ctx)
	if commandID == "" {
		return nil, false, nil
	}

	intent, err := s.intentRepo.GetByCommandID(ctx, commandID)
	if errors.Is(err, repository.ErrIntentNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, bizerr.WrapWithCause(bizerr.ErrInternal, err, "check command %s", commandID)
	}
	if intent.Action != action || (fundID > 0 && intent.FundID != fundID) {
		return nil, false, bizerr.Wrapf(bizerr.ErrValidation,
			"command id %s already used for %s on fund %d", commandID, intent.Action, intent.FundID)
	}

	switch intent.Status {
	case model.ChainIntentStatusConfirmed:
		fund, err := s.loadFund(ctx, intent.FundID)
		if err != nil {
			return nil, false, err
		}
		logger.ForFund(ctx, intent.FundID).Info("command already applied",
			zap.String("command_id", commandID),
			zap.String("tx_hash", intent.TxHash))
		return fund, true, nil
	case model.ChainIntentStatusPending:
		return nil, false, bizerr.Wrapf(bizerr.ErrIntentPending,
			"command %s awaits confirmation of %s", commandID, intent.TxHash).
			WithDetail("tx_hash", intent.TxHash)
	default:
		if err := s.intentRepo.ReleaseCommandID(ctx, intent.IntentID); err != nil {
			return nil, false, bizerr.WrapWithCause(bizerr.ErrInternal, err, "release command %s", commandID)
		}
		return nil, false, nil
	}
}

func (s *ReconciliationService) ensureNoPendingIntent(ctx context.Context, fundID int64) error {
	intent, err := s.intentRepo.GetPendingByFund(ctx, fundID)
	if errors.Is(err, repository.ErrIntentNotFound) {
		return nil
	}
	if err != nil {
		return bizerr.WrapWithCause(bizerr.ErrInternal, err, "check pending intent")
	}
	return bizerr.Wrapf(bizerr.ErrIntentPending, "fund %d awaits confirmation of %s", fundID, intent.TxHash).
		WithDetail("tx_hash", intent.TxHash)
}

func (s *ReconciliationService) loadFund(ctx context.Context, fundID int64) (*model.Fund, error) {
	fund, err := s.fundRepo.LoadFund(ctx, fundID)
	if errors.Is(err, repository.ErrFundNotFound) {
		return nil, bizerr.Wrapf(bizerr.ErrFundNotFound, "fund %d", fundID)
	}
	if err != nil {
		return nil, bizerr.WrapWithCause(bizerr.ErrInternal, err, "load fund %d", fundID)
	}
	return fund, nil
}

// submitAndProject 提交链上交易，确认后投影到本地账本
func (s *ReconciliationService) submitAndProject(ctx context.Context, action model.FundAction, actor *model.Actor, params *model.ActionParams, next *model.Fund, now int64) (*model.Fund, error) {
	call, err := s.packCall(action, params, next)
	if err != nil {
		return nil, bizerr.WrapWithCause(bizerr.ErrValidation, err, "encode %s", action)
	}

	var intent *model.ChainIntent
	receipt, err := s.submitter.Submit(ctx, call, func(ctx context.Context, tx *blockchain.SignedTx) error {
		in, err := s.newIntent(ctx, action, actor, params, next.FundID, tx, now)
		if err != nil {
			return bizerr.WrapWithCause(bizerr.ErrInternal, err, "encode intent")
		}
		err = s.intentRepo.CreateIntent(ctx, in)
		if errors.Is(err, repository.ErrDuplicateCommand) {
			return bizerr.Wrapf(bizerr.ErrIntentPending, "command %s is already being processed", *in.CommandID)
		}
		if err != nil {
			return bizerr.WrapWithCause(bizerr.ErrInternal, err, "record intent")
		}
		intent = in
		return nil
	})
	if err != nil {
		switch {
		case intent == nil:
		case receipt != nil:
			s.recordReverted(ctx, action, params, next, receipt, intent.IntentID)
		case errors.Is(err, blockchain.ErrTxRejected):
			// 节点明确拒绝，交易不会上链
			s.resolveIntent(ctx, intent.IntentID, model.ChainIntentStatusFailed, err.Error())
		default:
			// 超时或广播结果未知: 意图保持 PENDING，由恢复任务按回执投影或置为 EXPIRED
			logger.ForFund(ctx, next.FundID).Warn("chain outcome unknown, intent left pending",
				zap.String("intent_id", intent.IntentID),
				zap.String("tx_hash", intent.TxHash),
				zap.Error(err))
		}
		return nil, err
	}

	return s.project(ctx, action, params, next, receipt, intent.IntentID)
}

func (s *ReconciliationService) newIntent(ctx context.Context, action model.FundAction, actor *model.Actor, params *model.ActionParams, fundID int64, tx *blockchain.SignedTx, now int64) (*model.ChainIntent, error) {
	intent := &model.ChainIntent{
		IntentID:  uuid.New().String(),
		FundID:    fundID,
		Action:    action,
		TxHash:    tx.Hash,
		Nonce:     int64(tx.Nonce),
		DecidedAt: now,
		TimeoutAt: now + s.submitter.ConfirmTimeout().Milliseconds(),
		Status:    model.ChainIntentStatusPending,
	}
	if commandID := model.CommandIDFromContext(ctx); commandID != "" {
		intent.CommandID = &commandID
	}
	if err := intent.SetActor(actor); err != nil {
		return nil, err
	}
	if err := intent.SetParams(params); err != nil {
		return nil, err
	}
	return intent, nil
}

func (s *ReconciliationService) packCall(action model.FundAction, params *model.ActionParams, next *model.Fund) (*contract.Call, error) {
	switch action {
	case model.ActionAllocate:
		return s.registry.PackAllocate(next.FundID, next.ProjectName, next.Description,
			uint8(next.Category), next.TotalAmount, common.HexToAddress(next.BeneficiaryWallet))
	case model.ActionApprove:
		return s.registry.PackApprove(next.FundID, params.Remarks)
	case model.ActionRelease:
		return s.registry.PackRelease(next.FundID, params.Amount)
	case model.ActionReject:
		return s.registry.PackReject(next.FundID, params.Remarks)
	case model.ActionAddMilestone:
		m := next.Milestones[len(next.Milestones)-1]
		return s.registry.PackAddMilestone(next.FundID, m.Description, m.Amount, m.Deadline)
	case model.ActionProgressMilestone, model.ActionVerifyMilestone:
		return s.registry.PackUpdateMilestoneStatus(next.FundID, params.MilestoneIndex,
			uint8(params.MilestoneStatus), params.Proof)
	default:
		return nil, fmt.Errorf("no contract call for %s", action)
	}
}

// project 在单个事务中写入交易、基金与意图状态
//
// tx_hash 已存在时跳过基金写入，返回当前已存储的基金。
func (s *ReconciliationService) project(ctx context.Context, action model.FundAction, params *model.ActionParams, next *model.Fund, receipt *model.ChainReceipt, intentID string) (*model.Fund, error) {
	log := logger.ForFund(ctx, next.FundID).With(
		zap.String("action", action.String()),
		zap.String("tx_hash", receipt.TxHash))

	record := newTransactionRecord(action, params, next, receipt, model.TxStatusConfirmed)
	duplicate := false

	err := s.tx.TransactionWithRetry(ctx, projectMaxRetries, func(ctx context.Context) error {
		duplicate = false
		if err := s.txRepo.InsertTransaction(ctx, record); err != nil {
			if !errors.Is(err, repository.ErrDuplicateTransaction) {
				return err
			}
			duplicate = true
			return s.markIntent(ctx, intentID, model.ChainIntentStatusConfirmed, "")
		}

		next.BlockchainStatus = model.BlockchainStatusConfirmed
		next.TxHash = receipt.TxHash
		var err error
		if action == model.ActionAllocate {
			err = s.fundRepo.CreateFund(ctx, next)
		} else {
			err = s.fundRepo.SaveFund(ctx, next)
		}
		if err != nil {
			return err
		}
		return s.markIntent(ctx, intentID, model.ChainIntentStatusConfirmed, "")
	})
	if err != nil {
		// 意图保持 PENDING，由恢复任务重新投影
		log.Error("project confirmed receipt failed", zap.Error(err))
		return nil, bizerr.WrapWithCause(bizerr.ErrDBTransaction, err, "project %s", receipt.TxHash)
	}

	if duplicate {
		metrics.RecordDuplicateReceipt()
		log.Info("receipt already projected")
		return s.loadFund(ctx, next.FundID)
	}

	metrics.RecordIntentResolved("confirmed")
	log.Info("fund operation confirmed",
		zap.String("status", next.Status.String()),
		zap.Int64("block", receipt.BlockNumber))

	s.emit(ctx, action, params, next, record)
	return next, nil
}

// recordReverted 链上回滚: 写入 FAILED 交易并结束意图，基金不变
func (s *ReconciliationService) recordReverted(ctx context.Context, action model.FundAction, params *model.ActionParams, next *model.Fund, receipt *model.ChainReceipt, intentID string) {
	record := newTransactionRecord(action, params, next, receipt, model.TxStatusFailed)
	err := s.tx.Transaction(ctx, func(ctx context.Context) error {
		if err := s.txRepo.InsertTransaction(ctx, record); err != nil && !errors.Is(err, repository.ErrDuplicateTransaction) {
			return err
		}
		return s.markIntent(ctx, intentID, model.ChainIntentStatusFailed, "transaction reverted")
	})
	if err != nil {
		logger.ForFund(ctx, next.FundID).Error("record reverted transaction failed",
			zap.String("tx_hash", receipt.TxHash),
			zap.Error(err))
		return
	}
	metrics.RecordIntentResolved("failed")
}

// markIntent 更新意图状态，已终结的意图忽略
func (s *ReconciliationService) markIntent(ctx context.Context, intentID string, status model.ChainIntentStatus, errMsg string) error {
	err := s.intentRepo.UpdateStatus(ctx, intentID, status, errMsg)
	if errors.Is(err, repository.ErrIntentNotFound) {
		return nil
	}
	return err
}

func (s *ReconciliationService) resolveIntent(ctx context.Context, intentID string, status model.ChainIntentStatus, errMsg string) {
	if err := s.markIntent(ctx, intentID, status, errMsg); err != nil {
		logger.WithContext(ctx).Error("update intent status failed",
			zap.String("intent_id", intentID),
			zap.String("status", status.String()),
			zap.Error(err))
		return
	}
	metrics.RecordIntentResolved(strings.ToLower(status.String()))
}

func newTransactionRecord(action model.FundAction, params *model.ActionParams, next *model.Fund, receipt *model.ChainReceipt, status model.TxStatus) *model.FundTransaction {
	record := &model.FundTransaction{
		TxHash:      receipt.TxHash,
		FundID:      next.FundID,
		FromAddress: receipt.From,
		ToAddress:   receipt.To,
		Amount:      decimal.Zero,
		Type:        action.TxType(),
		Status:      status,
		BlockNumber: receipt.BlockNumber,
		TxIndex:     receipt.TxIndex,
		GasUsed:     receipt.GasUsed,
		Remarks:     params.Remarks,
		Timestamp:   receipt.Timestamp,
	}

	switch action {
	case model.ActionAllocate:
		record.Amount = next.TotalAmount
		record.Remarks = next.Remarks
	case model.ActionRelease:
		record.Amount = params.Amount
	case model.ActionAddMilestone:
		m := next.Milestones[len(next.Milestones)-1]
		record.Amount = m.Amount
		record.Remarks = fmt.Sprintf("milestone %d added: %s", m.MilestoneIndex, m.Description)
	case model.ActionProgressMilestone, model.ActionVerifyMilestone:
		record.Remarks = fmt.Sprintf("milestone %d -> %s", params.MilestoneIndex, params.MilestoneStatus)
	}
	return record
}

func eventTypeFor(action model.FundAction) model.FundEventType {
	switch action {
	case model.ActionAllocate:
		return model.FundEventAllocated
	case model.ActionApprove:
		return model.FundEventApproved
	case model.ActionRelease:
		return model.FundEventReleased
	case model.ActionReject:
		return model.FundEventRejected
	default:
		return model.FundEventMilestoneChanged
	}
}

// emit 提交后触发事件回调，失败不影响已提交的结果
func (s *ReconciliationService) emit(ctx context.Context, action model.FundAction, params *model.ActionParams, fund *model.Fund, record *model.FundTransaction) {
	eventType := eventTypeFor(action)
	handler, ok := s.handlers[eventType]
	if !ok || handler == nil {
		return
	}

	event := &model.FundEvent{
		EventID:     uuid.New().String(),
		Type:        eventType,
		Fund:        model.NewFundView(fund),
		Transaction: model.NewTransactionView(record),
		OccurredAt:  s.now(),
	}
	switch action {
	case model.ActionAddMilestone:
		index := len(fund.Milestones) - 1
		event.MilestoneIndex = &index
	case model.ActionProgressMilestone, model.ActionVerifyMilestone:
		index := params.MilestoneIndex
		event.MilestoneIndex = &index
	}

	if err := handler(ctx, event); err != nil {
		metrics.RecordEvent(string(eventType), false)
		logger.ForFund(ctx, fund.FundID).Error("publish fund event failed",
			zap.String("event_type", string(eventType)),
			zap.String("event_id", event.EventID),
			zap.Error(err))
		return
	}
	metrics.RecordEvent(string(eventType), true)
}

// RecoveryStats 意图恢复结果
type RecoveryStats struct {
	Checked   int `json:"checked"`
	Confirmed int `json:"confirmed"`
	Failed    int `json:"failed"`
	Expired   int `json:"expired"`
	Skipped   int `json:"skipped"` // 仍在等待或基金繁忙
}

// RecoverPendingIntents 恢复未决意图
//
// 只处理已超过确认等待时间的意图；找到回执则以 DecidedAt 为决策时间重新投影，
// 超过 TimeoutAt + IntentExpiry 仍无回执则置为 EXPIRED。
func (s *ReconciliationService) RecoverPendingIntents(ctx context.Context) (*RecoveryStats, error) {
	intents, err := s.intentRepo.ListPending(ctx, s.recoveryBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list pending intents: %w", err)
	}

	stats := &RecoveryStats{}
	now := s.now()
	for _, intent := range intents {
		if ctx.Err() != nil {
			break
		}
		stats.Checked++
		if now < intent.TimeoutAt {
			stats.Skipped++
			continue
		}

		outcome, err := s.recoverIntent(ctx, intent, now)
		if errors.Is(err, lock.ErrLockAcquireFailed) {
			// 基金正被写操作占用，下一轮再处理
			stats.Skipped++
			continue
		}
		if err != nil {
			logger.ForFund(ctx, intent.FundID).Warn("recover intent failed",
				zap.String("intent_id", intent.IntentID),
				zap.String("tx_hash", intent.TxHash),
				zap.Error(err))
			stats.Skipped++
			continue
		}
		switch outcome {
		case model.ChainIntentStatusConfirmed:
			stats.Confirmed++
		case model.ChainIntentStatusFailed:
			stats.Failed++
		case model.ChainIntentStatusExpired:
			stats.Expired++
		default:
			stats.Skipped++
		}
	}

	if count, err := s.intentRepo.CountPending(ctx); err == nil {
		metrics.UpdatePendingIntents(count)
	}

	if stats.Confirmed+stats.Failed+stats.Expired > 0 {
		logger.Info("pending intents recovered",
			zap.Int("checked", stats.Checked),
			zap.Int("confirmed", stats.Confirmed),
			zap.Int("failed", stats.Failed),
			zap.Int("expired", stats.Expired))
	}
	return stats, nil
}

// recoverIntent 返回意图的新状态，仍未决时返回 PENDING
func (s *ReconciliationService) recoverIntent(ctx context.Context, intent *model.ChainIntent, now int64) (model.ChainIntentStatus, error) {
	outcome := model.ChainIntentStatusPending
	err := s.tryFundLock(ctx, intent.FundID, func(ctx context.Context) error {
		current, err := s.intentRepo.GetByIntentID(ctx, intent.IntentID)
		if err != nil {
			return err
		}
		if current.Status.IsTerminal() {
			return nil
		}

		receipt, err := s.submitter.GetReceipt(ctx, intent.TxHash)
		if errors.Is(err, blockchain.ErrTxNotFound) {
			if now >= intent.TimeoutAt+s.intentExpiry.Milliseconds() {
				if err := s.markIntent(ctx, intent.IntentID, model.ChainIntentStatusExpired, "receipt not found before expiry"); err != nil {
					return err
				}
				metrics.RecordIntentResolved("expired")
				outcome = model.ChainIntentStatusExpired
			}
			return nil
		}
		if err != nil {
			return err
		}

		outcome, err = s.projectRecovered(ctx, intent, receipt)
		return err
	})
	return outcome, err
}

func (s *ReconciliationService) projectRecovered(ctx context.Context, intent *model.ChainIntent, receipt *model.ChainReceipt) (model.ChainIntentStatus, error) {
	actor, err := intent.GetActor()
	if err != nil {
		return model.ChainIntentStatusPending, fmt.Errorf("decode intent actor: %w", err)
	}
	params, err := intent.GetParams()
	if err != nil {
		return model.ChainIntentStatusPending, fmt.Errorf("decode intent params: %w", err)
	}
	log := logger.ForFund(ctx, intent.FundID).With(zap.String("tx_hash", intent.TxHash))

	// 已投影过的回执只结束意图
	if _, err := s.txRepo.GetByTxHash(ctx, intent.TxHash); err == nil {
		metrics.RecordDuplicateReceipt()
		return model.ChainIntentStatusConfirmed, s.markIntent(ctx, intent.IntentID, model.ChainIntentStatusConfirmed, "")
	} else if !errors.Is(err, repository.ErrTransactionNotFound) {
		return model.ChainIntentStatusPending, err
	}

	var snapshot *model.Fund
	if intent.Action != model.ActionAllocate {
		if snapshot, err = s.loadFund(ctx, intent.FundID); err != nil {
			return model.ChainIntentStatusPending, err
		}
	}

	next, err := s.engine.Decide(snapshot, intent.Action, actor, params, intent.DecidedAt)
	if err != nil {
		log.Error("confirmed intent no longer applies", zap.Error(err))
		s.resolveIntent(ctx, intent.IntentID, model.ChainIntentStatusFailed, err.Error())
		return model.ChainIntentStatusFailed, nil
	}

	if !receipt.Success {
		s.recordReverted(ctx, intent.Action, params, next, receipt, intent.IntentID)
		return model.ChainIntentStatusFailed, nil
	}

	if _, err := s.project(ctx, intent.Action, params, next, receipt, intent.IntentID); err != nil {
		return model.ChainIntentStatusPending, err
	}
	return model.ChainIntentStatusConfirmed, nil
}
