package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/polipireddirohith/government-fund-blockchain/internal/blockchain"
	"github.com/polipireddirohith/government-fund-blockchain/internal/metrics"
	"github.com/polipireddirohith/government-fund-blockchain/internal/service"
	"github.com/polipireddirohith/government-fund-blockchain/pkg/logger"
)

// IntentRecoverer 未决意图恢复，service.ReconciliationService 实现该接口
type IntentRecoverer interface {
	RecoverPendingIntents(ctx context.Context) (*service.RecoveryStats, error)
}

// DivergenceAuditor 一致性巡检，service.QueryService 实现该接口
type DivergenceAuditor interface {
	AuditDivergence(ctx context.Context, batchSize int) (*service.DivergenceAuditResult, error)
}

// IntentCleaner 已终结意图清理，repository.IntentRepository 实现该接口
type IntentCleaner interface {
	DeleteResolvedBefore(ctx context.Context, before int64) (int64, error)
}

// ChainHealthChecker RPC 连通性，blockchain.Client 实现该接口
type ChainHealthChecker interface {
	HealthCheck(ctx context.Context) error
	GetHealthyEndpoints() []*blockchain.RPCEndpoint
}

// NonceInspector nonce 与待确认队列查询，blockchain.NonceManager 实现该接口
type NonceInspector interface {
	GetCurrentNonce(ctx context.Context) (uint64, error)
	GetPendingCount() int
	PendingBroadcasts(ctx context.Context) ([]blockchain.PendingBroadcast, error)
}

func baseJobFor(name string) BaseJob {
	d := DefaultJobConfigs[name]
	return NewBaseJob(name, d.Timeout, d.LockTTL, d.UseWatchdog)
}

// IntentRecoveryJob 查询超时未决意图的回执并补写账本
type IntentRecoveryJob struct {
	BaseJob
	recoverer IntentRecoverer
}

// NewIntentRecoveryJob 创建意图恢复任务
func NewIntentRecoveryJob(recoverer IntentRecoverer) *IntentRecoveryJob {
	return &IntentRecoveryJob{
		BaseJob:   baseJobFor(JobNameIntentRecovery),
		recoverer: recoverer,
	}
}

// Execute 执行恢复
func (j *IntentRecoveryJob) Execute(ctx context.Context) (*JobResult, error) {
	stats, err := j.recoverer.RecoverPendingIntents(ctx)
	if err != nil {
		return nil, err
	}
	return &JobResult{
		ProcessedCount: stats.Checked,
		AffectedCount:  stats.Confirmed + stats.Failed + stats.Expired,
		Details: map[string]interface{}{
			"confirmed": stats.Confirmed,
			"failed":    stats.Failed,
			"expired":   stats.Expired,
			"skipped":   stats.Skipped,
		},
	}, nil
}

// DivergenceAuditJob 逐个比对本地基金与链上状态
type DivergenceAuditJob struct {
	BaseJob
	auditor   DivergenceAuditor
	batchSize int
}

// NewDivergenceAuditJob 创建一致性巡检任务
func NewDivergenceAuditJob(auditor DivergenceAuditor, batchSize int) *DivergenceAuditJob {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &DivergenceAuditJob{
		BaseJob:   baseJobFor(JobNameDivergenceAudit),
		auditor:   auditor,
		batchSize: batchSize,
	}
}

// Execute 执行巡检，发现不一致只上报结果，不修改账本
func (j *DivergenceAuditJob) Execute(ctx context.Context) (*JobResult, error) {
	result, err := j.auditor.AuditDivergence(ctx, j.batchSize)
	if result == nil {
		return nil, err
	}
	return &JobResult{
		ProcessedCount: result.Checked,
		AffectedCount:  len(result.Diverged),
		ErrorCount:     result.Errors,
		Details: map[string]interface{}{
			"diverged_funds": result.Diverged,
		},
	}, err
}

// IntentCleanupJob 删除超过保留期的已终结意图，未决意图不受影响
type IntentCleanupJob struct {
	BaseJob
	cleaner   IntentCleaner
	retention time.Duration
	now       func() time.Time
}

// NewIntentCleanupJob 创建意图清理任务
func NewIntentCleanupJob(cleaner IntentCleaner, retention time.Duration) *IntentCleanupJob {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &IntentCleanupJob{
		BaseJob:   baseJobFor(JobNameIntentCleanup),
		cleaner:   cleaner,
		retention: retention,
		now:       time.Now,
	}
}

// Execute 执行清理
func (j *IntentCleanupJob) Execute(ctx context.Context) (*JobResult, error) {
	before := j.now().Add(-j.retention).UnixMilli()
	deleted, err := j.cleaner.DeleteResolvedBefore(ctx, before)
	if err != nil {
		return nil, err
	}
	return &JobResult{
		ProcessedCount: int(deleted),
		AffectedCount:  int(deleted),
		Details: map[string]interface{}{
			"before": before,
		},
	}, nil
}

// ChainHealthJob 检查 RPC 连通性与待确认交易队列，结果写入指标并回调健康状态
type ChainHealthJob struct {
	BaseJob
	chain      ChainHealthChecker
	nonces     NonceInspector
	staleAfter time.Duration
	onStatus   func(healthy bool)
	now        func() time.Time
}

// NewChainHealthJob 创建链健康检查任务，广播超过 staleAfter 仍未被节点计入视为滞留
func NewChainHealthJob(chain ChainHealthChecker, nonces NonceInspector, staleAfter time.Duration) *ChainHealthJob {
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}
	return &ChainHealthJob{
		BaseJob:    baseJobFor(JobNameChainHealth),
		chain:      chain,
		nonces:     nonces,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// SetStatusFunc 设置健康状态回调
func (j *ChainHealthJob) SetStatusFunc(f func(healthy bool)) {
	j.onStatus = f
}

// Execute 执行检查，检查失败计入 ErrorCount 而不返回错误
func (j *ChainHealthJob) Execute(ctx context.Context) (*JobResult, error) {
	result := &JobResult{Details: make(map[string]interface{})}

	healthy := true
	if err := j.chain.HealthCheck(ctx); err != nil {
		healthy = false
		result.ErrorCount++
		result.Details["rpc_error"] = err.Error()
		logger.Warn("chain rpc health check failed", zap.Error(err))
	}

	endpoints := j.chain.GetHealthyEndpoints()
	if len(endpoints) == 0 {
		healthy = false
	}
	result.Details["healthy_endpoints"] = len(endpoints)
	metrics.UpdateChainHealth(healthy, len(endpoints))

	if nonce, err := j.nonces.GetCurrentNonce(ctx); err != nil {
		result.ErrorCount++
		logger.Warn("failed to read current nonce", zap.Error(err))
	} else {
		result.Details["next_nonce"] = nonce
		metrics.UpdateNonce(nonce)
	}
	result.Details["local_pending"] = j.nonces.GetPendingCount()

	broadcasts, err := j.nonces.PendingBroadcasts(ctx)
	if err != nil {
		result.ErrorCount++
		logger.Warn("failed to read pending broadcasts", zap.Error(err))
	} else {
		cutoff := j.now().Add(-j.staleAfter)
		stale := 0
		for _, b := range broadcasts {
			if b.SentAt.Before(cutoff) {
				stale++
				logger.Warn("broadcast not yet counted by node",
					zap.Uint64("nonce", b.Nonce),
					zap.String("tx_hash", b.TxHash),
					zap.Time("sent_at", b.SentAt))
			}
		}
		result.ProcessedCount = len(broadcasts)
		result.AffectedCount = stale
		result.Details["stale_broadcasts"] = stale
		metrics.UpdatePendingBroadcasts(len(broadcasts), stale)
	}

	result.Details["healthy"] = healthy
	if j.onStatus != nil {
		j.onStatus(healthy)
	}
	return result, nil
}
