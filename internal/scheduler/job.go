package scheduler

import (
	"context"
	"time"
)

// Job 定时任务接口
type Job interface {
	// Name 任务名称
	Name() string
	// Execute 执行任务
	Execute(ctx context.Context) (*JobResult, error)
	// Timeout 单次执行超时
	Timeout() time.Duration
	// RequiresLock 是否需要分布式锁 (多实例部署时只允许一个实例执行)
	RequiresLock() bool
	// LockTTL 锁的 TTL
	LockTTL() time.Duration
	// UseWatchdog 是否在执行期间自动续期
	UseWatchdog() bool
}

// JobResult 任务执行结果
type JobResult struct {
	ProcessedCount int                    `json:"processed_count"`
	AffectedCount  int                    `json:"affected_count"`
	ErrorCount     int                    `json:"error_count"`
	Details        map[string]interface{} `json:"details,omitempty"`
}

// BaseJob 任务公共属性
type BaseJob struct {
	name        string
	timeout     time.Duration
	lockTTL     time.Duration
	useWatchdog bool
}

// NewBaseJob 创建基础任务，lockTTL 为 0 表示不加锁
func NewBaseJob(name string, timeout, lockTTL time.Duration, useWatchdog bool) BaseJob {
	return BaseJob{
		name:        name,
		timeout:     timeout,
		lockTTL:     lockTTL,
		useWatchdog: useWatchdog,
	}
}

func (j BaseJob) Name() string           { return j.name }
func (j BaseJob) Timeout() time.Duration { return j.timeout }
func (j BaseJob) RequiresLock() bool     { return j.lockTTL > 0 }
func (j BaseJob) LockTTL() time.Duration { return j.lockTTL }
func (j BaseJob) UseWatchdog() bool      { return j.useWatchdog }

// 任务名称
const (
	JobNameIntentRecovery  = "intent-recovery"
	JobNameDivergenceAudit = "divergence-audit"
	JobNameIntentCleanup   = "intent-cleanup"
	JobNameChainHealth     = "chain-health"
)

// JobDefaults 任务默认调度参数
type JobDefaults struct {
	Cron        string
	Timeout     time.Duration
	LockTTL     time.Duration
	UseWatchdog bool
}

// DefaultJobConfigs 默认任务配置，cron 表达式带秒字段
var DefaultJobConfigs = map[string]JobDefaults{
	JobNameIntentRecovery: {
		Cron:    "*/30 * * * * *", // 每 30 秒
		Timeout: 2 * time.Minute,
		LockTTL: 3 * time.Minute,
	},
	JobNameDivergenceAudit: {
		Cron:        "0 */10 * * * *", // 每 10 分钟
		Timeout:     10 * time.Minute,
		LockTTL:     time.Minute,
		UseWatchdog: true,
	},
	JobNameIntentCleanup: {
		Cron:    "0 30 3 * * *", // 每日 03:30
		Timeout: 5 * time.Minute,
		LockTTL: 10 * time.Minute,
	},
	// 健康状态按实例上报，不加任务锁
	JobNameChainHealth: {
		Cron:    "*/15 * * * * *", // 每 15 秒
		Timeout: 10 * time.Second,
	},
}
