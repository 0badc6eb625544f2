// Package scheduler 后台定时任务
//
// 负责未决意图恢复、账本与链上一致性巡检以及已终结意图的清理。
// 多实例部署时通过 Redis 任务锁保证同一任务同一时刻只在一个实例上执行。
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/polipireddirohith/government-fund-blockchain/internal/metrics"
	"github.com/polipireddirohith/government-fund-blockchain/pkg/lock"
	"github.com/polipireddirohith/government-fund-blockchain/pkg/logger"
)

// 执行状态
const (
	JobStatusRunning = "running"
	JobStatusSuccess = "success"
	JobStatusFailed  = "failed"
	JobStatusSkipped = "skipped"
)

// Scheduler 任务调度器
type Scheduler struct {
	cron       *cron.Cron
	locker     *lock.RedisLocker
	jobs       map[string]Job
	jobConfigs map[string]JobConfig
	lastRuns   map[string]*JobExecution
	mu         sync.RWMutex
	running    chan struct{}
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
}

// JobConfig 任务配置
type JobConfig struct {
	Cron    string
	Enabled bool
}

// SchedulerConfig 调度器配置
type SchedulerConfig struct {
	MaxConcurrentJobs int
	// Locker 为空时任务不加分布式锁，仅适用于单实例部署
	Locker *lock.RedisLocker
}

// JobExecution 最近一次执行记录
type JobExecution struct {
	Status     string     `json:"status"`
	StartedAt  int64      `json:"started_at"`
	FinishedAt int64      `json:"finished_at,omitempty"`
	DurationMs int64      `json:"duration_ms,omitempty"`
	Result     *JobResult `json:"result,omitempty"`
	Message    string     `json:"message,omitempty"`
}

// JobStatus 任务状态
type JobStatus struct {
	Name    string        `json:"name"`
	Cron    string        `json:"cron"`
	Enabled bool          `json:"enabled"`
	Locked  bool          `json:"locked"`
	LastRun *JobExecution `json:"last_run,omitempty"`
}

// NewScheduler 创建调度器
func NewScheduler(cfg *SchedulerConfig) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	maxConcurrent := cfg.MaxConcurrentJobs
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}

	return &Scheduler{
		cron:       cron.New(cron.WithSeconds()),
		locker:     cfg.Locker,
		jobs:       make(map[string]Job),
		jobConfigs: make(map[string]JobConfig),
		lastRuns:   make(map[string]*JobExecution),
		running:    make(chan struct{}, maxConcurrent),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// RegisterJob 注册任务
func (s *Scheduler) RegisterJob(job Job, config JobConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name()]; exists {
		return fmt.Errorf("job %s already registered", job.Name())
	}

	s.jobs[job.Name()] = job
	s.jobConfigs[job.Name()] = config

	if !config.Enabled {
		logger.Info("job registered but disabled", zap.String("job", job.Name()))
		return nil
	}

	if _, err := s.cron.AddFunc(config.Cron, func() { s.executeJob(job) }); err != nil {
		delete(s.jobs, job.Name())
		delete(s.jobConfigs, job.Name())
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	logger.Info("job registered",
		zap.String("job", job.Name()),
		zap.String("cron", config.Cron))
	return nil
}

// Start 启动调度器
func (s *Scheduler) Start() {
	s.cron.Start()
	logger.Info("scheduler started")
}

// Stop 停止调度器，等待执行中的任务结束
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()
	logger.Info("scheduler stopped")
}

// TriggerJob 手动触发任务
func (s *Scheduler) TriggerJob(jobName string) error {
	s.mu.RLock()
	job, exists := s.jobs[jobName]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("job %s not found", jobName)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.executeJob(job)
	}()
	return nil
}

func (s *Scheduler) executeJob(job Job) {
	select {
	case s.running <- struct{}{}:
		defer func() { <-s.running }()
	default:
		logger.Warn("max concurrent jobs reached, skipping", zap.String("job", job.Name()))
		s.recordSkipped(job.Name(), "max concurrent jobs reached")
		return
	}

	select {
	case <-s.ctx.Done():
		return
	default:
	}

	ctx, cancel := context.WithTimeout(s.ctx, job.Timeout())
	defer cancel()

	if job.RequiresLock() && s.locker != nil {
		jl := newJobLock(s.locker, job.Name(), job.LockTTL(), job.UseWatchdog())
		acquired, err := jl.TryLock(ctx)
		if err != nil {
			logger.Error("failed to acquire job lock",
				zap.String("job", job.Name()),
				zap.Error(err))
			s.record(job.Name(), &JobExecution{
				Status:    JobStatusFailed,
				StartedAt: time.Now().UnixMilli(),
				Message:   "failed to acquire lock: " + err.Error(),
			})
			metrics.RecordJob(job.Name(), JobStatusFailed, 0)
			return
		}
		if !acquired {
			logger.Debug("job is already running on another instance", zap.String("job", job.Name()))
			s.recordSkipped(job.Name(), "job is running on another instance")
			return
		}
		defer func() {
			releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer releaseCancel()
			if err := jl.Unlock(releaseCtx); err != nil {
				logger.Error("failed to release job lock",
					zap.String("job", job.Name()),
					zap.Error(err))
			}
		}()
	}

	start := time.Now()
	exec := &JobExecution{Status: JobStatusRunning, StartedAt: start.UnixMilli()}
	s.record(job.Name(), exec)

	logger.Info("starting job", zap.String("job", job.Name()))
	result, err := job.Execute(ctx)

	elapsed := time.Since(start)
	done := &JobExecution{
		StartedAt:  exec.StartedAt,
		FinishedAt: time.Now().UnixMilli(),
		DurationMs: elapsed.Milliseconds(),
		Result:     result,
	}
	if err != nil {
		done.Status = JobStatusFailed
		done.Message = err.Error()
		logger.Error("job failed",
			zap.String("job", job.Name()),
			zap.Duration("duration", elapsed),
			zap.Error(err))
	} else {
		done.Status = JobStatusSuccess
		logger.Info("job completed",
			zap.String("job", job.Name()),
			zap.Duration("duration", elapsed),
			zap.Any("result", result))
	}
	s.record(job.Name(), done)
	metrics.RecordJob(job.Name(), done.Status, elapsed.Seconds())
}

func (s *Scheduler) recordSkipped(jobName, message string) {
	s.record(jobName, &JobExecution{
		Status:    JobStatusSkipped,
		StartedAt: time.Now().UnixMilli(),
		Message:   message,
	})
	metrics.RecordJob(jobName, JobStatusSkipped, 0)
}

func (s *Scheduler) record(jobName string, exec *JobExecution) {
	s.mu.Lock()
	s.lastRuns[jobName] = exec
	s.mu.Unlock()
}

// GetJobStatus 获取任务状态
func (s *Scheduler) GetJobStatus(ctx context.Context, jobName string) (*JobStatus, error) {
	s.mu.RLock()
	_, exists := s.jobs[jobName]
	config := s.jobConfigs[jobName]
	var lastRun *JobExecution
	if exec, ok := s.lastRuns[jobName]; ok {
		copied := *exec
		lastRun = &copied
	}
	s.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("job %s not found", jobName)
	}

	status := &JobStatus{
		Name:    jobName,
		Cron:    config.Cron,
		Enabled: config.Enabled,
		LastRun: lastRun,
	}
	if s.locker != nil {
		locked, err := s.locker.IsLocked(ctx, jobLockPrefix+jobName)
		if err != nil {
			return nil, fmt.Errorf("check job lock: %w", err)
		}
		status.Locked = locked
	}
	return status, nil
}

// ListJobStatus 获取所有任务状态，按名称排序
func (s *Scheduler) ListJobStatus(ctx context.Context) ([]*JobStatus, error) {
	s.mu.RLock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	statuses := make([]*JobStatus, 0, len(names))
	for _, name := range names {
		status, err := s.GetJobStatus(ctx, name)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}
