package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/polipireddirohith/government-fund-blockchain/pkg/lock"
)

const jobLockPrefix = "job:"

// jobLock 任务级分布式锁，可选 watchdog 续期
type jobLock struct {
	lock        *lock.RedisLock
	useWatchdog bool
	stop        func()
}

func newJobLock(locker *lock.RedisLocker, jobName string, ttl time.Duration, useWatchdog bool) *jobLock {
	return &jobLock{
		lock:        locker.NewLockWithTTL(jobLockPrefix+jobName, ttl),
		useWatchdog: useWatchdog,
		stop:        func() {},
	}
}

// TryLock 尝试获取锁，成功且启用 watchdog 时开始续期
func (l *jobLock) TryLock(ctx context.Context) (bool, error) {
	ok, err := l.lock.Acquire(ctx)
	if err != nil {
		return false, err
	}
	if ok && l.useWatchdog {
		l.stop = l.lock.StartWatchdog(ctx)
	}
	return ok, nil
}

// Unlock 停止续期并释放锁
func (l *jobLock) Unlock(ctx context.Context) error {
	l.stop()
	err := l.lock.Release(ctx)
	if errors.Is(err, lock.ErrLockNotHeld) {
		// 锁已过期
		return nil
	}
	return err
}
