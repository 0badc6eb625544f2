// Package lock Redis 分布式锁
//
// 用于基金维度的互斥临界区 (校验 -> 上链 -> 落库)、Nonce 分配以及定时任务的单实例执行。
// 锁值为随机 token，释放与续期均通过 Lua 脚本比较 token，避免误删他人持有的锁。
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/polipireddirohith/government-fund-blockchain/pkg/logger"
)

var (
	// ErrLockNotHeld 锁未持有
	ErrLockNotHeld = errors.New("lock not held")
	// ErrLockAcquireFailed 获取锁失败
	ErrLockAcquireFailed = errors.New("failed to acquire lock")
)

var (
	releaseScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`)

	extendScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// RedisLock Redis 分布式锁
type RedisLock struct {
	client     redis.UniversalClient
	key        string
	value      string
	expiration time.Duration
}

// RedisLocker Redis 分布式锁管理器
type RedisLocker struct {
	client        redis.UniversalClient
	keyPrefix     string
	expiration    time.Duration
	retryInterval time.Duration
}

// NewRedisLocker 创建 Redis 分布式锁管理器
func NewRedisLocker(client redis.UniversalClient, keyPrefix string, expiration time.Duration) *RedisLocker {
	if expiration == 0 {
		expiration = 30 * time.Second
	}
	return &RedisLocker{
		client:        client,
		keyPrefix:     keyPrefix,
		expiration:    expiration,
		retryInterval: 50 * time.Millisecond,
	}
}

// SetRetryInterval 设置阻塞等待时的轮询间隔
func (l *RedisLocker) SetRetryInterval(d time.Duration) {
	if d > 0 {
		l.retryInterval = d
	}
}

// Expiration 返回锁的过期时间
func (l *RedisLocker) Expiration() time.Duration {
	return l.expiration
}

// NewLock 创建一个新锁
func (l *RedisLocker) NewLock(key string) *RedisLock {
	return &RedisLock{
		client:     l.client,
		key:        l.keyPrefix + key,
		value:      uuid.New().String(),
		expiration: l.expiration,
	}
}

// NewLockWithTTL 创建指定过期时间的锁，ttl <= 0 时使用默认过期时间
func (l *RedisLocker) NewLockWithTTL(key string, ttl time.Duration) *RedisLock {
	lock := l.NewLock(key)
	if ttl > 0 {
		lock.expiration = ttl
	}
	return lock
}

// Expiration 返回锁的过期时间
func (lock *RedisLock) Expiration() time.Duration {
	return lock.expiration
}

// Key 返回完整的锁 key
func (lock *RedisLock) Key() string {
	return lock.key
}

// Acquire 获取锁 (非阻塞)
func (lock *RedisLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := lock.client.SetNX(ctx, lock.key, lock.value, lock.expiration).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock failed: %w", err)
	}
	return ok, nil
}

// AcquireOrWait 获取锁 (阻塞等待直到成功或 ctx 结束)
func (lock *RedisLock) AcquireOrWait(ctx context.Context, retryInterval time.Duration) error {
	for {
		ok, err := lock.Acquire(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

// Release 释放锁 (只有持有者才能释放)
func (lock *RedisLock) Release(ctx context.Context) error {
	result, err := releaseScript.Run(ctx, lock.client, []string{lock.key}, lock.value).Int64()
	if err != nil {
		return fmt.Errorf("release lock failed: %w", err)
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// Extend 延长锁的过期时间 (只有持有者才能延长)
func (lock *RedisLock) Extend(ctx context.Context, extension time.Duration) error {
	result, err := extendScript.Run(ctx, lock.client, []string{lock.key}, lock.value, extension.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend lock failed: %w", err)
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// IsLocked 检查 key 当前是否被持有
func (l *RedisLocker) IsLocked(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, l.keyPrefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// WithLock 在锁保护下执行函数 (不等待)，持有期间自动续期
func (l *RedisLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lock := l.NewLock(key)

	ok, err := lock.Acquire(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockAcquireFailed
	}
	defer lock.releaseDetached(ctx)
	stop := lock.StartWatchdog(ctx)
	defer stop()

	return fn(ctx)
}

// WithLockWait 在锁保护下执行函数，最多等待 wait 获取锁
//
// 等待超时返回 ErrLockAcquireFailed；fn 使用调用方的 ctx，不受 wait 限制。
// fn 执行期间锁按 TTL/3 续期，持有时间可以超过锁的过期时间。
func (l *RedisLocker) WithLockWait(ctx context.Context, key string, wait time.Duration, fn func(ctx context.Context) error) error {
	lock := l.NewLock(key)

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	err := lock.AcquireOrWait(waitCtx, l.retryInterval)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return ErrLockAcquireFailed
		}
		return err
	}
	defer lock.releaseDetached(ctx)
	stop := lock.StartWatchdog(ctx)
	defer stop()

	return fn(ctx)
}

// StartWatchdog 启动续期协程，每 TTL/3 将锁延长一个 TTL
//
// 返回的 stop 停止续期并等待协程退出，可重复调用。
// 锁已被他人持有 (例如 Redis 故障期间过期) 时停止续期。
func (lock *RedisLock) StartWatchdog(ctx context.Context) (stop func()) {
	ttl := lock.expiration
	interval := ttl / 3
	if interval <= 0 {
		return func() {}
	}

	stopCh := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				err := lock.Extend(ctx, ttl)
				if err == nil {
					continue
				}
				logger.Warn("failed to renew lock",
					zap.String("key", lock.key),
					zap.Error(err))
				if errors.Is(err, ErrLockNotHeld) {
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stopCh)
			wg.Wait()
		})
	}
}

// releaseDetached 释放锁，调用方 ctx 已取消时仍然执行；锁可能已过期，忽略错误
func (lock *RedisLock) releaseDetached(ctx context.Context) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	_ = lock.Release(releaseCtx)
}
