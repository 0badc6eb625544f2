package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestLocker(t *testing.T, expiration time.Duration) (*RedisLocker, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})

	locker := NewRedisLocker(rdb, "test:lock:", expiration)
	locker.SetRetryInterval(5 * time.Millisecond)
	return locker, mr
}

func TestRedisLock_AcquireRelease(t *testing.T) {
	locker, mr := setupTestLocker(t, 10*time.Second)
	ctx := context.Background()

	first := locker.NewLock("fund:1")
	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("test:lock:fund:1"))

	second := locker.NewLock("fund:1")
	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "同一 key 不能被重复获取")

	// 非持有者释放
	assert.ErrorIs(t, second.Release(ctx), ErrLockNotHeld)

	require.NoError(t, first.Release(ctx))
	assert.False(t, mr.Exists("test:lock:fund:1"))

	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLock_Extend(t *testing.T) {
	locker, mr := setupTestLocker(t, time.Second)
	ctx := context.Background()

	l := locker.NewLock("fund:2")
	ok, err := l.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Extend(ctx, time.Minute))
	assert.Greater(t, mr.TTL("test:lock:fund:2"), 30*time.Second)

	other := locker.NewLock("fund:2")
	assert.ErrorIs(t, other.Extend(ctx, time.Minute), ErrLockNotHeld)
}

func TestRedisLock_ExpiresAfterTTL(t *testing.T) {
	locker, mr := setupTestLocker(t, time.Second)
	ctx := context.Background()

	l := locker.NewLock("fund:3")
	ok, err := l.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	ok, err = locker.NewLock("fund:3").Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.ErrorIs(t, l.Release(ctx), ErrLockNotHeld)
}

func TestRedisLocker_NewLockWithTTL(t *testing.T) {
	locker, mr := setupTestLocker(t, time.Second)
	ctx := context.Background()

	l := locker.NewLockWithTTL("job:recovery", time.Minute)
	assert.Equal(t, time.Minute, l.Expiration())
	assert.Equal(t, time.Second, locker.NewLockWithTTL("job:other", 0).Expiration())

	ok, err := l.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Minute, mr.TTL("test:lock:job:recovery"))
}

func TestRedisLocker_WithLock(t *testing.T) {
	locker, _ := setupTestLocker(t, 10*time.Second)
	ctx := context.Background()

	t.Run("executes and releases", func(t *testing.T) {
		called := false
		err := locker.WithLock(ctx, "job", func(ctx context.Context) error {
			called = true
			locked, err := locker.IsLocked(ctx, "job")
			require.NoError(t, err)
			assert.True(t, locked)
			return nil
		})
		require.NoError(t, err)
		assert.True(t, called)

		locked, err := locker.IsLocked(ctx, "job")
		require.NoError(t, err)
		assert.False(t, locked)
	})

	t.Run("fails fast when held", func(t *testing.T) {
		held := locker.NewLock("job")
		ok, err := held.Acquire(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		defer held.Release(ctx)

		err = locker.WithLock(ctx, "job", func(ctx context.Context) error {
			t.Fatal("should not run")
			return nil
		})
		assert.ErrorIs(t, err, ErrLockAcquireFailed)
	})

	t.Run("propagates fn error", func(t *testing.T) {
		boom := errors.New("boom")
		err := locker.WithLock(ctx, "job-err", func(ctx context.Context) error { return boom })
		assert.ErrorIs(t, err, boom)

		locked, _ := locker.IsLocked(ctx, "job-err")
		assert.False(t, locked)
	})
}

func TestRedisLocker_WithLockWait_Timeout(t *testing.T) {
	locker, _ := setupTestLocker(t, 10*time.Second)
	ctx := context.Background()

	held := locker.NewLock("fund:9")
	ok, err := held.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	start := time.Now()
	err = locker.WithLockWait(ctx, "fund:9", 50*time.Millisecond, func(ctx context.Context) error {
		return nil
	})
	assert.ErrorIs(t, err, ErrLockAcquireFailed)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRedisLocker_WithLockWait_Serializes(t *testing.T) {
	locker, _ := setupTestLocker(t, 10*time.Second)
	ctx := context.Background()

	var inside int32
	var maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithLockWait(ctx, "fund:serial", 5*time.Second, func(ctx context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInside))
}

func TestRedisLocker_IsLocked_RedisError(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	locker := NewRedisLocker(rdb, "test:lock:", time.Second)

	mock.ExpectExists("test:lock:fund:1").SetErr(errors.New("connection refused"))

	_, err := locker.IsLocked(context.Background(), "fund:1")
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLocker_WithLockWait_RenewsWhileHeld(t *testing.T) {
	locker, mr := setupTestLocker(t, 90*time.Millisecond)
	ctx := context.Background()

	err := locker.WithLockWait(ctx, "fund:long", time.Second, func(ctx context.Context) error {
		// 持有时间超过两个 TTL
		for i := 0; i < 2; i++ {
			mr.FastForward(60 * time.Millisecond)
			assert.Eventually(t, func() bool {
				return mr.TTL("test:lock:fund:long") == 90*time.Millisecond
			}, time.Second, 5*time.Millisecond)
		}
		assert.True(t, mr.Exists("test:lock:fund:long"))

		ok, err := locker.NewLock("fund:long").Acquire(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists("test:lock:fund:long"))
}

func TestRedisLocker_WithLock_Renews(t *testing.T) {
	locker, mr := setupTestLocker(t, 90*time.Millisecond)

	err := locker.WithLock(context.Background(), "recover:1", func(ctx context.Context) error {
		mr.FastForward(60 * time.Millisecond)
		assert.Eventually(t, func() bool {
			return mr.TTL("test:lock:recover:1") == 90*time.Millisecond
		}, time.Second, 5*time.Millisecond)
		return nil
	})
	require.NoError(t, err)
}

func TestRedisLock_WatchdogStopsWhenLost(t *testing.T) {
	locker, mr := setupTestLocker(t, 60*time.Millisecond)
	ctx := context.Background()

	l := locker.NewLock("fund:lost")
	ok, err := l.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	stop := l.StartWatchdog(ctx)

	// 锁过期后被他人获取，续期不会覆盖他人的 TTL
	mr.FastForward(time.Second)
	other := locker.NewLockWithTTL("fund:lost", 10*time.Second)
	ok, err = other.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 10*time.Second, mr.TTL("test:lock:fund:lost"))

	stop()
	stop()
}
