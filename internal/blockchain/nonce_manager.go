package blockchain

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/polipireddirohith/government-fund-blockchain/pkg/lock"
	"github.com/polipireddirohith/government-fund-blockchain/pkg/logger"
)

var (
	ErrNonceLockFailed  = errors.New("failed to acquire nonce lock")
	ErrNonceNotAcquired = errors.New("nonce not acquired")
)

const nonceKeyPrefix = "fund:chain:nonce:"

// NonceSource 链上 pending nonce 来源
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager Nonce 管理器
//
// 多实例共用一个签名钱包，计数器保存在 Redis，分配过程由分布式锁串行化。
type NonceManager struct {
	source   NonceSource
	redis    redis.UniversalClient
	locker   *lock.RedisLocker
	wallet   common.Address
	chainID  int64
	lockWait time.Duration

	mu           sync.RWMutex
	lastSyncTime time.Time
	syncInterval time.Duration

	// 本实例已分配、尚未确认的 nonce
	pendingMu  sync.RWMutex
	pendingTxs map[uint64]string // nonce -> txHash
}

// NonceManagerConfig 配置
type NonceManagerConfig struct {
	Wallet       common.Address
	ChainID      int64
	LockTimeout  time.Duration
	LockWait     time.Duration
	SyncInterval time.Duration
}

// NewNonceManager 创建 Nonce 管理器
func NewNonceManager(source NonceSource, rdb redis.UniversalClient, cfg *NonceManagerConfig) *NonceManager {
	lockTimeout := cfg.LockTimeout
	if lockTimeout == 0 {
		lockTimeout = 30 * time.Second
	}

	lockWait := cfg.LockWait
	if lockWait == 0 {
		lockWait = 5 * time.Second
	}

	syncInterval := cfg.SyncInterval
	if syncInterval == 0 {
		syncInterval = 5 * time.Minute
	}

	m := &NonceManager{
		source:       source,
		redis:        rdb,
		wallet:       cfg.Wallet,
		chainID:      cfg.ChainID,
		lockWait:     lockWait,
		syncInterval: syncInterval,
		pendingTxs:   make(map[uint64]string),
	}
	m.locker = lock.NewRedisLocker(rdb, nonceKeyPrefix+"lock:", lockTimeout)
	m.locker.SetRetryInterval(10 * time.Millisecond)
	return m
}

// nonceKey 生成 Redis key
func (m *NonceManager) nonceKey() string {
	return fmt.Sprintf("%s%s:%d", nonceKeyPrefix, m.wallet.Hex(), m.chainID)
}

// lockName 锁名，前缀由 locker 追加
func (m *NonceManager) lockName() string {
	return fmt.Sprintf("%s:%d", m.wallet.Hex(), m.chainID)
}

// pendingKey 待确认队列 key
func (m *NonceManager) pendingKey() string {
	return fmt.Sprintf("%spending:%s:%d", nonceKeyPrefix, m.wallet.Hex(), m.chainID)
}

// freeKey 已释放、可复用的 nonce 集合 key
func (m *NonceManager) freeKey() string {
	return fmt.Sprintf("%sfree:%s:%d", nonceKeyPrefix, m.wallet.Hex(), m.chainID)
}

func (m *NonceManager) withLock(ctx context.Context, fn func(ctx context.Context) error) error {
	err := m.locker.WithLockWait(ctx, m.lockName(), m.lockWait, fn)
	if errors.Is(err, lock.ErrLockAcquireFailed) {
		return ErrNonceLockFailed
	}
	return err
}

// AcquireNonce 获取并占用一个 Nonce
// 返回的 nonce 必须通过 ConfirmNonce 或 ReleaseNonce 处理
func (m *NonceManager) AcquireNonce(ctx context.Context) (uint64, error) {
	var nonce uint64
	err := m.withLock(ctx, func(ctx context.Context) error {
		if m.needsSync() {
			if err := m.syncFromChain(ctx); err != nil {
				return err
			}
		}

		// 优先复用被释放的空洞
		free, err := m.redis.ZPopMin(ctx, m.freeKey(), 1).Result()
		if err != nil {
			return err
		}
		if len(free) > 0 {
			nonce = uint64(free[0].Score)
			return nil
		}

		current, err := m.getCurrentNonce(ctx)
		if err != nil {
			return err
		}
		if err := m.setCurrentNonce(ctx, current+1); err != nil {
			return err
		}
		nonce = current
		return nil
	})
	if err != nil {
		return 0, err
	}

	m.pendingMu.Lock()
	m.pendingTxs[nonce] = ""
	m.pendingMu.Unlock()

	return nonce, nil
}

// ConfirmNonce 记录 nonce 已被某笔已广播交易使用
func (m *NonceManager) ConfirmNonce(ctx context.Context, nonce uint64, txHash string) error {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()

	if _, exists := m.pendingTxs[nonce]; !exists {
		return ErrNonceNotAcquired
	}
	m.pendingTxs[nonce] = txHash

	return m.redis.ZAdd(ctx, m.pendingKey(), redis.Z{
		Score:  float64(time.Now().Unix()),
		Member: pendingMember(nonce, txHash),
	}).Err()
}

// ReleaseNonce 释放未广播的 Nonce
//
// 若计数器仍停在该 nonce 之后则回退；否则更高的 nonce 已被分配，
// 该 nonce 进入空洞集合，由下一次分配优先复用。
func (m *NonceManager) ReleaseNonce(ctx context.Context, nonce uint64) error {
	m.pendingMu.Lock()
	_, exists := m.pendingTxs[nonce]
	delete(m.pendingTxs, nonce)
	m.pendingMu.Unlock()

	if !exists {
		return ErrNonceNotAcquired
	}

	return m.withLock(ctx, func(ctx context.Context) error {
		current, err := m.getCurrentNonce(ctx)
		if err != nil {
			return err
		}
		if current == nonce+1 {
			return m.setCurrentNonce(ctx, nonce)
		}

		logger.Warn("nonce gap after release",
			zap.Uint64("nonce", nonce),
			zap.Uint64("current", current))
		return m.redis.ZAdd(ctx, m.freeKey(), redis.Z{
			Score:  float64(nonce),
			Member: strconv.FormatUint(nonce, 10),
		}).Err()
	})
}

// DiscardNonce 丢弃已被链上消耗的 nonce (节点返回 nonce too low)
//
// 该 nonce 不进入空洞集合，计数器按链上 pending nonce 重新同步。
func (m *NonceManager) DiscardNonce(ctx context.Context, nonce uint64) error {
	m.pendingMu.Lock()
	delete(m.pendingTxs, nonce)
	m.pendingMu.Unlock()

	return m.SyncFromChain(ctx)
}

// OnTxConfirmed 交易已出块 (无论成功或 revert，nonce 都已消耗)
func (m *NonceManager) OnTxConfirmed(ctx context.Context, nonce uint64, txHash string) error {
	m.pendingMu.Lock()
	delete(m.pendingTxs, nonce)
	m.pendingMu.Unlock()

	return m.redis.ZRem(ctx, m.pendingKey(), pendingMember(nonce, txHash)).Err()
}

// SyncFromChain 从链上同步 Nonce
func (m *NonceManager) SyncFromChain(ctx context.Context) error {
	return m.withLock(ctx, m.syncFromChain)
}

// syncFromChain 需要已持有锁
func (m *NonceManager) syncFromChain(ctx context.Context) error {
	chainNonce, err := m.source.PendingNonceAt(ctx, m.wallet)
	if err != nil {
		return err
	}

	// 链上 pending 可能落后于已广播但尚未传播的交易，只前进不后退
	current, err := m.redis.Get(ctx, m.nonceKey()).Uint64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if errors.Is(err, redis.Nil) || chainNonce > current {
		if err := m.setCurrentNonce(ctx, chainNonce); err != nil {
			return err
		}
	}

	// 链上已消耗的空洞不再复用
	if chainNonce > 0 {
		upper := strconv.FormatUint(chainNonce-1, 10)
		if err := m.redis.ZRemRangeByScore(ctx, m.freeKey(), "-inf", upper).Err(); err != nil {
			return err
		}
	}
	if err := m.prunePending(ctx, chainNonce); err != nil {
		return err
	}

	m.mu.Lock()
	m.lastSyncTime = time.Now()
	m.mu.Unlock()

	return nil
}

// getCurrentNonce 获取当前 nonce
func (m *NonceManager) getCurrentNonce(ctx context.Context) (uint64, error) {
	val, err := m.redis.Get(ctx, m.nonceKey()).Uint64()
	if errors.Is(err, redis.Nil) {
		return m.source.PendingNonceAt(ctx, m.wallet)
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func (m *NonceManager) setCurrentNonce(ctx context.Context, nonce uint64) error {
	return m.redis.Set(ctx, m.nonceKey(), nonce, 0).Err()
}

func (m *NonceManager) needsSync() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Since(m.lastSyncTime) > m.syncInterval
}

// GetPendingCount 本实例待确认交易数量
func (m *NonceManager) GetPendingCount() int {
	m.pendingMu.RLock()
	defer m.pendingMu.RUnlock()
	return len(m.pendingTxs)
}

// GetCurrentNonce 获取下一个待分配的 nonce (不加锁，仅用于查询)
func (m *NonceManager) GetCurrentNonce(ctx context.Context) (uint64, error) {
	return m.getCurrentNonce(ctx)
}

// PendingBroadcast 已广播、节点尚未计入 pending nonce 的交易
type PendingBroadcast struct {
	Nonce  uint64
	TxHash string
	SentAt time.Time
}

// PendingBroadcasts 返回待确认队列，按广播时间升序
func (m *NonceManager) PendingBroadcasts(ctx context.Context) ([]PendingBroadcast, error) {
	entries, err := m.redis.ZRangeWithScores(ctx, m.pendingKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	result := make([]PendingBroadcast, 0, len(entries))
	for _, z := range entries {
		member, _ := z.Member.(string)
		nonce, txHash, ok := parsePendingMember(member)
		if !ok {
			continue
		}
		result = append(result, PendingBroadcast{
			Nonce:  nonce,
			TxHash: txHash,
			SentAt: time.Unix(int64(z.Score), 0),
		})
	}
	return result, nil
}

// prunePending 移除链上 pending nonce 已越过的记录，需要已持有锁
func (m *NonceManager) prunePending(ctx context.Context, chainNonce uint64) error {
	members, err := m.redis.ZRange(ctx, m.pendingKey(), 0, -1).Result()
	if err != nil {
		return err
	}

	var stale []interface{}
	for _, member := range members {
		nonce, _, ok := parsePendingMember(member)
		if !ok || nonce < chainNonce {
			stale = append(stale, member)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	return m.redis.ZRem(ctx, m.pendingKey(), stale...).Err()
}

func pendingMember(nonce uint64, txHash string) string {
	return strconv.FormatUint(nonce, 10) + ":" + txHash
}

func parsePendingMember(member string) (uint64, string, bool) {
	raw, txHash, found := strings.Cut(member, ":")
	if !found {
		return 0, "", false
	}
	nonce, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return nonce, txHash, true
}
