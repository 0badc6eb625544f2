package blockchain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polipireddirohith/government-fund-blockchain/internal/contract"
	bizerr "github.com/polipireddirohith/government-fund-blockchain/pkg/errors"
)

// fakeChain 内存链: 广播即按配置出块
type fakeChain struct {
	mu       sync.Mutex
	key      *ecdsa.PrivateKey
	chainID  *big.Int
	head     uint64
	receipts map[common.Hash]*types.Receipt
	sent     []*types.Transaction

	mine     bool   // 广播后立即出块
	revert   bool   // 出块状态为失败
	sendErr  error  // 广播失败
	accepted bool   // 返回 sendErr 前节点已接收交易
	blockSec uint64 // 区块时间 (秒)
}

func newFakeChain(t *testing.T) *fakeChain {
	key, err := crypto.HexToECDSA(testPrivateKey)
	require.NoError(t, err)
	return &fakeChain{
		key:      key,
		chainID:  big.NewInt(31337),
		head:     100,
		receipts: make(map[common.Hash]*types.Receipt),
		mine:     true,
		blockSec: 1700000000,
	}
}

func (c *fakeChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1e9), nil
}

func (c *fakeChain) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return nil, errors.New("not supported")
}

func (c *fakeChain) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 90_000, nil
}

func (c *fakeChain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: number, Time: c.blockSec}, nil
}

func (c *fakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil && !c.accepted {
		return c.sendErr
	}
	c.sent = append(c.sent, tx)
	if c.mine {
		c.mineLocked(tx.Hash())
	}
	return c.sendErr
}

func (c *fakeChain) mineLocked(hash common.Hash) {
	c.head++
	status := types.ReceiptStatusSuccessful
	if c.revert {
		status = types.ReceiptStatusFailed
	}
	c.receipts[hash] = &types.Receipt{
		TxHash:           hash,
		Status:           status,
		BlockNumber:      new(big.Int).SetUint64(c.head),
		TransactionIndex: 2,
		GasUsed:          60_000,
	}
}

func (c *fakeChain) MineAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tx := range c.sent {
		if _, ok := c.receipts[tx.Hash()]; !ok {
			c.mineLocked(tx.Hash())
		}
	}
}

func (c *fakeChain) AdvanceBlocks(n uint64) {
	c.mu.Lock()
	c.head += n
	c.mu.Unlock()
}

func (c *fakeChain) GetTransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.receipts[txHash]
	if !ok {
		return nil, ErrTxNotFound
	}
	return r, nil
}

func (c *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

func (c *fakeChain) SignTransaction(tx *types.Transaction) (*types.Transaction, error) {
	return types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.key)
}

func (c *fakeChain) Address() common.Address {
	return crypto.PubkeyToAddress(c.key.PublicKey)
}

func setupSubmitter(t *testing.T, cfg *SubmitterConfig) (*Submitter, *fakeChain, *NonceManager) {
	chain := newFakeChain(t)
	nm, _, _ := setupTestNonceManager(t, 0)
	gas := contract.NewGasEstimator(&contract.GasEstimatorConfig{GasLimitMultiplier: 1, GasPriceMultiplier: 1}, chain)
	return NewSubmitter(chain, nm, gas, registryAddress, cfg), chain, nm
}

var registryAddress = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

func releaseCall(t *testing.T) *contract.Call {
	t.Helper()
	r, err := contract.NewFundRegistry(registryAddress, nil)
	require.NoError(t, err)
	call, err := r.PackRelease(1, decimal.NewFromInt(2))
	require.NoError(t, err)
	return call
}

func TestSubmitter_Confirmed(t *testing.T) {
	s, chain, nm := setupSubmitter(t, &SubmitterConfig{PollInterval: time.Millisecond})

	var hooked *SignedTx
	receipt, err := s.Submit(context.Background(), releaseCall(t), func(ctx context.Context, tx *SignedTx) error {
		hooked = tx
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, hooked)

	assert.True(t, receipt.Success)
	assert.Equal(t, hooked.Hash, receipt.TxHash)
	assert.Equal(t, int64(101), receipt.BlockNumber)
	assert.Equal(t, 2, receipt.TxIndex)
	assert.Equal(t, int64(60_000), receipt.GasUsed)
	assert.Equal(t, int64(1700000000000), receipt.Timestamp)
	assert.Equal(t, chain.Address().Hex(), receipt.From)
	assert.Equal(t, registryAddress.Hex(), receipt.To)

	require.Len(t, chain.sent, 1)
	tx := chain.sent[0]
	assert.Equal(t, uint64(0), tx.Nonce())
	assert.Equal(t, uint64(90_000), tx.Gas())
	assert.Equal(t, "2000000000000000000", tx.Value().String())
	assert.Equal(t, int64(31337), tx.ChainId().Int64())
	assert.Equal(t, 0, nm.GetPendingCount())
}

func TestSubmitter_Reverted(t *testing.T) {
	s, chain, _ := setupSubmitter(t, &SubmitterConfig{PollInterval: time.Millisecond})
	chain.revert = true

	receipt, err := s.Submit(context.Background(), releaseCall(t), nil)
	require.Error(t, err)
	assert.True(t, bizerr.Is(err, bizerr.ErrChainSubmissionFailed))
	require.NotNil(t, receipt)
	assert.False(t, receipt.Success)
}

func TestSubmitter_SendFailureReleasesNonce(t *testing.T) {
	s, chain, nm := setupSubmitter(t, &SubmitterConfig{PollInterval: time.Millisecond})
	chain.sendErr = errors.New("insufficient funds")

	_, err := s.Submit(context.Background(), releaseCall(t), nil)
	assert.True(t, bizerr.Is(err, bizerr.ErrChainSubmissionFailed))
	assert.True(t, bizerr.IsRetryable(err))
	assert.ErrorIs(t, err, ErrTxRejected)
	assert.Equal(t, 0, nm.GetPendingCount())

	// 回退后下一笔复用同一 nonce
	chain.sendErr = nil
	_, err = s.Submit(context.Background(), releaseCall(t), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), chain.sent[0].Nonce())
}

func TestSubmitter_UnknownSendOutcomeKeepsNonce(t *testing.T) {
	s, chain, nm := setupSubmitter(t, &SubmitterConfig{PollInterval: time.Millisecond})
	chain.mine = false
	chain.accepted = true
	chain.sendErr = errors.New("read tcp 127.0.0.1:8545: connection reset by peer")

	var hash string
	_, err := s.Submit(context.Background(), releaseCall(t), func(ctx context.Context, tx *SignedTx) error {
		hash = tx.Hash
		return nil
	})
	require.Error(t, err)
	assert.True(t, bizerr.Is(err, bizerr.ErrChainSubmissionFailed))
	assert.True(t, bizerr.IsRetryable(err))
	assert.NotErrorIs(t, err, ErrTxRejected)

	// nonce 未归还，记入待确认队列
	assert.Equal(t, 1, nm.GetPendingCount())
	pending, err := nm.PendingBroadcasts(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, hash, pending[0].TxHash)

	// 节点实际已接收，交易随后出块
	chain.MineAll()
	receipt, err := s.GetReceipt(context.Background(), hash)
	require.NoError(t, err)
	assert.True(t, receipt.Success)

	// 下一笔不会复用该 nonce
	chain.sendErr = nil
	chain.accepted = false
	chain.mine = true
	_, err = s.Submit(context.Background(), releaseCall(t), nil)
	require.NoError(t, err)
	require.Len(t, chain.sent, 2)
	assert.Equal(t, uint64(1), chain.sent[1].Nonce())
}

func TestSubmitter_NonceTooLowForMinedTx(t *testing.T) {
	s, chain, _ := setupSubmitter(t, &SubmitterConfig{PollInterval: time.Millisecond})
	chain.accepted = true
	chain.sendErr = ErrNonceTooLow

	receipt, err := s.Submit(context.Background(), releaseCall(t), nil)
	require.NoError(t, err)
	assert.True(t, receipt.Success)
}

func TestSubmitter_NonceTooLowDiscardsNonce(t *testing.T) {
	s, chain, nm := setupSubmitter(t, &SubmitterConfig{PollInterval: time.Millisecond})
	chain.sendErr = ErrNonceTooLow

	_, err := s.Submit(context.Background(), releaseCall(t), nil)
	assert.ErrorIs(t, err, ErrTxRejected)
	assert.Equal(t, 0, nm.GetPendingCount())

	free, err := nm.redis.ZCard(context.Background(), nm.freeKey()).Result()
	require.NoError(t, err)
	assert.Zero(t, free)
}

func TestSubmitter_HookErrorAbortsBroadcast(t *testing.T) {
	s, chain, nm := setupSubmitter(t, nil)
	hookErr := errors.New("intent store down")

	_, err := s.Submit(context.Background(), releaseCall(t), func(ctx context.Context, tx *SignedTx) error {
		return hookErr
	})
	assert.ErrorIs(t, err, hookErr)
	assert.Empty(t, chain.sent)
	assert.Equal(t, 0, nm.GetPendingCount())
}

func TestSubmitter_ConfirmationTimeout(t *testing.T) {
	s, chain, nm := setupSubmitter(t, &SubmitterConfig{
		ConfirmTimeout: 30 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	})
	chain.mine = false

	var hash string
	_, err := s.Submit(context.Background(), releaseCall(t), func(ctx context.Context, tx *SignedTx) error {
		hash = tx.Hash
		return nil
	})
	require.Error(t, err)
	assert.True(t, bizerr.Is(err, bizerr.ErrChainConfirmationTimeout))
	assert.True(t, bizerr.IsRetryable(err))
	// 已广播的 nonce 不回收
	assert.Equal(t, 1, nm.GetPendingCount())

	_, err = s.GetReceipt(context.Background(), hash)
	assert.ErrorIs(t, err, ErrTxNotFound)

	// 迟到的确认可被恢复流程查到
	chain.MineAll()
	receipt, err := s.GetReceipt(context.Background(), hash)
	require.NoError(t, err)
	assert.True(t, receipt.Success)
}

func TestSubmitter_Confirmations(t *testing.T) {
	s, chain, _ := setupSubmitter(t, &SubmitterConfig{
		Confirmations:  3,
		ConfirmTimeout: 20 * time.Millisecond,
		PollInterval:   2 * time.Millisecond,
	})

	var hash string
	_, err := s.Submit(context.Background(), releaseCall(t), func(ctx context.Context, tx *SignedTx) error {
		hash = tx.Hash
		return nil
	})
	assert.True(t, bizerr.Is(err, bizerr.ErrChainConfirmationTimeout))

	chain.AdvanceBlocks(2)
	receipt, err := s.GetReceipt(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, int64(101), receipt.BlockNumber)
}
