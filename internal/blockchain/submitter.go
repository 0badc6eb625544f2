package blockchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/polipireddirohith/government-fund-blockchain/internal/contract"
	"github.com/polipireddirohith/government-fund-blockchain/internal/metrics"
	"github.com/polipireddirohith/government-fund-blockchain/internal/model"
	bizerr "github.com/polipireddirohith/government-fund-blockchain/pkg/errors"
	"github.com/polipireddirohith/government-fund-blockchain/pkg/logger"
)

// ChainBackend 提交器依赖的链访问接口，*Client 实现该接口
type ChainBackend interface {
	contract.EthBackend
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	GetTransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	SignTransaction(tx *types.Transaction) (*types.Transaction, error)
	Address() common.Address
}

// NonceAllocator Nonce 分配接口，*NonceManager 实现该接口
type NonceAllocator interface {
	AcquireNonce(ctx context.Context) (uint64, error)
	ConfirmNonce(ctx context.Context, nonce uint64, txHash string) error
	ReleaseNonce(ctx context.Context, nonce uint64) error
	DiscardNonce(ctx context.Context, nonce uint64) error
	OnTxConfirmed(ctx context.Context, nonce uint64, txHash string) error
}

// SignedTx 已签名、尚未广播的交易
type SignedTx struct {
	Hash   string
	Nonce  uint64
	From   string
	To     string
	Method string
}

// SignedHook 签名后、广播前回调，返回错误则放弃广播
type SignedHook func(ctx context.Context, tx *SignedTx) error

// SubmitterConfig 提交器配置
type SubmitterConfig struct {
	Confirmations  uint64
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

// Submitter 链上交易提交器: 分配 nonce -> 估算 gas -> 签名 -> 广播 -> 等待确认
type Submitter struct {
	backend  ChainBackend
	nonces   NonceAllocator
	gas      *contract.GasEstimator
	contract common.Address
	cfg      SubmitterConfig
}

// NewSubmitter 创建提交器
func NewSubmitter(backend ChainBackend, nonces NonceAllocator, gas *contract.GasEstimator, contractAddr common.Address, cfg *SubmitterConfig) *Submitter {
	c := SubmitterConfig{}
	if cfg != nil {
		c = *cfg
	}
	if c.Confirmations == 0 {
		c.Confirmations = 1
	}
	if c.ConfirmTimeout == 0 {
		c.ConfirmTimeout = 60 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = time.Second
	}

	return &Submitter{
		backend:  backend,
		nonces:   nonces,
		gas:      gas,
		contract: contractAddr,
		cfg:      c,
	}
}

// ConfirmTimeout 返回确认等待上限
func (s *Submitter) ConfirmTimeout() time.Duration {
	return s.cfg.ConfirmTimeout
}

// Submit 提交合约调用并等待确认
//
// 返回:
//   - 成功确认: 回执, nil
//   - 执行 revert: 回执 (Success=false), ErrChainSubmissionFailed
//   - nonce/gas/签名失败: nil, ErrChainSubmissionFailed
//   - 节点明确拒绝: nil, ErrChainSubmissionFailed (cause 为 ErrTxRejected)
//   - 广播结果未知: nil, ErrChainSubmissionFailed，交易可能已进入交易池
//   - 等待确认超时: nil, ErrChainConfirmationTimeout
//
// onSigned 返回的错误原样返回，此时交易未广播。
// 除 ErrTxRejected 外，onSigned 成功之后的失败都不能视为交易未发出。
func (s *Submitter) Submit(ctx context.Context, call *contract.Call, onSigned SignedHook) (*model.ChainReceipt, error) {
	start := time.Now()
	log := logger.WithContext(ctx).With(zap.String("method", call.Method))

	nonce, err := s.nonces.AcquireNonce(ctx)
	if err != nil {
		return nil, bizerr.WrapWithCause(bizerr.ErrChainSubmissionFailed, err, "acquire nonce")
	}
	metrics.UpdateNonce(nonce)

	signed, err := s.buildAndSign(ctx, call, nonce)
	if err != nil {
		s.releaseNonce(ctx, nonce)
		return nil, err
	}

	txHash := signed.Hash().Hex()
	log = log.With(zap.String("tx_hash", txHash), zap.Uint64("nonce", nonce))

	if onSigned != nil {
		if err := onSigned(ctx, &SignedTx{
			Hash:   txHash,
			Nonce:  nonce,
			From:   s.backend.Address().Hex(),
			To:     call.To.Hex(),
			Method: call.Method,
		}); err != nil {
			s.releaseNonce(ctx, nonce)
			return nil, err
		}
	}

	if err := s.broadcast(ctx, signed, nonce, call.Method, log); err != nil {
		return nil, err
	}

	receipt, err := s.waitForReceipt(ctx, signed.Hash())
	if err != nil {
		metrics.RecordBlockchainTx(call.Method, "timeout", time.Since(start).Seconds(), 0)
		log.Warn("confirmation not observed", zap.Duration("timeout", s.cfg.ConfirmTimeout), zap.Error(err))
		return nil, bizerr.WrapWithCause(bizerr.ErrChainConfirmationTimeout, err, "tx %s", txHash).
			WithDetail("tx_hash", txHash)
	}

	if err := s.nonces.OnTxConfirmed(ctx, nonce, txHash); err != nil {
		log.Warn("clear pending nonce failed", zap.Error(err))
	}

	if !receipt.Success {
		metrics.RecordBlockchainTx(call.Method, "reverted", time.Since(start).Seconds(), uint64(receipt.GasUsed))
		log.Warn("transaction reverted", zap.Int64("block", receipt.BlockNumber))
		return receipt, bizerr.Wrapf(bizerr.ErrChainSubmissionFailed, "tx %s reverted", txHash).
			WithDetail("tx_hash", txHash)
	}

	metrics.RecordBlockchainTx(call.Method, "confirmed", time.Since(start).Seconds(), uint64(receipt.GasUsed))
	log.Info("transaction confirmed",
		zap.Int64("block", receipt.BlockNumber),
		zap.Int64("gas_used", receipt.GasUsed))
	return receipt, nil
}

func (s *Submitter) buildAndSign(ctx context.Context, call *contract.Call, nonce uint64) (*types.Transaction, error) {
	estimate, err := s.gas.EstimateCall(ctx, s.backend.Address(), call)
	if err != nil {
		return nil, bizerr.WrapWithCause(bizerr.ErrChainSubmissionFailed, err, "estimate gas for %s", call.Method)
	}
	gwei, _ := new(big.Float).Quo(new(big.Float).SetInt(estimate.GasPrice.GasPrice), big.NewFloat(1e9)).Float64()
	metrics.UpdateGasPrice(gwei)

	value := call.Value
	if value == nil {
		value = big.NewInt(0)
	}
	to := call.To
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      estimate.GasLimit,
		GasPrice: estimate.GasPrice.GasPrice,
		Data:     call.Data,
	})

	signed, err := s.backend.SignTransaction(tx)
	if err != nil {
		return nil, bizerr.WrapWithCause(bizerr.ErrChainSubmissionFailed, err, "sign %s", call.Method)
	}
	return signed, nil
}

// broadcast 广播已签名交易
//
// 节点明确拒绝时归还 nonce，返回的错误包装 ErrTxRejected；
// 其余失败无法确定节点是否已接收，保留 nonce 并记入待确认队列。
func (s *Submitter) broadcast(ctx context.Context, signed *types.Transaction, nonce uint64, method string, log *zap.Logger) error {
	txHash := signed.Hash().Hex()

	err := s.backend.SendTransaction(ctx, signed)
	if isNonceTooLow(err) && s.alreadyMined(ctx, signed.Hash()) {
		// 故障转移重发时，较早的一次发送可能已出块
		err = nil
	}

	if err == nil {
		if err := s.nonces.ConfirmNonce(ctx, nonce, txHash); err != nil {
			log.Warn("record pending nonce failed", zap.Error(err))
		}
		log.Debug("transaction broadcast")
		return nil
	}

	if !IsRejection(err) {
		if cerr := s.nonces.ConfirmNonce(context.WithoutCancel(ctx), nonce, txHash); cerr != nil {
			log.Warn("record pending nonce failed", zap.Error(cerr))
		}
		metrics.RecordBlockchainTx(method, "send_unknown", 0, 0)
		log.Warn("broadcast outcome unknown, nonce kept", zap.Error(err))
		return bizerr.WrapWithCause(bizerr.ErrChainSubmissionFailed, err, "send %s", method).
			WithDetail("tx_hash", txHash)
	}

	if isNonceTooLow(err) {
		if derr := s.nonces.DiscardNonce(context.WithoutCancel(ctx), nonce); derr != nil {
			log.Warn("discard nonce failed", zap.Error(derr))
		}
	} else {
		s.releaseNonce(ctx, nonce)
	}
	metrics.RecordBlockchainTx(method, "send_rejected", 0, 0)
	log.Warn("transaction rejected by node", zap.Error(err))
	return bizerr.WrapWithCause(bizerr.ErrChainSubmissionFailed, fmt.Errorf("%w: %v", ErrTxRejected, err), "send %s", method).
		WithDetail("tx_hash", txHash)
}

func isNonceTooLow(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNonceTooLow) || strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}

// alreadyMined 判断交易是否已有回执
func (s *Submitter) alreadyMined(ctx context.Context, hash common.Hash) bool {
	receipt, err := s.backend.GetTransactionReceipt(ctx, hash)
	return err == nil && receipt != nil && receipt.BlockNumber != nil
}

func (s *Submitter) releaseNonce(ctx context.Context, nonce uint64) {
	if err := s.nonces.ReleaseNonce(context.WithoutCancel(ctx), nonce); err != nil {
		logger.Warn("release nonce failed", zap.Uint64("nonce", nonce), zap.Error(err))
	}
}

// waitForReceipt 轮询回执直到达到确认数，超过 ConfirmTimeout 或 ctx 结束返回错误
func (s *Submitter) waitForReceipt(ctx context.Context, hash common.Hash) (*model.ChainReceipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := s.GetReceipt(waitCtx, hash.Hex())
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ErrTxNotFound) {
			logger.Debug("poll receipt failed", zap.String("tx_hash", hash.Hex()), zap.Error(err))
		}

		select {
		case <-waitCtx.Done():
			return nil, waitCtx.Err()
		case <-ticker.C:
		}
	}
}

// GetReceipt 查询交易回执
//
// 未上链或确认数不足时返回 ErrTxNotFound。
func (s *Submitter) GetReceipt(ctx context.Context, txHash string) (*model.ChainReceipt, error) {
	hash := common.HexToHash(txHash)
	receipt, err := s.backend.GetTransactionReceipt(ctx, hash)
	if err != nil {
		return nil, err
	}
	if receipt == nil || receipt.BlockNumber == nil {
		return nil, ErrTxNotFound
	}

	if s.cfg.Confirmations > 1 {
		head, err := s.backend.BlockNumber(ctx)
		if err != nil {
			return nil, err
		}
		mined := receipt.BlockNumber.Uint64()
		if head < mined || head-mined+1 < s.cfg.Confirmations {
			return nil, ErrTxNotFound
		}
	}

	timestamp := time.Now().UnixMilli()
	header, err := s.backend.HeaderByNumber(ctx, receipt.BlockNumber)
	if err == nil && header != nil {
		timestamp = int64(header.Time) * 1000
	} else {
		logger.Warn("fetch block header failed, using local time",
			zap.String("tx_hash", txHash),
			zap.Error(err))
	}

	return &model.ChainReceipt{
		TxHash:      hash.Hex(),
		From:        s.backend.Address().Hex(),
		To:          s.contract.Hex(),
		BlockNumber: receipt.BlockNumber.Int64(),
		TxIndex:     int(receipt.TransactionIndex),
		GasUsed:     int64(receipt.GasUsed),
		Success:     receipt.Status == types.ReceiptStatusSuccessful,
		Timestamp:   timestamp,
	}, nil
}
