package blockchain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/polipireddirohith/government-fund-blockchain/pkg/logger"
)

var (
	ErrNoHealthyRPC      = errors.New("no healthy RPC endpoint available")
	ErrNoPrivateKey      = errors.New("private key not configured")
	ErrInsufficientFunds = errors.New("insufficient funds for gas")
	ErrNonceTooLow       = errors.New("nonce too low")
	ErrTxNotFound        = errors.New("transaction not found")
	// ErrTxRejected 节点明确拒绝交易，交易不会进入交易池
	ErrTxRejected = errors.New("transaction rejected by node")
)

// rejectionMessages 节点拒绝交易时的错误信息片段
var rejectionMessages = []string{
	"nonce too low",
	"insufficient funds",
	"execution reverted",
	"replacement transaction underpriced",
	"transaction underpriced",
	"intrinsic gas too low",
	"exceeds block gas limit",
	"invalid sender",
}

// RPCEndpoint RPC 端点信息
type RPCEndpoint struct {
	URL        string
	IsHealthy  bool
	ErrorCount int
	LastCheck  time.Time
}

// Client 区块链客户端，多 RPC 故障转移
type Client struct {
	chainID    int64
	privateKey *ecdsa.PrivateKey
	address    common.Address

	endpoints  []*RPCEndpoint
	currentIdx int
	mu         sync.RWMutex

	client *ethclient.Client

	maxRetries      int
	retryInterval   time.Duration
	healthCheckFreq time.Duration
}

// ClientConfig 客户端配置
type ClientConfig struct {
	ChainID         int64
	PrivateKey      string
	RPCURLs         []string
	MaxRetries      int
	RetryInterval   time.Duration
	HealthCheckFreq time.Duration
}

// NewClient 创建区块链客户端
func NewClient(cfg *ClientConfig) (*Client, error) {
	c, err := newClient(cfg)
	if err != nil {
		return nil, err
	}

	// 连接到第一个可用的 RPC
	if err := c.connect(context.Background()); err != nil {
		return nil, err
	}

	return c, nil
}

func newClient(cfg *ClientConfig) (*Client, error) {
	if len(cfg.RPCURLs) == 0 {
		return nil, errors.New("at least one RPC URL is required")
	}

	var privateKey *ecdsa.PrivateKey
	var address common.Address

	if cfg.PrivateKey != "" {
		var err error
		privateKey, err = crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, err
		}
		address = crypto.PubkeyToAddress(privateKey.PublicKey)
	}

	endpoints := make([]*RPCEndpoint, len(cfg.RPCURLs))
	for i, url := range cfg.RPCURLs {
		endpoints[i] = &RPCEndpoint{
			URL:       url,
			IsHealthy: true,
		}
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}

	retryInterval := cfg.RetryInterval
	if retryInterval == 0 {
		retryInterval = time.Second
	}

	healthCheckFreq := cfg.HealthCheckFreq
	if healthCheckFreq == 0 {
		healthCheckFreq = 30 * time.Second
	}

	return &Client{
		chainID:         cfg.ChainID,
		privateKey:      privateKey,
		address:         address,
		endpoints:       endpoints,
		maxRetries:      maxRetries,
		retryInterval:   retryInterval,
		healthCheckFreq: healthCheckFreq,
	}, nil
}

// connect 连接到可用的 RPC
func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.endpoints {
		idx := (c.currentIdx + i) % len(c.endpoints)
		ep := c.endpoints[idx]

		if !ep.IsHealthy && time.Since(ep.LastCheck) < c.healthCheckFreq {
			continue
		}

		client, err := ethclient.DialContext(ctx, ep.URL)
		if err != nil {
			c.markUnhealthy(ep)
			continue
		}

		chainID, err := client.ChainID(ctx)
		if err != nil {
			client.Close()
			c.markUnhealthy(ep)
			continue
		}
		if c.chainID != 0 && chainID.Int64() != c.chainID {
			client.Close()
			c.markUnhealthy(ep)
			logger.Warn("rpc chain id mismatch",
				zap.String("url", ep.URL),
				zap.Int64("expected", c.chainID),
				zap.Int64("actual", chainID.Int64()))
			continue
		}

		if c.client != nil {
			c.client.Close()
		}

		c.client = client
		c.currentIdx = idx
		ep.IsHealthy = true
		ep.ErrorCount = 0
		ep.LastCheck = time.Now()
		return nil
	}

	return ErrNoHealthyRPC
}

// markUnhealthy 调用方需持有 mu
func (c *Client) markUnhealthy(ep *RPCEndpoint) {
	ep.IsHealthy = false
	ep.ErrorCount++
	ep.LastCheck = time.Now()
}

// getClient 获取客户端，如果不可用则尝试重连
func (c *Client) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client != nil {
		return client, nil
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client, nil
}

// withRetry 带重试的操作
//
// 节点明确给出的业务结果 (回执不存在、执行 revert、nonce 过低等) 不触发故障转移
func (c *Client) withRetry(ctx context.Context, fn func(*ethclient.Client) error) error {
	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		client, err := c.getClient(ctx)
		if err == nil {
			err = fn(client)
			if err == nil || !isTransportError(err) {
				return err
			}

			c.mu.Lock()
			if c.currentIdx < len(c.endpoints) {
				c.markUnhealthy(c.endpoints[c.currentIdx])
			}
			if c.client == client {
				c.client.Close()
				c.client = nil
			}
			c.mu.Unlock()
		}
		lastErr = err

		if i < c.maxRetries-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryInterval):
			}
		}
	}
	return lastErr
}

// isTransportError 判断是否为节点/网络故障
func isTransportError(err error) bool {
	if errors.Is(err, ErrTxNotFound) || errors.Is(err, ethereum.NotFound) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"execution reverted", "nonce too low", "insufficient funds", "already known", "replacement transaction underpriced"} {
		if strings.Contains(msg, s) {
			return false
		}
	}
	return true
}

// IsRejection 判断广播错误是否为节点的明确拒绝
//
// 网络中断、超时、节点故障等其余错误无法确定交易是否已被接收。
func IsRejection(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTxRejected) || errors.Is(err, ErrNonceTooLow) || errors.Is(err, ErrInsufficientFunds) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range rejectionMessages {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Address 返回签名钱包地址
func (c *Client) Address() common.Address {
	return c.address
}

// ChainID 返回链 ID
func (c *Client) ChainID() int64 {
	return c.chainID
}

// BlockNumber 获取最新区块号
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var blockNum uint64
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		blockNum, err = client.BlockNumber(ctx)
		return err
	})
	return blockNum, err
}

// HeaderByNumber 获取区块头，number 为 nil 时返回最新区块
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	var header *types.Header
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		header, err = client.HeaderByNumber(ctx, number)
		return err
	})
	return header, err
}

// GetTransactionReceipt 获取交易回执，未上链返回 ErrTxNotFound
func (c *Client) GetTransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		receipt, err = client.TransactionReceipt(ctx, txHash)
		if errors.Is(err, ethereum.NotFound) {
			return ErrTxNotFound
		}
		return err
	})
	return receipt, err
}

// PendingNonceAt 获取待处理 Nonce
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var nonce uint64
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		nonce, err = client.PendingNonceAt(ctx, account)
		return err
	})
	return nonce, err
}

// SuggestGasPrice 获取建议 Gas 价格
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var gasPrice *big.Int
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		gasPrice, err = client.SuggestGasPrice(ctx)
		return err
	})
	return gasPrice, err
}

// SuggestGasTipCap 获取建议 Gas Tip (EIP-1559)
func (c *Client) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	var gasTip *big.Int
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		gasTip, err = client.SuggestGasTipCap(ctx)
		return err
	})
	return gasTip, err
}

// EstimateGas 估算 Gas
func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var gas uint64
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		gas, err = client.EstimateGas(ctx, msg)
		return err
	})
	return gas, err
}

// SendTransaction 发送交易
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		return client.SendTransaction(ctx, tx)
	})
	if err != nil {
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "already known"):
			// 故障转移重发到另一个节点，交易已在池中
			return nil
		case strings.Contains(msg, "nonce too low"):
			return ErrNonceTooLow
		case strings.Contains(msg, "insufficient funds"):
			return ErrInsufficientFunds
		}
	}
	return err
}

// CallContract 调用合约只读方法
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var result []byte
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		result, err = client.CallContract(ctx, msg, blockNumber)
		return err
	})
	return result, err
}

// SignTransaction 使用 EIP-155 签名交易
func (c *Client) SignTransaction(tx *types.Transaction) (*types.Transaction, error) {
	if c.privateKey == nil {
		return nil, ErrNoPrivateKey
	}

	signer := types.NewEIP155Signer(big.NewInt(c.chainID))
	return types.SignTx(tx, signer, c.privateKey)
}

// Close 关闭客户端
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

// HealthCheck 健康检查
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.BlockNumber(ctx)
	return err
}

// GetHealthyEndpoints 获取健康的端点列表
func (c *Client) GetHealthyEndpoints() []*RPCEndpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var healthy []*RPCEndpoint
	for _, ep := range c.endpoints {
		if ep.IsHealthy {
			healthy = append(healthy, ep)
		}
	}
	return healthy
}
