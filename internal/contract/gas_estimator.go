package contract

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Gas estimation errors
var (
	ErrGasEstimationFailed = errors.New("gas estimation failed")
	ErrGasPriceTooHigh     = errors.New("gas price exceeds maximum")
	ErrGasLimitTooHigh     = errors.New("gas limit exceeds maximum")
)

// DefaultFallbackGas is the gas used per method when eth_estimateGas fails.
var DefaultFallbackGas = map[string]uint64{
	"allocateFund":          250_000,
	"approveFund":           120_000,
	"releaseFund":           100_000,
	"addMilestone":          180_000,
	"updateMilestoneStatus": 120_000,
	"rejectFund":            80_000,
}

// GasEstimatorConfig is the configuration for the gas estimator.
type GasEstimatorConfig struct {
	// MaxGasPrice is the maximum gas price in wei.
	MaxGasPrice *big.Int
	// MaxGasLimit is the maximum gas limit.
	MaxGasLimit uint64
	// GasPriceMultiplier is the multiplier for suggested gas price (1.1 = 10% buffer).
	GasPriceMultiplier float64
	// GasLimitMultiplier is the multiplier for estimated gas (1.2 = 20% buffer).
	GasLimitMultiplier float64
	// CacheTTL is the time-to-live for cached gas prices.
	CacheTTL time.Duration
	// FallbackGas is the gas limit per contract method used when estimation fails.
	FallbackGas map[string]uint64
	// DefaultGasLimit is used for methods missing from FallbackGas.
	DefaultGasLimit uint64
}

// GasPriceInfo contains gas price information.
type GasPriceInfo struct {
	// Legacy gas price (for non-EIP-1559 chains).
	GasPrice *big.Int
	// EIP-1559 fields.
	BaseFee   *big.Int
	GasTipCap *big.Int // Max priority fee per gas.
	GasFeeCap *big.Int // Max fee per gas.
	// Timestamp when this info was fetched.
	FetchedAt time.Time
}

// GasEstimate contains the result of gas estimation.
type GasEstimate struct {
	GasLimit      uint64
	GasPrice      *GasPriceInfo
	EstimatedCost *big.Int
	IsEIP1559     bool
	// Fallback reports whether GasLimit came from FallbackGas.
	Fallback bool
}

// EthBackend is the subset of the Ethereum client used for gas estimation.
type EthBackend interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// GasEstimator estimates gas for fund registry transactions.
type GasEstimator struct {
	cfg     *GasEstimatorConfig
	backend EthBackend

	mu          sync.RWMutex
	cachedPrice *GasPriceInfo
	isEIP1559   bool
}

// NewGasEstimator creates a new gas estimator.
func NewGasEstimator(cfg *GasEstimatorConfig, backend EthBackend) *GasEstimator {
	if cfg == nil {
		cfg = &GasEstimatorConfig{}
	}

	if cfg.MaxGasPrice == nil {
		cfg.MaxGasPrice = big.NewInt(500e9) // 500 Gwei
	}
	if cfg.MaxGasLimit == 0 {
		cfg.MaxGasLimit = 3_000_000
	}
	if cfg.GasPriceMultiplier == 0 {
		cfg.GasPriceMultiplier = 1.1
	}
	if cfg.GasLimitMultiplier == 0 {
		cfg.GasLimitMultiplier = 1.2
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 12 * time.Second // ~1 block on Ethereum
	}
	if cfg.FallbackGas == nil {
		cfg.FallbackGas = DefaultFallbackGas
	}
	if cfg.DefaultGasLimit == 0 {
		cfg.DefaultGasLimit = 200_000
	}

	return &GasEstimator{
		cfg:     cfg,
		backend: backend,
	}
}

// GetGasPrice returns the current gas price information.
func (e *GasEstimator) GetGasPrice(ctx context.Context) (*GasPriceInfo, error) {
	e.mu.RLock()
	if e.cachedPrice != nil && time.Since(e.cachedPrice.FetchedAt) < e.cfg.CacheTTL {
		cached := e.cachedPrice
		e.mu.RUnlock()
		return cached, nil
	}
	e.mu.RUnlock()

	return e.fetchGasPrice(ctx)
}

func (e *GasEstimator) fetchGasPrice(ctx context.Context) (*GasPriceInfo, error) {
	info := &GasPriceInfo{
		FetchedAt: time.Now(),
	}

	gasPrice, err := e.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	info.GasPrice = gasPrice

	// EIP-1559: fee cap = 2 * base fee + tip
	gasTipCap, err := e.backend.SuggestGasTipCap(ctx)
	if err == nil && gasTipCap != nil && gasTipCap.Sign() > 0 {
		info.GasTipCap = gasTipCap
		header, err := e.backend.HeaderByNumber(ctx, nil)
		if err == nil && header != nil && header.BaseFee != nil {
			info.BaseFee = header.BaseFee
			info.GasFeeCap = new(big.Int).Mul(header.BaseFee, big.NewInt(2))
			info.GasFeeCap.Add(info.GasFeeCap, gasTipCap)
		} else {
			info.GasFeeCap = new(big.Int).Set(gasPrice)
		}
	}

	if e.cfg.GasPriceMultiplier > 1 {
		info.GasPrice = multiply(info.GasPrice, e.cfg.GasPriceMultiplier)
		if info.GasFeeCap != nil {
			info.GasFeeCap = multiply(info.GasFeeCap, e.cfg.GasPriceMultiplier)
		}
	}

	if info.GasPrice.Cmp(e.cfg.MaxGasPrice) > 0 {
		return nil, ErrGasPriceTooHigh
	}

	e.mu.Lock()
	e.cachedPrice = info
	e.isEIP1559 = info.GasTipCap != nil
	e.mu.Unlock()

	return info, nil
}

// EstimateCall estimates gas for a packed fund registry call. When the node
// cannot estimate (for example the call would revert against pending state),
// the per-method fallback is used so the revert surfaces as a receipt.
func (e *GasEstimator) EstimateCall(ctx context.Context, from common.Address, call *Call) (*GasEstimate, error) {
	if call == nil || len(call.Data) == 0 {
		return nil, ErrEmptyCallData
	}

	to := call.To
	msg := ethereum.CallMsg{
		From:  from,
		To:    &to,
		Data:  call.Data,
		Value: call.Value,
	}

	fallback := false
	gasLimit, err := e.backend.EstimateGas(ctx, msg)
	if err != nil || gasLimit == 0 {
		gasLimit = e.fallbackGas(call.Method)
		fallback = true
	}

	gasLimit = uint64(float64(gasLimit) * e.cfg.GasLimitMultiplier)
	if gasLimit > e.cfg.MaxGasLimit {
		return nil, ErrGasLimitTooHigh
	}

	gasPrice, err := e.GetGasPrice(ctx)
	if err != nil {
		return nil, err
	}

	price := gasPrice.GasPrice
	if gasPrice.GasFeeCap != nil {
		price = gasPrice.GasFeeCap
	}

	return &GasEstimate{
		GasLimit:      gasLimit,
		GasPrice:      gasPrice,
		EstimatedCost: new(big.Int).Mul(price, new(big.Int).SetUint64(gasLimit)),
		IsEIP1559:     gasPrice.GasTipCap != nil,
		Fallback:      fallback,
	}, nil
}

func (e *GasEstimator) fallbackGas(method string) uint64 {
	if gas, ok := e.cfg.FallbackGas[method]; ok && gas > 0 {
		return gas
	}
	return e.cfg.DefaultGasLimit
}

// IsEIP1559Supported returns whether EIP-1559 is supported.
func (e *GasEstimator) IsEIP1559Supported() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isEIP1559
}

// InvalidateCache invalidates the cached gas price.
func (e *GasEstimator) InvalidateCache() {
	e.mu.Lock()
	e.cachedPrice = nil
	e.mu.Unlock()
}

func multiply(v *big.Int, factor float64) *big.Int {
	f := new(big.Float).SetInt(v)
	f.Mul(f, big.NewFloat(factor))
	out, _ := f.Int(nil)
	return out
}
