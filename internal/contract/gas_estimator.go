package contract

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// Gas estimation errors
var (
	ErrGasPriceTooHigh = errors.New("gas price exceeds maximum")
	ErrGasLimitTooHigh = errors.New("gas limit exceeds maximum")
)

// GasEstimatorConfig is the configuration for the gas estimator.
type GasEstimatorConfig struct {
	// FixedGasPrice overrides the node suggestion when set.
	FixedGasPrice *big.Int
	// MaxGasPrice is the maximum gas price in wei, nil disables the check.
	MaxGasPrice *big.Int
	// MaxGasLimit is the maximum gas limit.
	MaxGasLimit uint64
	// GasLimitMultiplier is the multiplier for estimated gas (1.2 = 20% buffer).
	GasLimitMultiplier float64
	// CacheTTL is the time-to-live for cached gas prices.
	CacheTTL time.Duration
}

// EthBackend is the subset of the RPC client used for gas estimation.
type EthBackend interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

// GasEstimator prices legacy transactions.
type GasEstimator struct {
	cfg     GasEstimatorConfig
	backend EthBackend

	mu        sync.RWMutex
	cached    *big.Int
	fetchedAt time.Time
}

// NewGasEstimator creates a new gas estimator.
func NewGasEstimator(cfg GasEstimatorConfig, backend EthBackend) *GasEstimator {
	if cfg.MaxGasLimit == 0 {
		cfg.MaxGasLimit = 10_000_000
	}
	if cfg.GasLimitMultiplier == 0 {
		cfg.GasLimitMultiplier = 1.2
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 12 * time.Second
	}
	return &GasEstimator{cfg: cfg, backend: backend}
}

// GasPrice returns the gas price to use for the next transaction.
func (e *GasEstimator) GasPrice(ctx context.Context) (*big.Int, error) {
	if e.cfg.FixedGasPrice != nil && e.cfg.FixedGasPrice.Sign() > 0 {
		return new(big.Int).Set(e.cfg.FixedGasPrice), nil
	}

	e.mu.RLock()
	if e.cached != nil && time.Since(e.fetchedAt) < e.cfg.CacheTTL {
		price := new(big.Int).Set(e.cached)
		e.mu.RUnlock()
		return price, nil
	}
	e.mu.RUnlock()

	price, err := e.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	if e.cfg.MaxGasPrice != nil && e.cfg.MaxGasPrice.Sign() > 0 && price.Cmp(e.cfg.MaxGasPrice) > 0 {
		return nil, ErrGasPriceTooHigh
	}

	e.mu.Lock()
	e.cached = new(big.Int).Set(price)
	e.fetchedAt = time.Now()
	e.mu.Unlock()

	return price, nil
}

// GasLimit estimates the gas limit for a call, applying the safety multiplier.
// When estimation fails the fallback limit is used.
func (e *GasEstimator) GasLimit(ctx context.Context, from, to common.Address, data []byte, value *big.Int, fallback uint64) (uint64, error) {
	gas, err := e.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &to,
		Data:  data,
		Value: value,
	})
	if err != nil {
		if fallback == 0 {
			return 0, err
		}
		gas = fallback
	} else {
		gas = uint64(float64(gas) * e.cfg.GasLimitMultiplier)
	}

	if gas > e.cfg.MaxGasLimit {
		return 0, ErrGasLimitTooHigh
	}
	return gas, nil
}

// InvalidateCache invalidates the cached gas price.
func (e *GasEstimator) InvalidateCache() {
	e.mu.Lock()
	e.cached = nil
	e.mu.Unlock()
}
