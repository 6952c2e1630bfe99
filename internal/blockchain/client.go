package blockchain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

var (
	ErrNoHealthyRPC   = errors.New("no healthy RPC endpoint available")
	ErrTxNotFound     = errors.New("transaction not found")
	ErrReceiptTimeout = errors.New("receipt not observed before deadline")
)

// RPCEndpoint RPC 端点信息
type RPCEndpoint struct {
	URL        string
	IsHealthy  bool
	ErrorCount int
	LastCheck  time.Time
}

// Client 多节点 RPC 客户端, 失败时切换节点
type Client struct {
	chainID *big.Int

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
	RPCURLs         []string
	MaxRetries      int
	RetryInterval   time.Duration
	HealthCheckFreq time.Duration
}

// NewClient 创建区块链客户端并连接第一个可用节点
func NewClient(ctx context.Context, cfg *ClientConfig) (*Client, error) {
	if len(cfg.RPCURLs) == 0 {
		return nil, errors.New("at least one RPC URL is required")
	}

	endpoints := make([]*RPCEndpoint, len(cfg.RPCURLs))
	for i, url := range cfg.RPCURLs {
		endpoints[i] = &RPCEndpoint{URL: url, IsHealthy: true}
	}

	c := &Client{
		chainID:         big.NewInt(cfg.ChainID),
		endpoints:       endpoints,
		maxRetries:      cfg.MaxRetries,
		retryInterval:   cfg.RetryInterval,
		healthCheckFreq: cfg.HealthCheckFreq,
	}
	if c.maxRetries == 0 {
		c.maxRetries = 3
	}
	if c.retryInterval == 0 {
		c.retryInterval = time.Second
	}
	if c.healthCheckFreq == 0 {
		c.healthCheckFreq = 30 * time.Second
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
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
		if err != nil || chainID.Cmp(c.chainID) != 0 {
			client.Close()
			c.markUnhealthy(ep)
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

// isNodeRejection 节点返回的 JSON-RPC 错误 (nonce too low, reverted 等), 换节点重试无意义
func isNodeRejection(err error) bool {
	var rpcErr rpc.Error
	return errors.As(err, &rpcErr) || errors.Is(err, ethereum.NotFound) || errors.Is(err, ErrTxNotFound)
}

// withRetry 带重试的操作
func (c *Client) withRetry(ctx context.Context, fn func(*ethclient.Client) error) error {
	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		client, err := c.getClient(ctx)
		if err == nil {
			err = fn(client)
			if err == nil || isNodeRejection(err) {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}

			c.mu.Lock()
			c.markUnhealthy(c.endpoints[c.currentIdx])
			c.mu.Unlock()
		}
		lastErr = err

		if i < c.maxRetries-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryInterval):
			}
			_ = c.connect(ctx)
		}
	}
	return lastErr
}

// ChainID 返回链 ID
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
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

// GetTransactionReceipt 获取交易回执, 未上链返回 ErrTxNotFound
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

// WaitReceipt 轮询回执直到上链或超时
func (c *Client) WaitReceipt(ctx context.Context, txHash common.Hash, timeout, interval time.Duration) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := c.GetTransactionReceipt(waitCtx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ErrTxNotFound) && waitCtx.Err() == nil {
			return nil, err
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ErrReceiptTimeout
		case <-ticker.C:
		}
	}
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

// NonceAt 获取最新区块上已确认的 Nonce
func (c *Client) NonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var nonce uint64
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		nonce, err = client.NonceAt(ctx, account, nil)
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
	return c.withRetry(ctx, func(client *ethclient.Client) error {
		return client.SendTransaction(ctx, tx)
	})
}

// BalanceAt 获取原生币余额
func (c *Client) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	var balance *big.Int
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		balance, err = client.BalanceAt(ctx, account, nil)
		return err
	})
	return balance, err
}

// CallContract 调用合约只读方法
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	var result []byte
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		result, err = client.CallContract(ctx, msg, nil)
		return err
	})
	return result, err
}

// SignTransaction 使用 EIP-155 签名
func (c *Client) SignTransaction(tx *types.Transaction, key *ecdsa.PrivateKey) (*types.Transaction, error) {
	if key == nil {
		return nil, errors.New("private key not configured")
	}
	return types.SignTx(tx, types.NewEIP155Signer(c.chainID), key)
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
