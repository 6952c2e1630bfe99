package blockchain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/etherisc/esusfarm/internal/logger"
)

var (
	ErrNonceLockFailed  = errors.New("failed to acquire nonce lock")
	ErrNonceLockTimeout = errors.New("nonce lock timeout")
)

// NonceSource 链上 nonce 查询
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// releaseScript 仅当锁仍属于自己时删除
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NonceManager 运营钱包 Nonce 管理器
//
// 同一进程内通过互斥锁串行化提交, 多实例之间通过 Redis 分布式锁串行化。
// redis 为空时只做进程内串行化。锁只覆盖 签名+广播, 不覆盖回执等待。
type NonceManager struct {
	source      NonceSource
	redis       redis.Cmdable
	wallet      common.Address
	chainID     int64
	lockTimeout time.Duration
	lockWait    time.Duration

	mu sync.Mutex
}

// NonceManagerConfig 配置
type NonceManagerConfig struct {
	Wallet      common.Address
	ChainID     int64
	LockTimeout time.Duration
	// LockWait 获取分布式锁的最长等待时间
	LockWait time.Duration
}

// NewNonceManager 创建 Nonce 管理器
func NewNonceManager(source NonceSource, rdb redis.Cmdable, cfg *NonceManagerConfig) *NonceManager {
	lockTimeout := cfg.LockTimeout
	if lockTimeout == 0 {
		lockTimeout = 30 * time.Second
	}
	lockWait := cfg.LockWait
	if lockWait == 0 {
		lockWait = lockTimeout
	}

	return &NonceManager{
		source:      source,
		redis:       rdb,
		wallet:      cfg.Wallet,
		chainID:     cfg.ChainID,
		lockTimeout: lockTimeout,
		lockWait:    lockWait,
	}
}

// Wallet 返回被管理的地址
func (m *NonceManager) Wallet() common.Address {
	return m.wallet
}

func (m *NonceManager) nonceKey() string {
	return fmt.Sprintf("esusfarm:chain:nonce:%s:%d", m.wallet.Hex(), m.chainID)
}

func (m *NonceManager) lockKey() string {
	return fmt.Sprintf("esusfarm:chain:nonce:lock:%s:%d", m.wallet.Hex(), m.chainID)
}

// WithNonce 在锁内分配 nonce 并执行 fn
//
// fn 成功返回后下一个 nonce 才会前移; fn 失败时清除缓存, 下次从链上重新同步。
func (m *NonceManager) WithNonce(ctx context.Context, fn func(nonce uint64) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, err := m.acquireLock(ctx)
	if err != nil {
		return err
	}
	defer m.releaseLock(token)

	nonce, err := m.nextNonce(ctx)
	if err != nil {
		return err
	}

	if err := fn(nonce); err != nil {
		m.reset(ctx)
		return err
	}

	if m.redis != nil {
		if err := m.redis.Set(ctx, m.nonceKey(), nonce+1, 0).Err(); err != nil {
			logger.Warn("failed to store next nonce",
				zap.String("wallet", m.wallet.Hex()),
				zap.Uint64("nonce", nonce+1),
				zap.Error(err))
		}
	}
	return nil
}

// nextNonce 取链上 pending nonce 与缓存值中较大者
func (m *NonceManager) nextNonce(ctx context.Context) (uint64, error) {
	chainNonce, err := m.source.PendingNonceAt(ctx, m.wallet)
	if err != nil {
		return 0, err
	}
	if m.redis == nil {
		return chainNonce, nil
	}

	cached, err := m.redis.Get(ctx, m.nonceKey()).Uint64()
	if errors.Is(err, redis.Nil) {
		return chainNonce, nil
	}
	if err != nil {
		return 0, err
	}
	if cached > chainNonce {
		return cached, nil
	}
	return chainNonce, nil
}

// CurrentNonce 查询下一个将分配的 nonce (不加锁)
func (m *NonceManager) CurrentNonce(ctx context.Context) (uint64, error) {
	return m.nextNonce(ctx)
}

// Reset 清除缓存的 nonce
func (m *NonceManager) Reset(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset(ctx)
}

func (m *NonceManager) reset(ctx context.Context) {
	if m.redis == nil {
		return
	}
	if err := m.redis.Del(ctx, m.nonceKey()).Err(); err != nil {
		logger.Warn("failed to reset nonce cache", zap.String("wallet", m.wallet.Hex()), zap.Error(err))
	}
}

// acquireLock 获取分布式锁, 在 lockWait 内轮询
func (m *NonceManager) acquireLock(ctx context.Context) (string, error) {
	if m.redis == nil {
		return "", nil
	}

	token := uuid.NewString()
	deadline := time.Now().Add(m.lockWait)
	for {
		ok, err := m.redis.SetNX(ctx, m.lockKey(), token, m.lockTimeout).Result()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrNonceLockFailed, err)
		}
		if ok {
			return token, nil
		}
		if time.Now().After(deadline) {
			return "", ErrNonceLockTimeout
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// releaseLock 释放分布式锁, 使用独立 context 避免调用方取消后锁残留
func (m *NonceManager) releaseLock(token string) {
	if m.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, m.redis, []string{m.lockKey()}, token).Err(); err != nil {
		logger.Warn("failed to release nonce lock", zap.String("wallet", m.wallet.Hex()), zap.Error(err))
	}
}
