package blockchain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/etherisc/esusfarm/internal/contract"
	apperrors "github.com/etherisc/esusfarm/internal/errors"
	"github.com/etherisc/esusfarm/internal/logger"
	"github.com/etherisc/esusfarm/internal/metrics"
)

// nativeTransferGas 原生币转账固定 gas
const nativeTransferGas uint64 = 21_000

// Submission 已广播的交易
type Submission struct {
	Hash        common.Hash
	From        common.Address
	To          common.Address
	Nonce       uint64
	GasPrice    *big.Int
	GasLimit    uint64
	SubmittedAt time.Time
}

// Ledger 同步引擎使用的链上能力
type Ledger interface {
	// Call 调用只读方法并解码返回值
	Call(ctx context.Context, b *contract.Binding, method string, args ...interface{}) ([]interface{}, error)
	// Send 从 from 账户发送合约交易, 返回时交易已广播
	Send(ctx context.Context, from *Account, b *contract.Binding, method string, args ...interface{}) (*Submission, error)
	// Transfer 发送原生币
	Transfer(ctx context.Context, from *Account, to common.Address, amount *big.Int) (*Submission, error)
	// WaitReceipt 等待回执; 超时返回 CHAIN_CONFIRMATION_TIMEOUT, 执行失败返回 CHAIN_SUBMISSION_ERROR
	WaitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	// TransactionReceipt 查询回执, 未上链返回 ErrTxNotFound
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	// NonceAt 已确认的 nonce
	NonceAt(ctx context.Context, account common.Address) (uint64, error)
	// BalanceOf 代币余额, token 为零地址时查询原生币
	BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error)
	// GasPrice 当前使用的 gas 价格
	GasPrice(ctx context.Context) (*big.Int, error)
}

// Backend Session 依赖的 RPC 能力, *Client 实现该接口
type Backend interface {
	ChainID() *big.Int
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
	GetTransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	WaitReceipt(ctx context.Context, hash common.Hash, timeout, interval time.Duration) (*types.Receipt, error)
}

var _ Backend = (*Client)(nil)

// SessionConfig 会话配置
type SessionConfig struct {
	ReceiptTimeout time.Duration
	PollInterval   time.Duration
	// FallbackGasLimit gas 估算失败时使用
	FallbackGasLimit uint64
}

// Session 进程级链上会话, 在启动时创建并注入各服务
type Session struct {
	backend  Backend
	gas      *contract.GasEstimator
	nonces   *NonceManager
	operator *Account
	cfg      SessionConfig

	tokensMu sync.Mutex
	tokens   map[common.Address]*contract.Binding
}

var _ Ledger = (*Session)(nil)

// NewSession 创建会话; nonces 管理 operator 账户的 nonce
func NewSession(backend Backend, gas *contract.GasEstimator, nonces *NonceManager, operator *Account, cfg SessionConfig) *Session {
	if cfg.ReceiptTimeout == 0 {
		cfg.ReceiptTimeout = 2 * time.Minute
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	return &Session{
		backend:  backend,
		gas:      gas,
		nonces:   nonces,
		operator: operator,
		cfg:      cfg,
		tokens:   make(map[common.Address]*contract.Binding),
	}
}

// Operator 运营账户
func (s *Session) Operator() *Account {
	return s.operator
}

// Call 调用只读方法
func (s *Session) Call(ctx context.Context, b *contract.Binding, method string, args ...interface{}) ([]interface{}, error) {
	data, err := b.Pack(method, args...)
	if err != nil {
		return nil, apperrors.WrapWithCause(apperrors.ErrValidation, err, "pack %s.%s", b.Name, method)
	}
	to := b.Address
	raw, err := s.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data})
	if err != nil {
		return nil, apperrors.WrapWithCause(apperrors.ErrChainSubmission, err, "call %s.%s", b.Name, method)
	}
	out, err := b.Unpack(method, raw)
	if err != nil {
		return nil, apperrors.WrapWithCause(apperrors.ErrInternal, err, "unpack %s.%s", b.Name, method)
	}
	return out, nil
}

// Send 发送合约交易
func (s *Session) Send(ctx context.Context, from *Account, b *contract.Binding, method string, args ...interface{}) (*Submission, error) {
	data, err := b.Pack(method, args...)
	if err != nil {
		return nil, apperrors.WrapWithCause(apperrors.ErrValidation, err, "pack %s.%s", b.Name, method)
	}
	sub, err := s.submit(ctx, from, b.Address, data, nil, 0)
	if err != nil {
		metrics.RecordLedgerTx(method, "send_failed")
		return nil, apperrors.WrapWithCause(apperrors.ErrChainSubmission, err, "send %s.%s", b.Name, method).
			WithDetail("from", from.Address.Hex())
	}
	metrics.RecordLedgerTx(method, "sent")

	logger.Info("transaction sent",
		zap.String("contract", b.Name),
		zap.String("method", method),
		zap.String("tx_hash", sub.Hash.Hex()),
		zap.String("from", sub.From.Hex()),
		zap.Uint64("nonce", sub.Nonce))
	return sub, nil
}

// Transfer 发送原生币
func (s *Session) Transfer(ctx context.Context, from *Account, to common.Address, amount *big.Int) (*Submission, error) {
	sub, err := s.submit(ctx, from, to, nil, amount, nativeTransferGas)
	if err != nil {
		metrics.RecordLedgerTx("native_transfer", "send_failed")
		return nil, apperrors.WrapWithCause(apperrors.ErrChainSubmission, err, "native transfer to %s", to.Hex())
	}
	metrics.RecordLedgerTx("native_transfer", "sent")

	logger.Info("native transfer sent",
		zap.String("tx_hash", sub.Hash.Hex()),
		zap.String("from", sub.From.Hex()),
		zap.String("to", to.Hex()),
		zap.String("amount", amount.String()))
	return sub, nil
}

// submit 构建、签名并广播交易; operator 账户的 nonce 由 NonceManager 分配
func (s *Session) submit(ctx context.Context, from *Account, to common.Address, data []byte, value *big.Int, fixedGas uint64) (*Submission, error) {
	if from == nil || from.PrivateKey == nil {
		return nil, errors.New("sender account has no private key")
	}

	gasPrice, err := s.gas.GasPrice(ctx)
	if err != nil {
		return nil, err
	}
	gasLimit := fixedGas
	if gasLimit == 0 {
		gasLimit, err = s.gas.GasLimit(ctx, from.Address, to, data, value, s.cfg.FallbackGasLimit)
		if err != nil {
			return nil, err
		}
	}
	if value == nil {
		value = new(big.Int)
	}

	var sub *Submission
	send := func(nonce uint64) error {
		tx := types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      gasLimit,
			To:       &to,
			Value:    value,
			Data:     data,
		})
		signed, err := types.SignTx(tx, types.NewEIP155Signer(s.backend.ChainID()), from.PrivateKey)
		if err != nil {
			return err
		}
		if err := s.backend.SendTransaction(ctx, signed); err != nil {
			return err
		}
		sub = &Submission{
			Hash:        signed.Hash(),
			From:        from.Address,
			To:          to,
			Nonce:       nonce,
			GasPrice:    gasPrice,
			GasLimit:    gasLimit,
			SubmittedAt: time.Now(),
		}
		return nil
	}

	if s.nonces != nil && from.Address == s.nonces.Wallet() {
		err = s.nonces.WithNonce(ctx, send)
	} else {
		var nonce uint64
		nonce, err = s.backend.PendingNonceAt(ctx, from.Address)
		if err == nil {
			err = send(nonce)
		}
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// WaitReceipt 等待交易回执
func (s *Session) WaitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	start := time.Now()
	receipt, err := s.backend.WaitReceipt(ctx, hash, s.cfg.ReceiptTimeout, s.cfg.PollInterval)
	metrics.ReceiptWaitSeconds.Observe(time.Since(start).Seconds())

	if errors.Is(err, ErrReceiptTimeout) {
		metrics.RecordLedgerTx("receipt", "timeout")
		return nil, apperrors.ErrChainConfirmationTimeout.
			WithMessagef("no receipt after %s", s.cfg.ReceiptTimeout).
			WithDetail("tx_hash", hash.Hex())
	}
	if err != nil {
		return nil, apperrors.WrapWithCause(apperrors.ErrChainSubmission, err, "wait receipt %s", hash.Hex())
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		metrics.RecordLedgerTx("receipt", "reverted")
		return receipt, apperrors.ErrChainSubmission.
			WithMessagef("transaction reverted in block %v", receipt.BlockNumber).
			WithDetail("tx_hash", hash.Hex())
	}
	metrics.RecordLedgerTx("receipt", "confirmed")
	return receipt, nil
}

// TransactionReceipt 查询回执, 不等待
func (s *Session) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return s.backend.GetTransactionReceipt(ctx, hash)
}

// NonceAt 已确认 nonce
func (s *Session) NonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return s.backend.NonceAt(ctx, account)
}

// GasPrice 当前 gas 价格
func (s *Session) GasPrice(ctx context.Context) (*big.Int, error) {
	price, err := s.gas.GasPrice(ctx)
	if err != nil {
		return nil, apperrors.WrapWithCause(apperrors.ErrChainSubmission, err, "gas price")
	}
	return price, nil
}

// BalanceOf 查询余额
func (s *Session) BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	if contract.IsNativeToken(token) {
		balance, err := s.backend.BalanceAt(ctx, account)
		if err != nil {
			return nil, apperrors.WrapWithCause(apperrors.ErrChainSubmission, err, "native balance of %s", account.Hex())
		}
		return balance, nil
	}

	out, err := s.Call(ctx, s.token(token), contract.MethodBalanceOf, account)
	if err != nil {
		return nil, err
	}
	balance, err := contract.DecodeUint256(contract.MethodBalanceOf, out)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, err)
	}
	return balance, nil
}

func (s *Session) token(address common.Address) *contract.Binding {
	s.tokensMu.Lock()
	defer s.tokensMu.Unlock()
	b, ok := s.tokens[address]
	if !ok {
		b = contract.NewToken(address)
		s.tokens[address] = b
	}
	return b
}
