package service

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/etherisc/esusfarm/internal/blockchain"
	"github.com/etherisc/esusfarm/internal/contract"
	apperrors "github.com/etherisc/esusfarm/internal/errors"
	"github.com/etherisc/esusfarm/internal/logger"
	"github.com/etherisc/esusfarm/internal/metrics"
	"github.com/etherisc/esusfarm/internal/model"
	"github.com/etherisc/esusfarm/internal/repository"
)

// FundingServiceConfig 注资配置, 金额均为代币最小单位
type FundingServiceConfig struct {
	MinTokenAmount *big.Int
	ApprovalAmount *big.Int
	// Spender 授权对象 (product 的代币处理合约)
	Spender          common.Address
	ApprovalGasLimit uint64
	NativeMultiplier int64
	ChainID          int64
	ReceiptTimeout   time.Duration
}

// FundingService 受益人钱包注资服务
//
// 余额低于下限时:
//  1. 运营钱包转入差额代币, 该交易哈希即为 Person 的同步标记
//  2. 转入原生币, 覆盖授权交易的 gas
//  3. 受益人钱包授权 Spender 使用代币
//
// 任一步骤失败即中止后续步骤。
type FundingService struct {
	ledger    blockchain.Ledger
	contracts *contract.Contracts
	operator  *blockchain.Account
	farmer    *blockchain.HDWallet
	exec      *executor
	cfg       FundingServiceConfig
}

// NewFundingService 创建注资服务
func NewFundingService(
	ledger blockchain.Ledger,
	pending repository.PendingTxRepository,
	contracts *contract.Contracts,
	operator *blockchain.Account,
	farmer *blockchain.HDWallet,
	cfg FundingServiceConfig,
) *FundingService {
	if cfg.MinTokenAmount == nil {
		cfg.MinTokenAmount = big.NewInt(100_000_001)
	}
	if cfg.ApprovalAmount == nil || cfg.ApprovalAmount.Sign() == 0 {
		cfg.ApprovalAmount = new(big.Int).Set(cfg.MinTokenAmount)
	}
	if cfg.Spender == (common.Address{}) {
		cfg.Spender = contracts.Product.Address
	}
	if cfg.ApprovalGasLimit == 0 {
		cfg.ApprovalGasLimit = 100_000
	}
	if cfg.NativeMultiplier <= 0 {
		cfg.NativeMultiplier = 2
	}
	if cfg.ReceiptTimeout == 0 {
		cfg.ReceiptTimeout = 2 * time.Minute
	}
	return &FundingService{
		ledger:    ledger,
		contracts: contracts,
		operator:  operator,
		farmer:    farmer,
		exec: &executor{
			ledger:         ledger,
			pending:        pending,
			chainID:        cfg.ChainID,
			receiptTimeout: cfg.ReceiptTimeout,
		},
		cfg: cfg,
	}
}

// Shortfall 距离下限的差额, 不足时为 0
func Shortfall(balance, minimum *big.Int) *big.Int {
	diff := new(big.Int).Sub(minimum, balance)
	if diff.Sign() < 0 {
		return new(big.Int)
	}
	return diff
}

// fundingPlan 一次注资的代币转账
type fundingPlan struct {
	transfer func(ctx context.Context) (func(ctx context.Context) (*blockchain.Submission, error), error)
}

// plan 查询余额并计算差额; 无需注资时返回 nil
func (f *FundingService) plan(ctx context.Context, person *model.Person, force bool) (*fundingPlan, error) {
	if !common.IsHexAddress(person.Wallet) {
		return nil, apperrors.ErrValidation.WithMessagef("person %s: wallet %q is not an address", person.ID, person.Wallet)
	}
	wallet := common.HexToAddress(person.Wallet)
	if _, err := f.PersonAccount(person); err != nil {
		return nil, err
	}

	balance, err := f.ledger.BalanceOf(ctx, f.contracts.Token.Address, wallet)
	if err != nil {
		return nil, err
	}
	shortfall := Shortfall(balance, f.cfg.MinTokenAmount)

	logger.Info("checked person wallet balance",
		zap.String("person_id", person.ID),
		zap.String("wallet", wallet.Hex()),
		zap.String("balance", balance.String()),
		zap.String("shortfall", shortfall.String()),
		zap.Bool("force", force))

	if shortfall.Sign() == 0 && !force {
		return nil, nil
	}

	return &fundingPlan{
		transfer: func(ctx context.Context) (func(ctx context.Context) (*blockchain.Submission, error), error) {
			return func(ctx context.Context) (*blockchain.Submission, error) {
				sub, err := f.ledger.Send(ctx, f.operator, f.contracts.Token, contract.MethodTransfer, wallet, shortfall)
				if err == nil {
					metrics.FundingTransfersTotal.WithLabelValues("token").Inc()
				}
				return sub, err
			}, nil
		},
	}, nil
}

// completeFunding 代币转账确认后的原生币注资与授权
//
// 同步时在转账之后直接调用; 转账超时后由对账采用时也要补做, 否则 Person 已有
// 同步标记却没有 gas 与授权。
func (f *FundingService) completeFunding(ctx context.Context, person *model.Person) error {
	account, err := f.PersonAccount(person)
	if err != nil {
		return err
	}
	wallet := account.Address

	gasPrice, err := f.ledger.GasPrice(ctx)
	if err != nil {
		return err
	}
	native := new(big.Int).SetUint64(f.cfg.ApprovalGasLimit)
	native.Mul(native, gasPrice)
	native.Mul(native, big.NewInt(f.cfg.NativeMultiplier))

	nativeRef := txRef{kind: model.EntityKindPerson, id: person.ID, txType: model.PendingTxTypeNativeTransfer}
	if err := f.step(ctx, nativeRef, func(ctx context.Context) (*blockchain.Submission, error) {
		return f.ledger.Transfer(ctx, f.operator, wallet, native)
	}); err != nil {
		return err
	}
	metrics.FundingTransfersTotal.WithLabelValues("native").Inc()

	approveRef := txRef{kind: model.EntityKindPerson, id: person.ID, txType: model.PendingTxTypeTokenApproval}
	if err := f.step(ctx, approveRef, func(ctx context.Context) (*blockchain.Submission, error) {
		return f.ledger.Send(ctx, account, f.contracts.Token, contract.MethodApprove, f.cfg.Spender, f.cfg.ApprovalAmount)
	}); err != nil {
		return err
	}
	metrics.FundingTransfersTotal.WithLabelValues("approval").Inc()

	logger.Info("person wallet funded",
		zap.String("person_id", person.ID),
		zap.String("wallet", wallet.Hex()),
		zap.String("native_amount", native.String()),
		zap.String("spender", f.cfg.Spender.Hex()),
		zap.String("approval_amount", f.cfg.ApprovalAmount.String()))
	return nil
}

// step 提交一个注资步骤
func (f *FundingService) step(ctx context.Context, ref txRef, send func(ctx context.Context) (*blockchain.Submission, error)) error {
	_, err := f.exec.once(ctx, ref, send)
	return err
}

// PersonAccount 受益人派生账户, 地址必须与记录一致
func (f *FundingService) PersonAccount(person *model.Person) (*blockchain.Account, error) {
	account, err := f.farmer.Derive(person.WalletIndex)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(account.Address.Hex(), person.Wallet) {
		return nil, apperrors.ErrValidation.
			WithMessagef("person %s: wallet %s does not match derived address %s at index %d",
				person.ID, person.Wallet, account.Address.Hex(), person.WalletIndex)
	}
	return account, nil
}
