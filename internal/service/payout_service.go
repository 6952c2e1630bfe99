package service

import (
	"context"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/etherisc/esusfarm/internal/blockchain"
	"github.com/etherisc/esusfarm/internal/contract"
	apperrors "github.com/etherisc/esusfarm/internal/errors"
	"github.com/etherisc/esusfarm/internal/logger"
	"github.com/etherisc/esusfarm/internal/metrics"
	"github.com/etherisc/esusfarm/internal/model"
	"github.com/etherisc/esusfarm/internal/repository"
)

// PayoutService 赔付估算与赔付因子更新
//
// 估算只读链上数据, 不提交交易; 保单已有理赔或指数已定稿后不再估算。
// 赔付因子更新需要 Risk 已同步, 交易经过与同步相同的交易日志。
type PayoutService struct {
	store     repository.RecordStore
	ledger    blockchain.Ledger
	contracts *contract.Contracts
	operator  *blockchain.Account
	sync      *SyncService
	exec      *executor
	decimals  int32

	onPayoutFactorUpdated func(ctx context.Context, ev *model.PayoutFactorUpdatedEvent)
}

// NewPayoutService 创建赔付服务, payoutFactorDecimals 为赔付因子定点精度
func NewPayoutService(
	store repository.RecordStore,
	ledger blockchain.Ledger,
	contracts *contract.Contracts,
	operator *blockchain.Account,
	syncService *SyncService,
	payoutFactorDecimals int32,
) *PayoutService {
	if payoutFactorDecimals == 0 {
		payoutFactorDecimals = 6
	}
	return &PayoutService{
		store:     store,
		ledger:    ledger,
		contracts: contracts,
		operator:  operator,
		sync:      syncService,
		exec:      syncService.exec,
		decimals:  payoutFactorDecimals,
	}
}

// SetOnPayoutFactorUpdated 设置赔付因子上链回调
func (s *PayoutService) SetOnPayoutFactorUpdated(fn func(ctx context.Context, ev *model.PayoutFactorUpdatedEvent)) {
	s.onPayoutFactorUpdated = fn
}

// OnchainPolicy 读取保单链上视图, 未结算时附带赔付估算
func (s *PayoutService) OnchainPolicy(ctx context.Context, policyID string) (*model.OnchainPolicy, error) {
	policy, err := s.store.FindPolicy(ctx, policyID)
	if err != nil {
		return nil, err
	}
	if !policy.IsSynced() || policy.NFT == "" {
		return nil, apperrors.ErrPreconditionFailed.
			WithMessagef("policy %s has no onchain nft", policy.ID).
			WithDetail("policy_id", policy.ID)
	}
	nft, ok := new(big.Int).SetString(policy.NFT, 10)
	if !ok {
		return nil, apperrors.ErrValidation.WithMessagef("policy %s: nft %q is not a number", policy.ID, policy.NFT)
	}

	person, err := s.store.FindPerson(ctx, policy.PersonID)
	if err != nil {
		return nil, err
	}
	risk, err := s.store.FindRisk(ctx, policy.RiskID)
	if err != nil {
		return nil, err
	}
	riskID, err := s.sync.onchainRiskID(ctx, risk)
	if err != nil {
		return nil, err
	}

	out, err := s.ledger.Call(ctx, s.contracts.Product, contract.MethodGetRisk, riskID)
	if err != nil {
		return nil, err
	}
	onchainRisk, err := contract.DecodeRisk(riskID, out)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, err)
	}

	configKey, err := contract.Str(onchainRisk.ConfigID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, err)
	}
	out, err = s.ledger.Call(ctx, s.contracts.Product, contract.MethodGetConfig, configKey)
	if err != nil {
		return nil, err
	}
	onchainConfig, err := contract.DecodeConfig(onchainRisk.ConfigID, out)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, err)
	}

	claims, err := s.instanceCount(ctx, contract.MethodClaims, nft)
	if err != nil {
		return nil, err
	}
	payouts, err := s.instanceCount(ctx, contract.MethodPayouts, nft)
	if err != nil {
		return nil, err
	}

	// 金额以链上申请记录为准
	out, err = s.ledger.Call(ctx, s.contracts.Instance, contract.MethodGetApplication, nft)
	if err != nil {
		return nil, err
	}
	application, err := contract.DecodeApplication(out)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, err)
	}

	view := &model.OnchainPolicy{
		PolicyID:              policy.ID,
		NFT:                   policy.NFT,
		RiskID:                onchainRisk.ID,
		ConfigID:              onchainConfig.ID,
		Year:                  onchainConfig.Year,
		SeasonStart:           onchainConfig.StartOfSeason,
		SeasonEnd:             onchainConfig.EndOfSeason,
		IndexType:             onchainConfig.IndexType,
		DataSource:            onchainConfig.DataSource,
		BeneficiaryWallet:     person.Wallet,
		SumInsured:            application.SumInsured,
		Premium:               application.Premium,
		TriggerSevere:         onchainConfig.TriggerSevere,
		TriggerMedium:         onchainConfig.TriggerMedium,
		TriggerWeak:           onchainConfig.TriggerWeak,
		IndexReferenceValue:   onchainRisk.IndexReferenceValue,
		IndexEndOfSeasonValue: onchainRisk.IndexSeasonValue,
		IndexIsFinal:          onchainRisk.IndexIsFinal,
		Claims:                claims,
		Payouts:               payouts,
	}

	if view.Settled() {
		logger.Debug("policy settled, skipping payout estimate",
			zap.String("policy_id", policy.ID),
			zap.Uint64("claims", claims),
			zap.Bool("index_is_final", view.IndexIsFinal))
		return view, nil
	}

	estimate, err := s.estimate(ctx, configKey, view)
	if err != nil {
		return nil, err
	}
	view.Estimate = estimate
	return view, nil
}

// EstimatePayout 保单赔付估算; 已结算的保单返回 PRECONDITION_FAILED
func (s *PayoutService) EstimatePayout(ctx context.Context, policyID string) (*model.PayoutEstimate, error) {
	view, err := s.OnchainPolicy(ctx, policyID)
	if err != nil {
		return nil, err
	}
	if view.Estimate == nil {
		return nil, apperrors.ErrPreconditionFailed.
			WithMessagef("policy %s is settled (claims %d, index final %t)", policyID, view.Claims, view.IndexIsFinal).
			WithDetail("policy_id", policyID)
	}
	return view.Estimate, nil
}

// estimate 赔付金额来自合约 calculatePayoutAmount, 本地只做比值与归档
func (s *PayoutService) estimate(ctx context.Context, configKey [32]byte, view *model.OnchainPolicy) (*model.PayoutEstimate, error) {
	out, err := s.ledger.Call(ctx, s.contracts.Product, contract.MethodCalculatePayoutAmount,
		configKey, view.IndexReferenceValue, view.IndexEndOfSeasonValue, view.SumInsured)
	if err != nil {
		return nil, err
	}
	amount, err := contract.DecodeUint256(contract.MethodCalculatePayoutAmount, out)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, err)
	}

	estimate, err := model.NewPayoutEstimate(view.IndexReferenceValue, view.IndexEndOfSeasonValue, amount, view.SumInsured)
	if err != nil {
		return nil, err
	}

	tier := string(estimate.SeverityTier)
	if tier == "" {
		tier = "none"
	}
	metrics.PayoutEstimatesTotal.WithLabelValues(tier).Inc()

	logger.Info("payout estimated",
		zap.String("policy_id", view.PolicyID),
		zap.String("index_ratio", estimate.IndexRatio.String()),
		zap.String("payout_ratio", estimate.PayoutRatio.String()),
		zap.String("tier", tier),
		zap.String("payout_amount", amount.String()))
	return estimate, nil
}

func (s *PayoutService) instanceCount(ctx context.Context, method string, nft *big.Int) (uint64, error) {
	out, err := s.ledger.Call(ctx, s.contracts.Instance, method, nft)
	if err != nil {
		return 0, err
	}
	v, err := contract.DecodeUint256(method, out)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrInternal, err)
	}
	if !v.IsUint64() {
		return 0, apperrors.ErrInternal.WithMessagef("%s for nft %s overflows", method, nft)
	}
	return v.Uint64(), nil
}

// UpdatePayoutFactor 将 Risk 的 finalPayout 写入链上, 返回交易哈希
func (s *PayoutService) UpdatePayoutFactor(ctx context.Context, riskID string) (string, error) {
	risk, err := s.store.FindRisk(ctx, riskID)
	if err != nil {
		return "", err
	}
	if !risk.IsSynced() {
		return "", apperrors.ErrPreconditionFailed.
			WithMessagef("risk %s is not synced", risk.ID).
			WithDetail("risk_id", risk.ID)
	}

	factor, err := risk.PayoutFactor(s.decimals)
	if err != nil {
		return "", err
	}

	onchainID, err := s.sync.onchainRiskID(ctx, risk)
	if err != nil {
		return "", err
	}
	if risk.OnchainID == "" {
		// 缓存查询到的 risk id
		risk.OnchainID = contract.RiskIDHex(onchainID)
		if err := s.store.SaveMarker(ctx, risk); err != nil {
			logger.Warn("failed to cache onchain risk id",
				zap.String("risk_id", risk.ID),
				zap.Error(err))
		}
	}

	ref := txRef{kind: model.EntityKindRisk, id: risk.ID, txType: model.PendingTxTypePayoutFactor}
	receipt, err := s.exec.once(ctx, ref, func(ctx context.Context) (*blockchain.Submission, error) {
		return s.ledger.Send(ctx, s.operator, s.contracts.Product, contract.MethodUpdatePayoutFactor, onchainID, factor)
	})
	if err != nil {
		return "", err
	}

	hash := receipt.TxHash.Hex()
	logger.Info("payout factor updated",
		zap.String("risk_id", risk.ID),
		zap.String("onchain_id", risk.OnchainID),
		zap.String("payout_factor", factor.String()),
		zap.String("tx_hash", hash))

	if s.onPayoutFactorUpdated != nil {
		s.onPayoutFactorUpdated(ctx, &model.PayoutFactorUpdatedEvent{
			RiskID:       risk.ID,
			OnchainID:    risk.OnchainID,
			PayoutFactor: factor.String(),
			TxHash:       hash,
			UpdatedAt:    time.Now().UnixMilli(),
		})
	}
	return hash, nil
}
