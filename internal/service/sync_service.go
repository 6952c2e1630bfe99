// Package service 提供 esusfarm 链上同步引擎的业务逻辑
//
// ========================================
// SyncService 同步服务对接说明
// ========================================
//
// ## 功能概述
// SyncService 将链下记录 (Config, Location, Risk, Person, Policy) 同步到链上,
// 每个实体最多提交一次交易, 确认后把交易哈希写回 tx 字段 (同步标记)。
// 依赖关系:
//   - Risk   -> Config, Location
//   - Policy -> Person, Risk
//   - Person 没有实体依赖, 同步即为钱包注资 (见 FundingService)
//
// 依赖必须先同步并落库, 之后才提交实体自身的交易。
//
// ## 消息来源 (Kafka Consumer)
// - Topic: onchain-sync-requests
// - 消息类型: model.SyncRequest
// - 处理流程: EnsureSynced(kind, id, force)
//
// ## 消息输出 (Kafka Producer)
// - Topic: onchain-synced
// - 消息类型: model.SyncedEvent
// - 触发条件: 同步标记落库后回调 onSynced
//
// ## 交易日志
// 每笔交易广播后写入 esusfarm_pending_txs, 再等待回执。
// 再次同步同一实体前先检查未终结的交易:
//   1. 回执成功: 直接采用, 不重新提交
//   2. 回执失败或 nonce 已被占用: 标记后重新提交
//   3. 仍在途: 返回 CHAIN_CONFIRMATION_TIMEOUT, 不重新提交
//
// ## 智能合约对接
// - CropProduct: createSeason, createLocation, createRisk, createPolicy, getRiskId
// - RiskSet: LogRiskSetRiskAdded 事件用于恢复链上 risk id
// - AccountingToken: decimals, 保单金额按代币精度换算
//
// ========================================
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/etherisc/esusfarm/internal/blockchain"
	"github.com/etherisc/esusfarm/internal/contract"
	apperrors "github.com/etherisc/esusfarm/internal/errors"
	"github.com/etherisc/esusfarm/internal/logger"
	"github.com/etherisc/esusfarm/internal/metrics"
	"github.com/etherisc/esusfarm/internal/model"
	"github.com/etherisc/esusfarm/internal/repository"
)

// SyncServiceConfig 同步服务配置
type SyncServiceConfig struct {
	ChainID          int64
	ReceiptTimeout   time.Duration
	LocationDecimals int32
	ValidCrops       []string
	PolicyRules      model.PolicyRules
	// Singleflight 合并同一实体的并发同步请求
	Singleflight bool
}

// SyncService 实体同步服务
type SyncService struct {
	store     repository.RecordStore
	ledger    blockchain.Ledger
	contracts *contract.Contracts
	operator  *blockchain.Account
	funding   *FundingService
	exec      *executor
	cfg       SyncServiceConfig

	group singleflight.Group

	decimalsMu    sync.Mutex
	tokenDecimals *uint8

	onSynced func(ctx context.Context, ev *model.SyncedEvent)
}

// NewSyncService 创建同步服务
func NewSyncService(
	store repository.RecordStore,
	pending repository.PendingTxRepository,
	ledger blockchain.Ledger,
	contracts *contract.Contracts,
	operator *blockchain.Account,
	funding *FundingService,
	cfg SyncServiceConfig,
) *SyncService {
	if cfg.ReceiptTimeout == 0 {
		cfg.ReceiptTimeout = 2 * time.Minute
	}
	if cfg.LocationDecimals == 0 {
		cfg.LocationDecimals = 6
	}
	if len(cfg.ValidCrops) == 0 {
		cfg.ValidCrops = []string{"coffee", "maize"}
	}
	return &SyncService{
		store:     store,
		ledger:    ledger,
		contracts: contracts,
		operator:  operator,
		funding:   funding,
		exec: &executor{
			ledger:         ledger,
			pending:        pending,
			chainID:        cfg.ChainID,
			receiptTimeout: cfg.ReceiptTimeout,
		},
		cfg: cfg,
	}
}

// SetOnSynced 设置同步完成回调
func (s *SyncService) SetOnSynced(fn func(ctx context.Context, ev *model.SyncedEvent)) {
	s.onSynced = fn
}

// EnsureSynced 确保实体已同步到链上, 返回同步标记 (交易哈希)
//
// 已同步且 force 为 false 时直接返回已有标记, 不提交交易。
// Person 余额充足且未 force 时不需要交易, 返回空标记。
func (s *SyncService) EnsureSynced(ctx context.Context, kind model.EntityKind, id string, force bool) (string, error) {
	if !s.cfg.Singleflight {
		return s.ensureSynced(ctx, kind, id, force)
	}
	key := fmt.Sprintf("%s:%s:%t", kind, id, force)
	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		return s.ensureSynced(ctx, kind, id, force)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *SyncService) ensureSynced(ctx context.Context, kind model.EntityKind, id string, force bool) (string, error) {
	start := time.Now()
	var (
		marker string
		err    error
	)
	switch kind {
	case model.EntityKindConfig:
		marker, err = s.SyncConfig(ctx, id, force)
	case model.EntityKindLocation:
		marker, err = s.SyncLocation(ctx, id, force)
	case model.EntityKindRisk:
		marker, err = s.SyncRisk(ctx, id, force)
	case model.EntityKindPerson:
		marker, err = s.SyncPerson(ctx, id, force)
	case model.EntityKindPolicy:
		marker, err = s.SyncPolicy(ctx, id, force)
	default:
		return "", apperrors.ErrValidation.WithMessagef("unknown entity kind %q", kind)
	}

	status := "success"
	if err != nil {
		status = string(apperrors.KindOf(err))
	}
	metrics.RecordSync(string(kind), status, time.Since(start).Seconds())
	return marker, err
}

// syncPlan 单个实体的同步步骤
type syncPlan struct {
	entity model.Entity
	txType model.PendingTxType
	// deps 依赖实体, 按顺序同步
	deps []dependency
	// prepare 依赖同步完成后构造交易, 返回发送函数
	prepare func(ctx context.Context) (func(ctx context.Context) (*blockchain.Submission, error), error)
	// apply 回执确认后写入额外的标记字段
	apply func(receipt *types.Receipt) error
}

type dependency struct {
	kind model.EntityKind
	id   string
}

// run 执行同步计划
func (s *SyncService) run(ctx context.Context, plan *syncPlan, force bool) (string, error) {
	e := plan.entity
	log := logger.WithContext(ctx).With(
		zap.String("kind", string(e.Kind())),
		zap.String("entity_id", e.EntityID()),
		zap.Bool("force", force),
	)

	if !force && e.IsSynced() {
		log.Debug("entity already synced", zap.String("tx_hash", e.Marker()))
		return e.Marker(), nil
	}

	for _, dep := range plan.deps {
		if _, err := s.EnsureSynced(ctx, dep.kind, dep.id, force); err != nil {
			return "", err
		}
	}

	ref := txRef{kind: e.Kind(), id: e.EntityID(), txType: plan.txType}

	adopted, err := s.reconcileOpen(ctx, ref)
	if err != nil {
		return "", err
	}
	if adopted != nil {
		log.Info("adopting previously submitted transaction", zap.String("tx_hash", adopted.TxHash.Hex()))
		return s.finish(ctx, plan, adopted)
	}

	send, err := plan.prepare(ctx)
	if err != nil {
		return "", err
	}

	receipt, err := s.exec.submit(ctx, ref, send)
	if err != nil {
		log.Warn("entity sync failed", zap.Error(err))
		return "", err
	}
	return s.finish(ctx, plan, receipt)
}

// reconcileOpen 检查实体未终结的交易, 已上链时返回其回执
func (s *SyncService) reconcileOpen(ctx context.Context, ref txRef) (*types.Receipt, error) {
	ptx, err := s.exec.openTx(ctx, ref)
	if err != nil || ptx == nil {
		return nil, err
	}

	res, receipt, err := s.exec.resolve(ctx, ptx)
	if err != nil {
		return nil, err
	}
	logger.Info("resolved open transaction",
		zap.String("tx_hash", ptx.TxHash),
		zap.String("kind", string(ref.kind)),
		zap.String("entity_id", ref.id),
		zap.String("resolution", res.String()))

	switch res {
	case resolutionLanded:
		return receipt, nil
	case resolutionInFlight:
		return nil, stillPending(ptx)
	default:
		s.exec.settle(ctx, ptx, res)
		return nil, nil
	}
}

// finish 写入同步标记, 之后关闭交易日志并发送事件
func (s *SyncService) finish(ctx context.Context, plan *syncPlan, receipt *types.Receipt) (string, error) {
	e := plan.entity
	hash := receipt.TxHash.Hex()
	e.SetMarker(hash)

	var applyErr error
	if plan.apply != nil {
		applyErr = plan.apply(receipt)
	}

	// 交易已上链, 即使事件解析失败也必须保存标记, 避免重复提交
	if err := s.store.SaveMarker(ctx, e); err != nil {
		logger.Error("failed to persist sync marker",
			zap.String("kind", string(e.Kind())),
			zap.String("entity_id", e.EntityID()),
			zap.String("tx_hash", hash),
			zap.Error(err))
		return "", err
	}
	s.exec.confirm(ctx, receipt.TxHash)

	if applyErr != nil {
		logger.Error("transaction confirmed but expected event is missing",
			zap.String("kind", string(e.Kind())),
			zap.String("entity_id", e.EntityID()),
			zap.String("tx_hash", hash),
			zap.Error(applyErr))
		return hash, applyErr
	}

	logger.Info("entity synced",
		zap.String("kind", string(e.Kind())),
		zap.String("entity_id", e.EntityID()),
		zap.String("tx_hash", hash))

	if s.onSynced != nil {
		s.onSynced(ctx, model.NewSyncedEvent(e, time.Now().UnixMilli()))
	}
	return hash, nil
}

// SyncConfig 同步保险季配置
func (s *SyncService) SyncConfig(ctx context.Context, id string, force bool) (string, error) {
	cfg, err := s.store.FindConfig(ctx, id)
	if err != nil {
		return "", err
	}
	return s.run(ctx, &syncPlan{
		entity: cfg,
		txType: model.PendingTxTypeCreateSeason,
		prepare: func(ctx context.Context) (func(ctx context.Context) (*blockchain.Submission, error), error) {
			if err := s.normalizeConfig(ctx, cfg); err != nil {
				return nil, err
			}
			args, err := contract.CreateSeasonArgs(cfg)
			if err != nil {
				return nil, err
			}
			return s.operatorSend(contract.MethodCreateSeason, args), nil
		},
	}, force)
}

// normalizeConfig 由起止日期重算 year 与 seasonDays, 与存储不一致时写回
func (s *SyncService) normalizeConfig(ctx context.Context, cfg *model.Config) error {
	year, days := cfg.Year, cfg.SeasonDays
	if err := cfg.Normalize(); err != nil {
		return err
	}
	if cfg.Year == year && cfg.SeasonDays == days {
		return nil
	}
	logger.Warn("stored config out of date, saving recomputed season",
		zap.String("config_id", cfg.ID),
		zap.Int("season_days", cfg.SeasonDays),
		zap.Int("stored_season_days", days))
	return s.store.Upsert(ctx, cfg)
}

// SyncLocation 同步地点, 坐标按 LocationDecimals 转为定点整数
func (s *SyncService) SyncLocation(ctx context.Context, id string, force bool) (string, error) {
	loc, err := s.store.FindLocation(ctx, id)
	if err != nil {
		return "", err
	}
	return s.run(ctx, &syncPlan{
		entity: loc,
		txType: model.PendingTxTypeCreateLocation,
		prepare: func(ctx context.Context) (func(ctx context.Context) (*blockchain.Submission, error), error) {
			if err := loc.Validate(); err != nil {
				return nil, err
			}
			args, err := contract.CreateLocationArgs(loc, s.cfg.LocationDecimals)
			if err != nil {
				return nil, err
			}
			return s.operatorSend(contract.MethodCreateLocation, args), nil
		},
	}, force)
}

// SyncRisk 同步风险, 依赖 Config 与 Location; 回执中恢复链上 risk id
func (s *SyncService) SyncRisk(ctx context.Context, id string, force bool) (string, error) {
	risk, err := s.store.FindRisk(ctx, id)
	if err != nil {
		return "", err
	}
	if !force && risk.IsSynced() {
		return risk.Marker(), nil
	}
	if err := risk.Validate(s.cfg.ValidCrops); err != nil {
		return "", err
	}

	return s.run(ctx, &syncPlan{
		entity: risk,
		txType: model.PendingTxTypeCreateRisk,
		deps: []dependency{
			{model.EntityKindConfig, risk.ConfigID},
			{model.EntityKindLocation, risk.LocationID},
		},
		prepare: func(ctx context.Context) (func(ctx context.Context) (*blockchain.Submission, error), error) {
			cfg, err := s.store.FindConfig(ctx, risk.ConfigID)
			if err != nil {
				return nil, err
			}
			// seasonEndAt 必须与 createSeason 使用同一个 seasonDays
			if err := s.normalizeConfig(ctx, cfg); err != nil {
				return nil, err
			}
			loc, err := s.store.FindLocation(ctx, risk.LocationID)
			if err != nil {
				return nil, err
			}
			args, err := contract.CreateRiskArgs(risk, cfg, loc)
			if err != nil {
				return nil, err
			}
			return s.operatorSend(contract.MethodCreateRisk, args), nil
		},
		apply: s.recoverRiskID(risk),
	}, force)
}

// SyncPerson 同步受益人, 即钱包注资与授权
func (s *SyncService) SyncPerson(ctx context.Context, id string, force bool) (string, error) {
	person, err := s.store.FindPerson(ctx, id)
	if err != nil {
		return "", err
	}
	if !force && person.IsSynced() {
		return person.Marker(), nil
	}
	if err := person.Validate(); err != nil {
		return "", err
	}

	plan, err := s.funding.plan(ctx, person, force)
	if err != nil {
		return "", err
	}
	if plan == nil {
		// 余额充足, 无需交易
		return "", nil
	}

	marker, err := s.run(ctx, &syncPlan{
		entity:  person,
		txType:  model.PendingTxTypeTokenTransfer,
		prepare: plan.transfer,
	}, force)
	if err != nil {
		return "", err
	}
	if err := s.funding.completeFunding(ctx, person); err != nil {
		return marker, err
	}
	return marker, nil
}

// SyncPolicy 同步保单, 依赖 Person 与 Risk
func (s *SyncService) SyncPolicy(ctx context.Context, id string, force bool) (string, error) {
	policy, err := s.store.FindPolicy(ctx, id)
	if err != nil {
		return "", err
	}
	if !force && policy.IsSynced() {
		return policy.Marker(), nil
	}
	if err := policy.Validate(s.cfg.PolicyRules); err != nil {
		return "", err
	}

	return s.run(ctx, &syncPlan{
		entity: policy,
		txType: model.PendingTxTypeCreatePolicy,
		deps: []dependency{
			{model.EntityKindPerson, policy.PersonID},
			{model.EntityKindRisk, policy.RiskID},
		},
		prepare: func(ctx context.Context) (func(ctx context.Context) (*blockchain.Submission, error), error) {
			args, err := s.policyArgs(ctx, policy)
			if err != nil {
				return nil, err
			}
			return s.operatorSend(contract.MethodCreatePolicy, args), nil
		},
		apply: s.recoverPolicyNFT(policy),
	}, force)
}

// recoverRiskID 从 createRisk 回执恢复链上 risk id
func (s *SyncService) recoverRiskID(risk *model.Risk) func(receipt *types.Receipt) error {
	return func(receipt *types.Receipt) error {
		riskID, err := contract.RecoverRiskID(s.contracts.RiskSet, receipt)
		if err != nil {
			risk.OnchainID = ""
			return err
		}
		risk.OnchainID = contract.RiskIDHex(riskID)
		return nil
	}
}

// recoverPolicyNFT 从 createPolicy 回执读取保单 NFT id, 事件缺失不算错误
func (s *SyncService) recoverPolicyNFT(policy *model.Policy) func(receipt *types.Receipt) error {
	return func(receipt *types.Receipt) error {
		nft, found, err := contract.DecodePolicyCreated(s.contracts.Product, receipt)
		if err != nil {
			logger.Warn("failed to decode policy nft id",
				zap.String("policy_id", policy.ID),
				zap.String("tx_hash", receipt.TxHash.Hex()),
				zap.Error(err))
			return nil
		}
		if found {
			policy.NFT = nft.String()
		}
		return nil
	}
}

func (s *SyncService) policyArgs(ctx context.Context, policy *model.Policy) ([]interface{}, error) {
	person, err := s.store.FindPerson(ctx, policy.PersonID)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(person.Wallet) {
		return nil, apperrors.ErrValidation.WithMessagef("person %s: wallet %q is not an address", person.ID, person.Wallet)
	}
	risk, err := s.store.FindRisk(ctx, policy.RiskID)
	if err != nil {
		return nil, err
	}
	riskID, err := s.onchainRiskID(ctx, risk)
	if err != nil {
		return nil, err
	}
	activateAt, err := policy.ActivateAt()
	if err != nil {
		return nil, err
	}
	decimals, err := s.TokenDecimals(ctx)
	if err != nil {
		return nil, err
	}
	return contract.CreatePolicyArgs(
		common.HexToAddress(person.Wallet),
		riskID,
		activateAt,
		model.ToTokenUnits(policy.SumInsuredAmount, decimals),
		model.ToTokenUnits(policy.PremiumAmount, decimals),
	), nil
}

// onchainRiskID 优先使用已恢复的 risk id, 否则向合约查询
func (s *SyncService) onchainRiskID(ctx context.Context, risk *model.Risk) ([8]byte, error) {
	if risk.OnchainID != "" {
		id, err := contract.ParseRiskID(risk.OnchainID)
		if err == nil {
			return id, nil
		}
		logger.Warn("stored onchain risk id is malformed, querying contract",
			zap.String("risk_id", risk.ID),
			zap.String("onchain_id", risk.OnchainID))
	}
	return lookupRiskID(ctx, s.ledger, s.contracts.Product, risk.ID)
}

func lookupRiskID(ctx context.Context, ledger blockchain.Ledger, product *contract.Binding, riskID string) ([8]byte, error) {
	key, err := contract.Str(riskID)
	if err != nil {
		return [8]byte{}, apperrors.WrapWithCause(apperrors.ErrValidation, err, "risk id")
	}
	out, err := ledger.Call(ctx, product, contract.MethodGetRiskID, key)
	if err != nil {
		return [8]byte{}, err
	}
	id, err := contract.DecodeRiskID(out)
	if err != nil {
		return [8]byte{}, apperrors.Wrap(apperrors.ErrInternal, err)
	}
	if id == ([8]byte{}) {
		return id, apperrors.ErrChainEventMissing.WithMessagef("risk %s has no onchain id", riskID)
	}
	return id, nil
}

// TokenDecimals 代币精度, 首次成功查询后缓存
func (s *SyncService) TokenDecimals(ctx context.Context) (uint8, error) {
	s.decimalsMu.Lock()
	defer s.decimalsMu.Unlock()
	if s.tokenDecimals != nil {
		return *s.tokenDecimals, nil
	}
	out, err := s.ledger.Call(ctx, s.contracts.Token, contract.MethodDecimals)
	if err != nil {
		return 0, err
	}
	d, err := contract.DecodeDecimals(out)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrInternal, err)
	}
	s.tokenDecimals = &d
	return d, nil
}

// operatorSend 从运营钱包调用 product 合约
func (s *SyncService) operatorSend(method string, args []interface{}) func(ctx context.Context) (*blockchain.Submission, error) {
	return func(ctx context.Context) (*blockchain.Submission, error) {
		return s.ledger.Send(ctx, s.operator, s.contracts.Product, method, args...)
	}
}

// adopt 对账任务发现交易已上链时补写同步标记
func (s *SyncService) adopt(ctx context.Context, ptx *model.PendingTx, receipt *types.Receipt) error {
	e, err := s.store.Find(ctx, ptx.EntityKind, ptx.RefID)
	if err != nil {
		return err
	}
	if e.Marker() == ptx.TxHash {
		s.exec.confirm(ctx, receipt.TxHash)
		return nil
	}

	plan := &syncPlan{entity: e, txType: ptx.TxType}
	switch v := e.(type) {
	case *model.Risk:
		plan.apply = s.recoverRiskID(v)
	case *model.Policy:
		plan.apply = s.recoverPolicyNFT(v)
	}
	if _, err := s.finish(ctx, plan, receipt); err != nil {
		return err
	}

	// 代币转账迟到上链: 补做原生币注资与授权
	if person, ok := e.(*model.Person); ok && ptx.TxType == model.PendingTxTypeTokenTransfer {
		return s.funding.completeFunding(ctx, person)
	}
	return nil
}
