// Package handler 同步引擎对外服务入口
//
// 业务错误统一经 apperrors.ToGRPCError 转换为 gRPC 状态码:
//
//	NOT_FOUND                  -> NotFound
//	VALIDATION_ERROR           -> InvalidArgument
//	CHAIN_SUBMISSION_ERROR     -> Unavailable
//	CHAIN_CONFIRMATION_TIMEOUT -> DeadlineExceeded
//	CHAIN_EVENT_MISSING        -> DataLoss
//	PRECONDITION_FAILED        -> FailedPrecondition
//	INTERNAL_ERROR             -> Internal
package handler

import (
	"context"

	"go.uber.org/zap"

	"github.com/etherisc/esusfarm/internal/blockchain"
	apperrors "github.com/etherisc/esusfarm/internal/errors"
	"github.com/etherisc/esusfarm/internal/logger"
	"github.com/etherisc/esusfarm/internal/model"
	"github.com/etherisc/esusfarm/internal/repository"
)

// Syncer 同步入口
type Syncer interface {
	EnsureSynced(ctx context.Context, kind model.EntityKind, id string, force bool) (string, error)
}

// PayoutReader 赔付相关入口
type PayoutReader interface {
	OnchainPolicy(ctx context.Context, policyID string) (*model.OnchainPolicy, error)
	EstimatePayout(ctx context.Context, policyID string) (*model.PayoutEstimate, error)
	UpdatePayoutFactor(ctx context.Context, riskID string) (string, error)
}

// Reconciler 交易日志对账入口
type Reconciler interface {
	Run(ctx context.Context) (*model.ReconciliationRun, error)
	History(ctx context.Context, page *repository.Pagination, onlyErrors bool) ([]*model.ReconciliationRun, error)
	RunByID(ctx context.Context, runID string) (*model.ReconciliationRun, error)
}

// EntityFinder 实体查询
type EntityFinder interface {
	Find(ctx context.Context, kind model.EntityKind, id string) (model.Entity, error)
}

// WalletDeriver 农户钱包派生
type WalletDeriver interface {
	Wallet(index int) (*blockchain.Account, error)
}

// SyncHandler 同步服务处理器
type SyncHandler struct {
	syncer     Syncer
	payout     PayoutReader
	reconciler Reconciler
	store      EntityFinder
	wallets    WalletDeriver
}

// NewSyncHandler 创建处理器
func NewSyncHandler(
	syncer Syncer,
	payout PayoutReader,
	reconciler Reconciler,
	store EntityFinder,
	wallets WalletDeriver,
) *SyncHandler {
	return &SyncHandler{
		syncer:     syncer,
		payout:     payout,
		reconciler: reconciler,
		store:      store,
		wallets:    wallets,
	}
}

// SyncResponse 同步结果
type SyncResponse struct {
	Kind   string `json:"kind"`
	ID     string `json:"id"`
	TxHash string `json:"tx_hash"`
	Synced bool   `json:"synced"`
}

// SyncStatusResponse 实体同步状态
type SyncStatusResponse struct {
	Kind      string `json:"kind"`
	ID        string `json:"id"`
	TxHash    string `json:"tx_hash"`
	Synced    bool   `json:"synced"`
	OnchainID string `json:"onchain_id,omitempty"`
	NFT       string `json:"nft,omitempty"`
}

// PayoutFactorResponse 赔付因子更新结果
type PayoutFactorResponse struct {
	RiskID string `json:"risk_id"`
	TxHash string `json:"tx_hash"`
}

// WalletResponse 钱包地址
type WalletResponse struct {
	Index   int    `json:"index"`
	Address string `json:"address"`
}

// EnsureSynced 同步实体 (含依赖)
//
// 余额充足的受益人不需要交易, 此时 TxHash 为空且 Synced 为 false。
func (h *SyncHandler) EnsureSynced(ctx context.Context, kind string, id string, force bool) (*SyncResponse, error) {
	entityKind, err := model.ParseEntityKind(kind)
	if err != nil {
		return nil, apperrors.ToGRPCError(apperrors.Wrap(apperrors.ErrValidation, err))
	}
	if !model.IsValidID(id) {
		return nil, apperrors.ToGRPCError(apperrors.ErrValidation.WithMessagef("invalid id %q", id))
	}

	txHash, err := h.syncer.EnsureSynced(ctx, entityKind, id, force)
	if err != nil {
		return nil, h.fail("ensure synced failed", err,
			zap.String("kind", string(entityKind)),
			zap.String("id", id),
			zap.String("tx_hash", txHash))
	}

	return &SyncResponse{
		Kind:   string(entityKind),
		ID:     id,
		TxHash: txHash,
		Synced: txHash != "",
	}, nil
}

// GetSyncStatus 查询实体同步状态, 不访问链
func (h *SyncHandler) GetSyncStatus(ctx context.Context, kind string, id string) (*SyncStatusResponse, error) {
	entityKind, err := model.ParseEntityKind(kind)
	if err != nil {
		return nil, apperrors.ToGRPCError(apperrors.Wrap(apperrors.ErrValidation, err))
	}

	entity, err := h.store.Find(ctx, entityKind, id)
	if err != nil {
		return nil, h.fail("get sync status failed", err, zap.String("kind", kind), zap.String("id", id))
	}

	resp := &SyncStatusResponse{
		Kind:   string(entityKind),
		ID:     entity.EntityID(),
		TxHash: entity.Marker(),
		Synced: entity.IsSynced(),
	}
	switch e := entity.(type) {
	case *model.Risk:
		resp.OnchainID = e.OnchainID
	case *model.Policy:
		resp.NFT = e.NFT
	}
	return resp, nil
}

// GetOnchainPolicy 读取保单链上视图
func (h *SyncHandler) GetOnchainPolicy(ctx context.Context, policyID string) (*model.OnchainPolicy, error) {
	view, err := h.payout.OnchainPolicy(ctx, policyID)
	if err != nil {
		return nil, h.fail("get onchain policy failed", err, zap.String("policy_id", policyID))
	}
	return view, nil
}

// EstimatePayout 保单赔付估算
func (h *SyncHandler) EstimatePayout(ctx context.Context, policyID string) (*model.PayoutEstimate, error) {
	estimate, err := h.payout.EstimatePayout(ctx, policyID)
	if err != nil {
		return nil, h.fail("estimate payout failed", err, zap.String("policy_id", policyID))
	}
	return estimate, nil
}

// UpdatePayoutFactor 更新 Risk 的链上赔付因子
func (h *SyncHandler) UpdatePayoutFactor(ctx context.Context, riskID string) (*PayoutFactorResponse, error) {
	txHash, err := h.payout.UpdatePayoutFactor(ctx, riskID)
	if err != nil {
		return nil, h.fail("update payout factor failed", err, zap.String("risk_id", riskID))
	}
	return &PayoutFactorResponse{RiskID: riskID, TxHash: txHash}, nil
}

// TriggerReconciliation 手动触发一次交易日志对账
func (h *SyncHandler) TriggerReconciliation(ctx context.Context) (*model.ReconciliationRun, error) {
	run, err := h.reconciler.Run(ctx)
	if err != nil {
		return nil, h.fail("reconciliation failed", err)
	}
	return run, nil
}

// ReconciliationHistoryResponse 对账历史
type ReconciliationHistoryResponse struct {
	Runs  []*model.ReconciliationRun `json:"runs"`
	Total int64                      `json:"total"`
	Page  int                        `json:"page"`
}

// ListReconciliationRuns 分页查询非空的对账记录, 最新的在前; onlyErrors 时只列出出错的轮次
func (h *SyncHandler) ListReconciliationRuns(ctx context.Context, page, pageSize int, onlyErrors bool) (*ReconciliationHistoryResponse, error) {
	p := &repository.Pagination{Page: page, PageSize: pageSize}
	runs, err := h.reconciler.History(ctx, p, onlyErrors)
	if err != nil {
		return nil, h.fail("list reconciliation runs failed", err)
	}
	return &ReconciliationHistoryResponse{Runs: runs, Total: p.Total, Page: p.Page}, nil
}

// GetReconciliationRun 查询单轮对账
func (h *SyncHandler) GetReconciliationRun(ctx context.Context, runID string) (*model.ReconciliationRun, error) {
	if runID == "" {
		return nil, apperrors.ToGRPCError(apperrors.ErrValidation.WithMessagef("run id must not be empty"))
	}
	run, err := h.reconciler.RunByID(ctx, runID)
	if err != nil {
		return nil, h.fail("get reconciliation run failed", err, zap.String("run_id", runID))
	}
	return run, nil
}

// GetWallet 派生农户钱包地址
func (h *SyncHandler) GetWallet(ctx context.Context, index int) (*WalletResponse, error) {
	if index < 0 {
		return nil, apperrors.ToGRPCError(apperrors.ErrValidation.WithMessagef("wallet index must not be negative: %d", index))
	}
	account, err := h.wallets.Wallet(index)
	if err != nil {
		return nil, h.fail("derive wallet failed", err, zap.Int("index", index))
	}
	return &WalletResponse{Index: account.Index, Address: account.Address.Hex()}, nil
}

// fail 内部错误记 error 日志, 业务错误记 warn 日志
func (h *SyncHandler) fail(msg string, err error, fields ...zap.Field) error {
	bizErr := apperrors.FromError(err)
	fields = append(fields,
		zap.String("error_kind", string(bizErr.Code)),
		zap.Error(err))
	if len(bizErr.Details) > 0 {
		fields = append(fields, zap.Any("details", bizErr.Details))
	}
	if bizErr.Code == apperrors.KindInternal {
		logger.Error(msg, fields...)
	} else {
		logger.Warn(msg, fields...)
	}
	return apperrors.ToGRPCError(bizErr)
}
