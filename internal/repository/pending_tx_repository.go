package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/etherisc/esusfarm/internal/model"
)

var (
	ErrPendingTxNotFound       = errors.New("pending tx not found")
	ErrDuplicatePendingTx      = errors.New("duplicate pending tx")
	ErrPendingTxStatusConflict = errors.New("pending tx status changed concurrently")
)

// PendingTxRepository 待确认交易日志仓储
type PendingTxRepository interface {
	Create(ctx context.Context, tx *model.PendingTx) error
	GetByHash(ctx context.Context, txHash string) (*model.PendingTx, error)
	// GetOpenByRef 实体最近一条未终结的交易
	GetOpenByRef(ctx context.Context, kind model.EntityKind, refID string, txType model.PendingTxType) (*model.PendingTx, error)
	// UpdateStatus 仅当当前状态为 from 时更新
	UpdateStatus(ctx context.Context, txHash string, from, to model.PendingTxStatus) error
	// ListExpired 超过确认期限仍未终结的交易
	ListExpired(ctx context.Context, now int64, limit int) ([]*model.PendingTx, error)
	CountOpen(ctx context.Context) (int64, error)
}

type pendingTxRepository struct {
	*Repository
}

// NewPendingTxRepository 创建待确认交易仓储
func NewPendingTxRepository(db *gorm.DB) PendingTxRepository {
	return &pendingTxRepository{Repository: NewRepository(db)}
}

func (r *pendingTxRepository) Create(ctx context.Context, tx *model.PendingTx) error {
	now := time.Now().UnixMilli()
	tx.CreatedAt = now
	tx.UpdatedAt = now

	err := r.DB(ctx).Create(tx).Error
	if isDuplicateKeyError(err) {
		return ErrDuplicatePendingTx
	}
	return err
}

func (r *pendingTxRepository) GetByHash(ctx context.Context, txHash string) (*model.PendingTx, error) {
	var tx model.PendingTx
	err := r.DB(ctx).Where("tx_hash = ?", txHash).First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPendingTxNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *pendingTxRepository) GetOpenByRef(ctx context.Context, kind model.EntityKind, refID string, txType model.PendingTxType) (*model.PendingTx, error) {
	var tx model.PendingTx
	err := r.DB(ctx).
		Where("entity_kind = ? AND ref_id = ? AND tx_type = ? AND status = ?",
			kind, refID, txType, model.PendingTxStatusPending).
		Order("submitted_at DESC").
		First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPendingTxNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *pendingTxRepository) UpdateStatus(ctx context.Context, txHash string, from, to model.PendingTxStatus) error {
	result := r.DB(ctx).Model(&model.PendingTx{}).
		Where("tx_hash = ? AND status = ?", txHash, from).
		Updates(map[string]interface{}{
			"status":     to,
			"updated_at": time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrPendingTxStatusConflict
	}
	return nil
}

func (r *pendingTxRepository) ListExpired(ctx context.Context, now int64, limit int) ([]*model.PendingTx, error) {
	var txs []*model.PendingTx
	err := r.DB(ctx).
		Where("status = ? AND timeout_at <= ?", model.PendingTxStatusPending, now).
		Order("timeout_at ASC").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

func (r *pendingTxRepository) CountOpen(ctx context.Context) (int64, error) {
	var n int64
	err := r.DB(ctx).Model(&model.PendingTx{}).
		Where("status = ?", model.PendingTxStatusPending).
		Count(&n).Error
	return n, err
}
