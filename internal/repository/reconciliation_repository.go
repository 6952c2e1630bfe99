package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/etherisc/esusfarm/internal/model"
)

var ErrReconciliationRunNotFound = errors.New("reconciliation run not found")

// ReconciliationRunRepository 对账历史仓储接口
type ReconciliationRunRepository interface {
	Create(ctx context.Context, run *model.ReconciliationRun) error
	GetByRunID(ctx context.Context, runID string) (*model.ReconciliationRun, error)

	// ListRecent 按开始时间倒序, 跳过没有检查任何交易的空轮次
	ListRecent(ctx context.Context, page *Pagination) ([]*model.ReconciliationRun, error)
	ListWithErrors(ctx context.Context, page *Pagination) ([]*model.ReconciliationRun, error)

	// DeleteBefore 清理早于 before (毫秒) 的记录
	DeleteBefore(ctx context.Context, before int64) (int64, error)
}

type reconciliationRunRepository struct {
	*Repository
}

// NewReconciliationRunRepository 创建对账历史仓储
func NewReconciliationRunRepository(db *gorm.DB) ReconciliationRunRepository {
	return &reconciliationRunRepository{
		Repository: NewRepository(db),
	}
}

func (r *reconciliationRunRepository) Create(ctx context.Context, run *model.ReconciliationRun) error {
	return r.DB(ctx).Create(run).Error
}

func (r *reconciliationRunRepository) GetByRunID(ctx context.Context, runID string) (*model.ReconciliationRun, error) {
	var run model.ReconciliationRun
	err := r.DB(ctx).Where("run_id = ?", runID).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrReconciliationRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *reconciliationRunRepository) ListRecent(ctx context.Context, page *Pagination) ([]*model.ReconciliationRun, error) {
	return r.list(r.DB(ctx).Model(&model.ReconciliationRun{}).Where("checked > 0"), page)
}

func (r *reconciliationRunRepository) ListWithErrors(ctx context.Context, page *Pagination) ([]*model.ReconciliationRun, error) {
	return r.list(r.DB(ctx).Model(&model.ReconciliationRun{}).Where("errors > 0"), page)
}

func (r *reconciliationRunRepository) list(query *gorm.DB, page *Pagination) ([]*model.ReconciliationRun, error) {
	var runs []*model.ReconciliationRun
	if err := query.Count(&page.Total).Error; err != nil {
		return nil, err
	}
	err := query.
		Order("started_at DESC").
		Offset(page.Offset()).
		Limit(page.Limit()).
		Find(&runs).Error
	return runs, err
}

func (r *reconciliationRunRepository) DeleteBefore(ctx context.Context, before int64) (int64, error) {
	result := r.DB(ctx).Where("started_at < ?", before).Delete(&model.ReconciliationRun{})
	return result.RowsAffected, result.Error
}
