package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/etherisc/esusfarm/internal/errors"
	"github.com/etherisc/esusfarm/internal/logger"
	"github.com/etherisc/esusfarm/internal/metrics"
	"github.com/etherisc/esusfarm/internal/model"
	"github.com/etherisc/esusfarm/internal/repository"
)

// ReconciliationService 待确认交易对账
//
// 扫描超过确认期限的交易日志, 查询回执与发送方 nonce 确定交易去向:
// 已上链的补写同步标记, 失败或被替换的关闭日志, 让下一次同步重新提交。
type ReconciliationService struct {
	pending   repository.PendingTxRepository
	runs      repository.ReconciliationRunRepository
	sync      *SyncService
	exec      *executor
	batchSize int
	now       func() time.Time
}

// NewReconciliationService 创建对账服务
func NewReconciliationService(pending repository.PendingTxRepository, runs repository.ReconciliationRunRepository, syncService *SyncService, batchSize int) *ReconciliationService {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &ReconciliationService{
		pending:   pending,
		runs:      runs,
		sync:      syncService,
		exec:      syncService.exec,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// Run 对账一批过期交易
func (s *ReconciliationService) Run(ctx context.Context) (run *model.ReconciliationRun, err error) {
	run = &model.ReconciliationRun{
		RunID:     uuid.New().String(),
		StartedAt: s.now().UnixMilli(),
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reconciliation panic: %v", r)
			logger.Error("reconciliation panic",
				zap.String("run_id", run.RunID),
				zap.Any("panic", r))
		}
		run.CompletedAt = s.now().UnixMilli()
		s.refreshGauge(ctx)
		s.record(ctx, run)
	}()

	expired, err := s.pending.ListExpired(ctx, run.StartedAt, s.batchSize)
	if err != nil {
		return run, err
	}

	for _, ptx := range expired {
		if ctx.Err() != nil {
			return run, ctx.Err()
		}
		run.Checked++
		if err := s.reconcile(ctx, run, ptx); err != nil {
			run.Errors++
			logger.Error("failed to reconcile pending tx",
				zap.String("run_id", run.RunID),
				zap.String("tx_hash", ptx.TxHash),
				zap.String("kind", string(ptx.EntityKind)),
				zap.String("entity_id", ptx.RefID),
				zap.Error(err))
		}
	}

	if run.Checked > 0 {
		logger.Info("reconciliation completed",
			zap.String("run_id", run.RunID),
			zap.Int("checked", run.Checked),
			zap.Int("adopted", run.Adopted),
			zap.Int("failed", run.Failed),
			zap.Int("replaced", run.Replaced),
			zap.Int("in_flight", run.InFlight),
			zap.Int("errors", run.Errors))
	}
	return run, nil
}

func (s *ReconciliationService) reconcile(ctx context.Context, run *model.ReconciliationRun, ptx *model.PendingTx) error {
	res, receipt, err := s.exec.resolve(ctx, ptx)
	if err != nil {
		return err
	}

	switch res {
	case resolutionLanded:
		run.Adopted++
		// 只有同步标记交易需要补写实体, 注资的后续步骤直接关闭
		if ptx.TxType == model.MarkerTxType(ptx.EntityKind) {
			return s.sync.adopt(ctx, ptx, receipt)
		}
		s.exec.confirm(ctx, receipt.TxHash)
	case resolutionFailed:
		run.Failed++
		s.exec.settle(ctx, ptx, res)
	case resolutionReplaced:
		run.Replaced++
		s.exec.settle(ctx, ptx, res)
	case resolutionInFlight:
		run.InFlight++
		logger.Warn("pending tx still in flight after deadline",
			zap.String("tx_hash", ptx.TxHash),
			zap.String("wallet", ptx.WalletAddress),
			zap.Int64("nonce", ptx.Nonce))
	}
	return nil
}

// record 保存非空轮次, 写入失败不影响对账结果
func (s *ReconciliationService) record(ctx context.Context, run *model.ReconciliationRun) {
	if s.runs == nil || run.IsEmpty() {
		return
	}
	if err := s.runs.Create(ctx, run); err != nil {
		logger.Warn("failed to save reconciliation run",
			zap.String("run_id", run.RunID),
			zap.Error(err))
	}
}

// History 最近的对账记录, onlyErrors 时只返回出错的轮次
func (s *ReconciliationService) History(ctx context.Context, page *repository.Pagination, onlyErrors bool) ([]*model.ReconciliationRun, error) {
	if s.runs == nil {
		return nil, nil
	}
	if onlyErrors {
		return s.runs.ListWithErrors(ctx, page)
	}
	return s.runs.ListRecent(ctx, page)
}

// RunByID 按 run_id 查询一轮对账
func (s *ReconciliationService) RunByID(ctx context.Context, runID string) (*model.ReconciliationRun, error) {
	if s.runs == nil {
		return nil, apperrors.ErrNotFound.WithMessagef("reconciliation history is not recorded")
	}
	run, err := s.runs.GetByRunID(ctx, runID)
	if errors.Is(err, repository.ErrReconciliationRunNotFound) {
		return nil, apperrors.ErrNotFound.WithMessagef("reconciliation run %s not found", runID).WithDetail("run_id", runID)
	}
	if err != nil {
		return nil, apperrors.WrapWithCause(apperrors.ErrInternal, err, "load reconciliation run %s", runID)
	}
	return run, nil
}

// Prune 删除早于 retention 的对账记录
func (s *ReconciliationService) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if s.runs == nil || retention <= 0 {
		return 0, nil
	}
	before := s.now().Add(-retention).UnixMilli()
	n, err := s.runs.DeleteBefore(ctx, before)
	if err != nil {
		return 0, apperrors.WrapWithCause(apperrors.ErrInternal, err, "prune reconciliation runs")
	}
	if n > 0 {
		logger.Info("reconciliation runs pruned",
			zap.Int64("deleted", n),
			zap.Int64("before", before))
	}
	return n, nil
}

func (s *ReconciliationService) refreshGauge(ctx context.Context) {
	n, err := s.pending.CountOpen(ctx)
	if err != nil {
		return
	}
	metrics.PendingTxsGauge.Set(float64(n))
}
