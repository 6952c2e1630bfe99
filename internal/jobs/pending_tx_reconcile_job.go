// Package jobs 同步引擎的定时任务
package jobs

import (
	"context"
	"time"

	"github.com/etherisc/esusfarm/internal/model"
	"github.com/etherisc/esusfarm/internal/scheduler"
)

// Reconciler 交易日志对账
type Reconciler interface {
	Run(ctx context.Context) (*model.ReconciliationRun, error)
}

// PendingTxReconcileJob 对账超过确认期限的交易日志
type PendingTxReconcileJob struct {
	scheduler.BaseJob
	reconciler Reconciler
}

// NewPendingTxReconcileJob 创建对账任务
func NewPendingTxReconcileJob(reconciler Reconciler, timeout, lockTTL time.Duration) *PendingTxReconcileJob {
	cfg := scheduler.DefaultJobConfigs[scheduler.JobNamePendingTxReconcile]
	if timeout <= 0 {
		timeout = cfg.Timeout
	}
	if lockTTL <= 0 {
		lockTTL = cfg.LockTTL
	}
	return &PendingTxReconcileJob{
		BaseJob:    scheduler.NewBaseJob(scheduler.JobNamePendingTxReconcile, timeout, lockTTL, cfg.UseWatchdog),
		reconciler: reconciler,
	}
}

// Execute 执行一次对账
func (j *PendingTxReconcileJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	run, err := j.reconciler.Run(ctx)
	if err != nil {
		return nil, err
	}
	return &scheduler.JobResult{
		ProcessedCount: run.Checked,
		AffectedCount:  run.Adopted + run.Failed + run.Replaced,
		ErrorCount:     run.Errors,
		Details: map[string]interface{}{
			"run_id":    run.RunID,
			"in_flight": run.InFlight,
		},
	}, nil
}
