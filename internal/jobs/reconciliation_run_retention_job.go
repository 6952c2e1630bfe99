package jobs

import (
	"context"
	"time"

	"github.com/etherisc/esusfarm/internal/scheduler"
)

// RunPruner 清理过期的对账记录
type RunPruner interface {
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

// ReconciliationRunRetentionJob 按保留期清理对账历史
type ReconciliationRunRetentionJob struct {
	scheduler.BaseJob
	pruner    RunPruner
	retention time.Duration
}

// NewReconciliationRunRetentionJob 创建对账历史清理任务
func NewReconciliationRunRetentionJob(pruner RunPruner, retention time.Duration) *ReconciliationRunRetentionJob {
	cfg := scheduler.DefaultJobConfigs[scheduler.JobNameRunRetention]
	return &ReconciliationRunRetentionJob{
		BaseJob:   scheduler.NewBaseJob(scheduler.JobNameRunRetention, cfg.Timeout, cfg.LockTTL, cfg.UseWatchdog),
		pruner:    pruner,
		retention: retention,
	}
}

// Execute 删除早于保留期的记录
func (j *ReconciliationRunRetentionJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	deleted, err := j.pruner.Prune(ctx, j.retention)
	if err != nil {
		return nil, err
	}
	return &scheduler.JobResult{
		AffectedCount: int(deleted),
		Details: map[string]interface{}{
			"retention": j.retention.String(),
		},
	}, nil
}
