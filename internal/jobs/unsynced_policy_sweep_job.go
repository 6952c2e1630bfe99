package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/etherisc/esusfarm/internal/errors"
	"github.com/etherisc/esusfarm/internal/logger"
	"github.com/etherisc/esusfarm/internal/model"
	"github.com/etherisc/esusfarm/internal/scheduler"
)

// UnsyncedLister 查询未同步实体
type UnsyncedLister interface {
	ListUnsynced(ctx context.Context, kind model.EntityKind, limit int) ([]model.Entity, error)
}

// Syncer 同步入口
type Syncer interface {
	EnsureSynced(ctx context.Context, kind model.EntityKind, id string, force bool) (string, error)
}

// UnsyncedPolicySweepJob 补同步未上链的保单 (依赖实体随之同步)
//
// 确认超时的保单留给对账任务处理, 其余失败只计数, 下一轮继续尝试。
type UnsyncedPolicySweepJob struct {
	scheduler.BaseJob
	store     UnsyncedLister
	syncer    Syncer
	batchSize int
}

// NewUnsyncedPolicySweepJob 创建补同步任务
func NewUnsyncedPolicySweepJob(store UnsyncedLister, syncer Syncer, batchSize int, timeout, lockTTL time.Duration) *UnsyncedPolicySweepJob {
	cfg := scheduler.DefaultJobConfigs[scheduler.JobNameUnsyncedPolicySweep]
	if batchSize <= 0 {
		batchSize = 20
	}
	if timeout <= 0 {
		timeout = cfg.Timeout
	}
	if lockTTL <= 0 {
		lockTTL = cfg.LockTTL
	}
	return &UnsyncedPolicySweepJob{
		BaseJob:   scheduler.NewBaseJob(scheduler.JobNameUnsyncedPolicySweep, timeout, lockTTL, cfg.UseWatchdog),
		store:     store,
		syncer:    syncer,
		batchSize: batchSize,
	}
}

// Execute 执行一轮补同步
func (j *UnsyncedPolicySweepJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	policies, err := j.store.ListUnsynced(ctx, model.EntityKindPolicy, j.batchSize)
	if err != nil {
		return nil, err
	}

	result := &scheduler.JobResult{
		Details: map[string]interface{}{},
	}
	pending := 0
	for _, p := range policies {
		if ctx.Err() != nil {
			break
		}
		result.ProcessedCount++

		_, err := j.syncer.EnsureSynced(ctx, model.EntityKindPolicy, p.EntityID(), false)
		switch {
		case err == nil:
			result.AffectedCount++
		case apperrors.Is(err, apperrors.ErrChainConfirmationTimeout):
			pending++
		default:
			result.ErrorCount++
			logger.Warn("policy sweep sync failed",
				zap.String("policy_id", p.EntityID()),
				zap.String("error_kind", string(apperrors.KindOf(err))),
				zap.Error(err))
		}
	}
	result.Details["pending"] = pending
	return result, nil
}
