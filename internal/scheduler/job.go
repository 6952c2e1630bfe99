package scheduler

import (
	"context"
	"time"
)

// Job 任务接口
type Job interface {
	// Name 任务名称
	Name() string
	// Execute 执行任务
	Execute(ctx context.Context) (*JobResult, error)
	// Timeout 任务超时时间
	Timeout() time.Duration
	// RequiresLock 是否需要分布式锁
	RequiresLock() bool
	// LockTTL 锁的TTL (仅在 RequiresLock() 返回 true 时有效)
	LockTTL() time.Duration
	// UseWatchdog 是否使用 Watchdog 锁续期 (长时间运行任务)
	UseWatchdog() bool
}

// JobResult 任务执行结果
type JobResult struct {
	// ProcessedCount 处理的记录数
	ProcessedCount int
	// AffectedCount 影响的记录数
	AffectedCount int
	// ErrorCount 错误数
	ErrorCount int
	Details    map[string]interface{}
}

// BaseJob 基础任务实现
type BaseJob struct {
	name        string
	timeout     time.Duration
	lockTTL     time.Duration
	useWatchdog bool
}

// NewBaseJob 创建基础任务
func NewBaseJob(name string, timeout, lockTTL time.Duration, useWatchdog bool) BaseJob {
	return BaseJob{
		name:        name,
		timeout:     timeout,
		lockTTL:     lockTTL,
		useWatchdog: useWatchdog,
	}
}

func (j BaseJob) Name() string           { return j.name }
func (j BaseJob) Timeout() time.Duration { return j.timeout }
func (j BaseJob) RequiresLock() bool     { return j.lockTTL > 0 }
func (j BaseJob) LockTTL() time.Duration { return j.lockTTL }
func (j BaseJob) UseWatchdog() bool      { return j.useWatchdog }

// 任务名称
const (
	JobNamePendingTxReconcile  = "pending-tx-reconcile"
	JobNameUnsyncedPolicySweep = "unsynced-policy-sweep"
	JobNameRunRetention        = "reconciliation-run-retention"
)

// DefaultJobConfigs 默认任务配置
var DefaultJobConfigs = map[string]struct {
	Cron        string
	Timeout     time.Duration
	LockTTL     time.Duration
	UseWatchdog bool
}{
	JobNamePendingTxReconcile: {
		Cron:        "*/30 * * * * *", // 每30秒
		Timeout:     25 * time.Second,
		LockTTL:     30 * time.Second,
		UseWatchdog: false,
	},
	JobNameUnsyncedPolicySweep: {
		Cron:        "0 */5 * * * *", // 每5分钟
		Timeout:     4 * time.Minute,
		LockTTL:     time.Minute,
		UseWatchdog: true,
	},
	JobNameRunRetention: {
		Cron:        "0 30 3 * * *", // 每天03:30
		Timeout:     time.Minute,
		LockTTL:     2 * time.Minute,
		UseWatchdog: false,
	},
}
