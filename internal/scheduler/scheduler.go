// Package scheduler 定时任务调度
//
// cron 表达式含秒; 多实例部署时任务通过 Redis 分布式锁互斥,
// 同一时刻只有一个实例执行同名任务。
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/etherisc/esusfarm/internal/logger"
	"github.com/etherisc/esusfarm/internal/metrics"
)

// 执行状态
const (
	JobStatusSuccess = "success"
	JobStatusFailed  = "failed"
	JobStatusSkipped = "skipped"
)

// Scheduler 任务调度器
type Scheduler struct {
	cron        *cron.Cron
	lockManager *LockManager
	jobs        map[string]Job
	jobConfigs  map[string]JobConfig
	lastRuns    map[string]*JobExecution
	mu          sync.RWMutex
	running     chan struct{}
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
}

// JobConfig 任务配置
type JobConfig struct {
	Cron    string
	Enabled bool
}

// SchedulerConfig 调度器配置
type SchedulerConfig struct {
	MaxConcurrentJobs int
	RedisClient       redis.UniversalClient
}

// JobExecution 最近一次执行记录
type JobExecution struct {
	Status     string
	StartedAt  int64
	FinishedAt int64
	DurationMs int64
	Result     *JobResult
	Error      string
}

// NewScheduler 创建调度器
func NewScheduler(cfg *SchedulerConfig) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	maxConcurrent := cfg.MaxConcurrentJobs
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}

	return &Scheduler{
		cron:        cron.New(cron.WithSeconds()),
		lockManager: NewLockManager(cfg.RedisClient),
		jobs:        make(map[string]Job),
		jobConfigs:  make(map[string]JobConfig),
		lastRuns:    make(map[string]*JobExecution),
		running:     make(chan struct{}, maxConcurrent),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// RegisterJob 注册任务
func (s *Scheduler) RegisterJob(job Job, config JobConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name()]; exists {
		return fmt.Errorf("job %s already registered", job.Name())
	}

	s.jobs[job.Name()] = job
	s.jobConfigs[job.Name()] = config

	if !config.Enabled {
		logger.Info("job registered but disabled", zap.String("job", job.Name()))
		return nil
	}

	_, err := s.cron.AddFunc(config.Cron, func() {
		s.executeJob(job)
	})
	if err != nil {
		delete(s.jobs, job.Name())
		delete(s.jobConfigs, job.Name())
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	logger.Info("job registered",
		zap.String("job", job.Name()),
		zap.String("cron", config.Cron))

	return nil
}

// Start 启动调度器
func (s *Scheduler) Start() {
	s.cron.Start()
	logger.Info("scheduler started")
}

// Stop 停止调度器, 等待执行中的任务结束
func (s *Scheduler) Stop() {
	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.wg.Wait()
	logger.Info("scheduler stopped")
}

// TriggerJob 手动触发任务
func (s *Scheduler) TriggerJob(jobName string) error {
	s.mu.RLock()
	job, exists := s.jobs[jobName]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("job %s not found", jobName)
	}

	go s.executeJob(job)
	return nil
}

// executeJob 执行任务
func (s *Scheduler) executeJob(job Job) {
	s.wg.Add(1)
	defer s.wg.Done()

	select {
	case s.running <- struct{}{}:
		defer func() { <-s.running }()
	default:
		logger.Warn("max concurrent jobs reached, skipping", zap.String("job", job.Name()))
		s.record(job.Name(), JobStatusSkipped, time.Now(), nil, nil)
		return
	}

	select {
	case <-s.ctx.Done():
		return
	default:
	}

	ctx, cancel := context.WithTimeout(s.ctx, job.Timeout())
	defer cancel()

	if job.RequiresLock() {
		lock := s.lockManager.NewLock(job.Name(), job.LockTTL(), job.UseWatchdog())
		acquired, err := lock.TryLock(ctx)
		if err != nil {
			logger.Error("failed to acquire lock",
				zap.String("job", job.Name()),
				zap.Error(err))
			s.record(job.Name(), JobStatusFailed, time.Now(), nil, err)
			return
		}
		if !acquired {
			logger.Debug("job is already running on another instance", zap.String("job", job.Name()))
			s.record(job.Name(), JobStatusSkipped, time.Now(), nil, nil)
			return
		}
		defer func() {
			if err := lock.Unlock(context.Background()); err != nil {
				logger.Error("failed to release lock",
					zap.String("job", job.Name()),
					zap.Error(err))
			}
		}()
	}

	startTime := time.Now()
	logger.Debug("starting job", zap.String("job", job.Name()))

	result, err := job.Execute(ctx)

	duration := time.Since(startTime)
	if err != nil {
		logger.Error("job failed",
			zap.String("job", job.Name()),
			zap.Duration("duration", duration),
			zap.Error(err))
		s.record(job.Name(), JobStatusFailed, startTime, result, err)
		return
	}

	fields := []zap.Field{
		zap.String("job", job.Name()),
		zap.Duration("duration", duration),
	}
	if result != nil {
		fields = append(fields,
			zap.Int("processed", result.ProcessedCount),
			zap.Int("affected", result.AffectedCount),
			zap.Int("errors", result.ErrorCount))
	}
	logger.Info("job completed", fields...)
	s.record(job.Name(), JobStatusSuccess, startTime, result, nil)
}

// record 记录执行状态与指标
func (s *Scheduler) record(jobName, status string, startTime time.Time, result *JobResult, jobErr error) {
	finish := time.Now()
	duration := finish.Sub(startTime)
	metrics.RecordJob(jobName, status, duration.Seconds())

	exec := &JobExecution{
		Status:     status,
		StartedAt:  startTime.UnixMilli(),
		FinishedAt: finish.UnixMilli(),
		DurationMs: duration.Milliseconds(),
		Result:     result,
	}
	if jobErr != nil {
		exec.Error = jobErr.Error()
	}

	s.mu.Lock()
	s.lastRuns[jobName] = exec
	s.mu.Unlock()
}

// GetJobStatus 获取任务状态
func (s *Scheduler) GetJobStatus(ctx context.Context, jobName string) (*JobStatus, error) {
	s.mu.RLock()
	job, exists := s.jobs[jobName]
	config := s.jobConfigs[jobName]
	lastExec := s.lastRuns[jobName]
	s.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("job %s not found", jobName)
	}

	isLocked, _ := s.lockManager.IsLocked(ctx, jobName)

	status := &JobStatus{
		Name:     jobName,
		Enabled:  config.Enabled,
		Cron:     config.Cron,
		Timeout:  job.Timeout(),
		IsLocked: isLocked,
	}

	if lastExec != nil {
		status.LastStatus = lastExec.Status
		status.LastStartedAt = lastExec.StartedAt
		status.LastFinishedAt = lastExec.FinishedAt
		status.LastDurationMs = lastExec.DurationMs
		status.LastError = lastExec.Error
	}

	return status, nil
}

// JobStatus 任务状态
type JobStatus struct {
	Name           string
	Enabled        bool
	Cron           string
	Timeout        time.Duration
	IsLocked       bool
	LastStatus     string
	LastStartedAt  int64
	LastFinishedAt int64
	LastDurationMs int64
	LastError      string
}
