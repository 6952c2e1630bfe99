package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockJob 模拟任务用于测试
type mockJob struct {
	BaseJob
	executeFunc func(ctx context.Context) (*JobResult, error)
	execCount   int64
}

func newMockJob(name string, lockTTL time.Duration, executeFunc func(ctx context.Context) (*JobResult, error)) *mockJob {
	return &mockJob{
		BaseJob:     NewBaseJob(name, 5*time.Second, lockTTL, false),
		executeFunc: executeFunc,
	}
}

func (j *mockJob) Execute(ctx context.Context) (*JobResult, error) {
	atomic.AddInt64(&j.execCount, 1)
	if j.executeFunc != nil {
		return j.executeFunc(ctx)
	}
	return &JobResult{ProcessedCount: 1, AffectedCount: 1}, nil
}

func (j *mockJob) count() int64 {
	return atomic.LoadInt64(&j.execCount)
}

func setupScheduler(t *testing.T) (*Scheduler, *miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewScheduler(&SchedulerConfig{MaxConcurrentJobs: 2, RedisClient: client}), mr, client
}

func TestScheduler_RegisterJob(t *testing.T) {
	s, _, _ := setupScheduler(t)

	job := newMockJob("test-job", time.Minute, nil)
	require.NoError(t, s.RegisterJob(job, JobConfig{Cron: "*/5 * * * * *", Enabled: true}))

	err := s.RegisterJob(job, JobConfig{Cron: "*/5 * * * * *", Enabled: true})
	assert.Error(t, err, "duplicate registration")

	bad := newMockJob("bad-cron", time.Minute, nil)
	assert.Error(t, s.RegisterJob(bad, JobConfig{Cron: "not a cron", Enabled: true}))

	disabled := newMockJob("disabled", time.Minute, nil)
	require.NoError(t, s.RegisterJob(disabled, JobConfig{Cron: "not validated", Enabled: false}))

	status, err := s.GetJobStatus(context.Background(), "disabled")
	require.NoError(t, err)
	assert.False(t, status.Enabled)
}

func TestScheduler_ExecuteJobRecordsResult(t *testing.T) {
	s, mr, _ := setupScheduler(t)
	ctx := context.Background()

	ok := newMockJob("ok-job", time.Minute, nil)
	failing := newMockJob("failing-job", time.Minute, func(ctx context.Context) (*JobResult, error) {
		return nil, errors.New("rpc unavailable")
	})
	require.NoError(t, s.RegisterJob(ok, JobConfig{Cron: "@every 1h", Enabled: true}))
	require.NoError(t, s.RegisterJob(failing, JobConfig{Cron: "@every 1h", Enabled: true}))

	s.executeJob(ok)
	s.executeJob(failing)

	assert.EqualValues(t, 1, ok.count())
	assert.False(t, mr.Exists(lockPrefix+"ok-job"), "lock released after run")

	status, err := s.GetJobStatus(ctx, "ok-job")
	require.NoError(t, err)
	assert.Equal(t, JobStatusSuccess, status.LastStatus)
	assert.False(t, status.IsLocked)

	status, err = s.GetJobStatus(ctx, "failing-job")
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, status.LastStatus)
	assert.Equal(t, "rpc unavailable", status.LastError)

	_, err = s.GetJobStatus(ctx, "missing")
	assert.Error(t, err)
}

func TestScheduler_SkipsWhenLockedElsewhere(t *testing.T) {
	s, mr, _ := setupScheduler(t)

	job := newMockJob(JobNamePendingTxReconcile, time.Minute, nil)
	require.NoError(t, s.RegisterJob(job, JobConfig{Cron: "@every 1h", Enabled: true}))

	// 另一个实例持有锁
	require.NoError(t, mr.Set(lockPrefix+JobNamePendingTxReconcile, "other-instance"))

	s.executeJob(job)
	assert.Zero(t, job.count())

	status, err := s.GetJobStatus(context.Background(), JobNamePendingTxReconcile)
	require.NoError(t, err)
	assert.Equal(t, JobStatusSkipped, status.LastStatus)
	assert.True(t, status.IsLocked)

	got, err := mr.Get(lockPrefix + JobNamePendingTxReconcile)
	require.NoError(t, err)
	assert.Equal(t, "other-instance", got, "foreign lock untouched")
}

func TestDistributedLock(t *testing.T) {
	_, mr, client := setupScheduler(t)
	ctx := context.Background()

	first := NewDistributedLock(client, "sweep", time.Minute, false)
	second := NewDistributedLock(client, "sweep", time.Minute, false)

	ok, err := first.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// 非持有者释放不影响锁
	require.NoError(t, second.Unlock(ctx))
	held, err := first.IsHeld(ctx)
	require.NoError(t, err)
	assert.True(t, held)

	require.NoError(t, first.renew(ctx))
	assert.ErrorIs(t, second.renew(ctx), errLockNotHeld)

	require.NoError(t, first.Unlock(ctx))
	assert.False(t, mr.Exists(lockPrefix+"sweep"))

	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDistributedLock_Expires(t *testing.T) {
	_, mr, client := setupScheduler(t)
	ctx := context.Background()

	lock := NewDistributedLock(client, "reconcile", 30*time.Second, false)
	ok, err := lock.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(31 * time.Second)

	held, err := lock.IsHeld(ctx)
	require.NoError(t, err)
	assert.False(t, held)

	m := NewLockManager(client)
	locked, err := m.IsLocked(ctx, "reconcile")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestLockManager_ForceUnlock(t *testing.T) {
	_, _, client := setupScheduler(t)
	ctx := context.Background()

	lock := NewDistributedLock(client, "sweep", time.Minute, false)
	ok, err := lock.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	m := NewLockManager(client)
	locked, err := m.IsLocked(ctx, "sweep")
	require.NoError(t, err)
	assert.True(t, locked)

	require.NoError(t, m.ForceUnlock(ctx, "sweep"))
	locked, err = m.IsLocked(ctx, "sweep")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestScheduler_TriggerJob(t *testing.T) {
	s, _, _ := setupScheduler(t)

	done := make(chan struct{})
	job := newMockJob("manual", 0, func(ctx context.Context) (*JobResult, error) {
		close(done)
		return &JobResult{}, nil
	})
	require.NoError(t, s.RegisterJob(job, JobConfig{Cron: "@every 1h", Enabled: true}))
	assert.False(t, job.RequiresLock())

	require.NoError(t, s.TriggerJob("manual"))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job not triggered")
	}
	assert.Error(t, s.TriggerJob("missing"))
}
