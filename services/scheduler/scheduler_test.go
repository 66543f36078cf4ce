package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"questledger/pkg/config"
	"questledger/services/oracle"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeArchiver struct {
	calls atomic.Int32
	err   error
}

func (f *fakeArchiver) ArchiveDue(context.Context, time.Time) (int, error) {
	f.calls.Add(1)
	return 1, f.err
}

type fakeReconciler struct {
	dispatched atomic.Int32
	retried    atomic.Int32
	reported   atomic.Int32
	stale      atomic.Int32
	olderThan  time.Duration
	staleAfter time.Duration
	limit      int
}

func (f *fakeReconciler) DispatchPending(_ context.Context, olderThan time.Duration) (int, error) {
	f.dispatched.Add(1)
	f.olderThan = olderThan
	return 0, nil
}

func (f *fakeReconciler) RetryFailed(_ context.Context, limit int) (int, error) {
	f.retried.Add(1)
	f.limit = limit
	return 2, nil
}

func (f *fakeReconciler) FailStale(_ context.Context, olderThan time.Duration) (int, error) {
	f.stale.Add(1)
	f.staleAfter = olderThan
	return 1, nil
}

func (f *fakeReconciler) Report(context.Context) (*oracle.Report, error) {
	f.reported.Add(1)
	return &oracle.Report{Counts: map[oracle.Status]int64{oracle.StatusFailed: 1}, Failed: 1}, nil
}

func TestRegistersJobs(t *testing.T) {
	cfg := &config.Config{}
	s, err := New(cfg, &fakeArchiver{}, &fakeReconciler{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })

	require.ElementsMatch(t, []string{JobArchiveQuests, JobDispatchPending, JobFailStale, JobReport}, s.JobNames())

	cfg.Oracle.RetryInterval = time.Hour
	withRetry, err := New(cfg, &fakeArchiver{}, &fakeReconciler{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = withRetry.Stop() })
	require.Contains(t, withRetry.JobNames(), JobRetryFailed)
}

func TestSweepsCallServices(t *testing.T) {
	cfg := &config.Config{}
	cfg.Oracle.DispatchAfter = 5 * time.Minute
	archiver := &fakeArchiver{}
	rec := &fakeReconciler{}

	s, err := New(cfg, archiver, rec)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })

	ctx := context.Background()
	s.archiveQuests(ctx)
	s.dispatchPending(ctx)
	s.retryFailed(ctx)
	s.failStale(ctx)
	s.report(ctx)

	require.Equal(t, int32(1), archiver.calls.Load())
	require.Equal(t, int32(1), rec.dispatched.Load())
	require.Equal(t, 5*time.Minute, rec.olderThan)
	require.Equal(t, retryBatch, rec.limit)
	require.Equal(t, int32(1), rec.reported.Load())
	require.Equal(t, int32(1), rec.stale.Load())
	require.Equal(t, 60*time.Second, rec.staleAfter)

	archiver.err = errors.New("db down")
	s.archiveQuests(ctx)
	require.Equal(t, int32(2), archiver.calls.Load())
}

func TestStartedSchedulerRunsArchiveSweep(t *testing.T) {
	cfg := &config.Config{}
	cfg.Quest.ArchiveInterval = 20 * time.Millisecond
	archiver := &fakeArchiver{}

	s, err := New(cfg, archiver, &fakeReconciler{})
	require.NoError(t, err)
	s.Start()
	t.Cleanup(func() { _ = s.Stop() })

	require.Eventually(t, func() bool { return archiver.calls.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
}
