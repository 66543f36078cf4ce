// Package scheduler runs the periodic sweeps: quest archival, oracle outbox
// delivery, the reconciliation report and the optional failed-mirror retry.
package scheduler

import (
	"context"
	"time"

	"questledger/pkg/config"
	"questledger/services/oracle"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobArchiveQuests   = "quest-archive-sweep"
	JobDispatchPending = "oracle-dispatch-sweep"
	JobReport          = "oracle-reconciliation-report"
	JobRetryFailed     = "oracle-retry-failed"
	JobFailStale       = "oracle-stale-sweep"

	retryBatch = 100
)

type Archiver interface {
	ArchiveDue(ctx context.Context, now time.Time) (int, error)
}

type Reconciler interface {
	DispatchPending(ctx context.Context, olderThan time.Duration) (int, error)
	RetryFailed(ctx context.Context, limit int) (int, error)
	FailStale(ctx context.Context, olderThan time.Duration) (int, error)
	Report(ctx context.Context) (*oracle.Report, error)
}

type Scheduler struct {
	sched      gocron.Scheduler
	archiver   Archiver
	reconciler Reconciler
	cfg        *config.Config
	ctx        context.Context
	cancel     context.CancelFunc
}

func New(cfg *config.Config, archiver Archiver, reconciler Reconciler) (*Scheduler, error) {
	sched, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		sched:      sched,
		archiver:   archiver,
		reconciler: reconciler,
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
	}
	if err := s.register(); err != nil {
		cancel()
		_ = sched.Shutdown()
		return nil, err
	}
	return s, nil
}

type job struct {
	name string
	def  gocron.JobDefinition
	fn   func(context.Context)
}

func (s *Scheduler) register() error {
	archiveEvery := s.cfg.Quest.ArchiveInterval
	if archiveEvery <= 0 {
		archiveEvery = time.Minute
	}
	dispatchAfter := s.cfg.Oracle.DispatchAfter
	if dispatchAfter <= 0 {
		dispatchAfter = 2 * time.Minute
	}

	jobs := []job{
		{JobArchiveQuests, gocron.DurationJob(archiveEvery), s.archiveQuests},
		{JobDispatchPending, gocron.DurationJob(dispatchAfter), s.dispatchPending},
		{JobFailStale, gocron.DurationJob(s.confirmTimeout()), s.failStale},
		{JobReport, gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(0, 0, 0))), s.report},
	}
	if every := s.cfg.Oracle.RetryInterval; every > 0 {
		jobs = append(jobs, job{JobRetryFailed, gocron.DurationJob(every), s.retryFailed})
	}

	for _, j := range jobs {
		fn := j.fn
		_, err := s.sched.NewJob(j.def,
			gocron.NewTask(func() { fn(s.ctx) }),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// JobNames lists the registered jobs.
func (s *Scheduler) JobNames() []string {
	var names []string
	for _, j := range s.sched.Jobs() {
		names = append(names, j.Name())
	}
	return names
}

func (s *Scheduler) Start() {
	s.sched.Start()
	zap.L().Info("scheduler started", zap.Strings("jobs", s.JobNames()))
}

func (s *Scheduler) Stop() error {
	s.cancel()
	return s.sched.Shutdown()
}

func (s *Scheduler) archiveQuests(ctx context.Context) {
	n, err := s.archiver.ArchiveDue(ctx, time.Now().UTC())
	if err != nil {
		zap.L().Error("quest archive sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		zap.L().Info("archived quests", zap.Int("count", n))
	}
}

func (s *Scheduler) dispatchPending(ctx context.Context) {
	olderThan := s.cfg.Oracle.DispatchAfter
	if olderThan <= 0 {
		olderThan = 2 * time.Minute
	}
	n, err := s.reconciler.DispatchPending(ctx, olderThan)
	if err != nil {
		zap.L().Error("oracle dispatch sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		zap.L().Info("dispatched pending mirror records", zap.Int("count", n))
	}
}

func (s *Scheduler) confirmTimeout() time.Duration {
	if t := s.cfg.Oracle.ConfirmTimeout; t > 0 {
		return t
	}
	return 30 * time.Second
}

// failStale gives a claimed record twice the confirm timeout before it is
// considered abandoned by its worker.
func (s *Scheduler) failStale(ctx context.Context) {
	n, err := s.reconciler.FailStale(ctx, 2*s.confirmTimeout())
	if err != nil {
		zap.L().Error("oracle stale sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		zap.L().Warn("marked abandoned mirror records failed", zap.Int("count", n))
	}
}

func (s *Scheduler) retryFailed(ctx context.Context) {
	n, err := s.reconciler.RetryFailed(ctx, retryBatch)
	if err != nil {
		zap.L().Error("oracle retry sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		zap.L().Info("retried failed mirror records", zap.Int("count", n))
	}
}

func (s *Scheduler) report(ctx context.Context) {
	r, err := s.reconciler.Report(ctx)
	if err != nil {
		zap.L().Error("oracle reconciliation report failed", zap.Error(err))
		return
	}

	fields := []zap.Field{
		zap.Int64("pending", r.Pending),
		zap.Int64("failed", r.Failed),
	}
	for status, n := range r.Counts {
		fields = append(fields, zap.Int64("status_"+string(status), n))
	}
	if r.OldestFailure != nil {
		fields = append(fields, zap.Time("oldest_failure", *r.OldestFailure))
	}
	if r.Failed > 0 {
		zap.L().Warn("oracle mirror diverges from ledger", fields...)
		return
	}
	zap.L().Info("oracle reconciliation report", fields...)
}

type Params struct {
	fx.In
	Lc         fx.Lifecycle
	Config     *config.Config
	Quests     Archiver
	Reconciler Reconciler
}

func Provide(p Params) (*Scheduler, error) {
	s, err := New(p.Config, p.Quests, p.Reconciler)
	if err != nil {
		return nil, err
	}
	p.Lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			s.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			return s.Stop()
		},
	})
	return s, nil
}
