package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"questledger/pkg/config"
	"questledger/pkg/featureflags"
	"questledger/pkg/logger"
	"questledger/pkg/repository"
	"questledger/pkg/task"
	"questledger/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Dispatcher hands unsent records to the worker queue. It never reports
// failure to its caller: a record that cannot be enqueued is marked failed.
type Dispatcher struct {
	records  repository.Repository[MirrorRecord]
	enqueuer task.Enqueuer
	flags    featureflags.FeatureFlag
	queue    string
	timeout  time.Duration
	inflight sync.WaitGroup
}

type DispatcherParams struct {
	fx.In
	Lc       fx.Lifecycle `optional:"true"`
	Config   *config.Config
	DB       *gorm.DB
	Enqueuer task.Enqueuer
	Flags    featureflags.FeatureFlag `optional:"true"`
}

func NewDispatcher(p DispatcherParams) *Dispatcher {
	flags := p.Flags
	if flags == nil {
		flags = featureflags.Static(true)
	}
	queue := p.Config.Oracle.Queue
	if queue == "" {
		queue = "default"
	}
	timeout := p.Config.Oracle.ConfirmTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	d := &Dispatcher{
		records:  repository.ProvideStore[MirrorRecord](p.DB),
		enqueuer: p.Enqueuer,
		flags:    flags,
		queue:    queue,
		timeout:  timeout,
	}
	if p.Lc != nil {
		p.Lc.Append(fx.Hook{OnStop: d.drain})
	}
	return d
}

// DispatchAsync hands records to a background goroutine and returns at once.
// Request paths use it so a slow flag service or queue never delays the caller;
// rows left unsent by a crash are picked up by DispatchPending.
func (d *Dispatcher) DispatchAsync(ctx context.Context, records ...*MirrorRecord) {
	if len(records) == 0 {
		return
	}

	ctx = context.WithoutCancel(ctx)
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		d.Dispatch(ctx, records...)
	}()
}

// Wait blocks until every DispatchAsync call has finished.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

func (d *Dispatcher) drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch enqueues one mirror task per unsent record and returns how many
// were queued. With mirroring switched off the records stay unsent.
func (d *Dispatcher) Dispatch(ctx context.Context, records ...*MirrorRecord) int {
	if len(records) == 0 {
		return 0
	}

	log := logger.FromContext(ctx)
	if !d.flags.Enabled(ctx, featureflags.OracleMirrorEnabled, true) {
		log.Info("oracle mirroring disabled, leaving records unsent", zap.Int("records", len(records)))
		return 0
	}

	queued := 0
	for _, rec := range records {
		if rec == nil || rec.Status != StatusUnsent {
			continue
		}
		if err := d.enqueue(ctx, rec); err != nil {
			log.Error("failed to enqueue oracle mirror task", zap.String("record_id", rec.ID), zap.Error(err))
			d.markEnqueueFailed(ctx, rec, err)
			continue
		}
		queued++
	}
	return queued
}

func (d *Dispatcher) enqueue(ctx context.Context, rec *MirrorRecord) error {
	payload, err := json.Marshal(MirrorPayload{RecordID: rec.ID})
	if err != nil {
		return err
	}

	_, err = d.enqueuer.Enqueue(ctx, asynq.NewTask(taskname.OracleMirror, payload),
		asynq.Queue(d.queue),
		asynq.MaxRetry(0),
		asynq.Timeout(2*d.timeout),
		// one task per attempt; a retried record gets a new id
		asynq.TaskID(fmt.Sprintf("%s-%d", rec.ID, rec.Attempts)),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	updates := map[string]any{"dispatched_at": now}
	if _, err := d.records.UpdateWhere(ctx, &MirrorRecord{ID: rec.ID}, &updates); err != nil {
		zap.L().Warn("failed to stamp dispatched_at", zap.String("record_id", rec.ID), zap.Error(err))
	}
	rec.DispatchedAt = &now
	return nil
}

func (d *Dispatcher) markEnqueueFailed(ctx context.Context, rec *MirrorRecord, cause error) {
	updates := map[string]any{
		"status":     StatusFailed,
		"last_error": "enqueue: " + cause.Error(),
		"updated_at": time.Now().UTC(),
	}
	if _, err := d.records.UpdateWhere(context.WithoutCancel(ctx), &MirrorRecord{ID: rec.ID, Status: StatusUnsent}, &updates); err != nil {
		zap.L().Error("failed to mark mirror record failed", zap.String("record_id", rec.ID), zap.Error(err))
		return
	}
	rec.Status = StatusFailed
	mirrorOutcomes.WithLabelValues(string(rec.Kind), string(StatusFailed)).Inc()
}
