package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"questledger/pkg/config"
	"questledger/pkg/repository"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Worker executes mirror tasks. A failed call is recorded on the record and
// not retried; nothing here ever touches the off-chain ledger.
type Worker struct {
	records repository.Repository[MirrorRecord]
	chain   Chain
	timeout time.Duration
}

type WorkerParams struct {
	fx.In
	Config *config.Config
	DB     *gorm.DB
	Chain  Chain
}

func NewWorker(p WorkerParams) *Worker {
	return newWorker(p.DB, p.Chain, p.Config.Oracle.ConfirmTimeout)
}

func newWorker(db *gorm.DB, chain Chain, timeout time.Duration) *Worker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Worker{
		records: repository.ProvideStore[MirrorRecord](db),
		chain:   chain,
		timeout: timeout,
	}
}

func (w *Worker) HandleMirrorTask(ctx context.Context, t *asynq.Task) error {
	var payload MirrorPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}
	return w.Mirror(ctx, payload.RecordID)
}

// Mirror claims an unsent record and pushes it to the chain, waiting for one
// confirmation within the configured timeout.
func (w *Worker) Mirror(ctx context.Context, recordID string) error {
	ctx, span := tracer.Start(ctx, "oracle.Mirror")
	defer span.End()
	span.SetAttributes(attribute.String("record_id", recordID))

	log := zap.L().With(zap.String("record_id", recordID))

	claim := map[string]any{
		"status":     StatusSent,
		"attempts":   gorm.Expr("attempts + 1"),
		"updated_at": time.Now().UTC(),
	}
	n, err := w.records.UpdateWhere(ctx, &MirrorRecord{ID: recordID, Status: StatusUnsent}, &claim)
	if err != nil {
		log.Error("failed to claim mirror record", zap.Error(err))
		return err
	}
	if n == 0 {
		log.Info("mirror record not claimable, skipping")
		return nil
	}

	rec, err := w.records.FindOne(ctx, &MirrorRecord{ID: recordID})
	if err != nil || rec == nil {
		return fmt.Errorf("reload mirror record %s: %w", recordID, err)
	}
	log = log.With(zap.String("kind", string(rec.Kind)), zap.String("address", rec.Address), zap.Int("attempt", rec.Attempts))

	callCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	// bookkeeping must survive the call deadline
	bg := context.WithoutCancel(ctx)

	txHash, err := w.submit(callCtx, rec)
	if txHash != "" {
		updates := map[string]any{"tx_hash": txHash}
		if _, uerr := w.records.UpdateWhere(bg, &MirrorRecord{ID: rec.ID}, &updates); uerr != nil {
			log.Warn("failed to store tx hash", zap.String("tx_hash", txHash), zap.Error(uerr))
		}
	}
	if err == nil {
		err = w.chain.WaitForConfirmation(callCtx, txHash)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("no confirmation within %s: %w", w.timeout, err)
		}
		log.Warn("oracle mirror failed", zap.Error(err))
		span.RecordError(err)
		w.finish(bg, rec, StatusFailed, err.Error())
		return nil
	}

	log.Info("oracle mirror confirmed", zap.String("tx_hash", txHash))
	w.finish(bg, rec, StatusConfirmed, "")
	return nil
}

func (w *Worker) submit(ctx context.Context, rec *MirrorRecord) (string, error) {
	registered, err := w.chain.IsRegistered(ctx, rec.Address)
	if err != nil {
		return "", err
	}
	if !registered {
		return "", ErrNotRegistered
	}

	switch rec.Kind {
	case KindMint:
		return w.chain.Mint(ctx, rec.Address, rec.Amount, rec.EventID)
	case KindBurn:
		return w.chain.RecordRedemption(ctx, rec.Address, rec.Amount, rec.Reference, rec.EventID)
	case KindRefund:
		return w.chain.RecordRefund(ctx, rec.Address, rec.Amount, rec.Memo, rec.EventID)
	default:
		return "", fmt.Errorf("unknown mirror kind %q", rec.Kind)
	}
}

func (w *Worker) finish(ctx context.Context, rec *MirrorRecord, status Status, lastError string) {
	now := time.Now().UTC()
	updates := map[string]any{
		"status":     status,
		"last_error": lastError,
		"updated_at": now,
	}
	if status == StatusConfirmed {
		updates["confirmed_at"] = now
	}

	if _, err := w.records.UpdateWhere(ctx, &MirrorRecord{ID: rec.ID, Status: StatusSent}, &updates); err != nil {
		zap.L().Error("failed to finish mirror record", zap.String("record_id", rec.ID), zap.String("status", string(status)), zap.Error(err))
		return
	}
	mirrorOutcomes.WithLabelValues(string(rec.Kind), string(status)).Inc()
}
