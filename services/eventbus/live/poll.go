package live

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// PollUpdates re-fetches the snapshot at a fixed interval.
type PollUpdates struct {
	cfg      Config
	snapshot *snapshotClient
}

func NewPollUpdates(cfg Config) *PollUpdates {
	cfg = cfg.withDefaults()
	return &PollUpdates{cfg: cfg, snapshot: newSnapshotClient(cfg)}
}

func (p *PollUpdates) Run(ctx context.Context, fn HandlerFunc) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		snap, err := p.snapshot.fetch(ctx)
		switch {
		case err == nil:
			fn(Update{Snapshot: snap})
		case ctx.Err() == nil:
			zap.L().Warn("live poll failed", zap.String("address", p.cfg.Address), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
