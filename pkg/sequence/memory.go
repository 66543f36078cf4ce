package sequence

import (
	"context"
	"sync"
	"time"
)

// MemoryGenerator keeps the daily counter in process. Used by tests and the
// single-node sqlite profile where Redis is not configured.
type MemoryGenerator struct {
	mu  sync.Mutex
	day string
	seq int64
	now func() time.Time
}

func NewMemoryGenerator() *MemoryGenerator {
	return &MemoryGenerator{now: time.Now}
}

func (g *MemoryGenerator) NextRedemptionCode(ctx context.Context) (string, error) {
	g.mu.Lock()
	now := g.now().UTC()
	if day := now.Format("060102"); day != g.day {
		g.day = day
		g.seq = 0
	}
	g.seq++
	seq := g.seq
	g.mu.Unlock()

	return FormatCode("RDM", now, seq)
}
