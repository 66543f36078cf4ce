package oracle

import (
	"context"

	"questledger/pkg/errutil"
	"questledger/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Recorder writes outbox rows. Callers pass their ledger transaction so the
// record commits or rolls back with the mutation it mirrors.
type Recorder struct {
	db   *gorm.DB
	node *snowflake.Node
}

type RecorderParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewRecorder(p RecorderParams) *Recorder {
	return &Recorder{db: p.DB, node: p.Node}
}

// Record is idempotent per event key and returns the stored row.
func (r *Recorder) Record(ctx context.Context, tx *gorm.DB, ev Event) (*MirrorRecord, error) {
	if ev.Amount <= 0 {
		return nil, errutil.ValidationFailed("mirror amount must be positive", nil)
	}
	if tx == nil {
		tx = r.db
	}

	rec := &MirrorRecord{
		ID:        r.node.Generate().String(),
		EventID:   ev.Key(),
		Kind:      ev.Kind,
		Address:   ev.Address,
		Amount:    ev.Amount,
		Reference: ev.Reference,
		Memo:      ev.Memo,
		Status:    StatusUnsent,
	}
	err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(rec).Error
	if err != nil {
		return nil, err
	}

	return repository.ProvideStore[MirrorRecord](tx).FindOne(ctx, &MirrorRecord{EventID: rec.EventID})
}
