package oracle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

type Kind string

const (
	KindMint   Kind = "mint"
	KindBurn   Kind = "burn"
	KindRefund Kind = "refund"
)

type Status string

const (
	StatusUnsent    Status = "unsent"
	StatusSent      Status = "sent"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

var Statuses = []Status{StatusUnsent, StatusSent, StatusConfirmed, StatusFailed}

// MirrorRecord tracks one ledger mutation on its way to the chain. The
// off-chain ledger never reads it back; it only exists for reconciliation.
type MirrorRecord struct {
	ID           string     `gorm:"column:id;primaryKey;size:32" json:"id"`
	EventID      string     `gorm:"column:event_id;size:64;uniqueIndex;not null" json:"event_id"`
	Kind         Kind       `gorm:"column:kind;size:16;not null" json:"kind"`
	Address      string     `gorm:"column:address;size:42;index;not null" json:"address"`
	Amount       int64      `gorm:"column:amount;not null" json:"amount"`
	Reference    string     `gorm:"column:reference;size:64" json:"reference"`
	Memo         string     `gorm:"column:memo" json:"memo"`
	Status       Status     `gorm:"column:status;size:16;index;not null" json:"status"`
	LastError    string     `gorm:"column:last_error" json:"last_error,omitempty"`
	TxHash       string     `gorm:"column:tx_hash;size:80" json:"tx_hash,omitempty"`
	Attempts     int        `gorm:"column:attempts;not null;default:0" json:"attempts"`
	DispatchedAt *time.Time `gorm:"column:dispatched_at" json:"dispatched_at,omitempty"`
	ConfirmedAt  *time.Time `gorm:"column:confirmed_at" json:"confirmed_at,omitempty"`
	CreatedAt    time.Time  `gorm:"column:created_at;index" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

func (MirrorRecord) TableName() string { return "oracle_mirror_records" }

// Event is a ledger mutation to mirror. Reference ties it to the submission
// or redemption that caused it.
type Event struct {
	Kind      Kind
	Address   string
	Amount    int64
	Reference string
	Memo      string
}

// Key is the dedupe key sent to the chain as proof. The chain cannot infer
// intent, so the same mutation must always hash to the same key.
func (e Event) Key() string {
	fields := map[string]string{
		"kind":      string(e.Kind),
		"address":   strings.ToLower(e.Address),
		"amount":    fmt.Sprintf("%d", e.Amount),
		"reference": e.Reference,
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fields[k])
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

type MirrorPayload struct {
	RecordID string `json:"record_id"`
}

// Report is the reconciliation view for operators. Failed is the divergence
// count: ledger mutations the chain has not reflected and will not without a retry.
type Report struct {
	Counts        map[Status]int64 `json:"counts"`
	Pending       int64            `json:"pending"`
	Failed        int64            `json:"failed"`
	OldestFailure *time.Time       `json:"oldest_failure,omitempty"`
	GeneratedAt   time.Time        `json:"generated_at"`
}
