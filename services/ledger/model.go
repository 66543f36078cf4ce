package ledger

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"questledger/services/progression"

	"gorm.io/datatypes"
)

const GenesisHash = "GENESIS"

// Account is the per-wallet reward state. Rows are created lazily and never deleted.
type Account struct {
	Address         string            `gorm:"column:address;primaryKey;size:42" json:"address"`
	ImpactPoints    int64             `gorm:"column:impact_points;not null;default:0" json:"impact_points"`
	QuestsCompleted int64             `gorm:"column:quests_completed;not null;default:0" json:"quests_completed"`
	Stage           progression.Stage `gorm:"column:stage;size:16;not null" json:"stage"`
	Level           int64             `gorm:"column:level;not null;default:1" json:"level"`
	TokenBalance    int64             `gorm:"column:token_balance;not null;default:0;check:token_balance >= 0" json:"token_balance"`
	DiscountRate    progression.Rate  `gorm:"column:discount_rate_bps;not null" json:"discount_rate_bps"`
	LifetimeTokens  int64             `gorm:"column:lifetime_tokens;not null;default:0" json:"lifetime_tokens"`
	CreatedAt       time.Time         `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       time.Time         `gorm:"column:updated_at" json:"updated_at"`
}

func (Account) TableName() string { return "user_accounts" }

type TxType string

const (
	TxQuestCompletion  TxType = "quest_completion"
	TxStageUpgrade     TxType = "stage_upgrade"
	TxCreatorReward    TxType = "creator_reward"
	TxRedemption       TxType = "redemption"
	TxRedemptionRefund TxType = "redemption_refund"
)

// Transaction is an append-only ledger row. Amount is signed: credits are
// positive, debits negative. Rows of one address form a hash chain ordered
// by Seq, which counts up from 1 per address.
type Transaction struct {
	ID           string         `gorm:"column:id;primaryKey;size:32" json:"id"`
	Address      string         `gorm:"column:address;size:42;index:idx_tx_address_id,priority:1;uniqueIndex:idx_tx_address_seq,priority:1;not null" json:"address"`
	Seq          int64          `gorm:"column:seq;not null;uniqueIndex:idx_tx_address_seq,priority:2" json:"seq"`
	Type         TxType         `gorm:"column:type;size:32;not null" json:"type"`
	Amount       int64          `gorm:"column:amount;not null" json:"amount"`
	BalanceAfter int64          `gorm:"column:balance_after;not null" json:"balance_after"`
	Reference    string         `gorm:"column:reference;size:32" json:"reference"`
	Description  string         `gorm:"column:description" json:"description"`
	QuestID      string         `gorm:"column:quest_id;size:32;index" json:"quest_id,omitempty"`
	RedemptionID string         `gorm:"column:redemption_id;size:32;index" json:"redemption_id,omitempty"`
	SubmissionID string         `gorm:"column:submission_id;size:64" json:"submission_id,omitempty"`
	PreviousHash string         `gorm:"column:previous_hash;size:64" json:"previous_hash"`
	Hash         string         `gorm:"column:hash;size:64" json:"hash"`
	Metadata     datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedAt    time.Time      `gorm:"column:created_at;index:idx_tx_address_id,priority:2" json:"created_at"`
}

func (Transaction) TableName() string { return "reward_transactions" }

// Meta describes why a mutation happened. Sign is never part of it.
type Meta struct {
	Type         TxType
	Description  string
	QuestID      string
	RedemptionID string
	SubmissionID string
	Metadata     map[string]any
}

// Leg is one transaction row of a split credit.
type Leg struct {
	Meta
	Amount int64
}

func (m *Transaction) HashFields() map[string]string {
	return map[string]string{
		"id":            m.ID,
		"address":       m.Address,
		"seq":           fmt.Sprintf("%d", m.Seq),
		"type":          string(m.Type),
		"amount":        fmt.Sprintf("%d", m.Amount),
		"balance_after": fmt.Sprintf("%d", m.BalanceAfter),
		"reference":     m.Reference,
		"quest_id":      m.QuestID,
		"redemption_id": m.RedemptionID,
		"created_at":    m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash": m.PreviousHash,
	}
}

func (m *Transaction) GenerateHash() string {
	fields := m.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

// NewReference returns a receipt reference such as 20260105-9F3A1C.
func NewReference(now time.Time) (string, error) {
	r := make([]byte, 3)
	if _, err := rand.Read(r); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s", now.UTC().Format("20060102"), strings.ToUpper(hex.EncodeToString(r))), nil
}

// Verification is the result of replaying an address's transactions.
type Verification struct {
	Address    string `json:"address"`
	Balance    int64  `json:"balance"`
	Replayed   int64  `json:"replayed"`
	Entries    int64  `json:"entries"`
	ChainValid bool   `json:"chain_valid"`
	BrokenAt   string `json:"broken_at,omitempty"`
}

func (v Verification) Consistent() bool {
	return v.Balance == v.Replayed && v.ChainValid
}
