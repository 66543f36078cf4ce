package redemption

import (
	"time"

	"questledger/services/progression"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Redemption reserves tokens for a shop purchase. Money fields are minor
// units (cents). TokensRedeemed is what was debited and is the only amount a
// cancellation refunds.
type Redemption struct {
	ID             string           `gorm:"column:id;primaryKey;size:32" json:"id"`
	Code           string           `gorm:"column:code;size:32;uniqueIndex;not null" json:"code"`
	Address        string           `gorm:"column:address;size:42;index;not null" json:"address"`
	ShopID         string           `gorm:"column:shop_id;size:64" json:"shop_id,omitempty"`
	PurchaseAmount int64            `gorm:"column:purchase_amount;not null" json:"purchase_amount"`
	DiscountRate   progression.Rate `gorm:"column:discount_rate_bps;not null" json:"discount_rate_bps"`
	DiscountAmount int64            `gorm:"column:discount_amount;not null" json:"discount_amount"`
	FinalAmount    int64            `gorm:"column:final_amount;not null" json:"final_amount"`
	TokensRedeemed int64            `gorm:"column:tokens_redeemed;not null" json:"tokens_redeemed"`
	Status         Status           `gorm:"column:status;size:16;index;not null" json:"status"`
	CancelReason   string           `gorm:"column:cancel_reason" json:"cancel_reason,omitempty"`
	CompletedAt    *time.Time       `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CancelledAt    *time.Time       `gorm:"column:cancelled_at" json:"cancelled_at,omitempty"`
	CreatedAt      time.Time        `gorm:"column:created_at" json:"created_at"`
	UpdatedAt      time.Time        `gorm:"column:updated_at" json:"updated_at"`
}

func (Redemption) TableName() string { return "redemptions" }
