package redemption

import (
	"fmt"
	"math/big"
	"strings"

	"questledger/pkg/errutil"
	"questledger/services/progression"
)

const (
	minorPerMajor = 100
	// MaxPurchase caps a single purchase at 10,000,000.00.
	MaxPurchase int64 = 1_000_000_000
)

var hundred = big.NewRat(minorPerMajor, 1)

func invalidAmount(msg string) error {
	return errutil.ValidationFailed("invalid purchase amount", nil, errutil.WithDetails(errutil.Detail{
		Field:   "purchase_amount",
		Message: msg,
	}))
}

// ParseAmount converts an exact decimal string such as "12.50" into cents.
// More than two decimal places is rejected rather than rounded.
func ParseAmount(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, "/eE") {
		return 0, invalidAmount("must be a decimal number")
	}

	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return 0, invalidAmount("must be a decimal number")
	}
	if r.Sign() <= 0 {
		return 0, invalidAmount("must be positive")
	}

	r.Mul(r, hundred)
	if !r.IsInt() {
		return 0, invalidAmount("at most two decimal places")
	}
	minor := r.Num()
	if !minor.IsInt64() || minor.Int64() > MaxPurchase {
		return 0, invalidAmount(fmt.Sprintf("must not exceed %s", FormatAmount(MaxPurchase)))
	}
	return minor.Int64(), nil
}

func FormatAmount(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/minorPerMajor, minor%minorPerMajor)
}

// Quote is the priced redemption for one purchase at one discount rate.
type Quote struct {
	PurchaseAmount int64            `json:"purchase_amount"`
	DiscountRate   progression.Rate `json:"discount_rate_bps"`
	DiscountAmount int64            `json:"discount_amount"`
	FinalAmount    int64            `json:"final_amount"`
	TokensRequired int64            `json:"tokens_required"`
}

// QuoteFor prices purchase (cents) at rate. One token covers one major unit
// of discount: tokens = ceil(purchase*rate), the discount is rounded half up
// to the cent.
func QuoteFor(purchase int64, rate progression.Rate) Quote {
	scaled := purchase * int64(rate)
	unit := int64(progression.BasisPoints)
	tokenUnit := unit * minorPerMajor

	discount := (scaled + unit/2) / unit
	return Quote{
		PurchaseAmount: purchase,
		DiscountRate:   rate,
		DiscountAmount: discount,
		FinalAmount:    purchase - discount,
		TokensRequired: (scaled + tokenUnit - 1) / tokenUnit,
	}
}
