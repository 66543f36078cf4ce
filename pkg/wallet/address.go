package wallet

import (
	"regexp"
	"strings"

	"questledger/pkg/errutil"
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-f]{40}$`)

var ErrInvalidAddress = errutil.BadRequest("invalid wallet address", nil)

// Normalize trims and lower-cases an EVM address and validates its shape.
func Normalize(address string) (string, error) {
	a := strings.ToLower(strings.TrimSpace(address))
	if !addressPattern.MatchString(a) {
		return "", errutil.BadRequest("invalid wallet address", nil, errutil.WithDetails(errutil.Detail{
			Field:   "address",
			Message: "must be a 0x-prefixed 40 hex character address",
		}))
	}
	return a, nil
}

func Valid(address string) bool {
	_, err := Normalize(address)
	return err == nil
}
