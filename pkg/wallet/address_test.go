package wallet

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	got, err := Normalize("  0xABCDEF0123456789abcdef0123456789ABCDEF01 ")
	require.NoError(t, err)
	require.Equal(t, "0xabcdef0123456789abcdef0123456789abcdef01", got)

	for _, bad := range []string{"", "0x123", "abcdef0123456789abcdef0123456789abcdef0101", "0xzzcdef0123456789abcdef0123456789abcdef01"} {
		_, err := Normalize(bad)
		require.Error(t, err, bad)
		require.True(t, errors.Is(err, ErrInvalidAddress), bad)
	}
}
