package testutil

import (
	"fmt"
	"testing"

	"github.com/bwmarrin/snowflake"
)

// NewNode returns a snowflake node for tests.
func NewNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("failed to create snowflake node: %v", err)
	}
	return node
}

// Address returns a deterministic, valid lower-case wallet address for n.
func Address(n int) string {
	return fmt.Sprintf("0x%040x", n)
}
