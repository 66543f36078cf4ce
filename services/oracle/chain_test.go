package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type rpcServer struct {
	t        *testing.T
	receipts atomic.Int64
	status   string
}

func (s *rpcServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	require.NoError(s.t, json.NewDecoder(r.Body).Decode(&req))
	require.Equal(s.t, "2.0", req.JSONRPC)
	require.Equal(s.t, "Bearer secret", r.Header.Get("Authorization"))

	var result any
	switch req.Method {
	case "reward_isRegistered":
		result = req.Params[0] == "0x00000000000000000000000000000000000000aa"
	case "reward_mint":
		p := req.Params[0].(map[string]any)
		require.Equal(s.t, "0xcontract", p["contract"])
		require.Equal(s.t, float64(5), p["amount"])
		result = "0xminted"
	case "eth_getTransactionReceipt":
		// pending twice before it is mined
		if s.receipts.Add(1) < 3 {
			result = nil
		} else {
			result = map[string]string{"status": s.status}
		}
	default:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "error": map[string]any{"code": -32601, "message": "method not found"}})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
}

func newRPC(t *testing.T, status string) *HTTPChain {
	srv := httptest.NewServer(&rpcServer{t: t, status: status})
	t.Cleanup(srv.Close)

	chain := NewHTTPChain(srv.URL, "secret", "0xcontract")
	chain.PollInterval = 5 * time.Millisecond
	return chain
}

func TestHTTPChainMintAndConfirm(t *testing.T) {
	chain := newRPC(t, "0x1")
	ctx := context.Background()

	ok, err := chain.IsRegistered(ctx, "0x00000000000000000000000000000000000000aa")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = chain.IsRegistered(ctx, "0x00000000000000000000000000000000000000bb")
	require.NoError(t, err)
	require.False(t, ok)

	hash, err := chain.Mint(ctx, "0x00000000000000000000000000000000000000aa", 5, "memo")
	require.NoError(t, err)
	require.Equal(t, "0xminted", hash)

	require.NoError(t, chain.WaitForConfirmation(ctx, hash))
}

func TestHTTPChainReportsRevertAndRPCErrors(t *testing.T) {
	chain := newRPC(t, "0x0")

	err := chain.WaitForConfirmation(context.Background(), "0xminted")
	require.ErrorIs(t, err, ErrReverted)

	_, err = chain.RecordRefund(context.Background(), "0x00000000000000000000000000000000000000aa", 1, "reason", "memo")
	require.ErrorContains(t, err, "method not found")
}

func TestHTTPChainWaitHonoursDeadline(t *testing.T) {
	chain := newRPC(t, "0x1")
	chain.PollInterval = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, chain.WaitForConfirmation(ctx, "0xminted"), context.DeadlineExceeded)
}
