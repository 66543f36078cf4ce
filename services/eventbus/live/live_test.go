package live

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"questledger/pkg/config"
	"questledger/pkg/middleware"
	"questledger/services/eventbus"
	"questledger/services/ledger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

const (
	alice = "0x00000000000000000000000000000000000000a1"
	bob   = "0x00000000000000000000000000000000000000b2"
)

type staticAccounts struct {
	balance atomic.Int64
}

func (s *staticAccounts) GetAccount(ctx context.Context, address string) (*ledger.Account, error) {
	return &ledger.Account{Address: address, TokenBalance: s.balance.Load()}, nil
}

type recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recorder) handle(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) snapshots() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, u := range r.updates {
		if u.Snapshot != nil {
			n++
		}
	}
	return n
}

func (r *recorder) events() []eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []eventbus.Event
	for _, u := range r.updates {
		if u.Event != nil {
			out = append(out, *u.Event)
		}
	}
	return out
}

func newServer(t *testing.T, bus *eventbus.Bus, accounts eventbus.AccountReader) *httptest.Server {
	t.Helper()

	cfg := &config.Config{}
	cfg.EventBus.HeartbeatInterval = 20 * time.Millisecond
	cfg.RateLimit.RPS = 1000
	cfg.RateLimit.Burst = 1000

	h := eventbus.NewHandler(eventbus.HandlerParams{
		Config: cfg,
		Bus:    bus,
		Live:   eventbus.NewLive(accounts, 10*time.Millisecond),
	})

	engine := gin.New()
	engine.Use(middleware.Error())
	h.Register(engine.Group("/v1"))

	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)
	return srv
}

func TestStreamDeliversFilteredEvents(t *testing.T) {
	bus := eventbus.New(16)
	defer bus.Close()
	accounts := &staticAccounts{}
	accounts.balance.Store(7)
	srv := newServer(t, bus, accounts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	client := New(Config{
		BaseURL:          srv.URL,
		Address:          alice,
		Topics:           []eventbus.Topic{eventbus.UserUpdated},
		HeartbeatTimeout: time.Second,
	})
	require.IsType(t, &StreamUpdates{}, client)

	done := make(chan error, 1)
	go func() { done <- client.Run(ctx, rec.handle) }()

	// the resync snapshot arrives after the server subscribed
	require.Eventually(t, func() bool { return rec.snapshots() == 1 }, 2*time.Second, 5*time.Millisecond)

	bus.Publish(ctx, eventbus.UserUpdated, eventbus.Event{Address: bob, Payload: map[string]any{"token_balance": 1}})
	bus.Publish(ctx, eventbus.QuestCompleted, eventbus.Event{})
	bus.Publish(ctx, eventbus.UserUpdated, eventbus.Event{Address: alice, Payload: map[string]any{"token_balance": 7}})

	require.Eventually(t, func() bool { return len(rec.events()) == 1 }, 2*time.Second, 5*time.Millisecond)
	ev := rec.events()[0]
	require.Equal(t, eventbus.UserUpdated, ev.Topic)
	require.Equal(t, alice, ev.Address)

	// heartbeats keep the watchdog quiet: still a single connection
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, rec.snapshots())

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestStreamReconnectsAndResyncs(t *testing.T) {
	var conns atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/events/stream", func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
		fmt.Fprintf(w, "id: e%d\nevent: user:updated\ndata: {\"id\":\"e%d\",\"topic\":\"user:updated\",\"address\":\"%s\"}\n\n", n, n, alice)
		w.(http.Flusher).Flush()
		if n > 1 {
			<-r.Context().Done()
		}
		// first connection drops right away
	})
	mux.HandleFunc("/v1/live/"+alice, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"address":"%s","poll_after_ms":10}`, alice)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	client := NewStreamUpdates(Config{
		BaseURL:          srv.URL,
		Address:          alice,
		InitialBackoff:   10 * time.Millisecond,
		MaxBackoff:       20 * time.Millisecond,
		HeartbeatTimeout: time.Second,
	})
	go func() { _ = client.Run(ctx, rec.handle) }()

	require.Eventually(t, func() bool { return len(rec.events()) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, int64(2), conns.Load())
	require.Equal(t, 2, rec.snapshots())
	require.Equal(t, "e1", rec.events()[0].ID)
	require.Equal(t, "e2", rec.events()[1].ID)
}

func TestStreamWatchdogDropsSilentConnection(t *testing.T) {
	var conns atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conns.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := NewStreamUpdates(Config{
		BaseURL:          srv.URL,
		HeartbeatTimeout: 30 * time.Millisecond,
		InitialBackoff:   5 * time.Millisecond,
		MaxBackoff:       10 * time.Millisecond,
	})
	go func() { _ = client.Run(ctx, func(Update) {}) }()

	require.Eventually(t, func() bool { return conns.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestPollFetchesSnapshots(t *testing.T) {
	accounts := &staticAccounts{}
	srv := newServer(t, eventbus.New(1), accounts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu       sync.Mutex
		balances []int64
	)
	client := New(Config{BaseURL: srv.URL, Address: alice, Mode: ModePoll, PollInterval: 10 * time.Millisecond})
	require.IsType(t, &PollUpdates{}, client)

	go func() {
		_ = client.Run(ctx, func(u Update) {
			require.Nil(t, u.Event)
			mu.Lock()
			balances = append(balances, u.Snapshot.Account.TokenBalance)
			mu.Unlock()
			accounts.balance.Add(1)
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(balances) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int64{0, 1, 2}, balances[:3])
}
