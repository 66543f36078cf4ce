package redemption

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"questledger/pkg/config"
	"questledger/pkg/db/pagination"
	"questledger/pkg/errutil"
	"questledger/pkg/sequence"
	"questledger/services/eventbus"
	"questledger/services/ledger"
	"questledger/services/oracle"
	"questledger/services/testutil"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// fixedCodes replays a list of codes, then falls back to the memory generator.
type fixedCodes struct {
	mu    sync.Mutex
	codes []string
	next  sequence.Generator
}

func (g *fixedCodes) NextRedemptionCode(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.codes) == 0 {
		return g.next.NextRedemptionCode(ctx)
	}
	code := g.codes[0]
	g.codes = g.codes[1:]
	return code, nil
}

type fixture struct {
	db         *gorm.DB
	svc        *Service
	ledger     *ledger.Service
	enqueuer   *testutil.Enqueuer
	dispatcher *oracle.Dispatcher
	bus        *eventbus.Bus
}

func newFixture(t *testing.T, codes sequence.Generator) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t, &ledger.Account{}, &ledger.Transaction{}, &Redemption{}, &oracle.MirrorRecord{})
	node := testutil.NewNode(t)
	bus := eventbus.New(64)
	t.Cleanup(bus.Close)

	cfg := &config.Config{}
	cfg.Oracle.Queue = "oracle"
	enq := &testutil.Enqueuer{}

	if codes == nil {
		codes = sequence.NewMemoryGenerator()
	}

	dispatcher := oracle.NewDispatcher(oracle.DispatcherParams{Config: cfg, DB: db, Enqueuer: enq})
	t.Cleanup(dispatcher.Wait)

	accounts := ledger.NewService(ledger.ServiceParams{DB: db, Node: node})
	svc := NewService(ServiceParams{
		DB:         db,
		Node:       node,
		Ledger:     accounts,
		Recorder:   oracle.NewRecorder(oracle.RecorderParams{DB: db, Node: node}),
		Dispatcher: dispatcher,
		Codes:      codes,
		Bus:        bus,
	})
	return &fixture{db: db, svc: svc, ledger: accounts, enqueuer: enq, dispatcher: dispatcher, bus: bus}
}

func (f *fixture) fund(t *testing.T, addr string, tokens int64) {
	t.Helper()
	_, err := f.ledger.Credit(context.Background(), addr, tokens, ledger.Meta{Type: ledger.TxQuestCompletion, QuestID: "seed"})
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, addr string) int64 {
	t.Helper()
	acc, err := f.ledger.GetAccount(context.Background(), addr)
	require.NoError(t, err)
	return acc.TokenBalance
}

func (f *fixture) mirrorRecords(t *testing.T) []*oracle.MirrorRecord {
	t.Helper()
	var rows []*oracle.MirrorRecord
	require.NoError(t, f.db.Order("id asc").Find(&rows).Error)
	return rows
}

func (f *fixture) requireConsistent(t *testing.T, addr string) {
	t.Helper()
	v, err := f.ledger.VerifyBalance(context.Background(), addr)
	require.NoError(t, err)
	require.True(t, v.Consistent(), "balance=%d replayed=%d", v.Balance, v.Replayed)
}

func TestCreateRedemption(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	addr := testutil.Address(1)
	f.fund(t, addr, 50)

	sub := f.bus.Subscribe(eventbus.RedemptionCreated)
	defer sub.Close()

	red, err := f.svc.Create(ctx, CreateRequest{Address: addr, ShopID: "shop-7", PurchaseAmount: "25.00"})
	require.NoError(t, err)
	require.Equal(t, StatusPending, red.Status)
	require.True(t, strings.HasPrefix(red.Code, "RDM-"), red.Code)
	require.Equal(t, int64(2500), red.PurchaseAmount)
	require.Equal(t, int64(250), red.DiscountAmount)
	require.Equal(t, int64(2250), red.FinalAmount)
	require.Equal(t, int64(3), red.TokensRedeemed)
	require.Equal(t, int64(47), f.balance(t, addr))
	require.Len(t, sub.C, 1)

	records := f.mirrorRecords(t)
	require.Len(t, records, 1)
	require.Equal(t, oracle.KindBurn, records[0].Kind)
	require.Equal(t, int64(3), records[0].Amount)
	require.Equal(t, red.ID, records[0].Reference)
	f.dispatcher.Wait()
	require.Equal(t, 1, f.enqueuer.Len())

	got, err := f.svc.Get(ctx, red.ID)
	require.NoError(t, err)
	require.Equal(t, red.Code, got.Code)

	f.requireConsistent(t, addr)
}

func TestCreateRejectsWithoutPartialEffect(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	addr := testutil.Address(2)
	f.fund(t, addr, 2)

	_, err := f.svc.Create(ctx, CreateRequest{Address: addr, PurchaseAmount: "100.00"})
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	require.Equal(t, errutil.StatusInsufficientFunds, errutil.StatusOf(err))
	require.Equal(t, int64(2), f.balance(t, addr))

	var n int64
	require.NoError(t, f.db.Model(&Redemption{}).Count(&n).Error)
	require.Zero(t, n)
	require.Empty(t, f.mirrorRecords(t))
	require.Zero(t, f.enqueuer.Len())

	_, err = f.svc.Create(ctx, CreateRequest{Address: testutil.Address(99), PurchaseAmount: "1.00"})
	require.ErrorIs(t, err, ErrUnknownAccount)

	_, err = f.svc.Create(ctx, CreateRequest{Address: addr, PurchaseAmount: "1.001"})
	require.Equal(t, errutil.StatusValidationFailed, errutil.StatusOf(err))
}

func TestCompleteIsTokenNeutralAndTerminal(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	addr := testutil.Address(3)
	f.fund(t, addr, 20)

	red, err := f.svc.Create(ctx, CreateRequest{Address: addr, PurchaseAmount: "20.00"})
	require.NoError(t, err)
	require.Equal(t, int64(18), f.balance(t, addr))

	done, err := f.svc.Complete(ctx, red.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
	require.Equal(t, int64(18), f.balance(t, addr))

	_, err = f.svc.Complete(ctx, red.ID)
	require.ErrorIs(t, err, ErrTerminalState)
	_, err = f.svc.Cancel(ctx, red.ID, "too late")
	require.ErrorIs(t, err, ErrTerminalState)
	require.Equal(t, int64(18), f.balance(t, addr))

	_, err = f.svc.Complete(ctx, "missing")
	require.ErrorIs(t, err, ErrRedemptionNotFound)
	_, err = f.svc.Cancel(ctx, "missing", "")
	require.ErrorIs(t, err, ErrRedemptionNotFound)
}

func TestCancelRefundsRecordedTokens(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	addr := testutil.Address(4)
	f.fund(t, addr, 50)

	red, err := f.svc.Create(ctx, CreateRequest{Address: addr, PurchaseAmount: "25.00"})
	require.NoError(t, err)
	require.Equal(t, int64(3), red.TokensRedeemed)

	// the discount rate changes before the cancellation
	_, err = f.ledger.AddPoints(ctx, addr, 300)
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(ctx, red.ID, "customer changed mind")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.Equal(t, "customer changed mind", cancelled.CancelReason)
	require.Equal(t, int64(50), f.balance(t, addr))

	acc, err := f.ledger.GetAccount(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, int64(50), acc.LifetimeTokens)

	records := f.mirrorRecords(t)
	require.Len(t, records, 2)
	require.Equal(t, oracle.KindRefund, records[1].Kind)
	require.Equal(t, int64(3), records[1].Amount)
	require.NotEqual(t, records[0].EventID, records[1].EventID)

	_, err = f.svc.Cancel(ctx, red.ID, "")
	require.ErrorIs(t, err, ErrTerminalState)
	_, err = f.svc.Complete(ctx, red.ID)
	require.ErrorIs(t, err, ErrTerminalState)
	require.Equal(t, int64(50), f.balance(t, addr))

	f.requireConsistent(t, addr)
}

func TestCompleteAndCancelRace(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	addr := testutil.Address(5)
	f.fund(t, addr, 100)

	for i := 0; i < 10; i++ {
		before := f.balance(t, addr)
		red, err := f.svc.Create(ctx, CreateRequest{Address: addr, PurchaseAmount: "10.00"})
		require.NoError(t, err)

		var wg sync.WaitGroup
		var completeErr, cancelErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, completeErr = f.svc.Complete(ctx, red.ID)
		}()
		go func() {
			defer wg.Done()
			_, cancelErr = f.svc.Cancel(ctx, red.ID, "race")
		}()
		wg.Wait()

		require.True(t, (completeErr == nil) != (cancelErr == nil), "complete=%v cancel=%v", completeErr, cancelErr)

		got, err := f.svc.Get(ctx, red.ID)
		require.NoError(t, err)
		if completeErr == nil {
			require.ErrorIs(t, cancelErr, ErrTerminalState)
			require.Equal(t, StatusCompleted, got.Status)
			require.Equal(t, before-red.TokensRedeemed, f.balance(t, addr))
		} else {
			require.ErrorIs(t, completeErr, ErrTerminalState)
			require.Equal(t, StatusCancelled, got.Status)
			require.Equal(t, before, f.balance(t, addr))
		}
	}

	f.requireConsistent(t, addr)
}

func TestConcurrentCreatesNeverOverdraw(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	addr := testutil.Address(6)
	f.fund(t, addr, 10)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		short int
	)
	codes := map[string]bool{}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			red, err := f.svc.Create(ctx, CreateRequest{Address: addr, PurchaseAmount: "30.00"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				codes[red.Code] = true
			case errors.Is(err, ledger.ErrInsufficientFunds):
				short++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Len(t, codes, 3)
	require.Equal(t, 5, short)
	require.Equal(t, int64(1), f.balance(t, addr))
	f.requireConsistent(t, addr)
}

func TestCreateRetriesDuplicateCode(t *testing.T) {
	codes := &fixedCodes{
		codes: []string{"RDM-260101-001AA", "RDM-260101-001AA", "RDM-260101-002BB"},
		next:  sequence.NewMemoryGenerator(),
	}
	f := newFixture(t, codes)
	ctx := context.Background()
	addr := testutil.Address(7)
	f.fund(t, addr, 20)

	first, err := f.svc.Create(ctx, CreateRequest{Address: addr, PurchaseAmount: "10.00"})
	require.NoError(t, err)
	require.Equal(t, "RDM-260101-001AA", first.Code)

	second, err := f.svc.Create(ctx, CreateRequest{Address: addr, PurchaseAmount: "10.00"})
	require.NoError(t, err)
	require.Equal(t, "RDM-260101-002BB", second.Code)

	// the collided attempt rolled back its debit
	require.Equal(t, int64(18), f.balance(t, addr))
	require.Len(t, f.mirrorRecords(t), 2)
	f.requireConsistent(t, addr)
}

func TestCreateGivesUpAfterRepeatedCollisions(t *testing.T) {
	same := "RDM-260101-001AA"
	codes := &fixedCodes{codes: []string{same, same, same, same}, next: sequence.NewMemoryGenerator()}
	f := newFixture(t, codes)
	ctx := context.Background()
	addr := testutil.Address(8)
	f.fund(t, addr, 20)

	_, err := f.svc.Create(ctx, CreateRequest{Address: addr, PurchaseAmount: "10.00"})
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, CreateRequest{Address: addr, PurchaseAmount: "10.00"})
	require.Equal(t, errutil.StatusConflict, errutil.StatusOf(err))
	require.Equal(t, int64(19), f.balance(t, addr))
}

func TestListByAddress(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	addr := testutil.Address(9)
	other := testutil.Address(10)
	f.fund(t, addr, 20)
	f.fund(t, other, 20)

	var ids []string
	for i := 0; i < 5; i++ {
		red, err := f.svc.Create(ctx, CreateRequest{Address: addr, PurchaseAmount: "1.00"})
		require.NoError(t, err)
		ids = append(ids, red.ID)
	}
	_, err := f.svc.Create(ctx, CreateRequest{Address: other, PurchaseAmount: "1.00"})
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, ids[0], "")
	require.NoError(t, err)

	page, info, err := f.svc.ListByAddress(ctx, ListRequest{Address: addr, Pagination: pagination.Pagination{Limit: 3}})
	require.NoError(t, err)
	require.Len(t, page, 3)
	require.True(t, info.HasMore)
	require.Equal(t, ids[4], page[0].ID)

	rest, info, err := f.svc.ListByAddress(ctx, ListRequest{Address: addr, Pagination: pagination.Pagination{Cursor: info.NextCursor, Limit: 3}})
	require.NoError(t, err)
	require.Len(t, rest, 2)
	require.False(t, info.HasMore)

	cancelled, _, err := f.svc.ListByAddress(ctx, ListRequest{Address: addr, Status: StatusCancelled})
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	require.Equal(t, ids[0], cancelled[0].ID)
}
