package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"questledger/pkg/config"
	"questledger/pkg/featureflags"
	"questledger/pkg/taskname"
	"questledger/services/testutil"

	"github.com/hibiken/asynq"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fixture struct {
	db         *gorm.DB
	enqueuer   *testutil.Enqueuer
	recorder   *Recorder
	dispatcher *Dispatcher
	svc        *Service
	chain      *MockChain
	worker     *Worker
}

func newFixture(t *testing.T, flags featureflags.FeatureFlag, timeout time.Duration) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t, &MirrorRecord{})
	cfg := &config.Config{}
	cfg.Oracle.Queue = "oracle"
	cfg.Oracle.ConfirmTimeout = timeout

	enq := &testutil.Enqueuer{}
	dispatcher := NewDispatcher(DispatcherParams{Config: cfg, DB: db, Enqueuer: enq, Flags: flags})
	chain := NewMockChain(gomock.NewController(t))

	return &fixture{
		db:         db,
		enqueuer:   enq,
		recorder:   NewRecorder(RecorderParams{DB: db, Node: testutil.NewNode(t)}),
		dispatcher: dispatcher,
		svc:        NewService(ServiceParams{DB: db, Dispatcher: dispatcher}),
		chain:      chain,
		worker:     newWorker(db, chain, timeout),
	}
}

func (f *fixture) record(t *testing.T, ev Event) *MirrorRecord {
	t.Helper()
	rec, err := f.recorder.Record(context.Background(), nil, ev)
	require.NoError(t, err)
	return rec
}

func (f *fixture) reload(t *testing.T, id string) *MirrorRecord {
	t.Helper()
	rec, err := f.svc.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

// runQueued feeds every queued task to the worker, like the asynq server would.
func (f *fixture) runQueued(t *testing.T) int {
	t.Helper()
	tasks := f.enqueuer.Drain()
	for _, task := range tasks {
		require.Equal(t, taskname.OracleMirror, task.Type())
		require.NoError(t, f.worker.HandleMirrorTask(context.Background(), task))
	}
	return len(tasks)
}

var mintEvent = Event{Kind: KindMint, Address: testutil.Address(1), Amount: 12, Reference: "sub-1", Memo: "quest q1"}

func TestRecordIsIdempotentPerEvent(t *testing.T) {
	f := newFixture(t, nil, time.Second)

	first := f.record(t, mintEvent)
	again := f.record(t, mintEvent)
	require.Equal(t, first.ID, again.ID)
	require.Equal(t, StatusUnsent, first.Status)
	require.Len(t, first.EventID, 64)

	other := mintEvent
	other.Reference = "sub-2"
	require.NotEqual(t, first.ID, f.record(t, other).ID)

	_, err := f.recorder.Record(context.Background(), nil, Event{Kind: KindMint, Address: testutil.Address(1)})
	require.Error(t, err)
}

func TestEventKeyIgnoresMemoAndCase(t *testing.T) {
	a := mintEvent
	b := mintEvent
	b.Memo = "different"
	b.Address = strings.ToUpper(a.Address)
	require.Equal(t, a.Key(), b.Key())

	b.Kind = KindRefund
	require.NotEqual(t, a.Key(), b.Key())
}

func TestWorkerConfirmsMint(t *testing.T) {
	f := newFixture(t, nil, time.Second)
	rec := f.record(t, mintEvent)

	f.chain.EXPECT().IsRegistered(gomock.Any(), mintEvent.Address).Return(true, nil)
	f.chain.EXPECT().Mint(gomock.Any(), mintEvent.Address, int64(12), rec.EventID).Return("0xabc", nil)
	f.chain.EXPECT().WaitForConfirmation(gomock.Any(), "0xabc").Return(nil)

	require.Equal(t, 1, f.dispatcher.Dispatch(context.Background(), rec))
	require.Equal(t, 1, f.runQueued(t))

	got := f.reload(t, rec.ID)
	require.Equal(t, StatusConfirmed, got.Status)
	require.Equal(t, "0xabc", got.TxHash)
	require.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.ConfirmedAt)
	require.NotNil(t, got.DispatchedAt)

	// a duplicate delivery finds nothing to claim and makes no chain calls
	require.NoError(t, f.worker.Mirror(context.Background(), rec.ID))
}

func TestWorkerRoutesBurnAndRefund(t *testing.T) {
	f := newFixture(t, nil, time.Second)
	burn := f.record(t, Event{Kind: KindBurn, Address: testutil.Address(2), Amount: 3, Reference: "red-1"})
	refund := f.record(t, Event{Kind: KindRefund, Address: testutil.Address(2), Amount: 3, Reference: "red-1", Memo: "shop closed"})

	f.chain.EXPECT().IsRegistered(gomock.Any(), gomock.Any()).Return(true, nil).Times(2)
	f.chain.EXPECT().RecordRedemption(gomock.Any(), testutil.Address(2), int64(3), "red-1", burn.EventID).Return("0x1", nil)
	f.chain.EXPECT().RecordRefund(gomock.Any(), testutil.Address(2), int64(3), "shop closed", refund.EventID).Return("0x2", nil)
	f.chain.EXPECT().WaitForConfirmation(gomock.Any(), gomock.Any()).Return(nil).Times(2)

	require.Equal(t, 2, f.dispatcher.Dispatch(context.Background(), burn, refund))
	require.Equal(t, 2, f.runQueued(t))
	require.Equal(t, StatusConfirmed, f.reload(t, burn.ID).Status)
	require.Equal(t, StatusConfirmed, f.reload(t, refund.ID).Status)
}

func TestWorkerFailsUnregisteredAccount(t *testing.T) {
	f := newFixture(t, nil, time.Second)
	rec := f.record(t, mintEvent)

	f.chain.EXPECT().IsRegistered(gomock.Any(), gomock.Any()).Return(false, nil)

	require.NoError(t, f.worker.Mirror(context.Background(), rec.ID))
	got := f.reload(t, rec.ID)
	require.Equal(t, StatusFailed, got.Status)
	require.Contains(t, got.LastError, ErrNotRegistered.Error())
}

func TestConfirmationTimeoutThenManualRetry(t *testing.T) {
	f := newFixture(t, nil, 20*time.Millisecond)
	rec := f.record(t, mintEvent)

	gomock.InOrder(
		f.chain.EXPECT().IsRegistered(gomock.Any(), gomock.Any()).Return(true, nil),
		f.chain.EXPECT().Mint(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return("0xslow", nil),
		f.chain.EXPECT().WaitForConfirmation(gomock.Any(), "0xslow").DoAndReturn(func(ctx context.Context, _ string) error {
			<-ctx.Done()
			return ctx.Err()
		}),
	)

	f.dispatcher.Dispatch(context.Background(), rec)
	f.runQueued(t)

	got := f.reload(t, rec.ID)
	require.Equal(t, StatusFailed, got.Status)
	require.Contains(t, got.LastError, "no confirmation within")
	require.Equal(t, "0xslow", got.TxHash)

	report, err := f.svc.Report(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), report.Failed)
	require.NotNil(t, report.OldestFailure)
	require.Equal(t, float64(1), promtest.ToFloat64(mirrorRecords.WithLabelValues(string(StatusFailed))))

	gomock.InOrder(
		f.chain.EXPECT().IsRegistered(gomock.Any(), gomock.Any()).Return(true, nil),
		f.chain.EXPECT().Mint(gomock.Any(), gomock.Any(), gomock.Any(), rec.EventID).Return("0xfast", nil),
		f.chain.EXPECT().WaitForConfirmation(gomock.Any(), "0xfast").Return(nil),
	)

	retried, err := f.svc.Retry(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, StatusUnsent, retried.Status)
	require.Equal(t, 1, f.runQueued(t))

	got = f.reload(t, rec.ID)
	require.Equal(t, StatusConfirmed, got.Status)
	require.Equal(t, 2, got.Attempts)
	require.Empty(t, got.LastError)

	report, err = f.svc.Report(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.Failed)
	require.Equal(t, int64(1), report.Counts[StatusConfirmed])
}

func TestRetryRejectsRecordsThatAreNotFailed(t *testing.T) {
	f := newFixture(t, nil, time.Second)
	rec := f.record(t, mintEvent)

	_, err := f.svc.Retry(context.Background(), rec.ID)
	require.ErrorIs(t, err, ErrNotRetryable)

	_, err = f.svc.Retry(context.Background(), "missing")
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func TestRetryFailedResetsAll(t *testing.T) {
	f := newFixture(t, nil, time.Second)
	for i := 0; i < 6; i++ {
		rec := f.record(t, Event{Kind: KindMint, Address: testutil.Address(i + 1), Amount: 1, Reference: "bulk"})
		require.NoError(t, f.db.Model(&MirrorRecord{}).Where("id = ?", rec.ID).Update("status", StatusFailed).Error)
	}

	n, err := f.svc.RetryFailed(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 6, n)
	require.Equal(t, 6, f.enqueuer.Len())

	rows, _, err := f.svc.List(context.Background(), ListRequest{Status: StatusFailed})
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestDisabledFlagLeavesRecordsForTheSweep(t *testing.T) {
	f := newFixture(t, featureflags.Static(false), time.Second)
	rec := f.record(t, mintEvent)

	require.Zero(t, f.dispatcher.Dispatch(context.Background(), rec))
	require.Zero(t, f.enqueuer.Len())
	require.Equal(t, StatusUnsent, f.reload(t, rec.ID).Status)

	f.dispatcher.flags = featureflags.Static(true)
	n, err := f.svc.DispatchPending(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// already queued: the same attempt is not enqueued twice
	n, err = f.svc.DispatchPending(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, f.enqueuer.Len())

	n, err = f.svc.DispatchPending(context.Background(), time.Hour)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestEnqueueFailureMarksRecordFailed(t *testing.T) {
	f := newFixture(t, nil, time.Second)
	f.enqueuer.Err = errors.New("redis unavailable")
	rec := f.record(t, mintEvent)

	require.Zero(t, f.dispatcher.Dispatch(context.Background(), rec))
	got := f.reload(t, rec.ID)
	require.Equal(t, StatusFailed, got.Status)
	require.Contains(t, got.LastError, "redis unavailable")
}

func TestHandleMirrorTaskRejectsBadPayload(t *testing.T) {
	f := newFixture(t, nil, time.Second)

	err := f.worker.HandleMirrorTask(context.Background(), asynq.NewTask(taskname.OracleMirror, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	payload, _ := json.Marshal(MirrorPayload{RecordID: "unknown"})
	require.NoError(t, f.worker.HandleMirrorTask(context.Background(), asynq.NewTask(taskname.OracleMirror, payload)))
}

func TestFailStaleReleasesLostClaims(t *testing.T) {
	f := newFixture(t, nil, time.Second)
	ctx := context.Background()

	lost := f.record(t, Event{Kind: KindMint, Address: testutil.Address(1), Amount: 2, Reference: "sub-1"})
	busy := f.record(t, Event{Kind: KindMint, Address: testutil.Address(2), Amount: 2, Reference: "sub-2"})

	// both claimed by a worker; only the first claim is old
	old := time.Now().UTC().Add(-10 * time.Minute)
	require.NoError(t, f.db.Model(&MirrorRecord{}).Where("id = ?", lost.ID).
		Updates(map[string]any{"status": StatusSent, "attempts": 1, "updated_at": old}).Error)
	require.NoError(t, f.db.Model(&MirrorRecord{}).Where("id = ?", busy.ID).
		Updates(map[string]any{"status": StatusSent, "attempts": 1, "updated_at": time.Now().UTC()}).Error)

	n, err := f.svc.FailStale(ctx, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got := f.reload(t, lost.ID)
	require.Equal(t, StatusFailed, got.Status)
	require.Equal(t, WorkerLost, got.LastError)
	require.Equal(t, StatusSent, f.reload(t, busy.ID).Status)

	_, err = f.svc.Retry(ctx, lost.ID)
	require.NoError(t, err)
	require.Equal(t, 1, f.enqueuer.Len())
}
