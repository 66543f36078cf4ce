package quest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"questledger/pkg/db/pagination"
	"questledger/pkg/errutil"
	"questledger/services/eventbus"
	"questledger/services/testutil"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type memoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (m *memoryStore) Put(_ context.Context, key string, body []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[key] = body
	return nil
}

type fixture struct {
	svc   *Service
	db    *gorm.DB
	bus   *eventbus.Bus
	store *memoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t, &Quest{}, &Submission{}, &Archive{})
	bus := eventbus.New(16)
	t.Cleanup(bus.Close)
	store := &memoryStore{}
	svc := NewService(ServiceParams{DB: db, Node: testutil.NewNode(t), Bus: bus, Store: store})
	return &fixture{svc: svc, db: db, bus: bus, store: store}
}

func (f *fixture) create(t *testing.T, req CreateRequest) *Quest {
	t.Helper()
	if req.Title == "" {
		req.Title = "Plant a tree"
	}
	if req.ImpactPoints == 0 {
		req.ImpactPoints = 50
	}
	q, err := f.svc.Create(context.Background(), req)
	require.NoError(t, err)
	return q
}

func TestCreateQuest(t *testing.T) {
	f := newFixture(t)
	sub := f.bus.Subscribe(eventbus.QuestCreated)
	defer sub.Close()

	q, err := f.svc.Create(context.Background(), CreateRequest{
		Title:          "  Beach Clean-up Day ",
		ImpactPoints:   50,
		CreatorAddress: "0xAB00000000000000000000000000000000000001",
	})
	require.NoError(t, err)
	require.Equal(t, "Beach Clean-up Day", q.Title)
	require.True(t, strings.HasPrefix(q.Slug, "beach-clean-up-day-"), q.Slug)
	require.Equal(t, "0xab00000000000000000000000000000000000001", q.CreatorAddress)
	require.Equal(t, StatusActive, q.Status)

	select {
	case ev := <-sub.C:
		require.Equal(t, eventbus.QuestCreated, ev.Topic)
	case <-time.After(time.Second):
		t.Fatal("quest:created not published")
	}

	got, err := f.svc.Get(context.Background(), q.ID)
	require.NoError(t, err)
	require.Equal(t, q.Slug, got.Slug)
}

func TestCreateQuestValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name  string
		req   CreateRequest
		field string
	}{
		{"blank title", CreateRequest{Title: "  ", ImpactPoints: 10}, "title"},
		{"zero points", CreateRequest{Title: "x", ImpactPoints: 0}, "impact_points"},
		{"bad creator", CreateRequest{Title: "x", ImpactPoints: 10, CreatorAddress: "0x123"}, "creator_address"},
		{"rule does not compile", CreateRequest{Title: "x", ImpactPoints: 10, CompletionRule: "completions >="}, "completion_rule"},
		{"rule is not boolean", CreateRequest{Title: "x", ImpactPoints: 10, CompletionRule: "completions + 1"}, "completion_rule"},
		{"unknown variable", CreateRequest{Title: "x", ImpactPoints: 10, CompletionRule: "votes > 3"}, "completion_rule"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Create(context.Background(), tt.req)
			require.Error(t, err)
			require.Equal(t, errutil.StatusValidationFailed, errutil.StatusOf(err))

			var base errutil.BaseError
			require.True(t, errors.As(err, &base))
			var fields []string
			for _, d := range base.Details {
				fields = append(fields, d.Field)
			}
			require.Contains(t, fields, tt.field)
		})
	}
}

func TestRecordCompletionHonoursCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.create(t, CreateRequest{CompletionCap: 2})

	got, completed, err := f.svc.RecordCompletion(ctx, q.ID)
	require.NoError(t, err)
	require.False(t, completed)
	require.Equal(t, int64(1), got.Completions)

	got, completed, err = f.svc.RecordCompletion(ctx, q.ID)
	require.NoError(t, err)
	require.True(t, completed)
	require.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	_, _, err = f.svc.RecordCompletion(ctx, q.ID)
	require.ErrorIs(t, err, ErrQuestNotActive)

	stored, err := f.svc.Get(ctx, q.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), stored.Completions)
}

func TestRecordCompletionRule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.create(t, CreateRequest{CompletionRule: "completions >= 3"})

	for i := 0; i < 2; i++ {
		_, completed, err := f.svc.RecordCompletion(ctx, q.ID)
		require.NoError(t, err)
		require.False(t, completed)
	}
	_, completed, err := f.svc.RecordCompletion(ctx, q.ID)
	require.NoError(t, err)
	require.True(t, completed)
}

func TestRecordCompletionUnknownQuest(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.RecordCompletion(context.Background(), "missing")
	require.ErrorIs(t, err, ErrQuestNotFound)
}

func TestRecordCompletionConcurrentCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.create(t, CreateRequest{CompletionCap: 5})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		closedBy int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, completed, err := f.svc.RecordCompletion(ctx, q.ID)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			}
			if completed {
				closedBy++
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 5, ok)
	require.Equal(t, 1, closedBy)
}

func TestCompleteExternally(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.create(t, CreateRequest{})
	sub := f.bus.Subscribe(eventbus.QuestCompleted)
	defer sub.Close()

	got, err := f.svc.Complete(ctx, q.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
	require.Len(t, sub.C, 1)

	_, err = f.svc.Complete(ctx, q.ID)
	require.ErrorIs(t, err, ErrQuestNotActive)

	_, err = f.svc.Complete(ctx, "missing")
	require.ErrorIs(t, err, ErrQuestNotFound)
}

func TestListQuests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		f.create(t, CreateRequest{})
	}
	done := f.create(t, CreateRequest{})
	_, err := f.svc.Complete(ctx, done.ID)
	require.NoError(t, err)

	active, _, err := f.svc.List(ctx, ListRequest{Status: StatusActive, Pagination: pagination.Pagination{Limit: 50}})
	require.NoError(t, err)
	require.Len(t, active, 5)

	first, info, err := f.svc.List(ctx, ListRequest{Pagination: pagination.Pagination{Limit: 4}})
	require.NoError(t, err)
	require.Len(t, first, 4)
	require.True(t, info.HasMore)
	require.Equal(t, done.ID, first[0].ID)

	rest, info, err := f.svc.List(ctx, ListRequest{Pagination: pagination.Pagination{Cursor: info.NextCursor, Limit: 4}})
	require.NoError(t, err)
	require.Len(t, rest, 2)
	require.False(t, info.HasMore)

	_, _, err = f.svc.List(ctx, ListRequest{Pagination: pagination.Pagination{Cursor: "%%%"}})
	require.Equal(t, errutil.StatusBadRequest, errutil.StatusOf(err))
}

func TestArchiveDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.create(t, CreateRequest{AutoArchiveAfter: time.Hour})
	keep := f.create(t, CreateRequest{})

	require.NoError(t, f.svc.CreateSubmission(ctx, &Submission{
		ID: "sub-1", QuestID: q.ID, Address: testutil.Address(1),
		Status: SubmissionVerified, RewardKey: RewardKey(testutil.Address(1), q.ID),
		PointsAwarded: 50, TokensAwarded: 2,
	}))
	require.NoError(t, f.svc.CreateSubmission(ctx, &Submission{
		ID: "sub-2", QuestID: q.ID, Address: testutil.Address(2), Status: SubmissionRejected,
	}))

	_, err := f.svc.Complete(ctx, q.ID)
	require.NoError(t, err)
	_, err = f.svc.Complete(ctx, keep.ID)
	require.NoError(t, err)

	n, err := f.svc.ArchiveDue(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Zero(t, n)

	sub := f.bus.Subscribe(eventbus.QuestArchived)
	defer sub.Close()

	later := time.Now().UTC().Add(2 * time.Hour)
	n, err = f.svc.ArchiveDue(ctx, later)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, sub.C, 1)

	got, err := f.svc.Get(ctx, q.ID)
	require.NoError(t, err)
	require.Equal(t, StatusArchived, got.Status)
	require.NotNil(t, got.ArchivedAt)

	other, err := f.svc.Get(ctx, keep.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, other.Status)

	arc, err := f.svc.GetArchive(ctx, q.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), arc.Submissions)
	require.Equal(t, "quest-archives/"+later.Format("2006/01")+"/"+q.ID+".json", arc.ObjectKey)

	var snap archiveSnapshot
	require.NoError(t, json.Unmarshal(arc.Snapshot, &snap))
	require.Equal(t, StatusArchived, snap.Quest.Status)
	require.Len(t, snap.Submissions, 1)
	require.Equal(t, "sub-1", snap.Submissions[0].ID)
	require.Contains(t, f.store.objects, arc.ObjectKey)

	n, err = f.svc.ArchiveDue(ctx, later.Add(time.Hour))
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestArchiveDueNotStarvedByLaterQuests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// a full batch of quests closed first but archived a year from now
	for i := 0; i < archiveBatch+1; i++ {
		q := f.create(t, CreateRequest{Title: fmt.Sprintf("Long running %d", i), AutoArchiveAfter: 365 * 24 * time.Hour})
		_, err := f.svc.Complete(ctx, q.ID)
		require.NoError(t, err)
	}
	due := f.create(t, CreateRequest{Title: "Short lived", AutoArchiveAfter: time.Minute})
	_, err := f.svc.Complete(ctx, due.ID)
	require.NoError(t, err)

	n, err := f.svc.ArchiveDue(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := f.svc.Get(ctx, due.ID)
	require.NoError(t, err)
	require.Equal(t, StatusArchived, got.Status)
}

func TestCompleteSetsArchiveDueAt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	q := f.create(t, CreateRequest{AutoArchiveAfter: time.Hour})
	closed, err := f.svc.Complete(ctx, q.ID)
	require.NoError(t, err)
	require.NotNil(t, closed.ArchiveDueAt)
	require.Equal(t, closed.CompletedAt.Add(time.Hour), *closed.ArchiveDueAt)

	never := f.create(t, CreateRequest{Title: "No archive"})
	closed, err = f.svc.Complete(ctx, never.ID)
	require.NoError(t, err)
	require.Nil(t, closed.ArchiveDueAt)
}

func TestArchiveSurvivesUploadFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.err = errors.New("bucket unavailable")

	q := f.create(t, CreateRequest{AutoArchiveAfter: time.Minute})
	_, err := f.svc.Complete(ctx, q.ID)
	require.NoError(t, err)

	n, err := f.svc.ArchiveDue(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	arc, err := f.svc.GetArchive(ctx, q.ID)
	require.NoError(t, err)
	require.Empty(t, arc.ObjectKey)
}

func TestGetArchiveMissing(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetArchive(context.Background(), "missing")
	require.Equal(t, errutil.StatusNotFound, errutil.StatusOf(err))
}
