package oracle

import (
	"context"
	"sync/atomic"
	"time"

	"questledger/pkg/db/option"
	"questledger/pkg/db/pagination"
	"questledger/pkg/errutil"
	"questledger/pkg/logger"
	"questledger/pkg/repository"

	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("questledger/services/oracle")

const notRetryableMsg = "only failed mirror records can be retried"

var (
	ErrRecordNotFound = errutil.NotFound("mirror record not found", nil)
	ErrNotRetryable   = errutil.Conflict(notRetryableMsg, nil)
)

const retryConcurrency = 4

// Service is the operator side: reconciliation report, manual retry and the
// sweep for records that were committed but never enqueued.
type Service struct {
	db         *gorm.DB
	records    repository.Repository[MirrorRecord]
	dispatcher *Dispatcher
}

type ServiceParams struct {
	fx.In
	DB         *gorm.DB
	Dispatcher *Dispatcher
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:         p.DB,
		records:    repository.ProvideStore[MirrorRecord](p.DB),
		dispatcher: p.Dispatcher,
	}
}

func (s *Service) Get(ctx context.Context, id string) (*MirrorRecord, error) {
	rec, err := s.records.FindOne(ctx, &MirrorRecord{ID: id})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrRecordNotFound
	}
	return rec, nil
}

type ListRequest struct {
	Status Status
	pagination.Pagination
}

func (s *Service) List(ctx context.Context, req ListRequest) ([]*MirrorRecord, *pagination.PageInfo, error) {
	cursor, err := pagination.DecodeCursor(req.Cursor)
	if err != nil {
		return nil, nil, errutil.BadRequest("invalid cursor", err)
	}

	page := req.Pagination.Normalized()
	rows, err := s.records.Find(ctx, &MirrorRecord{Status: req.Status},
		option.ApplyCursor(cursor),
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "desc", Allow: map[string]bool{"id": true}}),
		option.ApplyPagination(page),
	)
	if err != nil {
		return nil, nil, err
	}

	rows, info := pagination.Paginate(rows, page.Limit, func(r *MirrorRecord) string { return r.ID })
	return rows, info, nil
}

// Retry moves a failed record back to unsent and dispatches it again. The
// ledger mutation it mirrors is not repeated.
func (s *Service) Retry(ctx context.Context, id string) (*MirrorRecord, error) {
	updates := map[string]any{
		"status":     StatusUnsent,
		"last_error": "",
		"updated_at": time.Now().UTC(),
	}
	n, err := s.records.UpdateWhere(ctx, &MirrorRecord{ID: id, Status: StatusFailed}, &updates)
	if err != nil {
		return nil, err
	}

	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, errutil.Conflict(notRetryableMsg, nil, errutil.WithDetails(errutil.Detail{Field: "status", Message: string(rec.Status)}))
	}

	logger.FromContext(ctx).Info("retrying oracle mirror", zap.String("record_id", id), zap.Int("attempts", rec.Attempts))
	s.dispatcher.Dispatch(ctx, rec)
	return rec, nil
}

// RetryFailed retries up to limit failed records and returns how many were reset.
func (s *Service) RetryFailed(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}

	failed, err := s.records.Find(ctx, &MirrorRecord{Status: StatusFailed},
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc", Allow: map[string]bool{"id": true}}),
		func(db *gorm.DB) *gorm.DB { return db.Limit(limit) },
	)
	if err != nil {
		return 0, err
	}

	var retried atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(retryConcurrency)
	for _, rec := range failed {
		id := rec.ID
		g.Go(func() error {
			if _, err := s.Retry(gctx, id); err != nil {
				zap.L().Warn("retry of failed mirror record skipped", zap.String("record_id", id), zap.Error(err))
				return nil
			}
			retried.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(retried.Load()), err
	}
	return int(retried.Load()), nil
}

// DispatchPending enqueues unsent records older than olderThan. These are
// records whose enqueue was lost to a crash or held back by the feature flag.
func (s *Service) DispatchPending(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	pending, err := s.records.Find(ctx, &MirrorRecord{Status: StatusUnsent},
		option.ApplyOperator(option.Condition{Field: "created_at", Operator: option.LTE, Value: cutoff}),
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc", Allow: map[string]bool{"id": true}}),
		func(db *gorm.DB) *gorm.DB { return db.Limit(200) },
	)
	if err != nil {
		return 0, err
	}
	return s.dispatcher.Dispatch(ctx, pending...), nil
}

// WorkerLost is recorded on sent records whose worker never finished them.
const WorkerLost = "worker lost"

// FailStale marks records stuck in sent for longer than olderThan as failed,
// so a worker that died mid-call leaves a retryable record behind.
func (s *Service) FailStale(ctx context.Context, olderThan time.Duration) (int, error) {
	now := time.Now().UTC()
	updates := map[string]any{
		"status":     StatusFailed,
		"last_error": WorkerLost,
		"updated_at": now,
	}
	n, err := s.records.UpdateWhere(ctx, &MirrorRecord{Status: StatusSent}, &updates,
		option.ApplyOperator(option.Condition{Field: "updated_at", Operator: option.LTE, Value: now.Add(-olderThan)}),
	)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.FromContext(ctx).Warn("failed stale mirror records", zap.Int64("count", n))
	}
	return int(n), nil
}

type statusCount struct {
	Status Status
	N      int64
}

// Report counts records by status and refreshes the divergence gauge.
func (s *Service) Report(ctx context.Context) (*Report, error) {
	var rows []statusCount
	err := s.db.WithContext(ctx).Model(&MirrorRecord{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	report := &Report{Counts: make(map[Status]int64, len(Statuses)), GeneratedAt: time.Now().UTC()}
	for _, st := range Statuses {
		report.Counts[st] = 0
	}
	for _, r := range rows {
		report.Counts[r.Status] = r.N
	}
	report.Pending = report.Counts[StatusUnsent] + report.Counts[StatusSent]
	report.Failed = report.Counts[StatusFailed]

	if report.Failed > 0 {
		oldest, err := s.records.FindOne(ctx, &MirrorRecord{Status: StatusFailed},
			option.WithSortBy(option.QuerySortBy{SortBy: "updated_at", OrderBy: "asc", Allow: map[string]bool{"updated_at": true}}),
		)
		if err != nil {
			return nil, err
		}
		if oldest != nil {
			report.OldestFailure = &oldest.UpdatedAt
		}
	}

	for st, n := range report.Counts {
		mirrorRecords.WithLabelValues(string(st)).Set(float64(n))
	}
	return report, nil
}
