package quest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"questledger/pkg/celengine"
	"questledger/pkg/db/option"
	"questledger/pkg/db/pagination"
	"questledger/pkg/errutil"
	"questledger/pkg/logger"
	"questledger/pkg/minio"
	"questledger/pkg/repository"
	"questledger/pkg/wallet"
	"questledger/services/eventbus"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("questledger/services/quest")

var (
	ErrQuestNotFound  = errutil.NotFound("quest not found", nil)
	ErrQuestNotActive = errutil.Conflict("quest is not active", nil)
	ErrArchived       = errors.New("quest already archived")
)

const archiveBatch = 100

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	bus  eventbus.Publisher
	// nil when object storage is not configured
	store minio.ObjectStore

	quests      repository.Repository[Quest]
	submissions repository.Repository[Submission]
	archives    repository.Repository[Archive]
}

type ServiceParams struct {
	fx.In
	DB    *gorm.DB
	Node  *snowflake.Node
	Bus   eventbus.Publisher `optional:"true"`
	Store minio.ObjectStore  `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	bus := p.Bus
	if bus == nil {
		bus = eventbus.Discard
	}
	return &Service{
		db:    p.DB,
		node:  p.Node,
		bus:   bus,
		store: p.Store,

		quests:      repository.ProvideStore[Quest](p.DB),
		submissions: repository.ProvideStore[Submission](p.DB),
		archives:    repository.ProvideStore[Archive](p.DB),
	}
}

func (s *Service) WithTrx(tx *gorm.DB) *Service {
	if tx == nil {
		return s
	}
	return &Service{
		db:          tx,
		node:        s.node,
		bus:         s.bus,
		store:       s.store,
		quests:      s.quests.WithTrx(tx),
		submissions: s.submissions.WithTrx(tx),
		archives:    s.archives.WithTrx(tx),
	}
}

type CreateRequest struct {
	Title            string        `json:"title" binding:"required"`
	Description      string        `json:"description"`
	ImpactPoints     int64         `json:"impact_points" binding:"required"`
	CreatorAddress   string        `json:"creator_address"`
	CompletionCap    int64         `json:"completion_cap"`
	CompletionRule   string        `json:"completion_rule"`
	AutoArchiveAfter time.Duration `json:"auto_archive_after"`
}

func ruleAttributes(q *Quest) map[string]interface{} {
	return map[string]interface{}{
		"completions":    q.Completions,
		"impact_points":  q.ImpactPoints,
		"completion_cap": q.CompletionCap,
	}
}

func validateRule(rule string) error {
	attrs := ruleAttributes(&Quest{})
	env, err := celengine.GetOrBuildEnv(attrs)
	if err != nil {
		return err
	}
	if err := celengine.ValidateExpression(env, rule); err != nil {
		return err
	}
	_, err = celengine.Evaluate(env, rule, attrs)
	return err
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (*Quest, error) {
	var details []errutil.Detail
	title := strings.TrimSpace(req.Title)
	if title == "" {
		details = append(details, errutil.Detail{Field: "title", Message: "required"})
	}
	if req.ImpactPoints <= 0 {
		details = append(details, errutil.Detail{Field: "impact_points", Message: "must be positive"})
	}
	if req.CompletionCap < 0 {
		details = append(details, errutil.Detail{Field: "completion_cap", Message: "must not be negative"})
	}
	if req.AutoArchiveAfter < 0 {
		details = append(details, errutil.Detail{Field: "auto_archive_after", Message: "must not be negative"})
	}

	var creator string
	if req.CreatorAddress != "" {
		addr, err := wallet.Normalize(req.CreatorAddress)
		if err != nil {
			details = append(details, errutil.Detail{Field: "creator_address", Message: "invalid wallet address"})
		}
		creator = addr
	}

	rule := strings.TrimSpace(req.CompletionRule)
	if rule != "" {
		if err := validateRule(rule); err != nil {
			details = append(details, errutil.Detail{Field: "completion_rule", Message: err.Error()})
		}
	}
	if len(details) > 0 {
		return nil, errutil.ValidationFailed("invalid quest", nil, errutil.WithDetails(details...))
	}

	id := s.node.Generate().String()
	q := &Quest{
		ID:               id,
		Slug:             fmt.Sprintf("%s-%s", slug.Make(title), id[len(id)-6:]),
		Title:            title,
		Description:      req.Description,
		ImpactPoints:     req.ImpactPoints,
		CreatorAddress:   creator,
		CompletionCap:    req.CompletionCap,
		CompletionRule:   rule,
		AutoArchiveAfter: req.AutoArchiveAfter,
		Status:           StatusActive,
	}
	if err := s.quests.Create(ctx, q); err != nil {
		logger.FromContext(ctx).Error("failed to create quest", zap.Error(err))
		return nil, err
	}

	s.bus.Publish(ctx, eventbus.QuestCreated, eventbus.Event{Payload: q})
	return q, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Quest, error) {
	q, err := s.quests.FindOne(ctx, &Quest{ID: id})
	if err != nil {
		return nil, err
	}
	if q == nil {
		return nil, ErrQuestNotFound
	}
	return q, nil
}

type ListRequest struct {
	Status Status `form:"status"`
	pagination.Pagination
}

func (s *Service) List(ctx context.Context, req ListRequest) ([]*Quest, *pagination.PageInfo, error) {
	cursor, err := pagination.DecodeCursor(req.Cursor)
	if err != nil {
		return nil, nil, errutil.BadRequest("invalid cursor", err)
	}

	page := req.Pagination.Normalized()
	rows, err := s.quests.Find(ctx, &Quest{Status: req.Status},
		option.ApplyCursor(cursor),
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "desc", Allow: map[string]bool{"id": true}}),
		option.ApplyPagination(page),
	)
	if err != nil {
		return nil, nil, err
	}

	rows, info := pagination.Paginate(rows, page.Limit, func(q *Quest) string { return q.ID })
	return rows, info, nil
}

// notActive tells a missing quest apart from one that stopped accepting completions.
func (s *Service) notActive(ctx context.Context, id string) error {
	q, err := s.quests.FindOne(ctx, &Quest{ID: id})
	if err != nil {
		return err
	}
	if q == nil {
		return ErrQuestNotFound
	}
	return errutil.Conflict("quest is not active", nil, errutil.WithDetails(errutil.Detail{Field: "status", Message: string(q.Status)}))
}

// RecordCompletion counts one completion and closes the quest when its cap
// or completion rule is met. completed is true only for the call that closed it.
// Run it inside the settlement transaction through WithTrx.
func (s *Service) RecordCompletion(ctx context.Context, id string) (q *Quest, completed bool, err error) {
	now := time.Now().UTC()
	bump := map[string]any{
		"completions": gorm.Expr("completions + 1"),
		"updated_at":  now,
	}
	n, err := s.quests.UpdateWhere(ctx, &Quest{ID: id, Status: StatusActive}, &bump, underCap)
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		return nil, false, s.notActive(ctx, id)
	}

	q, err = s.quests.FindOne(ctx, &Quest{ID: id})
	if err != nil {
		return nil, false, err
	}

	if !q.capReached() && !s.ruleMet(ctx, q) {
		return q, false, nil
	}

	closed, err := s.close(ctx, q, now)
	if err != nil {
		return nil, false, err
	}
	return q, closed, nil
}

func underCap(db *gorm.DB) *gorm.DB {
	return db.Where("(completion_cap = 0 OR completions < completion_cap)")
}

func (s *Service) ruleMet(ctx context.Context, q *Quest) bool {
	if q.CompletionRule == "" {
		return false
	}

	attrs := ruleAttributes(q)
	env, err := celengine.GetOrBuildEnv(attrs)
	if err == nil {
		var ok bool
		if ok, err = celengine.Evaluate(env, q.CompletionRule, attrs); err == nil {
			return ok
		}
	}
	logger.FromContext(ctx).Warn("quest completion rule failed to evaluate", zap.String("quest_id", q.ID), zap.Error(err))
	return false
}

func (s *Service) close(ctx context.Context, q *Quest, now time.Time) (bool, error) {
	dueAt := q.dueAt(now)
	updates := map[string]any{
		"status":       StatusCompleted,
		"completed_at": now,
		"updated_at":   now,
	}
	if dueAt != nil {
		updates["archive_due_at"] = *dueAt
	}
	n, err := s.quests.UpdateWhere(ctx, &Quest{ID: q.ID, Status: StatusActive}, &updates)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	q.Status = StatusCompleted
	q.CompletedAt = &now
	q.ArchiveDueAt = dueAt
	return true, nil
}

// Complete closes an active quest on an external trigger.
func (s *Service) Complete(ctx context.Context, id string) (*Quest, error) {
	q, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	closed, err := s.close(ctx, q, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if !closed {
		return nil, s.notActive(ctx, id)
	}

	s.bus.Publish(ctx, eventbus.QuestCompleted, eventbus.Event{Payload: q})
	return q, nil
}

func (s *Service) GetSubmission(ctx context.Context, id string) (*Submission, error) {
	return s.submissions.FindOne(ctx, &Submission{ID: id})
}

func (s *Service) CreateSubmission(ctx context.Context, sub *Submission) error {
	return s.submissions.Create(ctx, sub)
}

func (s *Service) UpdateSubmissionAwards(ctx context.Context, id string, points, tokens int64) error {
	return s.submissions.Update(ctx, id, &map[string]any{
		"points_awarded": points,
		"tokens_awarded": tokens,
	})
}

func (s *Service) GetArchive(ctx context.Context, questID string) (*Archive, error) {
	arc, err := s.archives.FindOne(ctx, &Archive{QuestID: questID})
	if err != nil {
		return nil, err
	}
	if arc == nil {
		return nil, errutil.NotFound("quest archive not found", nil)
	}
	return arc, nil
}

// ArchiveDue archives completed quests whose auto-archive delay has elapsed
// at now and returns how many this call archived.
func (s *Service) ArchiveDue(ctx context.Context, now time.Time) (int, error) {
	ctx, span := tracer.Start(ctx, "quest.ArchiveDue")
	defer span.End()

	candidates, err := s.quests.Find(ctx, &Quest{Status: StatusCompleted},
		option.ApplyOperator(option.Condition{Field: "archive_due_at", Operator: option.LTE, Value: now}),
		option.WithSortBy(option.QuerySortBy{SortBy: "archive_due_at", OrderBy: "asc", Allow: map[string]bool{"archive_due_at": true}}),
		func(db *gorm.DB) *gorm.DB { return db.Limit(archiveBatch) },
	)
	if err != nil {
		return 0, err
	}

	log := logger.FromContext(ctx)
	archived := 0
	for _, q := range candidates {
		if !q.archiveDue(now) {
			continue
		}

		arc, err := s.archive(ctx, q, now)
		if errors.Is(err, ErrArchived) {
			continue
		}
		if err != nil {
			log.Error("failed to archive quest", zap.String("quest_id", q.ID), zap.Error(err))
			continue
		}
		archived++

		s.upload(ctx, arc, now)
		s.bus.Publish(ctx, eventbus.QuestArchived, eventbus.Event{Payload: q})
	}
	return archived, nil
}

func (s *Service) archive(ctx context.Context, q *Quest, now time.Time) (*Archive, error) {
	var arc *Archive
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		svc := s.WithTrx(tx)

		existing, err := svc.archives.FindOne(ctx, &Archive{QuestID: q.ID})
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrArchived
		}

		subs, err := svc.submissions.Find(ctx, &Submission{QuestID: q.ID, Status: SubmissionVerified},
			option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "asc"}),
		)
		if err != nil {
			return err
		}

		snapshot := archiveSnapshot{Quest: *q, Submissions: subs, ArchivedAt: now}
		snapshot.Quest.Status = StatusArchived
		snapshot.Quest.ArchivedAt = &now
		body, err := json.Marshal(snapshot)
		if err != nil {
			return err
		}

		arc = &Archive{
			ID:          s.node.Generate().String(),
			QuestID:     q.ID,
			Completions: q.Completions,
			Submissions: int64(len(subs)),
			Snapshot:    datatypes.JSON(body),
			CreatedAt:   now,
		}
		if err := svc.archives.Create(ctx, arc); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrArchived
			}
			return err
		}

		updates := map[string]any{
			"status":      StatusArchived,
			"archived_at": now,
			"updated_at":  now,
		}
		n, err := svc.quests.UpdateWhere(ctx, &Quest{ID: q.ID, Status: StatusCompleted}, &updates)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrArchived
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	q.Status = StatusArchived
	q.ArchivedAt = &now
	return arc, nil
}

func (s *Service) upload(ctx context.Context, arc *Archive, now time.Time) {
	if s.store == nil {
		return
	}

	key := fmt.Sprintf("quest-archives/%s/%s.json", now.UTC().Format("2006/01"), arc.QuestID)
	if err := s.store.Put(ctx, key, arc.Snapshot, "application/json"); err != nil {
		logger.FromContext(ctx).Warn("failed to upload quest archive", zap.String("quest_id", arc.QuestID), zap.Error(err))
		return
	}
	if err := s.archives.Update(ctx, arc.ID, &map[string]any{"object_key": key}); err != nil {
		logger.FromContext(ctx).Warn("failed to store archive object key", zap.String("quest_id", arc.QuestID), zap.Error(err))
		return
	}
	arc.ObjectKey = key
}
