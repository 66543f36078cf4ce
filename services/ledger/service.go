package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"questledger/pkg/db/option"
	"questledger/pkg/db/pagination"
	"questledger/pkg/errutil"
	"questledger/pkg/logger"
	"questledger/pkg/repository"
	"questledger/pkg/wallet"
	"questledger/services/progression"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var tracer = otel.Tracer("questledger/services/ledger")

var (
	ErrInsufficientFunds = errutil.InsufficientFunds("insufficient token balance", nil)
	ErrAccountNotFound   = errutil.NotFound("account not found", nil)
	ErrInvalidAmount     = errutil.ValidationFailed("amount must be a positive integer", nil)
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node

	accounts     repository.Repository[Account]
	transactions repository.Repository[Transaction]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,

		accounts:     repository.ProvideStore[Account](p.DB),
		transactions: repository.ProvideStore[Transaction](p.DB),
	}
}

// WithTrx returns a Service bound to tx. Mutations then run as savepoints of
// the caller's transaction and commit or roll back with it.
func (s *Service) WithTrx(tx *gorm.DB) *Service {
	if tx == nil {
		return s
	}
	return &Service{
		db:           tx,
		node:         s.node,
		accounts:     s.accounts.WithTrx(tx),
		transactions: s.transactions.WithTrx(tx),
	}
}

func (s *Service) EnsureAccount(ctx context.Context, address string) (*Account, error) {
	addr, err := wallet.Normalize(address)
	if err != nil {
		return nil, err
	}
	return s.ensureAccount(ctx, addr)
}

func (s *Service) ensureAccount(ctx context.Context, addr string) (*Account, error) {
	acc, err := s.accounts.FindOne(ctx, &Account{Address: addr})
	if err != nil {
		return nil, err
	}
	if acc != nil {
		return acc, nil
	}

	stage := progression.StageFor(0)
	fresh := &Account{
		Address:      addr,
		Stage:        stage,
		Level:        progression.Level(0),
		DiscountRate: progression.DiscountRate(stage),
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(fresh).Error; err != nil {
		return nil, err
	}

	return s.accounts.FindOne(ctx, &Account{Address: addr})
}

func (s *Service) GetAccount(ctx context.Context, address string) (*Account, error) {
	addr, err := wallet.Normalize(address)
	if err != nil {
		return nil, err
	}

	acc, err := s.accounts.FindOne(ctx, &Account{Address: addr})
	if err != nil {
		logger.FromContext(ctx).Error("failed to query account", zap.String("address", addr), zap.Error(err))
		return nil, err
	}
	if acc == nil {
		return nil, ErrAccountNotFound
	}
	return acc, nil
}

// Credit adds amount to the balance and appends one transaction.
func (s *Service) Credit(ctx context.Context, address string, amount int64, meta Meta) (int64, error) {
	return s.CreditSplit(ctx, address, Leg{Meta: meta, Amount: amount})
}

// CreditSplit applies the sum of legs as one balance update and writes one
// transaction per leg. The account is created when missing.
func (s *Service) CreditSplit(ctx context.Context, address string, legs ...Leg) (int64, error) {
	ctx, span := tracer.Start(ctx, "ledger.CreditSplit")
	defer span.End()

	addr, err := wallet.Normalize(address)
	if err != nil {
		return 0, err
	}
	if len(legs) == 0 {
		return 0, ErrInvalidAmount
	}

	var total int64
	for _, l := range legs {
		if l.Amount <= 0 {
			return 0, ErrInvalidAmount
		}
		total += l.Amount
	}
	span.SetAttributes(attribute.String("address", addr), attribute.Int64("amount", total))

	var balance int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		svc := s.WithTrx(tx)
		if _, err := svc.ensureAccount(ctx, addr); err != nil {
			return err
		}

		updates := map[string]any{
			"token_balance":   gorm.Expr("token_balance + ?", total),
			"lifetime_tokens": gorm.Expr("lifetime_tokens + ?", total),
			"updated_at":      time.Now().UTC(),
		}
		n, err := svc.accounts.UpdateWhere(ctx, &Account{Address: addr}, &updates)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrAccountNotFound
		}

		balance, err = svc.appendLegs(ctx, addr, legs, 1)
		return err
	})
	if err != nil {
		logger.FromContext(ctx).Warn("credit failed", zap.String("address", addr), zap.Int64("amount", total), zap.Error(err))
		return 0, err
	}

	return balance, nil
}

// Debit removes amount only if the balance covers it. The check and the
// deduction are one conditional UPDATE, so concurrent debits cannot overdraw.
func (s *Service) Debit(ctx context.Context, address string, amount int64, meta Meta) (int64, error) {
	ctx, span := tracer.Start(ctx, "ledger.Debit")
	defer span.End()

	addr, err := wallet.Normalize(address)
	if err != nil {
		return 0, err
	}
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	span.SetAttributes(attribute.String("address", addr), attribute.Int64("amount", amount))

	var balance int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		svc := s.WithTrx(tx)

		updates := map[string]any{
			"token_balance": gorm.Expr("token_balance - ?", amount),
			"updated_at":    time.Now().UTC(),
		}
		n, err := svc.accounts.UpdateWhere(ctx, &Account{Address: addr}, &updates,
			option.ApplyOperator(option.Condition{Field: "token_balance", Operator: option.GTE, Value: amount}),
		)
		if err != nil {
			return err
		}
		if n == 0 {
			acc, err := svc.accounts.FindOne(ctx, &Account{Address: addr})
			if err != nil {
				return err
			}
			if acc == nil {
				return ErrAccountNotFound
			}
			return ErrInsufficientFunds
		}

		balance, err = svc.appendLegs(ctx, addr, []Leg{{Meta: meta, Amount: amount}}, -1)
		return err
	})
	if err != nil {
		if !errors.Is(err, ErrInsufficientFunds) {
			logger.FromContext(ctx).Error("debit failed", zap.String("address", addr), zap.Int64("amount", amount), zap.Error(err))
		}
		return 0, err
	}

	return balance, nil
}

// Refund restores tokens taken by a debit. Refunds do not count as earned tokens.
func (s *Service) Refund(ctx context.Context, address string, amount int64, meta Meta) (int64, error) {
	ctx, span := tracer.Start(ctx, "ledger.Refund")
	defer span.End()

	addr, err := wallet.Normalize(address)
	if err != nil {
		return 0, err
	}
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	if meta.Type == "" {
		meta.Type = TxRedemptionRefund
	}

	var balance int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		svc := s.WithTrx(tx)

		updates := map[string]any{
			"token_balance": gorm.Expr("token_balance + ?", amount),
			"updated_at":    time.Now().UTC(),
		}
		n, err := svc.accounts.UpdateWhere(ctx, &Account{Address: addr}, &updates)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrAccountNotFound
		}

		balance, err = svc.appendLegs(ctx, addr, []Leg{{Meta: meta, Amount: amount}}, 1)
		return err
	})
	if err != nil {
		logger.FromContext(ctx).Error("refund failed", zap.String("address", addr), zap.Int64("amount", amount), zap.Error(err))
		return 0, err
	}

	return balance, nil
}

// appendLegs must run after the balance UPDATE of the same transaction: the
// updated row stays locked until commit, which orders the hash chain.
func (s *Service) appendLegs(ctx context.Context, addr string, legs []Leg, sign int64) (int64, error) {
	acc, err := s.accounts.FindOne(ctx, &Account{Address: addr})
	if err != nil {
		return 0, err
	}
	if acc == nil {
		return 0, ErrAccountNotFound
	}

	last, err := s.lastTransaction(ctx, addr)
	if err != nil {
		return 0, err
	}
	previousHash, seq := GenesisHash, int64(0)
	if last != nil {
		previousHash, seq = last.Hash, last.Seq
	}

	var total int64
	for _, l := range legs {
		total += l.Amount
	}
	running := acc.TokenBalance - sign*total

	now := time.Now().UTC().Truncate(time.Microsecond)
	for _, l := range legs {
		running += sign * l.Amount
		seq++

		reference, err := NewReference(now)
		if err != nil {
			return 0, err
		}

		var metadata datatypes.JSON
		if len(l.Metadata) > 0 {
			b, err := json.Marshal(l.Metadata)
			if err != nil {
				return 0, err
			}
			metadata = datatypes.JSON(b)
		}

		entry := &Transaction{
			ID:           s.node.Generate().String(),
			Address:      addr,
			Seq:          seq,
			Type:         l.Type,
			Amount:       sign * l.Amount,
			BalanceAfter: running,
			Reference:    reference,
			Description:  l.Description,
			QuestID:      l.QuestID,
			RedemptionID: l.RedemptionID,
			SubmissionID: l.SubmissionID,
			PreviousHash: previousHash,
			Metadata:     metadata,
			CreatedAt:    now,
		}
		entry.Hash = entry.GenerateHash()

		if err := s.transactions.Create(ctx, entry); err != nil {
			return 0, err
		}
		previousHash = entry.Hash
	}

	return acc.TokenBalance, nil
}

func (s *Service) lastTransaction(ctx context.Context, addr string) (*Transaction, error) {
	return s.transactions.FindOne(ctx, &Transaction{Address: addr}, option.WithSortBy(option.QuerySortBy{
		SortBy:  "seq",
		OrderBy: "desc",
		Allow:   map[string]bool{"seq": true},
	}))
}

// ProgressUpdate is the before/after view of an account around AddPoints.
type ProgressUpdate struct {
	Before Account
	After  Account
}

func (u ProgressUpdate) StageChanged() bool {
	return u.After.Stage != u.Before.Stage
}

// AddPoints adds quest points, bumps the completed counter and re-derives
// stage, level and discount. The account is created when missing.
func (s *Service) AddPoints(ctx context.Context, address string, points int64) (*ProgressUpdate, error) {
	addr, err := wallet.Normalize(address)
	if err != nil {
		return nil, err
	}
	if points < 0 {
		return nil, errutil.ValidationFailed("points must not be negative", nil)
	}

	var update ProgressUpdate
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		svc := s.WithTrx(tx)
		if _, err := svc.ensureAccount(ctx, addr); err != nil {
			return err
		}

		updates := map[string]any{
			"impact_points":    gorm.Expr("impact_points + ?", points),
			"quests_completed": gorm.Expr("quests_completed + 1"),
			"updated_at":       time.Now().UTC(),
		}
		if _, err := svc.accounts.UpdateWhere(ctx, &Account{Address: addr}, &updates); err != nil {
			return err
		}

		acc, err := svc.accounts.FindOne(ctx, &Account{Address: addr})
		if err != nil {
			return err
		}

		update.Before = *acc
		update.Before.ImpactPoints = acc.ImpactPoints - points
		update.Before.QuestsCompleted = acc.QuestsCompleted - 1
		update.Before.Stage = progression.StageFor(update.Before.ImpactPoints)
		update.Before.Level = progression.Level(update.Before.ImpactPoints)
		update.Before.DiscountRate = progression.DiscountRate(update.Before.Stage)

		stage := progression.StageFor(acc.ImpactPoints)
		derived := map[string]any{
			"stage":             stage,
			"level":             progression.Level(acc.ImpactPoints),
			"discount_rate_bps": progression.DiscountRate(stage),
		}
		if _, err := svc.accounts.UpdateWhere(ctx, &Account{Address: addr}, &derived); err != nil {
			return err
		}

		acc.Stage = stage
		acc.Level = progression.Level(acc.ImpactPoints)
		acc.DiscountRate = progression.DiscountRate(stage)
		update.After = *acc
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &update, nil
}

type ListTransactionsRequest struct {
	Address string
	pagination.Pagination
}

func (s *Service) ListTransactions(ctx context.Context, req ListTransactionsRequest) ([]*Transaction, *pagination.PageInfo, error) {
	addr, err := wallet.Normalize(req.Address)
	if err != nil {
		return nil, nil, err
	}

	cursor, err := pagination.DecodeCursor(req.Cursor)
	if err != nil {
		return nil, nil, errutil.BadRequest("invalid cursor", err)
	}

	page := req.Pagination.Normalized()
	rows, err := s.transactions.Find(ctx, &Transaction{Address: addr},
		option.ApplyCursor(cursor),
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "desc", Allow: map[string]bool{"id": true}}),
		option.ApplyPagination(page),
	)
	if err != nil {
		logger.FromContext(ctx).Error("failed to list transactions", zap.String("address", addr), zap.Error(err))
		return nil, nil, err
	}

	rows, info := pagination.Paginate(rows, page.Limit, func(t *Transaction) string { return t.ID })
	return rows, info, nil
}

// VerifyBalance replays the transaction log of address and checks it against
// the stored balance and the hash chain.
func (s *Service) VerifyBalance(ctx context.Context, address string) (*Verification, error) {
	acc, err := s.GetAccount(ctx, address)
	if err != nil {
		return nil, err
	}

	rows, err := s.transactions.Find(ctx, &Transaction{Address: acc.Address},
		option.WithSortBy(option.QuerySortBy{SortBy: "seq", OrderBy: "asc", Allow: map[string]bool{"seq": true}}),
	)
	if err != nil {
		return nil, err
	}

	v := &Verification{
		Address:    acc.Address,
		Balance:    acc.TokenBalance,
		Entries:    int64(len(rows)),
		ChainValid: true,
	}

	previous := GenesisHash
	for i, row := range rows {
		v.Replayed += row.Amount
		if v.ChainValid && (row.Seq != int64(i+1) || row.PreviousHash != previous || row.GenerateHash() != row.Hash || row.BalanceAfter != v.Replayed) {
			v.ChainValid = false
			v.BrokenAt = row.ID
		}
		previous = row.Hash
	}

	if !v.Consistent() {
		logger.FromContext(ctx).Error("ledger verification failed",
			zap.String("address", acc.Address),
			zap.Int64("balance", v.Balance),
			zap.Int64("replayed", v.Replayed),
			zap.String("broken_at", v.BrokenAt),
		)
	}

	return v, nil
}
