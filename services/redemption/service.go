package redemption

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"questledger/pkg/db/option"
	"questledger/pkg/db/pagination"
	"questledger/pkg/errutil"
	"questledger/pkg/logger"
	"questledger/pkg/repository"
	"questledger/pkg/sequence"
	"questledger/pkg/wallet"
	"questledger/services/eventbus"
	"questledger/services/ledger"
	"questledger/services/oracle"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("questledger/services/redemption")

const terminalStateMsg = "redemption is already in a terminal state"

var (
	ErrRedemptionNotFound = errutil.NotFound("redemption not found", nil)
	ErrTerminalState      = errutil.Conflict(terminalStateMsg, nil)
	ErrUnknownAccount     = errutil.ValidationFailed("unknown account", nil)

	errDuplicateCode = errors.New("redemption code already taken")
)

const codeAttempts = 3

type Service struct {
	db         *gorm.DB
	node       *snowflake.Node
	ledger     *ledger.Service
	recorder   *oracle.Recorder
	dispatcher *oracle.Dispatcher
	codes      sequence.Generator
	bus        eventbus.Publisher

	redemptions repository.Repository[Redemption]
}

type ServiceParams struct {
	fx.In
	DB         *gorm.DB
	Node       *snowflake.Node
	Ledger     *ledger.Service
	Recorder   *oracle.Recorder
	Dispatcher *oracle.Dispatcher
	Codes      sequence.Generator
	Bus        eventbus.Publisher `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	bus := p.Bus
	if bus == nil {
		bus = eventbus.Discard
	}
	return &Service{
		db:          p.DB,
		node:        p.Node,
		ledger:      p.Ledger,
		recorder:    p.Recorder,
		dispatcher:  p.Dispatcher,
		codes:       p.Codes,
		bus:         bus,
		redemptions: repository.ProvideStore[Redemption](p.DB),
	}
}

type CreateRequest struct {
	Address        string `json:"address" binding:"required"`
	ShopID         string `json:"shop_id"`
	PurchaseAmount string `json:"purchase_amount" binding:"required"`
}

// Quote prices a purchase at the wallet's current discount rate.
func (s *Service) Quote(ctx context.Context, address, amount string) (*Quote, error) {
	addr, err := wallet.Normalize(address)
	if err != nil {
		return nil, err
	}
	purchase, err := ParseAmount(amount)
	if err != nil {
		return nil, err
	}

	acc, err := s.ledger.GetAccount(ctx, addr)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return nil, ErrUnknownAccount
	}
	if err != nil {
		return nil, err
	}

	q := QuoteFor(purchase, acc.DiscountRate)
	return &q, nil
}

// Create debits the tokens a purchase needs and opens a pending redemption.
// The debit, the row and the burn mirror record commit together.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Redemption, error) {
	ctx, span := tracer.Start(ctx, "redemption.Create")
	defer span.End()

	quote, err := s.Quote(ctx, req.Address, req.PurchaseAmount)
	if err != nil {
		return nil, err
	}
	addr, _ := wallet.Normalize(req.Address)
	span.SetAttributes(attribute.String("address", addr), attribute.Int64("tokens", quote.TokensRequired))

	var (
		red *Redemption
		rec *oracle.MirrorRecord
	)
	for attempt := 1; attempt <= codeAttempts; attempt++ {
		code, err := s.codes.NextRedemptionCode(ctx)
		if err != nil {
			return nil, err
		}

		red, rec, err = s.create(ctx, addr, strings.TrimSpace(req.ShopID), code, quote)
		if errors.Is(err, errDuplicateCode) {
			logger.FromContext(ctx).Warn("redemption code collision, retrying", zap.String("code", code), zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}
	if red == nil {
		return nil, errutil.Conflict("could not allocate a unique redemption code", nil)
	}

	s.bus.Publish(ctx, eventbus.RedemptionCreated, eventbus.Event{Address: addr, Payload: red})
	s.publishBalance(ctx, addr)
	s.dispatcher.DispatchAsync(ctx, rec)
	return red, nil
}

func (s *Service) create(ctx context.Context, addr, shopID, code string, quote *Quote) (*Redemption, *oracle.MirrorRecord, error) {
	red := &Redemption{
		ID:             s.node.Generate().String(),
		Code:           code,
		Address:        addr,
		ShopID:         shopID,
		PurchaseAmount: quote.PurchaseAmount,
		DiscountRate:   quote.DiscountRate,
		DiscountAmount: quote.DiscountAmount,
		FinalAmount:    quote.FinalAmount,
		TokensRedeemed: quote.TokensRequired,
		Status:         StatusPending,
	}

	var rec *oracle.MirrorRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := s.ledger.WithTrx(tx).Debit(ctx, addr, red.TokensRedeemed, ledger.Meta{
			Type:         ledger.TxRedemption,
			Description:  fmt.Sprintf("redemption %s", code),
			RedemptionID: red.ID,
			Metadata:     map[string]any{"shop_id": shopID, "purchase_amount": FormatAmount(red.PurchaseAmount)},
		})
		if err != nil {
			return err
		}

		if err := s.redemptions.WithTrx(tx).Create(ctx, red); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errDuplicateCode
			}
			return err
		}

		rec, err = s.recorder.Record(ctx, tx, oracle.Event{
			Kind:      oracle.KindBurn,
			Address:   addr,
			Amount:    red.TokensRedeemed,
			Reference: red.ID,
			Memo:      shopID,
		})
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return red, rec, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Redemption, error) {
	red, err := s.redemptions.FindOne(ctx, &Redemption{ID: id})
	if err != nil {
		return nil, err
	}
	if red == nil {
		return nil, ErrRedemptionNotFound
	}
	return red, nil
}

// transitionError explains why a pending-only transition matched no row.
func transitionError(red *Redemption) error {
	if red == nil {
		return ErrRedemptionNotFound
	}
	return errutil.Conflict(terminalStateMsg, nil, errutil.WithDetails(errutil.Detail{Field: "status", Message: string(red.Status)}))
}

// Complete marks a pending redemption as honoured by the shop. Tokens were
// already debited at creation.
func (s *Service) Complete(ctx context.Context, id string) (*Redemption, error) {
	now := time.Now().UTC()
	updates := map[string]any{
		"status":       StatusCompleted,
		"completed_at": now,
		"updated_at":   now,
	}
	n, err := s.redemptions.UpdateWhere(ctx, &Redemption{ID: id, Status: StatusPending}, &updates)
	if err != nil {
		return nil, err
	}

	red, err := s.redemptions.FindOne(ctx, &Redemption{ID: id})
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, transitionError(red)
	}

	s.bus.Publish(ctx, eventbus.RedemptionCompleted, eventbus.Event{Address: red.Address, Payload: red})
	return red, nil
}

// Cancel releases a pending redemption and refunds exactly the tokens that
// were debited for it.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*Redemption, error) {
	ctx, span := tracer.Start(ctx, "redemption.Cancel")
	defer span.End()
	span.SetAttributes(attribute.String("redemption_id", id))

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled"
	}

	var (
		red *Redemption
		rec *oracle.MirrorRecord
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store := s.redemptions.WithTrx(tx)

		now := time.Now().UTC()
		updates := map[string]any{
			"status":        StatusCancelled,
			"cancel_reason": reason,
			"cancelled_at":  now,
			"updated_at":    now,
		}
		n, err := store.UpdateWhere(ctx, &Redemption{ID: id, Status: StatusPending}, &updates)
		if err != nil {
			return err
		}

		red, err = store.FindOne(ctx, &Redemption{ID: id})
		if err != nil {
			return err
		}
		if n == 0 {
			return transitionError(red)
		}

		_, err = s.ledger.WithTrx(tx).Refund(ctx, red.Address, red.TokensRedeemed, ledger.Meta{
			Type:         ledger.TxRedemptionRefund,
			Description:  fmt.Sprintf("refund of redemption %s", red.Code),
			RedemptionID: red.ID,
			Metadata:     map[string]any{"reason": reason},
		})
		if err != nil {
			return err
		}

		rec, err = s.recorder.Record(ctx, tx, oracle.Event{
			Kind:      oracle.KindRefund,
			Address:   red.Address,
			Amount:    red.TokensRedeemed,
			Reference: red.ID,
			Memo:      reason,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info("redemption cancelled",
		zap.String("redemption_id", red.ID),
		zap.String("address", red.Address),
		zap.Int64("tokens_refunded", red.TokensRedeemed),
	)

	s.bus.Publish(ctx, eventbus.RedemptionCancelled, eventbus.Event{Address: red.Address, Payload: red})
	s.publishBalance(ctx, red.Address)
	s.dispatcher.DispatchAsync(ctx, rec)
	return red, nil
}

func (s *Service) publishBalance(ctx context.Context, addr string) {
	acc, err := s.ledger.GetAccount(ctx, addr)
	if err != nil {
		logger.FromContext(ctx).Warn("failed to load account for user:updated", zap.String("address", addr), zap.Error(err))
		return
	}
	s.bus.Publish(ctx, eventbus.UserUpdated, eventbus.Event{Address: addr, Payload: acc})
}

type ListRequest struct {
	Address string `form:"-"`
	Status  Status `form:"status"`
	pagination.Pagination
}

func (s *Service) ListByAddress(ctx context.Context, req ListRequest) ([]*Redemption, *pagination.PageInfo, error) {
	addr, err := wallet.Normalize(req.Address)
	if err != nil {
		return nil, nil, err
	}
	cursor, err := pagination.DecodeCursor(req.Cursor)
	if err != nil {
		return nil, nil, errutil.BadRequest("invalid cursor", err)
	}

	page := req.Pagination.Normalized()
	rows, err := s.redemptions.Find(ctx, &Redemption{Address: addr, Status: req.Status},
		option.ApplyCursor(cursor),
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "desc", Allow: map[string]bool{"id": true}}),
		option.ApplyPagination(page),
	)
	if err != nil {
		return nil, nil, err
	}

	rows, info := pagination.Paginate(rows, page.Limit, func(r *Redemption) string { return r.ID })
	return rows, info, nil
}
