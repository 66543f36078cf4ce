package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"questledger/pkg/errutil"
	"questledger/pkg/logger"
	"questledger/pkg/wallet"
	"questledger/services/eventbus"
	"questledger/services/ledger"
	"questledger/services/oracle"
	"questledger/services/progression"
	"questledger/services/quest"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("questledger/services/settlement")

var (
	ErrDuplicateSubmission = errutil.Conflict("submission already settled", nil)
	ErrUnknownQuest        = errutil.ValidationFailed("unknown quest", nil)
)

type Service struct {
	db         *gorm.DB
	ledger     *ledger.Service
	quests     *quest.Service
	recorder   *oracle.Recorder
	dispatcher *oracle.Dispatcher
	bus        eventbus.Publisher
}

type ServiceParams struct {
	fx.In
	DB         *gorm.DB
	Ledger     *ledger.Service
	Quests     *quest.Service
	Recorder   *oracle.Recorder
	Dispatcher *oracle.Dispatcher
	Bus        eventbus.Publisher `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	bus := p.Bus
	if bus == nil {
		bus = eventbus.Discard
	}
	return &Service{
		db:         p.DB,
		ledger:     p.Ledger,
		quests:     p.Quests,
		recorder:   p.Recorder,
		dispatcher: p.Dispatcher,
		bus:        bus,
	}
}

type Request struct {
	SubmissionID string `json:"submission_id" binding:"required"`
	QuestID      string `json:"quest_id" binding:"required"`
	Address      string `json:"address" binding:"required"`
	Verified     bool   `json:"verified"`
}

type CreatorReward struct {
	Address string `json:"address"`
	Tokens  int64  `json:"tokens"`
}

type Result struct {
	Submission     *quest.Submission `json:"submission"`
	Account        *ledger.Account   `json:"account,omitempty"`
	QuestTokens    int64             `json:"quest_tokens"`
	UpgradeTokens  int64             `json:"upgrade_tokens"`
	StageChanged   bool              `json:"stage_changed"`
	QuestCompleted bool              `json:"quest_completed"`
	CreatorReward  *CreatorReward    `json:"creator_reward,omitempty"`
}

// Settle rewards one submission. Everything the submitter earns commits in a
// single transaction together with the oracle outbox row; the creator reward,
// events and oracle dispatch follow and never undo it.
func (s *Service) Settle(ctx context.Context, req Request) (*Result, error) {
	ctx, span := tracer.Start(ctx, "settlement.Settle")
	defer span.End()

	addr, err := wallet.Normalize(req.Address)
	if err != nil {
		return nil, err
	}
	subID := strings.TrimSpace(req.SubmissionID)
	if subID == "" {
		return nil, errutil.ValidationFailed("submission id is required", nil)
	}
	span.SetAttributes(
		attribute.String("submission_id", subID),
		attribute.String("quest_id", req.QuestID),
		attribute.String("address", addr),
	)

	existing, err := s.quests.GetSubmission(ctx, subID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrDuplicateSubmission
	}

	q, err := s.quests.Get(ctx, req.QuestID)
	if errors.Is(err, quest.ErrQuestNotFound) {
		return nil, ErrUnknownQuest
	}
	if err != nil {
		return nil, err
	}

	if !req.Verified {
		return s.reject(ctx, subID, q, addr)
	}

	res := &Result{}
	var mint *oracle.MirrorRecord
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		quests := s.quests.WithTrx(tx)
		accounts := s.ledger.WithTrx(tx)

		sub := &quest.Submission{
			ID:        subID,
			QuestID:   q.ID,
			Address:   addr,
			Status:    quest.SubmissionVerified,
			RewardKey: quest.RewardKey(addr, q.ID),
		}
		if err := quests.CreateSubmission(ctx, sub); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateSubmission
			}
			return err
		}

		updated, completed, err := quests.RecordCompletion(ctx, q.ID)
		if err != nil {
			return err
		}
		q = updated
		res.QuestCompleted = completed

		progress, err := accounts.AddPoints(ctx, addr, q.ImpactPoints)
		if err != nil {
			return err
		}

		res.QuestTokens = progression.TokensPerQuest(progress.After.Stage, q.ImpactPoints)
		res.UpgradeTokens = progression.StageUpgradeBonus(progress.Before.Stage, progress.After.Stage)
		res.StageChanged = progress.StageChanged()

		legs := []ledger.Leg{{
			Meta: ledger.Meta{
				Type:         ledger.TxQuestCompletion,
				Description:  fmt.Sprintf("quest %s completed", q.Slug),
				QuestID:      q.ID,
				SubmissionID: subID,
			},
			Amount: res.QuestTokens,
		}}
		if res.UpgradeTokens > 0 {
			legs = append(legs, ledger.Leg{
				Meta: ledger.Meta{
					Type:         ledger.TxStageUpgrade,
					Description:  fmt.Sprintf("stage upgrade %s to %s", progress.Before.Stage, progress.After.Stage),
					QuestID:      q.ID,
					SubmissionID: subID,
					Metadata:     map[string]any{"from": progress.Before.Stage, "to": progress.After.Stage},
				},
				Amount: res.UpgradeTokens,
			})
		}

		total := res.QuestTokens + res.UpgradeTokens
		balance, err := accounts.CreditSplit(ctx, addr, legs...)
		if err != nil {
			return err
		}

		if err := quests.UpdateSubmissionAwards(ctx, subID, q.ImpactPoints, total); err != nil {
			return err
		}
		sub.PointsAwarded = q.ImpactPoints
		sub.TokensAwarded = total
		res.Submission = sub

		acc := progress.After
		acc.TokenBalance = balance
		acc.LifetimeTokens += total
		res.Account = &acc

		mint, err = s.recorder.Record(ctx, tx, oracle.Event{
			Kind:      oracle.KindMint,
			Address:   addr,
			Amount:    total,
			Reference: subID,
			Memo:      "quest:" + q.ID,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	log := logger.FromContext(ctx).With(zap.String("submission_id", subID), zap.String("quest_id", q.ID))
	log.Info("submission settled",
		zap.String("address", addr),
		zap.Int64("quest_tokens", res.QuestTokens),
		zap.Int64("upgrade_tokens", res.UpgradeTokens),
	)

	records := []*oracle.MirrorRecord{mint}
	if reward, rec := s.rewardCreator(ctx, q, addr, subID); reward != nil {
		res.CreatorReward = reward
		records = append(records, rec)
	}

	s.publish(ctx, q, res)
	s.dispatcher.DispatchAsync(ctx, records...)
	return res, nil
}

func (s *Service) reject(ctx context.Context, subID string, q *quest.Quest, addr string) (*Result, error) {
	sub := &quest.Submission{
		ID:      subID,
		QuestID: q.ID,
		Address: addr,
		Status:  quest.SubmissionRejected,
	}
	if err := s.quests.CreateSubmission(ctx, sub); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateSubmission
		}
		return nil, err
	}

	s.bus.Publish(ctx, eventbus.SubmissionCreated, eventbus.Event{Address: addr, Payload: sub})
	return &Result{Submission: sub}, nil
}

// rewardCreator credits the quest creator. Any failure is logged and swallowed.
func (s *Service) rewardCreator(ctx context.Context, q *quest.Quest, submitter, subID string) (*CreatorReward, *oracle.MirrorRecord) {
	if q.CreatorAddress == "" || q.CreatorAddress == submitter {
		return nil, nil
	}

	log := logger.FromContext(ctx).With(zap.String("quest_id", q.ID), zap.String("creator", q.CreatorAddress))
	if _, err := s.ledger.GetAccount(ctx, q.CreatorAddress); err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			log.Debug("quest creator has no account, skipping creator reward")
		} else {
			log.Warn("failed to look up quest creator", zap.Error(err))
		}
		return nil, nil
	}

	tokens := progression.CreatorRewardTokens(q.ImpactPoints)
	var rec *oracle.MirrorRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := s.ledger.WithTrx(tx).Credit(ctx, q.CreatorAddress, tokens, ledger.Meta{
			Type:         ledger.TxCreatorReward,
			Description:  fmt.Sprintf("creator reward for quest %s", q.Slug),
			QuestID:      q.ID,
			SubmissionID: subID,
		})
		if err != nil {
			return err
		}

		rec, err = s.recorder.Record(ctx, tx, oracle.Event{
			Kind:      oracle.KindMint,
			Address:   q.CreatorAddress,
			Amount:    tokens,
			Reference: "creator:" + subID,
			Memo:      "creator:" + q.ID,
		})
		return err
	})
	if err != nil {
		log.Error("failed to credit quest creator", zap.Error(err))
		return nil, nil
	}

	return &CreatorReward{Address: q.CreatorAddress, Tokens: tokens}, rec
}

func (s *Service) publish(ctx context.Context, q *quest.Quest, res *Result) {
	addr := res.Submission.Address
	s.bus.Publish(ctx, eventbus.SubmissionVerified, eventbus.Event{Address: addr, Payload: res.Submission})
	s.bus.Publish(ctx, eventbus.UserUpdated, eventbus.Event{Address: addr, Payload: res.Account})

	if res.QuestCompleted {
		s.bus.Publish(ctx, eventbus.QuestCompleted, eventbus.Event{Payload: q})
	} else {
		s.bus.Publish(ctx, eventbus.QuestUpdated, eventbus.Event{Payload: q})
	}

	if res.CreatorReward != nil {
		s.bus.Publish(ctx, eventbus.CreatorRewarded, eventbus.Event{Address: res.CreatorReward.Address, Payload: res.CreatorReward})
	}
}

func (s *Service) GetSubmission(ctx context.Context, id string) (*quest.Submission, error) {
	sub, err := s.quests.GetSubmission(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, errutil.NotFound("submission not found", nil)
	}
	return sub, nil
}
