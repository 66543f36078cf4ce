package eventbus

import (
	"context"
	"errors"
	"time"

	"questledger/pkg/config"
	"questledger/pkg/wallet"
	"questledger/services/ledger"
	"questledger/services/progression"

	"go.uber.org/fx"
	"golang.org/x/sync/singleflight"
)

// Snapshot is the authoritative state a client re-fetches after reconnecting
// or on every poll.
type Snapshot struct {
	Address     string               `json:"address"`
	Account     *ledger.Account      `json:"account,omitempty"`
	Progress    progression.Snapshot `json:"progress"`
	ServerTime  time.Time            `json:"server_time"`
	PollAfterMS int64                `json:"poll_after_ms"`
}

type AccountReader interface {
	GetAccount(ctx context.Context, address string) (*ledger.Account, error)
}

// LiveService serves snapshots. Concurrent requests for the same address
// share one database read.
type LiveService struct {
	accounts     AccountReader
	pollInterval time.Duration
	group        singleflight.Group
}

type LiveParams struct {
	fx.In
	Config *config.Config
	Ledger *ledger.Service
}

func NewLiveService(p LiveParams) *LiveService {
	return NewLive(p.Ledger, p.Config.EventBus.PollInterval)
}

func NewLive(accounts AccountReader, pollInterval time.Duration) *LiveService {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &LiveService{accounts: accounts, pollInterval: pollInterval}
}

// Snapshot returns the current state of address. A wallet without an account
// yet gets an empty seedling snapshot.
func (s *LiveService) Snapshot(ctx context.Context, address string) (*Snapshot, error) {
	addr, err := wallet.Normalize(address)
	if err != nil {
		return nil, err
	}

	v, err, _ := s.group.Do(addr, func() (interface{}, error) {
		acc, err := s.accounts.GetAccount(ctx, addr)
		if err != nil && !errors.Is(err, ledger.ErrAccountNotFound) {
			return nil, err
		}

		snap := &Snapshot{
			Address:     addr,
			ServerTime:  time.Now().UTC(),
			PollAfterMS: s.pollInterval.Milliseconds(),
		}
		if acc != nil {
			snap.Account = acc
			snap.Progress = progression.Progress(acc.ImpactPoints)
		} else {
			snap.Progress = progression.Progress(0)
		}
		return snap, nil
	})
	if err != nil {
		return nil, err
	}

	// callers sharing a flight must not share the pointer
	snap := *v.(*Snapshot)
	return &snap, nil
}
