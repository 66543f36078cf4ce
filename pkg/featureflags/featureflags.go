package featureflags

import (
	"context"
	"sync"
	"time"

	"questledger/pkg/config"

	"github.com/Flagsmith/flagsmith-go-client/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("featureflags", fx.Provide(ProvideFeatureFlag))

const (
	OracleMirrorEnabled = "oracle_mirror_enabled"

	// environment flags are refetched at most this often
	cacheTTL = 30 * time.Second
)

type FeatureFlag interface {
	Features(ctx context.Context, identifier string) ([]flagsmith.Flag, error)
	Flags(ctx context.Context, identifier string, traits ...*flagsmith.Trait) (flagsmith.Flags, error)
	// Enabled reports the environment flag, or fallback when flags are unavailable.
	Enabled(ctx context.Context, name string, fallback bool) bool
}

type featureflag struct {
	client *flagsmith.Client
	fetch  func() (flagsmith.Flags, error)
	ttl    time.Duration
	now    func() time.Time

	mu        sync.Mutex
	cached    flagsmith.Flags
	fetchedAt time.Time
}

type FeatureParams struct {
	fx.In
	Config *config.Config
}

func ProvideFeatureFlag(p FeatureParams) FeatureFlag {
	if p.Config.Flagsmith.ApiKey == "" {
		return &featureflag{}
	}

	var opts []flagsmith.Option
	if p.Config.Flagsmith.Addr != "" {
		opts = append(opts, flagsmith.WithBaseURL(p.Config.Flagsmith.Addr))
	}

	client := flagsmith.NewClient(p.Config.Flagsmith.ApiKey, opts...)
	return newCached(client, client.GetEnvironmentFlags, cacheTTL)
}

func newCached(client *flagsmith.Client, fetch func() (flagsmith.Flags, error), ttl time.Duration) *featureflag {
	return &featureflag{client: client, fetch: fetch, ttl: ttl, now: time.Now}
}

// environment returns the cached environment flags, refetching once the ttl
// has passed. A failed refetch keeps serving the last good copy.
func (s *featureflag) environment() (flagsmith.Flags, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !s.fetchedAt.IsZero() && now.Sub(s.fetchedAt) < s.ttl {
		return s.cached, nil
	}

	flags, err := s.fetch()
	if err != nil {
		if !s.fetchedAt.IsZero() {
			zap.L().Warn("featureflags refresh failed, serving cached flags", zap.Error(err))
			s.fetchedAt = now
			return s.cached, nil
		}
		return flagsmith.Flags{}, err
	}
	s.cached = flags
	s.fetchedAt = now
	return flags, nil
}

func (s *featureflag) Features(ctx context.Context, identifier string) ([]flagsmith.Flag, error) {
	if s.fetch == nil {
		return nil, nil
	}

	flags, err := s.environment()
	if err != nil {
		return nil, err
	}

	return flags.AllFlags(), nil
}

func (s *featureflag) Flags(ctx context.Context, identifier string, traits ...*flagsmith.Trait) (flagsmith.Flags, error) {
	if s.client == nil {
		return flagsmith.Flags{}, nil
	}

	var traitSlice []*flagsmith.Trait
	if len(traits) > 0 {
		traitSlice = traits
	}

	return s.client.GetIdentityFlags(identifier, traitSlice)
}

func (s *featureflag) Enabled(ctx context.Context, name string, fallback bool) bool {
	if s.fetch == nil {
		return fallback
	}

	flags, err := s.environment()
	if err != nil {
		zap.L().Warn("featureflags unavailable, using fallback", zap.String("flag", name), zap.Error(err))
		return fallback
	}

	enabled, err := flags.IsFeatureEnabled(name)
	if err != nil {
		return fallback
	}
	return enabled
}

// Static returns a FeatureFlag answering every Enabled call with value.
func Static(value bool) FeatureFlag {
	return staticFlag(value)
}

type staticFlag bool

func (f staticFlag) Features(context.Context, string) ([]flagsmith.Flag, error) { return nil, nil }

func (f staticFlag) Flags(context.Context, string, ...*flagsmith.Trait) (flagsmith.Flags, error) {
	return flagsmith.Flags{}, nil
}

func (f staticFlag) Enabled(context.Context, string, bool) bool { return bool(f) }
