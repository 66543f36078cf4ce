package eventbus

import (
	"context"

	"questledger/pkg/config"
	"questledger/pkg/httpapi"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("eventbus",
	fx.Provide(
		ProvideBus,
		func(b *Bus) Publisher { return b },
		NewLiveService,
	),
)

var HTTP = fx.Module("eventbus.http",
	fx.Provide(httpapi.AsRoutes(NewHandler)),
)

type BusParams struct {
	fx.In
	Lc     fx.Lifecycle
	Config *config.Config
	Redis  *redis.Client `optional:"true"`
}

func ProvideBus(p BusParams) *Bus {
	bus := New(p.Config.EventBus.BufferSize)

	var bridge *RedisBridge
	if p.Redis != nil && p.Config.EventBus.RedisChannel != "" {
		bridge = bus.AttachRedis(context.Background(), p.Redis, p.Config.EventBus.RedisChannel)
		zap.L().Info("eventbus redis bridge attached", zap.String("channel", p.Config.EventBus.RedisChannel))
	}

	p.Lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			bus.Close()
			if bridge != nil {
				return bridge.Close()
			}
			return nil
		},
	})

	return bus
}
