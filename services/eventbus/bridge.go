package eventbus

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBridge relays events between instances over one Redis channel.
// Events carry the publishing bus's origin so an instance ignores its own.
type RedisBridge struct {
	rdb     *redis.Client
	channel string
	pubsub  *redis.PubSub
	done    chan struct{}
}

// AttachRedis starts relaying through channel. It must be called before the
// bus is shared.
func (b *Bus) AttachRedis(ctx context.Context, rdb *redis.Client, channel string) *RedisBridge {
	br := &RedisBridge{
		rdb:     rdb,
		channel: channel,
		pubsub:  rdb.Subscribe(ctx, channel),
		done:    make(chan struct{}),
	}
	b.bridge = br

	go br.receive(b)
	return br
}

func (br *RedisBridge) send(ctx context.Context, ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		zap.L().Warn("eventbus bridge: failed to encode event", zap.String("topic", string(ev.Topic)), zap.Error(err))
		return
	}
	if err := br.rdb.Publish(ctx, br.channel, body).Err(); err != nil {
		zap.L().Warn("eventbus bridge: publish failed", zap.String("channel", br.channel), zap.Error(err))
	}
}

func (br *RedisBridge) receive(b *Bus) {
	defer close(br.done)

	for msg := range br.pubsub.Channel() {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			zap.L().Warn("eventbus bridge: dropping malformed message", zap.Error(err))
			continue
		}
		if ev.Origin == b.origin {
			continue
		}
		b.deliver(ev)
	}
}

func (br *RedisBridge) Close() error {
	err := br.pubsub.Close()
	<-br.done
	return err
}
