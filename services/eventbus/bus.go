package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultBufferSize = 256

// Bus fans events out to in-process subscribers. Delivery is at-most-once:
// a subscriber whose buffer is full misses the event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Topic]map[*Subscription]struct{}
	bufSize int
	closed  bool

	origin string
	bridge *RedisBridge
}

func New(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	return &Bus{
		subs:    make(map[Topic]map[*Subscription]struct{}),
		bufSize: bufSize,
		origin:  uuid.NewString(),
	}
}

// Subscription receives events on C until Close is called or the bus closes.
type Subscription struct {
	C <-chan Event

	ch      chan Event
	topics  []Topic
	bus     *Bus
	once    sync.Once
	dropped atomic.Int64
}

// Dropped counts events lost to a full buffer.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	s.once.Do(func() {
		for _, t := range s.topics {
			delete(s.bus.subs[t], s)
		}
		close(s.ch)
	})
}

// Subscribe registers for topics, or for every topic when none are given.
func (b *Bus) Subscribe(topics ...Topic) *Subscription {
	if len(topics) == 0 {
		topics = AllTopics
	}

	ch := make(chan Event, b.bufSize)
	sub := &Subscription{C: ch, ch: ch, topics: topics, bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.once.Do(func() { close(ch) })
		return sub
	}
	for _, t := range topics {
		if b.subs[t] == nil {
			b.subs[t] = make(map[*Subscription]struct{})
		}
		b.subs[t][sub] = struct{}{}
	}
	return sub
}

// Publish stamps the event and delivers it to current subscribers without
// blocking. With a bridge attached the event is also sent to other instances.
func (b *Bus) Publish(ctx context.Context, topic Topic, ev Event) {
	ev.Topic = topic
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.deliver(ev)

	if b.bridge != nil && ev.Origin == "" {
		ev.Origin = b.origin
		b.bridge.send(ctx, ev)
	}
}

func (b *Bus) deliver(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for sub := range b.subs[ev.Topic] {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			zap.L().Debug("eventbus subscriber buffer full, dropping event",
				zap.String("topic", string(ev.Topic)),
				zap.String("event_id", ev.ID),
			)
		}
	}
}

// Close ends every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	for _, set := range b.subs {
		for sub := range set {
			sub.closeLocked()
		}
	}
	b.subs = make(map[Topic]map[*Subscription]struct{})
}
