package live

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"questledger/services/eventbus"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	frameConnected = "connected"
	frameHeartbeat = "heartbeat"
)

// StreamUpdates holds an SSE connection open and reconnects with exponential
// backoff. A connection that stays silent longer than HeartbeatTimeout is
// treated as dead.
type StreamUpdates struct {
	cfg      Config
	snapshot *snapshotClient
}

func NewStreamUpdates(cfg Config) *StreamUpdates {
	cfg = cfg.withDefaults()
	return &StreamUpdates{cfg: cfg, snapshot: newSnapshotClient(cfg)}
}

func (s *StreamUpdates) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.InitialBackoff
	bo.MaxInterval = s.cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func (s *StreamUpdates) streamURL() string {
	q := url.Values{}
	if len(s.cfg.Topics) > 0 {
		topics := make([]string, len(s.cfg.Topics))
		for i, t := range s.cfg.Topics {
			topics[i] = string(t)
		}
		q.Set("topics", strings.Join(topics, ","))
	}
	if s.cfg.Address != "" {
		q.Set("address", s.cfg.Address)
	}
	return fmt.Sprintf("%s/v1/events/stream?%s", s.cfg.BaseURL, q.Encode())
}

func (s *StreamUpdates) Run(ctx context.Context, fn HandlerFunc) error {
	bo := s.newBackOff()
	log := zap.L().With(zap.String("address", s.cfg.Address))

	for {
		connected, err := s.connect(ctx, fn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			bo.Reset()
		}

		wait := bo.NextBackOff()
		log.Info("live stream disconnected, reconnecting", zap.Duration("backoff", wait), zap.Error(err))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// connect runs one connection. connected reports whether the server accepted
// the stream, which resets the backoff.
func (s *StreamUpdates) connect(ctx context.Context, fn HandlerFunc) (connected bool, err error) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, s.streamURL(), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("live stream: unexpected status %d", resp.StatusCode)
	}

	watchdog := time.AfterFunc(s.cfg.HeartbeatTimeout, cancel)
	defer watchdog.Stop()

	if s.cfg.Address != "" {
		snap, err := s.snapshot.fetch(connCtx)
		if err != nil {
			zap.L().Warn("live resync failed", zap.String("address", s.cfg.Address), zap.Error(err))
		} else {
			fn(Update{Snapshot: snap})
		}
	}

	reader := bufio.NewReader(resp.Body)
	var (
		name string
		data strings.Builder
	)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return true, err
		}
		watchdog.Reset(s.cfg.HeartbeatTimeout)

		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if data.Len() > 0 && name != frameConnected && name != frameHeartbeat {
				s.dispatch(data.String(), fn)
			}
			name = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
}

func (s *StreamUpdates) dispatch(data string, fn HandlerFunc) {
	var ev eventbus.Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		zap.L().Warn("live stream: dropping malformed frame", zap.Error(err))
		return
	}
	fn(Update{Event: &ev})
}
