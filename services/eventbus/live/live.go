// Package live is the client side of the realtime transport. Both modes end
// up calling the same handler; a stream client also receives a fresh snapshot
// after every (re)connect because events missed while disconnected are gone.
package live

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"questledger/services/eventbus"

	"github.com/go-resty/resty/v2"
)

type Mode string

const (
	ModeStream Mode = "stream"
	ModePoll   Mode = "poll"
)

// Update carries either an event hint or an authoritative snapshot.
type Update struct {
	Event    *eventbus.Event
	Snapshot *eventbus.Snapshot
}

type HandlerFunc func(Update)

// LiveUpdates delivers updates for one wallet until ctx is done.
type LiveUpdates interface {
	Run(ctx context.Context, fn HandlerFunc) error
}

type Config struct {
	BaseURL string
	Address string
	Topics  []eventbus.Topic
	Mode    Mode

	PollInterval     time.Duration
	HeartbeatTimeout time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration

	// HTTPClient must not set a Timeout when streaming.
	HTTPClient *http.Client
}

func (c Config) withDefaults() Config {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 45 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	return c
}

// New picks the implementation for cfg.Mode. Streaming is the default.
func New(cfg Config) LiveUpdates {
	if cfg.Mode == ModePoll {
		return NewPollUpdates(cfg)
	}
	return NewStreamUpdates(cfg)
}

type snapshotClient struct {
	rest *resty.Client
	url  string
}

func newSnapshotClient(cfg Config) *snapshotClient {
	return &snapshotClient{
		rest: resty.NewWithClient(cfg.HTTPClient),
		url:  fmt.Sprintf("%s/v1/live/%s", cfg.BaseURL, url.PathEscape(cfg.Address)),
	}
}

func (c *snapshotClient) fetch(ctx context.Context) (*eventbus.Snapshot, error) {
	var snap eventbus.Snapshot
	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetResult(&snap).
		Get(c.url)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("live snapshot: unexpected status %d", resp.StatusCode())
	}
	return &snap, nil
}
