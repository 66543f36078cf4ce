package eventbus

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"questledger/pkg/config"
	"questledger/pkg/errutil"
	"questledger/pkg/middleware"
	"questledger/pkg/wallet"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Handler struct {
	bus       *Bus
	live      *LiveService
	heartbeat time.Duration
	limit     gin.HandlerFunc
}

type HandlerParams struct {
	fx.In
	Config *config.Config
	Bus    *Bus
	Live   *LiveService
}

func NewHandler(p HandlerParams) *Handler {
	heartbeat := p.Config.EventBus.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &Handler{
		bus:       p.Bus,
		live:      p.Live,
		heartbeat: heartbeat,
		limit:     middleware.RateLimit(rate.Limit(p.Config.RateLimit.RPS), p.Config.RateLimit.Burst),
	}
}

func (h *Handler) Register(r gin.IRouter) {
	r.GET("/events/stream", h.Stream)
	r.GET("/live/:address", middleware.Address(), h.limit, h.Live)
}

func parseTopics(raw string) ([]Topic, error) {
	if raw == "" {
		return nil, nil
	}

	var topics []Topic
	for _, part := range strings.Split(raw, ",") {
		t := Topic(strings.TrimSpace(part))
		if t == "" {
			continue
		}
		if !t.Valid() {
			return nil, errutil.BadRequest("unknown topic", nil, errutil.WithDetails(errutil.Detail{Field: "topics", Message: string(t)}))
		}
		topics = append(topics, t)
	}
	return topics, nil
}

// Stream serves Server-Sent Events.
// GET /v1/events/stream?topics=user:updated,quest:completed&address=0x...
func (h *Handler) Stream(c *gin.Context) {
	topics, err := parseTopics(c.Query("topics"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	var address string
	if raw := c.Query("address"); raw != "" {
		if address, err = wallet.Normalize(raw); err != nil {
			_ = c.Error(err)
			return
		}
	}

	sub := h.bus.Subscribe(topics...)
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	fmt.Fprintf(c.Writer, "event: connected\ndata: {\"heartbeat_ms\":%d}\n\n", h.heartbeat.Milliseconds())
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if address != "" && ev.Address != "" && ev.Address != address {
				continue
			}

			body, err := json.Marshal(ev)
			if err != nil {
				zap.L().Warn("sse: failed to encode event", zap.String("topic", string(ev.Topic)), zap.Error(err))
				continue
			}
			fmt.Fprintf(c.Writer, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Topic, body)
			c.Writer.Flush()

		case t := <-ticker.C:
			fmt.Fprintf(c.Writer, "event: heartbeat\ndata: {\"ts\":%d}\n\n", t.UnixMilli())
			c.Writer.Flush()

		case <-c.Request.Context().Done():
			return
		}
	}
}

// Live is the polling fallback.
// GET /v1/live/:address
func (h *Handler) Live(c *gin.Context) {
	snap, err := h.live.Snapshot(c.Request.Context(), middleware.GetAddress(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, snap)
}
