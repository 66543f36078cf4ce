package middleware

import (
	"sync"
	"time"

	"questledger/pkg/errutil"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimit is a token bucket per caller, keyed by wallet address when the
// route carries one and by client IP otherwise. A non-positive rate disables it.
func RateLimit(r rate.Limit, b int) gin.HandlerFunc {
	if r <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if b <= 0 {
		b = 1
	}

	var (
		mu       sync.Mutex
		limiters = map[string]*limiterEntry{}
		lastGC   = time.Now()
	)

	allow := func(key string) bool {
		mu.Lock()
		defer mu.Unlock()

		now := time.Now()
		if now.Sub(lastGC) > 5*time.Minute {
			cutoff := now.Add(-10 * time.Minute)
			for k, e := range limiters {
				if e.lastSeen.Before(cutoff) {
					delete(limiters, k)
				}
			}
			lastGC = now
		}

		e, ok := limiters[key]
		if !ok {
			e = &limiterEntry{limiter: rate.NewLimiter(r, b)}
			limiters[key] = e
		}
		e.lastSeen = now
		return e.limiter.Allow()
	}

	return func(c *gin.Context) {
		key := GetAddress(c)
		if key == "" {
			key = c.ClientIP()
		}
		if !allow(key) {
			_ = c.Error(errutil.TooManyRequest("rate limit exceeded", nil))
			c.Abort()
			return
		}
		c.Next()
	}
}
