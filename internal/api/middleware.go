package api

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/victornm/echallenge/internal/errors"
	"github.com/victornm/echallenge/internal/telemetry"
)

// renderError writes the error as {"code","reason","message"} with the mapped
// HTTP status. Internal errors are logged and rendered without their cause.
func renderError(c *gin.Context, err error) {
	e := errors.Convert(err)
	if e.Code == errors.CodeInternal {
		slog.ErrorContext(c.Request.Context(), "api: request failed",
			"method", c.Request.Method,
			"route", c.FullPath(),
			"error", err,
		)
		e = errors.New(errors.CodeInternal)
	}

	c.AbortWithStatusJSON(e.HTTPStatusCode(), e)
}

func metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		telemetry.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		telemetry.HTTPDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// RateLimit is a token bucket per caller, or per client IP for anonymous
// requests. A zero RPS disables limiting.
type RateLimit struct {
	RPS   float64
	Burst int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type limiter struct {
	c RateLimit

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
}

const visitorIdle = 10 * time.Minute

func newLimiter(c RateLimit) *limiter {
	if c.Burst <= 0 {
		c.Burst = int(c.RPS) + 1
	}
	return &limiter{c: c, visitors: make(map[string]*visitor)}
}

func (l *limiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > time.Minute {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) > visitorIdle {
				delete(l.visitors, k)
			}
		}
		l.lastSweep = now
	}

	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(l.c.RPS), l.c.Burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now

	return v.limiter.AllowN(now, 1)
}

func (l *limiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l.c.RPS <= 0 {
			c.Next()
			return
		}

		key := caller(c)
		if key == "" {
			key = "ip:" + c.ClientIP()
		}

		if !l.allow(key, time.Now()) {
			renderError(c, errors.New(errors.CodeRateLimited,
				errors.WithMessagef("too many requests, limit is %.1f per second", l.c.RPS)))
			return
		}

		c.Next()
	}
}
