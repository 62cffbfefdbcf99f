package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"account_service/internal/logger"
	"account_service/internal/ratelimit"

	"github.com/gin-gonic/gin"
)

// RouteLimit names a limited route and its budget per client IP.
type RouteLimit struct {
	Name   string
	Limit  int
	Window time.Duration
}

// RateLimitMiddleware rejects clients exceeding the route budget with 429.
// Limiter errors are logged and the request is let through.
func RateLimitMiddleware(limiter *ratelimit.FixedWindowLimiter, rl RouteLimit) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Enabled() {
			c.Next()
			return
		}

		d, err := limiter.Allow(c.Request.Context(), rl.Name+":"+c.ClientIP(), rl.Limit, rl.Window)
		if err != nil {
			logger.Logger.Warn().Err(err).Str("route", rl.Name).Msg("Rate limiter unavailable, allowing request")
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if !d.Allowed {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			abort(c, http.StatusTooManyRequests, "Too many requests, please try again later")
			return
		}
		c.Next()
	}
}
