package ratelimit

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// UserFunc extracts the acting user from a request. An empty result skips
// the limiter for that request.
type UserFunc func(c *gin.Context) string

// ParamUser reads the user from a path parameter.
func ParamUser(name string) UserFunc {
	return func(c *gin.Context) string { return c.Param(name) }
}

// Middleware applies the limiter for operation to a route. Denied requests
// get 429 with Retry-After; every response carries X-RateLimit-* headers.
func (l *Limiter) Middleware(operation string, user UserFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := user(c)
		if userID == "" {
			c.Next()
			return
		}

		d := l.CheckAndRecord(c.Request.Context(), userID, operation)
		if !d.Unpoliced {
			c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
		}

		if !d.Allowed {
			now := l.now()
			retry := d.RetryAfter(now)
			c.Header("Retry-After", strconv.Itoa(int(retry.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     RetryMessage(d, now),
				"limit":       d.Limit,
				"tier":        d.Tier,
				"retry_after": int(retry.Seconds()),
			})
			return
		}

		c.Set("ratelimit.decision", d)
		c.Next()
	}
}
