package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// RateLimitConfig bounds requests per caller within a rolling window.
type RateLimitConfig struct {
	Window      time.Duration
	MaxRequests int64
}

// RateLimit returns a Gin middleware enforcing a fixed-window request cap
// per client IP, counted in Redis so every replica shares the same budget.
func RateLimit(rdb *redis.Client, cfg RateLimitConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ratelimit:" + c.ClientIP()

		count, err := rdb.Incr(context.Background(), key).Result()
		if err != nil {
			// Redis being down should not take the API with it.
			c.Next()
			return
		}
		if count == 1 {
			rdb.Expire(context.Background(), key, cfg.Window)
		}

		if count > cfg.MaxRequests {
			ttl, _ := rdb.TTL(context.Background(), key).Result()
			retryAfter := int64(ttl.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "rate limit exceeded",
				"retryAfter": retryAfter,
			})
			return
		}

		remaining := cfg.MaxRequests - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.FormatInt(cfg.MaxRequests, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		c.Next()
	}
}
