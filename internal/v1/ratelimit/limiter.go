// Package ratelimit implements rate limiting logic using Redis or local memory.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/blockshare/backend/internal/v1/config"
	"github.com/blockshare/backend/internal/v1/logging"
	"github.com/blockshare/backend/internal/v1/metrics"
)

// RateLimiter holds the rate limiter instances
type RateLimiter struct {
	wsIP     *limiter.Limiter
	apiRooms *limiter.Limiter
	store    limiter.Store
}

// NewRateLimiter creates a RateLimiter from the configured rate formats.
// redisClient may be nil; the limiter then falls back to an in-memory store.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIP)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}

	apiRoomsRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIRooms)
	if err != nil {
		return nil, fmt.Errorf("invalid API rooms rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "✅ Rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "⚠️  Rate limiter using Memory store (Redis unavailable)")
	}

	return &RateLimiter{
		wsIP:     limiter.New(store, wsIPRate),
		apiRooms: limiter.New(store, apiRoomsRate),
		store:    store,
	}, nil
}

// CheckWebSocket enforces the per-IP connection limit on the WebSocket
// route. Returns false after writing the 429 response.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	return rl.check(c, rl.wsIP, "ws_ip")
}

// RoomsMiddleware returns a Gin middleware enforcing the per-IP limit on
// the room metadata endpoint.
func (rl *RateLimiter) RoomsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.check(c, rl.apiRooms, "api_rooms") {
			return
		}
		c.Next()
	}
}

func (rl *RateLimiter) check(c *gin.Context, l *limiter.Limiter, limitType string) bool {
	ctx := c.Request.Context()
	key := c.ClientIP()

	lctx, err := l.Get(ctx, key)
	if err != nil {
		// Fail open: availability beats strictness when the store hiccups.
		logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
		return true
	}

	c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), limitType).Inc()
		c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       "Too many requests",
			"retry_after": lctx.Reset,
		})
		return false
	}

	return true
}
