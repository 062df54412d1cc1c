// Package ratelimit bounds websocket connection attempts per IP and cursor
// frame rates per user, backed by Redis when available and process memory
// otherwise.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/corkboard/realtime/internal/v1/config"
	"github.com/corkboard/realtime/internal/v1/logging"
	"github.com/corkboard/realtime/internal/v1/metrics"
)

// RateLimiter holds the two limiters the hub consults.
type RateLimiter struct {
	connect *limiter.Limiter
	cursor  *limiter.Limiter
}

// New parses the configured rates and picks a store. A nil redisClient
// means single-instance deployment; limits then live in process memory.
func New(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	connectRate, err := limiter.NewRateFromFormatted(cfg.ConnRateLimit)
	if err != nil {
		return nil, fmt.Errorf("invalid connection rate: %w", err)
	}

	cursorRate, err := limiter.NewRateFromFormatted(cfg.CursorRateLimit)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "corkboard:limiter:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "Rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Info(context.Background(), "Rate limiter using memory store")
	}

	return &RateLimiter{
		connect: limiter.New(store, connectRate),
		cursor:  limiter.New(store, cursorRate),
	}, nil
}

// CheckWebSocket enforces the per-IP connection rate before the upgrade.
// It writes the 429 response itself and returns false; store failures fail
// open so a Redis outage cannot lock everyone out.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()

	res, err := rl.connect.Get(ctx, c.ClientIP())
	if err != nil {
		logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
		return true
	}

	if res.Reached {
		metrics.RateLimitRejections.WithLabelValues("connect").Inc()
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(res.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connection attempts"})
		return false
	}
	return true
}

// AllowCursor enforces the per-user cursor frame rate. Rejections are
// counted, never logged: this sits on the hot path.
func (rl *RateLimiter) AllowCursor(ctx context.Context, userID string) bool {
	res, err := rl.cursor.Get(ctx, "cursor:"+userID)
	if err != nil {
		return true
	}

	if res.Reached {
		metrics.RateLimitRejections.WithLabelValues("cursor").Inc()
		return false
	}
	return true
}
