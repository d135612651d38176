// Package ratelimit guards the relay's two external entry points against
// abuse: Signal API connection attempts and Control API mutations. Backed by
// an in-memory store by default, or Redis when the deployment needs a limit
// shared across multiple relay instances.
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
	"github.com/vulcanrelay/relay/internal/config"
	"github.com/vulcanrelay/relay/internal/logging"
	"github.com/vulcanrelay/relay/internal/metrics"
	"go.uber.org/zap"
)

// RateLimiter enforces the relay's admission-control buckets.
type RateLimiter struct {
	signalConnect *limiter.Limiter
	controlMutate *limiter.Limiter
	store         limiter.Store
	redisClient   *redis.Client
}

// New builds a RateLimiter from cfg. redisClient may be nil, in which case
// limits are tracked in an in-process memory store.
func New(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	signalRate, err := limiter.NewRateFromFormatted(cfg.RateLimitSignalConnect)
	if err != nil {
		return nil, fmt.Errorf("invalid signal connect rate: %w", err)
	}
	controlRate, err := limiter.NewRateFromFormatted(cfg.RateLimitControlMutate)
	if err != nil {
		return nil, fmt.Errorf("invalid control mutate rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: "vulcan_relay:ratelimit:"})
		if err != nil {
			return nil, fmt.Errorf("creating redis rate-limit store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Info(context.Background(), "rate limiter using memory store")
	}

	return &RateLimiter{
		signalConnect: limiter.New(store, signalRate),
		controlMutate: limiter.New(store, controlRate),
		store:         store,
		redisClient:   redisClient,
	}, nil
}

// CheckSignalConnect enforces the per-IP Signal API connection-attempt
// bucket. Called before upgrading an HTTP request to a WebSocket.
func (rl *RateLimiter) CheckSignalConnect(ctx context.Context, remoteAddr string) bool {
	lctx, err := rl.signalConnect.Get(ctx, remoteAddr)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed for signal connect", zap.Error(err))
		return true // fail open: availability over strict enforcement
	}
	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("signal_connect", "ip").Inc()
		return false
	}
	metrics.RateLimitRequests.WithLabelValues("signal_connect").Inc()
	return true
}

// ControlMutationMiddleware enforces the Control API's per-caller mutation
// bucket, keyed by client IP since the control channel carries no
// authentication. Only POST requests (the mutations) count against the
// bucket; queries, health probes and metrics scrapes pass through.
func (rl *RateLimiter) ControlMutationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodPost {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		key := c.ClientIP()

		lctx, err := rl.controlMutate.Get(ctx, key)
		if err != nil {
			logging.Error(ctx, "rate limiter store failed for control mutate", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), "ip").Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}
