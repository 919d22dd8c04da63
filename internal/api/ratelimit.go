package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/bsvalues/TerraFusionMono-sub011/pkg/logging"
)

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Requests allowed per caller in one window. Zero disables limiting.
	Limit  int
	Window time.Duration

	// RedisClient shares counters between instances. Nil keeps them local.
	RedisClient *redis.Client
	KeyPrefix   string
}

// RateLimiter is a fixed-window limiter keyed by operator, or by client IP
// for unauthenticated callers
type RateLimiter struct {
	config     RateLimitConfig
	localCache sync.Map
	logger     *logging.Logger
	now        func() time.Time
}

type windowCounter struct {
	mu     sync.Mutex
	count  int
	window time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config RateLimitConfig, logger *logging.Logger) *RateLimiter {
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "resilience:ratelimit:"
	}
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &RateLimiter{config: config, logger: logger, now: time.Now}
}

// Middleware rejects callers over the limit with 429
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.config.Limit <= 0 {
			c.Next()
			return
		}

		key := "ip:" + c.ClientIP()
		if operator := c.GetString("operator"); operator != "" {
			key = "operator:" + operator
		}

		allowed, remaining, resetTime, err := rl.checkLimit(c.Request.Context(), key)
		if err != nil {
			// a broken counter store must not lock operators out
			rl.logger.Warn("Rate limit check failed", "key", key, "error", err.Error())
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.config.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetTime.Unix(), 10))

		if !allowed {
			rl.logger.Warn("Rate limit exceeded", "key", key, "path", c.Request.URL.Path)
			c.Header("Retry-After", strconv.Itoa(int(resetTime.Sub(rl.now()).Seconds())+1))
			respond(c, http.StatusTooManyRequests, nil, &APIError{
				Code:    "RATE_LIMITED",
				Message: "Rate limit exceeded",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (rl *RateLimiter) checkLimit(ctx context.Context, key string) (allowed bool, remaining int, resetTime time.Time, err error) {
	fullKey := rl.config.KeyPrefix + key
	windowStart := rl.now().Truncate(rl.config.Window)
	resetTime = windowStart.Add(rl.config.Window)

	var count int
	if rl.config.RedisClient != nil {
		count, err = rl.incrRedis(ctx, fmt.Sprintf("%s:%d", fullKey, windowStart.Unix()), resetTime)
		if err != nil {
			return false, 0, resetTime, err
		}
	} else {
		count = rl.incrLocal(fullKey, windowStart)
	}

	remaining = rl.config.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return count <= rl.config.Limit, remaining, resetTime, nil
}

func (rl *RateLimiter) incrRedis(ctx context.Context, key string, resetTime time.Time) (int, error) {
	pipe := rl.config.RedisClient.Pipeline()
	incrCmd := pipe.Incr(ctx, key)
	pipe.ExpireAt(ctx, key, resetTime)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis pipeline failed: %w", err)
	}
	return int(incrCmd.Val()), nil
}

func (rl *RateLimiter) incrLocal(key string, windowStart time.Time) int {
	value, _ := rl.localCache.LoadOrStore(key, &windowCounter{window: windowStart})
	wc := value.(*windowCounter)

	wc.mu.Lock()
	defer wc.mu.Unlock()
	if wc.window.Before(windowStart) {
		wc.count = 0
		wc.window = windowStart
	}
	wc.count++
	return wc.count
}
