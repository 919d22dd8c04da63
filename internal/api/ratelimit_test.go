package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bsvalues/TerraFusionMono-sub011/pkg/logging"
)

func newLimitedRouter(rl *RateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(func(c *gin.Context) {
		if op := c.GetHeader("X-Test-Operator"); op != "" {
			c.Set("operator", op)
		}
		c.Next()
	})
	router.Use(rl.Middleware())
	router.GET("/ping", func(c *gin.Context) { SuccessResponse(c, "pong") })
	return router
}

func hit(router *gin.Engine, operator string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	if operator != "" {
		req.Header.Set("X-Test-Operator", operator)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRateLimiter_Local(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 10, 0, time.UTC)
	rl := NewRateLimiter(RateLimitConfig{Limit: 2, Window: time.Minute}, logging.NewNopLogger())
	rl.now = func() time.Time { return now }
	router := newLimitedRouter(rl)

	assert.Equal(t, http.StatusOK, hit(router, "alice").Code)
	w := hit(router, "alice")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	w = hit(router, "alice")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "RATE_LIMITED")
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// callers are counted separately
	assert.Equal(t, http.StatusOK, hit(router, "bob").Code)

	// a new window starts a new count
	now = now.Add(time.Minute)
	assert.Equal(t, http.StatusOK, hit(router, "alice").Code)
}

func TestRateLimiter_Disabled(t *testing.T) {
	router := newLimitedRouter(NewRateLimiter(RateLimitConfig{}, logging.NewNopLogger()))
	for i := 0; i < 10; i++ {
		assert.Equal(t, http.StatusOK, hit(router, "").Code)
	}
}

func TestRateLimiter_Redis(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })

	newLimiter := func() *RateLimiter {
		return NewRateLimiter(RateLimitConfig{Limit: 1, Window: time.Minute, RedisClient: client, KeyPrefix: "t:"},
			logging.NewNopLogger())
	}

	// two instances share the counter
	first := newLimitedRouter(newLimiter())
	second := newLimitedRouter(newLimiter())
	assert.Equal(t, http.StatusOK, hit(first, "alice").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(second, "alice").Code)

	keys := server.Keys()
	require.Len(t, keys, 1)
	assert.Contains(t, keys[0], "t:operator:alice:")
	assert.True(t, server.TTL(keys[0]) > 0)
}

func TestRateLimiter_RedisFailureLetsRequestsThrough(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	server.Close()

	rl := NewRateLimiter(RateLimitConfig{Limit: 1, Window: time.Minute, RedisClient: client}, logging.NewNopLogger())
	router := newLimitedRouter(rl)
	assert.Equal(t, http.StatusOK, hit(router, "alice").Code)
	assert.Equal(t, http.StatusOK, hit(router, "alice").Code)
}
