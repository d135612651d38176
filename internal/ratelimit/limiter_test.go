package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vulcanrelay/relay/internal/config"
)

func newTestLimiter(t *testing.T) (*RateLimiter, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := &config.Config{
		RateLimitSignalConnect: "5-M",
		RateLimitControlMutate: "5-M",
	}

	rl, err := New(cfg, rc)
	require.NoError(t, err)
	return rl, mr
}

func TestNew_MemoryStore(t *testing.T) {
	cfg := &config.Config{RateLimitSignalConnect: "10-M", RateLimitControlMutate: "10-M"}
	rl, err := New(cfg, nil)
	require.NoError(t, err)
	assert.NotNil(t, rl)
	assert.Nil(t, rl.redisClient)
}

func TestNew_InvalidRateFormat(t *testing.T) {
	cfg := &config.Config{RateLimitSignalConnect: "garbage", RateLimitControlMutate: "5-M"}
	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestCheckSignalConnect_EnforcesLimit(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	ctx := t.Context()
	for i := 0; i < 5; i++ {
		assert.True(t, rl.CheckSignalConnect(ctx, "203.0.113.1"))
	}
	assert.False(t, rl.CheckSignalConnect(ctx, "203.0.113.1"))
}

func TestCheckSignalConnect_PerIPIsolation(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	ctx := t.Context()
	for i := 0; i < 5; i++ {
		assert.True(t, rl.CheckSignalConnect(ctx, "203.0.113.1"))
	}
	assert.True(t, rl.CheckSignalConnect(ctx, "203.0.113.2"), "a different IP has its own bucket")
}

func TestCheckSignalConnect_FailsOpenWhenStoreUnreachable(t *testing.T) {
	rl, mr := newTestLimiter(t)
	mr.Close()

	assert.True(t, rl.CheckSignalConnect(t.Context(), "203.0.113.1"))
}

func TestControlMutationMiddleware_EnforcesLimit(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(rl.ControlMutationMiddleware())
	r.POST("/mutate", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 5; i++ {
		req, _ := http.NewRequest(http.MethodPost, "/mutate", nil)
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		assert.Equal(t, http.StatusOK, resp.Code)
		assert.Equal(t, "5", resp.Header().Get("X-RateLimit-Limit"))
	}

	req, _ := http.NewRequest(http.MethodPost, "/mutate", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
}

func TestControlMutationMiddleware_FailsOpenWhenStoreUnreachable(t *testing.T) {
	rl, mr := newTestLimiter(t)
	mr.Close()

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(rl.ControlMutationMiddleware())
	r.POST("/mutate", func(c *gin.Context) { c.Status(http.StatusOK) })

	req, _ := http.NewRequest(http.MethodPost, "/mutate", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusOK, resp.Code)
}
