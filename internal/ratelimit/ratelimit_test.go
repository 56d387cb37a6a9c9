package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestLimiter(rpm, burst int) (*Limiter, *clock) {
	c := &clock{t: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
	return New(Config{RequestsPerMinute: rpm, BurstSize: burst, IdleTTL: time.Minute}).WithClock(c.now), c
}

func TestLimiter_BurstThenRefill(t *testing.T) {
	l, c := newTestLimiter(60, 5)

	for i := 0; i < 5; i++ {
		ok, _ := l.Allow("u1")
		require.True(t, ok, "request %d within burst", i)
	}
	ok, wait := l.Allow("u1")
	assert.False(t, ok)
	assert.Equal(t, time.Second, wait)

	c.t = c.t.Add(time.Second)
	ok, _ = l.Allow("u1")
	assert.True(t, ok)
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(60, 1)
	ok, _ := l.Allow("u1")
	require.True(t, ok)
	ok, _ = l.Allow("u1")
	assert.False(t, ok)
	ok, _ = l.Allow("u2")
	assert.True(t, ok)
}

func TestLimiter_Evict(t *testing.T) {
	l, c := newTestLimiter(60, 1)
	l.Allow("u1")
	c.t = c.t.Add(2 * time.Minute)
	l.Evict()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.buckets)
}

func TestLimiter_StopIsIdempotent(t *testing.T) {
	l := New(DefaultConfig())
	l.Start()
	l.Stop()
	assert.NotPanics(t, l.Stop)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newTestLimiter(60, 1)

	r := gin.New()
	r.Use(l.Middleware(func(c *gin.Context) string { return c.GetHeader("X-Test-User") }))
	r.GET("/v1/me/wallet", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/me/wallet", nil)
		if user != "" {
			req.Header.Set("X-Test-User", user)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, do("u1").Code)
	w := do("u1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")

	// Anonymous callers are bucketed by IP, separately from users.
	assert.Equal(t, http.StatusOK, do("").Code)
	assert.Equal(t, http.StatusOK, do("u2").Code)
}
