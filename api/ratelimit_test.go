package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/enrollment-engine/enrollment"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestClaimLimiter_NilClientPassesThrough(t *testing.T) {
	var l *ClaimLimiter
	h := l.Middleware(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/claim", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	h = NewClaimLimiter(nil, 5, time.Minute).Middleware(okHandler())
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/claim", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestClaimLimiter_FailsOpenWhenRedisDown(t *testing.T) {
	// GIVEN: A limiter pointed at a port nothing listens on
	// WHEN: A claim arrives
	// THEN: The request is allowed and no rate-limit headers are set
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { client.Close() })

	h := NewClaimLimiter(client, 1, time.Minute).Middleware(okHandler())
	req := httptest.NewRequest("POST", "/claim", nil)
	req = req.WithContext(WithActor(req.Context(), enrollment.Actor{UserID: "u1", Role: enrollment.RoleParent}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Header().Get("X-RateLimit-Remaining"))
}

func TestNewClaimLimiter_Defaults(t *testing.T) {
	l := NewClaimLimiter(nil, 0, 0)
	assert.Equal(t, 1, l.Capacity)
	assert.Equal(t, time.Minute, l.Refill)
	assert.Equal(t, "rl:claim", l.Prefix)
}
