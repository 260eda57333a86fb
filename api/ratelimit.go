/*
ratelimit.go - Per-user token bucket for coupon claims

PURPOSE:
  Coupon codes are short and guessable. The claim endpoint returns one
  generic error for every failure, and this limiter caps how many guesses
  a single user can make. State lives in Redis so every server instance
  shares one bucket per user.

BEHAVIOR:
  - nil client: limiter is a pass-through
  - Redis error: request is allowed and the error is logged
  - bucket empty: 429 with Retry-After (seconds)

SEE ALSO:
  - server.go: Mounted on POST /api/users/{userID}/coupons/claim
  - config/config.go: ENROLL_CLAIM_RATE_* keys
*/
package api

import (
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills by whole intervals and takes one token.
// Returns {allowed, remaining, retry_after_ms}.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local interval_ms = tonumber(ARGV[3])
local ttl_seconds = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if tokens == nil or last_refill == nil then
	tokens = capacity
	last_refill = now_ms
end

if interval_ms > 0 then
	local elapsed = math.max(0, now_ms - last_refill)
	local intervals = math.floor(elapsed / interval_ms)
	if intervals > 0 then
		tokens = math.min(capacity, tokens + intervals)
		last_refill = last_refill + (intervals * interval_ms)
	end
end

local allowed = 0
local retry_after_ms = 0
if tokens > 0 then
	allowed = 1
	tokens = tokens - 1
else
	retry_after_ms = math.max(0, interval_ms - (now_ms - last_refill))
end

redis.call('HSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
redis.call('EXPIRE', key, ttl_seconds)

return { allowed, tokens, retry_after_ms }
`)

// ClaimLimiter throttles coupon claims per authenticated user.
type ClaimLimiter struct {
	Client   redis.Scripter
	Capacity int
	Refill   time.Duration
	Prefix   string
	now      func() time.Time
}

// NewClaimLimiter creates a limiter. A nil client disables limiting.
func NewClaimLimiter(client redis.Scripter, capacity int, refill time.Duration) *ClaimLimiter {
	if capacity < 1 {
		capacity = 1
	}
	if refill <= 0 {
		refill = time.Minute
	}
	return &ClaimLimiter{
		Client:   client,
		Capacity: capacity,
		Refill:   refill,
		Prefix:   "rl:claim",
		now:      time.Now,
	}
}

// Middleware applies the bucket of the authenticated actor.
func (l *ClaimLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil || l.Client == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := "anon"
		if actor, ok := ActorFrom(r.Context()); ok {
			user = string(actor.UserID)
		}
		key := fmt.Sprintf("%s:user:%s", l.Prefix, user)

		// Keep idle buckets around long enough to remember a drained state.
		ttl := int64(5 * l.Refill * time.Duration(l.Capacity) / time.Second)
		if ttl < 1 {
			ttl = 1
		}
		vals, err := tokenBucketScript.Run(r.Context(), l.Client, []string{key},
			l.now().UnixMilli(), l.Capacity, l.Refill.Milliseconds(), ttl).Int64Slice()
		if err != nil || len(vals) != 3 {
			log.Printf("[RateLimit] Redis unavailable for %s, allowing: %v", key, err)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.Capacity))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(vals[1], 10))

		if vals[0] != 1 {
			secs := int(math.Ceil(float64(vals[2]) / 1000.0))
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeError(w, http.StatusTooManyRequests, "Too many coupon attempts", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
