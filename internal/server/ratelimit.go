package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const visitorTTL = 3 * time.Minute

// tokenBucketScript refills and consumes one bucket atomically.
// KEYS[1] bucket key, ARGV rate, capacity, cost, now (seconds).
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])
if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)
return {allowed, tostring(tokens)}
`)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles callers per actor, or per client IP before
// authentication. With a redis client the bucket is shared across replicas;
// otherwise it is held in process.
type RateLimiter struct {
	rps    float64
	burst  int
	redis  *redis.Client
	logger *zap.Logger
	now    func() time.Time

	mu          sync.Mutex
	visitors    map[string]*visitor
	lastCleanup time.Time
}

// NewRateLimiter returns nil when rps is not positive, which disables limiting.
func NewRateLimiter(rps float64, burst int, redisAddr string, logger *zap.Logger) *RateLimiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &RateLimiter{
		rps:      rps,
		burst:    burst,
		logger:   logger,
		now:      time.Now,
		visitors: map[string]*visitor{},
	}
	if strings.TrimSpace(redisAddr) != "" {
		l.redis = redis.NewClient(&redis.Options{Addr: redisAddr})
	}
	return l
}

// Close releases the redis connection pool, if any.
func (l *RateLimiter) Close() error {
	if l == nil || l.redis == nil {
		return nil
	}
	return l.redis.Close()
}

// Allow consumes one token for key. A redis failure falls back to the
// in-process bucket rather than rejecting the request.
func (l *RateLimiter) Allow(ctx context.Context, key string) bool {
	if l.redis != nil {
		ok, err := l.allowRedis(ctx, key)
		if err == nil {
			return ok
		}
		l.logger.Warn("redis rate limiter unavailable", zap.Error(err))
	}
	return l.visitor(key).Allow()
}

func (l *RateLimiter) allowRedis(ctx context.Context, key string) (bool, error) {
	now := float64(l.now().UnixMicro()) / 1e6
	res, err := tokenBucketScript.Run(ctx, l.redis, []string{"inorm:ratelimit:" + key}, l.rps, l.burst, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	values, ok := res.([]any)
	if !ok || len(values) != 2 {
		return false, fmt.Errorf("redis limiter: unexpected reply %v", res)
	}
	allowed, _ := values[0].(int64)
	return allowed == 1, nil
}

func (l *RateLimiter) visitor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.lastCleanup) > visitorTTL {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) > visitorTTL {
				delete(l.visitors, k)
			}
		}
		l.lastCleanup = now
	}
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(l.rps), l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter
}

// Middleware rejects over-limit API calls with 429 RATE_LIMITED.
func (l *RateLimiter) Middleware(basePath string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, basePath+"/") {
				next.ServeHTTP(w, r)
				return
			}
			if !l.Allow(r.Context(), rateKey(r)) {
				w.Header().Set("Retry-After", "1")
				respondStatusError(w, newAPIError(http.StatusTooManyRequests, "", "rate limit exceeded", nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func rateKey(r *http.Request) string {
	if p, ok := principalFromContext(r.Context()); ok && p.ActorID != "" {
		return "actor:" + p.ActorID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
