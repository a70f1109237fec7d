package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/tripsplit/internal/auth"
)

var rateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "http_rate_limited_total",
	Help: "Requests refused by the rate limiter grouped by scope.",
}, []string{"scope"})

type RateConfig struct {
	Rate  float64
	Burst float64
}

// RateLimiter is a Redis token bucket per caller and scope. Bookings get their
// own bucket so listing traffic cannot starve them.
type RateLimiter struct {
	client    redis.Scripter
	readCfg   RateConfig
	writeCfg  RateConfig
	bookCfg   RateConfig
	prefix    string
	luaScript *redis.Script
	logger    *zap.Logger
}

func NewRateLimiter(client redis.Scripter, read, write, book RateConfig, logger *zap.Logger) *RateLimiter {
	if client == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	script := redis.NewScript(tokenBucketLua)
	return &RateLimiter{
		client:    client,
		readCfg:   read,
		writeCfg:  write,
		bookCfg:   book,
		prefix:    "rl",
		luaScript: script,
		logger:    logger.Named("ratelimit"),
	}
}

// Middleware must run after auth.Middleware to key buckets by user id;
// anonymous requests are keyed by client address.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil || (l.readCfg.Rate <= 0 && l.writeCfg.Rate <= 0 && l.bookCfg.Rate <= 0) {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope, cfg := l.scopeFor(r)
		if cfg.Rate <= 0 || cfg.Burst <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		identifier := clientIdentifier(r)
		if identifier == "" {
			identifier = "anonymous"
		}
		allowed, retryAfter, err := l.allow(r.Context(), scope, identifier, cfg)
		if err != nil {
			// An unreachable limiter store must not take the API down with it.
			l.logger.Warn("rate limit check failed", zap.String("scope", scope), zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		if !allowed {
			rateLimited.WithLabelValues(scope).Inc()
			if retryAfter > 0 {
				w.Header().Set("Retry-After", formatRetryAfter(retryAfter))
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "too many requests", "code": "rate_limited"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) scopeFor(r *http.Request) (string, RateConfig) {
	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/book"):
		return "book", l.bookCfg
	case isReadMethod(r.Method):
		return "read", l.readCfg
	default:
		return "write", l.writeCfg
	}
}

func (l *RateLimiter) allow(ctx context.Context, scope string, identifier string, cfg RateConfig) (bool, time.Duration, error) {
	now := time.Now()
	key := strings.Join([]string{l.prefix, scope, identifier}, ":")
	result, err := l.luaScript.Run(ctx, l.client, []string{key}, now.UnixMilli(), cfg.Rate, cfg.Burst, 1).Result()
	if err != nil {
		return false, 0, err
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 3 {
		return false, 0, errors.New("invalid redis response")
	}

	allowedInt, err := toInt64(values[0])
	if err != nil {
		return false, 0, err
	}
	waitSeconds, err := toFloat64(values[2])
	if err != nil {
		return false, 0, err
	}
	if allowedInt != 1 {
		return false, time.Duration(math.Ceil(waitSeconds*1000)) * time.Millisecond, nil
	}
	return true, 0, nil
}

func isReadMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

// clientIdentifier keys anonymous callers by RemoteAddr, which the router's
// RealIP middleware has already resolved. Forwarding headers are not read
// here.
func clientIdentifier(r *http.Request) string {
	if actor, ok := auth.ActorFromContext(r.Context()); ok {
		return "user:" + actor.ID.String()
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

func formatRetryAfter(d time.Duration) string {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

func toFloat64(v interface{}) (float64, error) {
	switch val := v.(type) {
	case int64:
		return float64(val), nil
	case float64:
		return val, nil
	case string:
		return strconv.ParseFloat(val, 64)
	default:
		return 0, errors.New("unsupported type")
	}
}

func toInt64(v interface{}) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case float64:
		return int64(val), nil
	case string:
		parsed, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return 0, err
		}
		return parsed, nil
	default:
		return 0, errors.New("unsupported type")
	}
}

const tokenBucketLua = `
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

if rate <= 0 then
  return {1, capacity, 0}
end

local state = redis.call('HMGET', key, 'tokens', 'timestamp')
local tokens = tonumber(state[1])
local last = tonumber(state[2])

if tokens == nil then
  tokens = capacity
end
if last == nil then
  last = now_ms
end

local delta = now_ms - last
if delta < 0 then
  delta = 0
end
local refill = delta * rate / 1000
if refill > 0 then
  tokens = math.min(capacity, tokens + refill)
  last = now_ms
end

local allowed = tokens >= requested
local wait = 0
if allowed then
  tokens = tokens - requested
else
  wait = (requested - tokens) / rate
end

redis.call('HMSET', key, 'tokens', tokens, 'timestamp', last)
local ttl = math.ceil((capacity / rate) * 1000)
redis.call('PEXPIRE', key, ttl)

if allowed then
  return {1, tokens, 0}
else
  return {0, tokens, wait}
end
`
