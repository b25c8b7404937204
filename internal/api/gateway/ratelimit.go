// Package gateway provides ingress rate limiting for the HTTP API
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// windowScript counts requests in a fixed one-minute window.
var windowScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// RateLimiter limits requests per client. With a Redis client the window is
// shared across replicas; without one each replica limits locally.
type RateLimiter struct {
	redis       redis.UniversalClient
	logger      *zap.Logger
	config      RateLimitConfig
	localLimits sync.Map
}

// RateLimitConfig configures the rate limiter
type RateLimitConfig struct {
	KeyPrefix         string                    `yaml:"key_prefix"`
	RequestsPerMinute int                       `yaml:"requests_per_minute"`
	Endpoints         map[string]EndpointLimits `yaml:"endpoints"`
	IncludeHeaders    bool                      `yaml:"include_headers"`
}

// EndpointLimits tightens the limit for one method and path.
type EndpointLimits struct {
	Path              string `yaml:"path"`
	Method            string `yaml:"method"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	CostMultiplier    int    `yaml:"cost_multiplier"`
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
	Reason     string
}

// NewRateLimiter creates a new rate limiter. redisClient may be nil.
func NewRateLimiter(redisClient redis.UniversalClient, cfg RateLimitConfig, logger *zap.Logger) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 600
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "remedyforge"
	}
	if cfg.Endpoints == nil {
		cfg.Endpoints = DefaultEndpointLimits()
	}
	return &RateLimiter{
		redis:  redisClient,
		logger: logger.Named("ratelimit"),
		config: cfg,
	}
}

// DefaultEndpointLimits returns the limits for write endpoints.
func DefaultEndpointLimits() map[string]EndpointLimits {
	return map[string]EndpointLimits{
		"POST:/api/v1/notifications": {
			Path:           "/api/v1/notifications",
			Method:         http.MethodPost,
			CostMultiplier: 2,
		},
		"POST:/api/v1/events": {
			Path:           "/api/v1/events",
			Method:         http.MethodPost,
			CostMultiplier: 2,
		},
		"POST:/api/v1/sweeps": {
			Path:              "/api/v1/sweeps",
			Method:            http.MethodPost,
			RequestsPerMinute: 6,
		},
	}
}

// Limit returns the effective per-minute limit for an endpoint.
func (rl *RateLimiter) Limit(endpoint, method string) int {
	limit := rl.config.RequestsPerMinute
	e, ok := rl.config.Endpoints[method+":"+endpoint]
	if !ok {
		return limit
	}
	if e.RequestsPerMinute > 0 && e.RequestsPerMinute < limit {
		limit = e.RequestsPerMinute
	}
	if e.CostMultiplier > 1 {
		limit /= e.CostMultiplier
	}
	return max(1, limit)
}

// Check performs a rate limit check
func (rl *RateLimiter) Check(ctx context.Context, clientID, endpoint, method string) *RateLimitResult {
	limit := rl.Limit(endpoint, method)
	if rl.redis == nil {
		return rl.checkLocal(clientID, endpoint, method, limit)
	}

	redisKey := fmt.Sprintf("%s:ratelimit:%s:%s:%s:minute", rl.config.KeyPrefix, clientID, method, endpoint)
	now := time.Now()

	count, err := windowScript.Run(ctx, rl.redis, []string{redisKey}, 60000).Int()
	if err != nil {
		rl.logger.Warn("Rate limit check failed, allowing request", zap.Error(err))
		return &RateLimitResult{Allowed: true, Limit: limit, Remaining: limit}
	}

	ttl, err := rl.redis.PTTL(ctx, redisKey).Result()
	if err != nil || ttl < 0 {
		ttl = time.Minute
	}

	result := &RateLimitResult{
		Allowed:   count <= limit,
		Remaining: max(0, limit-count),
		Limit:     limit,
		ResetAt:   now.Add(ttl),
	}
	if !result.Allowed {
		result.RetryAfter = ttl
		result.Reason = "Rate limit exceeded"
	}
	return result
}

func (rl *RateLimiter) checkLocal(clientID, endpoint, method string, limit int) *RateLimitResult {
	key := clientID + "|" + method + ":" + endpoint
	v, _ := rl.localLimits.LoadOrStore(key, rate.NewLimiter(rate.Limit(float64(limit)/60.0), max(1, limit/10)))
	limiter := v.(*rate.Limiter)

	r := limiter.Reserve()
	delay := r.Delay()
	if delay > 0 {
		r.Cancel()
		return &RateLimitResult{
			Allowed:    false,
			Limit:      limit,
			ResetAt:    time.Now().Add(delay),
			RetryAfter: delay,
			Reason:     "Rate limit exceeded",
		}
	}
	return &RateLimitResult{
		Allowed:   true,
		Limit:     limit,
		Remaining: int(limiter.Tokens()),
		ResetAt:   time.Now().Add(time.Minute),
	}
}

// Middleware returns an HTTP middleware for rate limiting
func (rl *RateLimiter) Middleware(getClientID func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := ""
			if getClientID != nil {
				clientID = getClientID(r)
			}
			if clientID == "" {
				clientID = ClientIP(r)
			}

			result := rl.Check(r.Context(), clientID, r.URL.Path, r.Method)

			if rl.config.IncludeHeaders {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
			}

			if !result.Allowed {
				retry := int(result.RetryAfter.Seconds()) + 1
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error":"rate_limit_exceeded","message":%q,"retry_after":%d}`, result.Reason, retry)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the first forwarded address or the peer host.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
