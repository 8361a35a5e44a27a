package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/rentbill/pkg/httputil"
	"github.com/platinummonkey/rentbill/pkg/observability"
)

// DistributedRateLimiter is a fixed-window counter in Redis shared by every
// instance
type DistributedRateLimiter struct {
	redis  *redis.Client
	config *RateLimitConfig
	prefix string
}

// NewDistributedRateLimiter creates a new Redis-backed rate limiter
func NewDistributedRateLimiter(redisClient *redis.Client, config *RateLimitConfig, prefix string) *DistributedRateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	if prefix == "" {
		prefix = "rentbill:ratelimit"
	}
	return &DistributedRateLimiter{
		redis:  redisClient,
		config: config,
		prefix: prefix,
	}
}

func (rl *DistributedRateLimiter) key(k string) string {
	return fmt.Sprintf("%s:%s", rl.prefix, k)
}

// Allow counts a request for key and reports whether it is within the
// window's budget, along with the window's count and time to reset
func (rl *DistributedRateLimiter) Allow(ctx context.Context, key string) (bool, int64, time.Duration, error) {
	redisKey := rl.key(key)

	pipe := rl.redis.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	ttl := pipe.TTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, 0, 0, fmt.Errorf("redis error: %w", err)
	}

	reset := ttl.Val()
	if reset < 0 {
		// first request of the window
		if err := rl.redis.Expire(ctx, redisKey, rl.config.WindowDuration).Err(); err != nil {
			return true, 0, 0, fmt.Errorf("redis error: %w", err)
		}
		reset = rl.config.WindowDuration
	}

	count := incr.Val()
	return count <= int64(rl.config.RequestsPerWindow+rl.config.BurstSize), count, reset, nil
}

// TTL returns the time until the rate limit window resets
func (rl *DistributedRateLimiter) TTL(ctx context.Context, key string) (time.Duration, error) {
	return rl.redis.TTL(ctx, rl.key(key)).Result()
}

// Reset clears the window for a key
func (rl *DistributedRateLimiter) Reset(ctx context.Context, key string) error {
	return rl.redis.Del(ctx, rl.key(key)).Err()
}

// DistributedRateLimitMiddleware limits requests per organization or
// client IP through Redis
type DistributedRateLimitMiddleware struct {
	redis            *redis.Client
	orgLimiter       *DistributedRateLimiter
	anonymousLimiter *DistributedRateLimiter
	failOpen         bool
	logger           *observability.Logger
}

// NewDistributedRateLimitMiddleware creates a Redis-backed rate limit
// middleware. It fails open when Redis is unreachable.
func NewDistributedRateLimitMiddleware(redisClient *redis.Client, orgConfig, anonymousConfig *RateLimitConfig, logger *observability.Logger) *DistributedRateLimitMiddleware {
	if orgConfig == nil {
		orgConfig = PerOrgRateLimitConfig()
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &DistributedRateLimitMiddleware{
		redis:            redisClient,
		orgLimiter:       NewDistributedRateLimiter(redisClient, orgConfig, "rentbill:ratelimit:org"),
		anonymousLimiter: NewDistributedRateLimiter(redisClient, anonymousConfig, "rentbill:ratelimit:anon"),
		failOpen:         true,
		logger:           logger,
	}
}

// SetFailOpen controls whether Redis errors let requests through (true) or
// answer 503 (false)
func (m *DistributedRateLimitMiddleware) SetFailOpen(enabled bool) {
	m.failOpen = enabled
}

// Handler wraps an HTTP handler with distributed rate limiting
func (m *DistributedRateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		key, isOrg := rateLimitKey(r)
		limiter := m.anonymousLimiter
		if isOrg {
			limiter = m.orgLimiter
		}

		allowed, count, reset, err := limiter.Allow(ctx, key)
		if err != nil {
			m.logger.WithError(err).WithField("key", key).Warn("Rate limiter unavailable")
			if m.failOpen {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteServiceUnavailable(w, "rate limiter unavailable")
			return
		}

		if !allowed {
			writeRateLimitExceeded(w, limiter.config, reset)
			return
		}

		remaining := int64(limiter.config.RequestsPerWindow+limiter.config.BurstSize) - count
		if remaining < 0 {
			remaining = 0
		}
		setRateLimitHeaders(w, limiter.config, int(remaining), reset)
		next.ServeHTTP(w, r)
	})
}

// HealthCheck verifies Redis connectivity for rate limiting
func (m *DistributedRateLimitMiddleware) HealthCheck(ctx context.Context) error {
	return m.redis.Ping(ctx).Err()
}
