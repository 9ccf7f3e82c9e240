package security

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/logger"
	"github.com/go-redis/redis/v8"
)

// RateLimiter caps requests per key in a fixed window, counting in Redis when
// available and falling back to process-local counters otherwise
type RateLimiter struct {
	redis       *redis.Client
	prefix      string
	limit       int
	window      time.Duration
	now         func() time.Time
	mu          sync.RWMutex
	localLimits map[string]*LocalLimit
	rejected    int64

	// OnReject, when set, is called with the transport name of every rejected request
	OnReject func(transport string)

	// Resolver picks the client address for HTTP requests; nil keys on the peer address
	Resolver *IPResolver
}

// LocalLimit represents a local rate limit
type LocalLimit struct {
	Count     int
	LastReset time.Time
}

// NewRateLimiter creates a new rate limiter allowing limit requests per window.
// redisClient may be nil.
func NewRateLimiter(redisClient *redis.Client, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		redis:       redisClient,
		prefix:      "iconcaptcha:ratelimit:",
		limit:       limit,
		window:      window,
		now:         time.Now,
		localLimits: make(map[string]*LocalLimit),
	}
}

// Allow checks if a request is allowed based on rate limits
func (rl *RateLimiter) Allow(ctx context.Context, key string) bool {
	var allowed bool

	// Try Redis first if available
	if rl.redis != nil {
		ok, err := rl.checkRedisLimit(ctx, key)
		if err == nil {
			allowed = ok
		} else {
			logger.WithError(err).Warn("Redis rate limit check failed, using local counters")
			allowed = rl.checkLocalLimit(key)
		}
	} else {
		allowed = rl.checkLocalLimit(key)
	}

	if !allowed {
		rl.mu.Lock()
		rl.rejected++
		rl.mu.Unlock()
	}
	return allowed
}

// checkRedisLimit checks rate limit using Redis
func (rl *RateLimiter) checkRedisLimit(ctx context.Context, key string) (bool, error) {
	redisKey := rl.prefix + key

	count, err := rl.redis.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, err
	}

	// The first request of a window starts its expiry
	if count == 1 {
		if err := rl.redis.Expire(ctx, redisKey, rl.window).Err(); err != nil {
			return false, err
		}
	}

	return count <= int64(rl.limit), nil
}

// checkLocalLimit checks rate limit using local memory
func (rl *RateLimiter) checkLocalLimit(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	localLimit, exists := rl.localLimits[key]

	if !exists || now.Sub(localLimit.LastReset) >= rl.window {
		rl.localLimits[key] = &LocalLimit{Count: 1, LastReset: now}
		return true
	}

	if localLimit.Count >= rl.limit {
		return false
	}

	localLimit.Count++
	return true
}

// CleanupExpiredLimits removes expired local limits
func (rl *RateLimiter) CleanupExpiredLimits() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, limit := range rl.localLimits {
		if now.Sub(limit.LastReset) >= rl.window {
			delete(rl.localLimits, key)
		}
	}
}

// GetStats returns rate limiter statistics
func (rl *RateLimiter) GetStats() map[string]interface{} {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	return map[string]interface{}{
		"active_limits":     len(rl.localLimits),
		"rejected_requests": rl.rejected,
		"redis_available":   rl.redis != nil,
	}
}

// Rejected reports a rejected request to OnReject
func (rl *RateLimiter) Rejected(transport string) {
	if rl.OnReject != nil {
		rl.OnReject(transport)
	}
}

// HTTPMiddleware rejects requests over the per-IP limit with 429
func (rl *RateLimiter) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := rl.Resolver.ClientIP(r)
		if !rl.Allow(r.Context(), ip) {
			logger.WithField("client_ip", ip).Warn("Rate limit exceeded")
			rl.Rejected("http")
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
