package security

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/logger"
)

// IPBlocker blocks client IPs that keep failing the final submission check.
// Counters live in Redis when available and fall back to process memory.
type IPBlocker struct {
	redis         *redis.Client
	prefix        string
	maxFailures   int
	blockDuration time.Duration
	now           func() time.Time

	mu             sync.RWMutex
	localBlocks    map[string]*BlockInfo
	failedAttempts map[string]*AttemptInfo

	// OnBlock, when set, is called with every newly blocked IP
	OnBlock func(ip string)
}

// BlockInfo represents information about a blocked IP
type BlockInfo struct {
	IP        string
	BlockedAt time.Time
	ExpiresAt time.Time
	Attempts  int
}

// AttemptInfo counts failed submissions of one IP within the block window
type AttemptInfo struct {
	Count     int
	FirstSeen time.Time
}

// NewIPBlocker creates a blocker that blocks an IP for blockDuration once it
// reaches maxFailures failed submissions within blockDuration. redisClient may be nil.
func NewIPBlocker(redisClient *redis.Client, maxFailures int, blockDuration time.Duration) *IPBlocker {
	return &IPBlocker{
		redis:          redisClient,
		prefix:         "iconcaptcha:",
		maxFailures:    maxFailures,
		blockDuration:  blockDuration,
		now:            time.Now,
		localBlocks:    make(map[string]*BlockInfo),
		failedAttempts: make(map[string]*AttemptInfo),
	}
}

// IsBlocked reports whether ip is blocked and how long the block lasts
func (ib *IPBlocker) IsBlocked(ctx context.Context, ip string) (bool, time.Duration) {
	if ib.redis != nil {
		ttl, err := ib.redis.PTTL(ctx, ib.blockKey(ip)).Result()
		if err == nil {
			// PTTL is negative for missing keys
			if ttl > 0 {
				return true, ttl
			}
			return false, 0
		}
		logger.WithError(err).Warn("Redis block check failed, using local blocks")
	}

	ib.mu.RLock()
	defer ib.mu.RUnlock()

	block, exists := ib.localBlocks[ip]
	if !exists {
		return false, 0
	}

	remaining := block.ExpiresAt.Sub(ib.now())
	if remaining <= 0 {
		return false, 0
	}
	return true, remaining
}

// RecordFailure counts a failed submission and reports whether it blocked ip
func (ib *IPBlocker) RecordFailure(ctx context.Context, ip string) bool {
	var blocked bool

	if ib.redis != nil {
		var err error
		blocked, err = ib.recordRedisFailure(ctx, ip)
		if err != nil {
			logger.WithError(err).Warn("Redis failure count failed, using local counters")
			blocked = ib.recordLocalFailure(ip)
		}
	} else {
		blocked = ib.recordLocalFailure(ip)
	}

	if blocked {
		logger.WithField("client_ip", ip).Warn("Client blocked after repeated failed submissions")
		if ib.OnBlock != nil {
			ib.OnBlock(ip)
		}
	}
	return blocked
}

// Unblock removes the block and failure count of ip.
// Successful submissions call it to reset the failure window.
func (ib *IPBlocker) Unblock(ctx context.Context, ip string) error {
	if ib.redis != nil {
		if err := ib.redis.Del(ctx, ib.blockKey(ip), ib.failureKey(ip)).Err(); err != nil {
			return err
		}
	}

	ib.mu.Lock()
	defer ib.mu.Unlock()

	delete(ib.localBlocks, ip)
	delete(ib.failedAttempts, ip)
	return nil
}

// recordRedisFailure counts in a fixed window starting at the first failure
func (ib *IPBlocker) recordRedisFailure(ctx context.Context, ip string) (bool, error) {
	key := ib.failureKey(ip)

	count, err := ib.redis.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := ib.redis.Expire(ctx, key, ib.blockDuration).Err(); err != nil {
			return false, err
		}
	}

	if int(count) < ib.maxFailures {
		return false, nil
	}

	pipe := ib.redis.TxPipeline()
	pipe.Set(ctx, ib.blockKey(ip), count, ib.blockDuration)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (ib *IPBlocker) recordLocalFailure(ip string) bool {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	now := ib.now()
	attempt, exists := ib.failedAttempts[ip]
	if !exists || now.Sub(attempt.FirstSeen) > ib.blockDuration {
		attempt = &AttemptInfo{FirstSeen: now}
		ib.failedAttempts[ip] = attempt
	}
	attempt.Count++

	if attempt.Count < ib.maxFailures {
		return false
	}

	ib.localBlocks[ip] = &BlockInfo{
		IP:        ip,
		BlockedAt: now,
		ExpiresAt: now.Add(ib.blockDuration),
		Attempts:  attempt.Count,
	}
	delete(ib.failedAttempts, ip)
	return true
}

// CleanupExpiredBlocks removes expired blocks and stale failure counters
func (ib *IPBlocker) CleanupExpiredBlocks() {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	now := ib.now()

	for ip, block := range ib.localBlocks {
		if now.After(block.ExpiresAt) {
			delete(ib.localBlocks, ip)
		}
	}

	for ip, attempt := range ib.failedAttempts {
		if now.Sub(attempt.FirstSeen) > ib.blockDuration {
			delete(ib.failedAttempts, ip)
		}
	}
}

// GetStats returns IP blocker statistics
func (ib *IPBlocker) GetStats() map[string]interface{} {
	ib.mu.RLock()
	defer ib.mu.RUnlock()

	return map[string]interface{}{
		"blocked_ips":     len(ib.localBlocks),
		"failed_attempts": len(ib.failedAttempts),
		"redis_available": ib.redis != nil,
	}
}

func (ib *IPBlocker) blockKey(ip string) string {
	return ib.prefix + "blocked:" + ip
}

func (ib *IPBlocker) failureKey(ip string) string {
	return ib.prefix + "failures:" + ip
}
