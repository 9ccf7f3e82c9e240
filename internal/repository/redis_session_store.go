package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/domain"
	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/logger"
	"github.com/go-redis/redis/v8"
)

// RedisSessionStore implements SessionStore on top of Redis string keys
type RedisSessionStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisSessionStore creates a new Redis session store.
// Keys are written as <prefix><key> and expire ttl after the last save.
func NewRedisSessionStore(client *redis.Client, prefix string, ttl time.Duration) *RedisSessionStore {
	return &RedisSessionStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// Load retrieves a session by key
func (s *RedisSessionStore) Load(ctx context.Context, key string) (*domain.Session, bool, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load session: %w", err)
	}

	session, err := decodeSession(data)
	if err != nil {
		return nil, false, err
	}

	return session, true, nil
}

// Save stores a session
func (s *RedisSessionStore) Save(ctx context.Context, key string, session *domain.Session) error {
	data, err := encodeSession(session)
	if err != nil {
		return err
	}

	if err := s.client.Set(ctx, s.prefix+key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	return nil
}

// Delete removes a session by key
func (s *RedisSessionStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// GetActiveCount counts live sessions under the store prefix. Redis expires
// sessions on its own, so every key found is live.
func (s *RedisSessionStore) GetActiveCount(ctx context.Context) int {
	count := 0
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		logger.WithError(err).WithField("prefix", s.prefix).Warn("Session scan failed, active count is incomplete")
	}
	return count
}
