package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/domain"
)

// SessionStore persists one captcha session blob per visitor key
type SessionStore interface {
	// Load returns the stored session; found is false when none exists
	Load(ctx context.Context, key string) (session *domain.Session, found bool, err error)
	Save(ctx context.Context, key string, session *domain.Session) error
	Delete(ctx context.Context, key string) error
}

// InMemorySessionStore implements SessionStore using in-memory storage.
// Sessions are stored serialized so callers never share state between requests.
type InMemorySessionStore struct {
	sessions map[string]*storedSession
	ttl      time.Duration
	now      func() time.Time
	mu       sync.RWMutex
}

type storedSession struct {
	data      []byte
	expiresAt time.Time
}

// NewInMemorySessionStore creates a new in-memory session store.
// A zero ttl keeps sessions until they are deleted.
func NewInMemorySessionStore(ttl time.Duration) *InMemorySessionStore {
	return &InMemorySessionStore{
		sessions: make(map[string]*storedSession),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Load retrieves a session by key
func (s *InMemorySessionStore) Load(ctx context.Context, key string) (*domain.Session, bool, error) {
	s.mu.RLock()
	stored, exists := s.sessions[key]
	s.mu.RUnlock()

	if !exists || s.expired(stored) {
		return nil, false, nil
	}

	session, err := decodeSession(stored.data)
	if err != nil {
		return nil, false, err
	}

	return session, true, nil
}

// Save stores a session, refreshing its expiry
func (s *InMemorySessionStore) Save(ctx context.Context, key string, session *domain.Session) error {
	data, err := encodeSession(session)
	if err != nil {
		return err
	}

	stored := &storedSession{data: data}
	if s.ttl > 0 {
		stored.expiresAt = s.now().Add(s.ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[key] = stored
	return nil
}

// Delete removes a session by key
func (s *InMemorySessionStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, key)
	return nil
}

// GetActiveCount returns the number of live sessions
func (s *InMemorySessionStore) GetActiveCount(ctx context.Context) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, stored := range s.sessions {
		if !s.expired(stored) {
			count++
		}
	}

	return count
}

// CleanupExpired removes expired sessions
func (s *InMemorySessionStore) CleanupExpired(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, stored := range s.sessions {
		if s.expired(stored) {
			delete(s.sessions, key)
		}
	}

	return nil
}

func (s *InMemorySessionStore) expired(stored *storedSession) bool {
	return !stored.expiresAt.IsZero() && s.now().After(stored.expiresAt)
}

func encodeSession(session *domain.Session) ([]byte, error) {
	if session == nil {
		return nil, &RepositoryError{Message: "session cannot be nil"}
	}
	data, err := json.Marshal(session)
	if err != nil {
		return nil, &RepositoryError{Message: fmt.Sprintf("failed to encode session: %v", err)}
	}
	return data, nil
}

func decodeSession(data []byte) (*domain.Session, error) {
	session := domain.NewSession()
	if err := json.Unmarshal(data, session); err != nil {
		return nil, &RepositoryError{Message: fmt.Sprintf("failed to decode session: %v", err)}
	}
	if session.Challenges == nil {
		session.Challenges = make(map[int]*domain.Challenge)
	}
	return session, nil
}

// RepositoryError represents a repository error
type RepositoryError struct {
	Message string
}

func (e *RepositoryError) Error() string {
	return e.Message
}
