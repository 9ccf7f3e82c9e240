package repository

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/domain"
	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/logger"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func setupMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})

	return mr, client
}

func sampleSession() *domain.Session {
	until := time.Date(2024, 5, 1, 10, 0, 30, 0, time.UTC)
	session := domain.NewSession()
	session.Token = "0A1B2C"
	session.Challenges[3] = &domain.Challenge{
		Icons:           []int{5, 9, 9, 9, 9},
		IconIDs:         []int{9, 5},
		CorrectID:       5,
		Mode:            "dark",
		Requested:       true,
		Attempts:        2,
		AttemptsTimeout: &until,
	}
	return session
}

// storeContract runs the behavior every SessionStore must share
func storeContract(t *testing.T, store SessionStore) {
	ctx := context.Background()

	_, found, err := store.Load(ctx, "visitor")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if found {
		t.Fatal("expected empty store")
	}

	if err := store.Save(ctx, "visitor", sampleSession()); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	loaded, found, err := store.Load(ctx, "visitor")
	if err != nil || !found {
		t.Fatalf("Load() = found %v, err %v", found, err)
	}

	challenge := loaded.Challenge(3)
	if loaded.Token != "0A1B2C" || challenge == nil {
		t.Fatalf("unexpected session: %+v", loaded)
	}
	if challenge.CorrectID != 5 || challenge.Mode != "dark" || !challenge.Requested || challenge.Attempts != 2 {
		t.Errorf("unexpected challenge: %+v", challenge)
	}
	if challenge.AttemptsTimeout == nil || challenge.AttemptsTimeout.Unix() != sampleSession().Challenges[3].AttemptsTimeout.Unix() {
		t.Errorf("attempts timeout not preserved: %v", challenge.AttemptsTimeout)
	}

	// Mutating a loaded session does not leak into the store until saved
	challenge.Attempts = 99
	again, _, _ := store.Load(ctx, "visitor")
	if again.Challenge(3).Attempts != 2 {
		t.Error("loaded session shares state with the store")
	}

	if err := store.Save(ctx, "other", domain.NewSession()); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if err := store.Delete(ctx, "visitor"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, found, _ := store.Load(ctx, "visitor"); found {
		t.Error("expected session to be deleted")
	}
	if _, found, _ := store.Load(ctx, "other"); !found {
		t.Error("delete removed the wrong session")
	}

	if err := store.Save(ctx, "nil", nil); err == nil {
		t.Error("expected error saving nil session")
	}
}

func TestInMemorySessionStore(t *testing.T) {
	storeContract(t, NewInMemorySessionStore(time.Hour))
}

func TestRedisSessionStore(t *testing.T) {
	_, client := setupMiniRedis(t)
	storeContract(t, NewRedisSessionStore(client, "iconcaptcha:", time.Hour))
}

func TestInMemorySessionStore_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	store := NewInMemorySessionStore(time.Minute)
	store.now = func() time.Time { return now }

	if err := store.Save(ctx, "a", sampleSession()); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if store.GetActiveCount(ctx) != 1 {
		t.Fatalf("expected 1 active session")
	}

	now = now.Add(2 * time.Minute)
	if _, found, _ := store.Load(ctx, "a"); found {
		t.Error("expected session to expire")
	}
	if store.GetActiveCount(ctx) != 0 {
		t.Error("expected no active sessions")
	}

	if err := store.CleanupExpired(ctx); err != nil {
		t.Fatalf("CleanupExpired() error: %v", err)
	}
	if len(store.sessions) != 0 {
		t.Errorf("expected expired sessions removed, %d left", len(store.sessions))
	}
}

func TestRedisSessionStore_TTLAndPrefix(t *testing.T) {
	mr, client := setupMiniRedis(t)
	ctx := context.Background()
	store := NewRedisSessionStore(client, "iconcaptcha:", 30*time.Second)

	if err := store.Save(ctx, "visitor", sampleSession()); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	if !mr.Exists("iconcaptcha:visitor") {
		t.Fatal("expected prefixed key")
	}
	if ttl := mr.TTL("iconcaptcha:visitor"); ttl != 30*time.Second {
		t.Errorf("expected 30s ttl, got %v", ttl)
	}

	mr.FastForward(31 * time.Second)
	if _, found, _ := store.Load(ctx, "visitor"); found {
		t.Error("expected session to expire")
	}

	// Corrupt blobs surface as repository errors
	if err := mr.Set("iconcaptcha:bad", "{"); err != nil {
		t.Fatalf("failed to seed key: %v", err)
	}
	if _, _, err := store.Load(ctx, "bad"); err == nil {
		t.Error("expected decode error")
	}
}

func TestRedisSessionStore_GetActiveCount(t *testing.T) {
	mr, client := setupMiniRedis(t)
	ctx := context.Background()
	store := NewRedisSessionStore(client, "iconcaptcha:session:", time.Minute)

	for _, key := range []string{"a", "b", "c"} {
		if err := store.Save(ctx, key, sampleSession()); err != nil {
			t.Fatalf("Save() error: %v", err)
		}
	}
	if err := mr.Set("iconcaptcha:ratelimit:1.2.3.4", "1"); err != nil {
		t.Fatalf("failed to seed key: %v", err)
	}

	if got := store.GetActiveCount(ctx); got != 3 {
		t.Errorf("expected 3 sessions, got %d", got)
	}

	mr.FastForward(2 * time.Minute)
	if got := store.GetActiveCount(ctx); got != 0 {
		t.Errorf("expected expired sessions to vanish, got %d", got)
	}
}

func TestRedisSessionStore_GetActiveCountScanError(t *testing.T) {
	mr, client := setupMiniRedis(t)
	ctx := context.Background()
	store := NewRedisSessionStore(client, "iconcaptcha:session:", time.Minute)

	var logs bytes.Buffer
	logger.SetOutput(&logs)
	t.Cleanup(func() { logger.SetOutput(os.Stdout) })

	if err := store.Save(ctx, "a", sampleSession()); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	mr.Close()

	if got := store.GetActiveCount(ctx); got != 0 {
		t.Errorf("expected 0 sessions without Redis, got %d", got)
	}
	if !strings.Contains(logs.String(), "Session scan failed") {
		t.Errorf("expected scan failure to be logged, got %q", logs.String())
	}
}
