package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return store, s
}

func TestNewRedisStore(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestSaveAndLookupRefreshSession(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	tokenHash := "test-token-hash"
	userID := "usr_123"
	expiresAt := time.Now().Add(24 * time.Hour)

	err := store.SaveRefreshSession(ctx, tokenHash, userID, expiresAt)
	if err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}

	user, err := store.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		t.Fatalf("LookupRefreshSession failed: %v", err)
	}

	if user.ID != userID {
		t.Errorf("expected user ID %s, got %s", userID, user.ID)
	}
}

func TestLookupExpiredSession(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	tokenHash := "expired-token"
	userID := "usr_456"

	// Save with very short TTL
	expiresAt := time.Now().Add(1 * time.Millisecond)
	err := store.SaveRefreshSession(ctx, tokenHash, userID, expiresAt)
	if err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}

	// Fast-forward time in miniredis
	s.FastForward(2 * time.Millisecond)

	_, err = store.LookupRefreshSession(ctx, tokenHash)
	if err == nil {
		t.Error("expected error for expired token, got nil")
	}
}

func TestLookupNonExistentSession(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()

	_, err := store.LookupRefreshSession(ctx, "non-existent-token")
	if err == nil {
		t.Error("expected error for non-existent token, got nil")
	}
}

func TestRevokeRefreshSession(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	tokenHash := "token-to-revoke"
	userID := "usr_789"
	expiresAt := time.Now().Add(24 * time.Hour)

	err := store.SaveRefreshSession(ctx, tokenHash, userID, expiresAt)
	if err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}

	_, err = store.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		t.Fatalf("Lookup before revoke failed: %v", err)
	}

	err = store.RevokeRefreshSession(ctx, tokenHash)
	if err != nil {
		t.Fatalf("RevokeRefreshSession failed: %v", err)
	}

	_, err = store.LookupRefreshSession(ctx, tokenHash)
	if err == nil {
		t.Error("expected error for revoked token, got nil")
	}
}

func TestRevokeNonExistentSession(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()

	// Revoking non-existent token should not error
	err := store.RevokeRefreshSession(ctx, "non-existent-token")
	if err != nil {
		t.Errorf("RevokeRefreshSession for non-existent token failed: %v", err)
	}
}

func TestSessionIsolation(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	expiresAt := time.Now().Add(24 * time.Hour)

	err := store.SaveRefreshSession(ctx, "token-1", "usr_1", expiresAt)
	if err != nil {
		t.Fatalf("SaveRefreshSession 1 failed: %v", err)
	}

	err = store.SaveRefreshSession(ctx, "token-2", "usr_2", expiresAt)
	if err != nil {
		t.Fatalf("SaveRefreshSession 2 failed: %v", err)
	}

	user1, err := store.LookupRefreshSession(ctx, "token-1")
	if err != nil {
		t.Fatalf("Lookup token-1 failed: %v", err)
	}
	if user1.ID != "usr_1" {
		t.Errorf("expected usr_1, got %s", user1.ID)
	}

	err = store.RevokeRefreshSession(ctx, "token-1")
	if err != nil {
		t.Fatalf("Revoke token-1 failed: %v", err)
	}

	_, err = store.LookupRefreshSession(ctx, "token-1")
	if err == nil {
		t.Error("expected error for revoked token-1, got nil")
	}

	user2, err := store.LookupRefreshSession(ctx, "token-2")
	if err != nil {
		t.Fatalf("Lookup token-2 after revoke failed: %v", err)
	}
	if user2.ID != "usr_2" {
		t.Errorf("expected usr_2 after revoke, got %s", user2.ID)
	}
}
