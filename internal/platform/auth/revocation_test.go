package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

func newIdentity(issuedAt time.Time) *Identity {
	return &Identity{
		UserID:    uuid.New(),
		TenantID:  uuid.New(),
		Role:      RoleTherapist,
		TokenID:   uuid.NewString(),
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(24 * time.Hour),
	}
}

// revocationStoreCases runs the shared behaviour checks against a store.
func revocationStoreCases(t *testing.T, store RevocationStore) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	t.Run("unknown token", func(t *testing.T) {
		revoked, err := store.IsRevoked(ctx, newIdentity(now))
		if err != nil {
			t.Fatalf("IsRevoked: %v", err)
		}
		if revoked {
			t.Error("expected unknown token to be valid")
		}
	})

	t.Run("revoke jti", func(t *testing.T) {
		id := newIdentity(now)
		if err := store.Revoke(ctx, id.TokenID, id.ExpiresAt); err != nil {
			t.Fatalf("Revoke: %v", err)
		}
		revoked, err := store.IsRevoked(ctx, id)
		if err != nil {
			t.Fatalf("IsRevoked: %v", err)
		}
		if !revoked {
			t.Error("expected token to be revoked")
		}
	})

	t.Run("revoke user cutoff", func(t *testing.T) {
		old := newIdentity(now.Add(-time.Hour))
		if err := store.RevokeUser(ctx, old.UserID, now, 24*time.Hour); err != nil {
			t.Fatalf("RevokeUser: %v", err)
		}
		if revoked, _ := store.IsRevoked(ctx, old); !revoked {
			t.Error("expected token issued before cutoff to be revoked")
		}

		fresh := *old
		fresh.TokenID = uuid.NewString()
		fresh.IssuedAt = now.Add(time.Minute)
		if revoked, _ := store.IsRevoked(ctx, &fresh); revoked {
			t.Error("expected token issued after cutoff to be valid")
		}

		stranger := newIdentity(now.Add(-time.Hour))
		if revoked, _ := store.IsRevoked(ctx, stranger); revoked {
			t.Error("cutoff must only apply to its own user")
		}
	})

	t.Run("revoke user within one second", func(t *testing.T) {
		second := now.Add(2 * time.Hour)
		stale := newIdentity(second.Add(200 * time.Millisecond))
		if err := store.RevokeUser(ctx, stale.UserID, second.Add(700*time.Millisecond), 24*time.Hour); err != nil {
			t.Fatalf("RevokeUser: %v", err)
		}
		if revoked, _ := store.IsRevoked(ctx, stale); !revoked {
			t.Error("expected token issued earlier in the same second to be revoked")
		}

		relogin := *stale
		relogin.TokenID = uuid.NewString()
		relogin.IssuedAt = second.Add(900 * time.Millisecond)
		if revoked, _ := store.IsRevoked(ctx, &relogin); revoked {
			t.Error("expected token issued later in the same second to be valid")
		}
	})
}

func TestRevokeUser_ReloginInSameSecond(t *testing.T) {
	store := NewMemoryRevocationStore()
	defer store.Close()
	ctx := context.Background()

	iss := newTestIssuer(t)
	second := time.Now().Truncate(time.Second)
	userID, tenantID := uuid.New(), uuid.New()

	iss.now = func() time.Time { return second.Add(200 * time.Millisecond) }
	staleTok, _, err := iss.Issue(userID, tenantID, RoleTherapist)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if err := store.RevokeUser(ctx, userID, second.Add(700*time.Millisecond), iss.TTL()); err != nil {
		t.Fatalf("RevokeUser: %v", err)
	}

	iss.now = func() time.Time { return second.Add(900 * time.Millisecond) }
	freshTok, _, err := iss.Issue(userID, tenantID, RoleAdmin)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	stale, err := iss.Verify(staleTok)
	if err != nil {
		t.Fatalf("Verify stale: %v", err)
	}
	if revoked, _ := store.IsRevoked(ctx, stale); !revoked {
		t.Error("expected token issued before the role change to be revoked")
	}

	fresh, err := iss.Verify(freshTok)
	if err != nil {
		t.Fatalf("Verify fresh: %v", err)
	}
	if revoked, _ := store.IsRevoked(ctx, fresh); revoked {
		t.Error("expected token issued after the role change to be valid")
	}
}

func TestMemoryRevocationStore(t *testing.T) {
	store := NewMemoryRevocationStore()
	defer store.Close()
	revocationStoreCases(t, store)
}

func TestMemoryRevocationStore_Cleanup(t *testing.T) {
	store := NewMemoryRevocationStore()
	defer store.Close()
	ctx := context.Background()

	now := time.Now()
	store.now = func() time.Time { return now }
	_ = store.Revoke(ctx, "expired", now.Add(-time.Minute))
	_ = store.Revoke(ctx, "live", now.Add(time.Hour))
	_ = store.RevokeUser(ctx, uuid.New(), now, -time.Second)

	store.cleanup()

	if store.Count() != 1 {
		t.Errorf("expected 1 entry after cleanup, got %d", store.Count())
	}
	if len(store.users) != 0 {
		t.Errorf("expected expired user cutoff to be removed, got %d", len(store.users))
	}
}

func TestMemoryRevocationStore_CloseTwice(t *testing.T) {
	store := NewMemoryRevocationStore()
	store.Close()
	store.Close()
}

func TestRedisRevocationStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	revocationStoreCases(t, NewRedisRevocationStore(client, ""))
}

func TestRedisRevocationStore_KeysExpire(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	store := NewRedisRevocationStore(client, "test:")
	ctx := context.Background()

	id := newIdentity(time.Now())
	if err := store.Revoke(ctx, id.TokenID, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if !mr.Exists("test:jti:" + id.TokenID) {
		t.Fatal("expected revocation key")
	}
	mr.FastForward(2 * time.Hour)
	if revoked, _ := store.IsRevoked(ctx, id); revoked {
		t.Error("expected revocation to lapse with the token")
	}
}

func TestRedisRevocationStore_AlreadyExpired(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	store := NewRedisRevocationStore(client, "")

	if err := store.Revoke(context.Background(), "old", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if len(mr.Keys()) != 0 {
		t.Errorf("expected no key for an expired token, got %v", mr.Keys())
	}
}
