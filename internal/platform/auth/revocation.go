package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RevocationStore tracks revoked tokens by JTI and per-user revocation
// cutoffs. A token is revoked when its JTI is listed or when it was issued
// at or before the cutoff recorded for its user. Cutoffs and issue times
// are compared at millisecond precision.
type RevocationStore interface {
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error
	RevokeUser(ctx context.Context, userID uuid.UUID, cutoff time.Time, ttl time.Duration) error
	IsRevoked(ctx context.Context, id *Identity) (bool, error)
}

type revocationEntry struct {
	ExpiresAt time.Time
}

type userCutoff struct {
	Cutoff    time.Time
	ExpiresAt time.Time
}

// MemoryRevocationStore keeps revocations in process memory. Expired
// entries are removed by a background loop.
type MemoryRevocationStore struct {
	mu      sync.RWMutex
	entries map[string]revocationEntry
	users   map[uuid.UUID]userCutoff
	now     func() time.Time
	done    chan struct{}
	once    sync.Once
}

// NewMemoryRevocationStore creates a store and starts a goroutine that
// cleans up expired entries every 5 minutes.
func NewMemoryRevocationStore() *MemoryRevocationStore {
	s := &MemoryRevocationStore{
		entries: make(map[string]revocationEntry),
		users:   make(map[uuid.UUID]userCutoff),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// Revoke lists a JTI until the token would have expired anyway.
func (s *MemoryRevocationStore) Revoke(_ context.Context, jti string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[jti] = revocationEntry{ExpiresAt: expiresAt}
	return nil
}

// RevokeUser revokes every token of the user issued at or before cutoff.
// ttl should be at least the token lifetime.
func (s *MemoryRevocationStore) RevokeUser(_ context.Context, userID uuid.UUID, cutoff time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = userCutoff{Cutoff: cutoff.Truncate(time.Millisecond), ExpiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryRevocationStore) IsRevoked(_ context.Context, id *Identity) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.entries[id.TokenID]; ok {
		return true, nil
	}
	if uc, ok := s.users[id.UserID]; ok && !id.IssuedAt.Truncate(time.Millisecond).After(uc.Cutoff) {
		return true, nil
	}
	return false, nil
}

// Count returns the number of revoked JTIs currently tracked.
func (s *MemoryRevocationStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (s *MemoryRevocationStore) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *MemoryRevocationStore) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *MemoryRevocationStore) cleanup() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for jti, e := range s.entries {
		if now.After(e.ExpiresAt) {
			delete(s.entries, jti)
		}
	}
	for id, uc := range s.users {
		if now.After(uc.ExpiresAt) {
			delete(s.users, id)
		}
	}
}
