package auth

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const defaultRevocationPrefix = "ehr:revoked:"

// RedisRevocationStore shares revocations across server instances.
// Keys expire with the tokens they cover.
type RedisRevocationStore struct {
	client *redis.Client
	prefix string
}

func NewRedisRevocationStore(client *redis.Client, prefix string) *RedisRevocationStore {
	if prefix == "" {
		prefix = defaultRevocationPrefix
	}
	return &RedisRevocationStore{client: client, prefix: prefix}
}

func (s *RedisRevocationStore) jtiKey(jti string) string { return s.prefix + "jti:" + jti }

func (s *RedisRevocationStore) userKey(id uuid.UUID) string { return s.prefix + "user:" + id.String() }

func (s *RedisRevocationStore) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, s.jtiKey(jti), "1", ttl).Err(); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (s *RedisRevocationStore) RevokeUser(ctx context.Context, userID uuid.UUID, cutoff time.Time, ttl time.Duration) error {
	err := s.client.Set(ctx, s.userKey(userID), strconv.FormatInt(cutoff.UnixMilli(), 10), ttl).Err()
	if err != nil {
		return fmt.Errorf("revoke user tokens: %w", err)
	}
	return nil
}

func (s *RedisRevocationStore) IsRevoked(ctx context.Context, id *Identity) (bool, error) {
	vals, err := s.client.MGet(ctx, s.jtiKey(id.TokenID), s.userKey(id.UserID)).Result()
	if err != nil {
		return false, fmt.Errorf("check revocation: %w", err)
	}
	if vals[0] != nil {
		return true, nil
	}
	if raw, ok := vals[1].(string); ok {
		cutoff, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return false, fmt.Errorf("check revocation: bad cutoff %q", raw)
		}
		if id.IssuedAt.UnixMilli() <= cutoff {
			return true, nil
		}
	}
	return false, nil
}
