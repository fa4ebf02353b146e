package admin

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// DomainCache memoises domain to tenant id lookups made on every request.
type DomainCache interface {
	Get(ctx context.Context, domain string) (uuid.UUID, bool, error)
	Set(ctx context.Context, domain string, id uuid.UUID) error
}

const defaultDomainCacheTTL = 10 * time.Minute

// RedisDomainCache stores lookups under "<prefix><domain>".
type RedisDomainCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisDomainCache(client *redis.Client, ttl time.Duration) *RedisDomainCache {
	if ttl <= 0 {
		ttl = defaultDomainCacheTTL
	}
	return &RedisDomainCache{client: client, prefix: "ehr:tenant-domain:", ttl: ttl}
}

func (c *RedisDomainCache) Get(ctx context.Context, domain string) (uuid.UUID, bool, error) {
	v, err := c.client.Get(ctx, c.prefix+domain).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	id, err := uuid.Parse(v)
	if err != nil {
		// Treat a corrupt entry as a miss; the next Set overwrites it.
		return uuid.Nil, false, nil
	}
	return id, true, nil
}

func (c *RedisDomainCache) Set(ctx context.Context, domain string, id uuid.UUID) error {
	return c.client.Set(ctx, c.prefix+domain, id.String(), c.ttl).Err()
}
