// Package idempotency deduplicates progress events delivered more than once
// by JetStream.
//
// Primary backend: Redis SETNX with TTL.
// Fallback: Postgres INSERT ... ON CONFLICT.
// If neither is configured, an in-memory store is used (development only).
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

type Store interface {
	// Check returns true if eventID was already processed.
	// If not seen, it atomically marks it as processed.
	Check(ctx context.Context, eventID string) (duplicate bool, err error)
	// Forget unmarks eventID so a redelivery is processed again.
	Forget(ctx context.Context, eventID string) error
}

// NewStore creates the best available store: Redis > Postgres > in-memory.
// When isProd is true, the in-memory fallback is refused.
func NewStore(rdb *redis.Client, pool *pgxpool.Pool, ttl time.Duration, isProd bool) (Store, error) {
	if rdb != nil {
		return newRedisStore(rdb, ttl), nil
	}
	if pool != nil {
		return newPostgresStore(pool), nil
	}
	if isProd {
		return nil, errors.New("production requires REDIS_URL or DATABASE_URL for event deduplication; in-memory store is not allowed")
	}
	return newMemoryStore(), nil
}
