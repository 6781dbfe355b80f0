// Package store persists playback sessions and watch ledgers.
//
// Backends: Redis (WATCH/MULTI over the session and ledger keys), Postgres
// (one transaction, row locks plus a version check) and an in-memory store
// for development and tests. A session write and its ledger snapshot are
// committed together or not at all.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/example/stream-platform/services/playback/internal/domain"
	"github.com/example/stream-platform/services/playback/internal/history"
)

// Commit is one read-modify-write of a session slot.
type Commit struct {
	// Session is the new state of the slot. A different ID than the slot's
	// current session retires the old one.
	Session domain.Session
	// ExpectedVersion is the version read before mutating; 0 means the slot
	// must be empty.
	ExpectedVersion int64
	// History, when set, is upserted into the viewer's ledger in the same commit.
	History *history.Entry
}

type Store interface {
	CurrentSession(ctx context.Context, key domain.SessionKey) (domain.Session, bool, error)
	// SessionByID only finds sessions that still occupy their slot.
	SessionByID(ctx context.Context, viewerID, sessionID string) (domain.Session, bool, error)
	ListSessions(ctx context.Context, viewerID string) ([]domain.Session, error)
	// Commit returns domain.ErrConcurrentUpdate when the slot moved past
	// ExpectedVersion or a concurrent writer won.
	Commit(ctx context.Context, c Commit) error
	// DeleteSession retires the slot's current session. It reports whether there was one.
	DeleteSession(ctx context.Context, key domain.SessionKey) (bool, error)

	history.Repository

	Ping(ctx context.Context) error
}

const (
	BackendAuto     = "auto"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// NewStore picks the backend. "auto" prefers Redis, then Postgres, then memory.
// When isProd is true the in-memory store is refused.
func NewStore(backend string, rdb *redis.Client, pool *pgxpool.Pool, isProd bool) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendAuto:
		if rdb != nil {
			return NewRedis(rdb), nil
		}
		if pool != nil {
			return NewPostgres(pool), nil
		}
	case BackendRedis:
		if rdb == nil {
			return nil, errors.New("store backend redis requires REDIS_URL")
		}
		return NewRedis(rdb), nil
	case BackendPostgres:
		if pool == nil {
			return nil, errors.New("store backend postgres requires DATABASE_URL")
		}
		return NewPostgres(pool), nil
	case BackendMemory:
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
	if isProd {
		return nil, errors.New("production requires REDIS_URL or DATABASE_URL for playback state; in-memory store is not allowed")
	}
	return NewMemory(), nil
}

func checkVersion(cur domain.Session, found bool, expected int64) error {
	if !found {
		if expected != 0 {
			return fmt.Errorf("%w: session is gone", domain.ErrConcurrentUpdate)
		}
		return nil
	}
	if cur.Version != expected {
		return fmt.Errorf("%w: version %d, expected %d", domain.ErrConcurrentUpdate, cur.Version, expected)
	}
	return nil
}
