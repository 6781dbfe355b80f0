// Package watchlist reads the viewer's saved-for-later list. The list itself is
// maintained by the profile service; playback only consumes it.
package watchlist

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/stream-platform/internal/platform/retry"
)

type Reader interface {
	// ContentIDs returns the watchlist, most recently added first.
	ContentIDs(ctx context.Context, viewerID string) ([]string, error)
}

type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) ContentIDs(ctx context.Context, viewerID string) ([]string, error) {
	return retry.ReadOnce(ctx, func(ctx context.Context) ([]string, error) {
		rows, err := p.db.Query(ctx, `SELECT content_id FROM watchlist_items
		  WHERE viewer_id=$1 ORDER BY added_at DESC`, viewerID)
		if err != nil {
			return nil, fmt.Errorf("query watchlist: %w", err)
		}
		defer rows.Close()

		var out []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return nil, fmt.Errorf("scan watchlist: %w", err)
			}
			out = append(out, id)
		}
		return out, rows.Err()
	})
}

// Memory is an in-process watchlist for development and tests.
type Memory struct {
	mu    sync.RWMutex
	lists map[string][]string
}

func NewMemory() *Memory {
	return &Memory{lists: make(map[string][]string)}
}

func (m *Memory) Set(viewerID string, contentIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[viewerID] = append([]string(nil), contentIDs...)
}

func (m *Memory) ContentIDs(_ context.Context, viewerID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.lists[viewerID]...), nil
}
