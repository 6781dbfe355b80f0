package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sync"

	"github.com/example/stream-platform/services/playback/internal/domain"
)

// Memory is an in-process catalog for development and tests.
type Memory struct {
	mu    sync.RWMutex
	items map[string]Content
}

func NewMemory(items ...Content) *Memory {
	m := &Memory{items: make(map[string]Content, len(items))}
	m.Put(items...)
	return m
}

// LoadSeed reads a JSON array of content items, as written by the API.
func LoadSeed(path string) ([]Content, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog seed: %w", err)
	}
	var items []Content
	if err := json.Unmarshal(b, &items); err != nil {
		return nil, fmt.Errorf("decode catalog seed %s: %w", path, err)
	}
	return items, nil
}

func (m *Memory) Put(items ...Content) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range items {
		m.items[c.ID] = c
	}
}

func (m *Memory) Resolve(ctx context.Context, id string) (Content, error) {
	if err := ctx.Err(); err != nil {
		return Content{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.items[id]
	if !ok {
		return Content{}, fmt.Errorf("%w: %s", domain.ErrContentNotFound, id)
	}
	return c, nil
}

func (m *Memory) ResolveMany(ctx context.Context, ids []string) (map[string]Content, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Content, len(ids))
	for _, id := range ids {
		if c, ok := m.items[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

func (m *Memory) QueryCandidates(ctx context.Context, f Filter, order SortOrder, limit int) ([]Content, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	out := make([]Content, 0, len(m.items))
	for _, c := range m.items {
		if f.Match(c) {
			out = append(out, c)
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(out, order.Compare)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
