package store

import (
	"context"
	"sync"

	"github.com/example/stream-platform/services/playback/internal/domain"
	"github.com/example/stream-platform/services/playback/internal/history"
)

// Memory keeps everything in process. Writes for one viewer are serialized on
// that viewer's lock; viewers never contend with each other.
// Not suitable for production: state is lost on restart and not shared
// between instances.
type Memory struct {
	mu      sync.Mutex
	viewers map[string]*viewerState
}

type viewerState struct {
	mu       sync.Mutex
	sessions map[string]domain.Session // slot -> current session
	ledger   history.Ledger
}

func NewMemory() *Memory {
	return &Memory{viewers: make(map[string]*viewerState)}
}

func (m *Memory) viewer(id string) *viewerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.viewers[id]
	if !ok {
		v = &viewerState{sessions: make(map[string]domain.Session)}
		m.viewers[id] = v
	}
	return v
}

func (m *Memory) CurrentSession(ctx context.Context, key domain.SessionKey) (domain.Session, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, false, err
	}
	v := m.viewer(key.ViewerID)
	v.mu.Lock()
	defer v.mu.Unlock()
	s, ok := v.sessions[key.Slot()]
	return s, ok, nil
}

func (m *Memory) SessionByID(ctx context.Context, viewerID, sessionID string) (domain.Session, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, false, err
	}
	v := m.viewer(viewerID)
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, s := range v.sessions {
		if s.ID == sessionID {
			return s, true, nil
		}
	}
	return domain.Session{}, false, nil
}

func (m *Memory) ListSessions(ctx context.Context, viewerID string) ([]domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v := m.viewer(viewerID)
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]domain.Session, 0, len(v.sessions))
	for _, s := range v.sessions {
		out = append(out, s)
	}
	return out, nil
}

func (m *Memory) Commit(ctx context.Context, c Commit) error {
	v := m.viewer(c.Session.ViewerID)
	v.mu.Lock()
	defer v.mu.Unlock()
	// Checked under the lock so a cancelled caller never half-writes.
	if err := ctx.Err(); err != nil {
		return err
	}

	slot := c.Session.Key().Slot()
	cur, found := v.sessions[slot]
	if err := checkVersion(cur, found, c.ExpectedVersion); err != nil {
		return err
	}
	v.sessions[slot] = c.Session
	if c.History != nil {
		v.ledger = v.ledger.Upsert(*c.History)
	}
	return nil
}

func (m *Memory) DeleteSession(ctx context.Context, key domain.SessionKey) (bool, error) {
	v := m.viewer(key.ViewerID)
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return false, err
	}
	slot := key.Slot()
	if _, ok := v.sessions[slot]; !ok {
		return false, nil
	}
	delete(v.sessions, slot)
	return true, nil
}

func (m *Memory) History(ctx context.Context, viewerID string) (history.Ledger, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v := m.viewer(viewerID)
	v.mu.Lock()
	defer v.mu.Unlock()
	return append(history.Ledger(nil), v.ledger...), nil
}

func (m *Memory) UpsertHistory(ctx context.Context, viewerID string, e history.Entry) error {
	v := m.viewer(viewerID)
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	v.ledger = v.ledger.Upsert(e)
	return nil
}

func (m *Memory) ClearHistory(ctx context.Context, viewerID string) error {
	v := m.viewer(viewerID)
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	v.ledger = nil
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }
