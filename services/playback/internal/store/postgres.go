package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/stream-platform/services/playback/internal/domain"
	"github.com/example/stream-platform/services/playback/internal/history"
)

// Postgres keeps sessions as rows (one is_current row per slot, enforced by a
// partial unique index) and each ledger as a JSONB document.
// Tables are created by migrations/0001_playback.sql.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

const sessionColumns = `id, viewer_id, content_id, episode_id, position_seconds, duration_seconds,
  completion_percentage, completed, quality_tier, device, started_at, last_updated_at,
  cumulative_watch_seconds, client_ts_ms, version`

func scanSession(row pgx.Row) (domain.Session, error) {
	var s domain.Session
	err := row.Scan(&s.ID, &s.ViewerID, &s.ContentID, &s.EpisodeID, &s.CurrentTimeSeconds, &s.TotalDurationSeconds,
		&s.CompletionPercentage, &s.Completed, &s.QualityTier, &s.Device, &s.StartedAt, &s.LastUpdatedAt,
		&s.CumulativeWatchSeconds, &s.ClientTsMs, &s.Version)
	return s, err
}

func (p *Postgres) querySession(ctx context.Context, q string, args ...any) (domain.Session, bool, error) {
	s, err := scanSession(p.db.QueryRow(ctx, q, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Session{}, false, nil
	}
	if err != nil {
		return domain.Session{}, false, fmt.Errorf("query session: %w", err)
	}
	return s, true, nil
}

func (p *Postgres) CurrentSession(ctx context.Context, key domain.SessionKey) (domain.Session, bool, error) {
	return p.querySession(ctx, `SELECT `+sessionColumns+` FROM playback_sessions
	  WHERE viewer_id=$1 AND content_id=$2 AND episode_id=$3 AND is_current`,
		key.ViewerID, key.ContentID, key.EpisodeID)
}

func (p *Postgres) SessionByID(ctx context.Context, viewerID, sessionID string) (domain.Session, bool, error) {
	return p.querySession(ctx, `SELECT `+sessionColumns+` FROM playback_sessions
	  WHERE viewer_id=$1 AND id=$2 AND is_current`, viewerID, sessionID)
}

func (p *Postgres) ListSessions(ctx context.Context, viewerID string) ([]domain.Session, error) {
	rows, err := p.db.Query(ctx, `SELECT `+sessionColumns+` FROM playback_sessions
	  WHERE viewer_id=$1 AND is_current ORDER BY last_updated_at DESC`, viewerID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) Commit(ctx context.Context, c Commit) error {
	err := pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
		return commitTx(ctx, tx, c)
	})
	return mapConflict(err)
}

// txRunner is the part of pgx.Tx a commit needs.
type txRunner interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// commitTx locks the slot's current row, checks its version, then updates it
// in place or retires it for a new session, and finally upserts the ledger.
func commitTx(ctx context.Context, tx txRunner, c Commit) error {
	s := c.Session
	var (
		curID      string
		curVersion int64
		found      = true
	)
	err := tx.QueryRow(ctx, `SELECT id, version FROM playback_sessions
	  WHERE viewer_id=$1 AND content_id=$2 AND episode_id=$3 AND is_current
	  FOR UPDATE`, s.ViewerID, s.ContentID, s.EpisodeID).Scan(&curID, &curVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		found = false
	} else if err != nil {
		return fmt.Errorf("lock session: %w", err)
	}
	if err := checkVersion(domain.Session{ID: curID, Version: curVersion}, found, c.ExpectedVersion); err != nil {
		return err
	}

	if found && curID == s.ID {
		_, err = tx.Exec(ctx, `UPDATE playback_sessions SET
		  position_seconds=$2, duration_seconds=$3, completion_percentage=$4, completed=$5,
		  quality_tier=$6, device=$7, last_updated_at=$8, cumulative_watch_seconds=$9,
		  client_ts_ms=$10, version=$11
		  WHERE id=$1`,
			s.ID, s.CurrentTimeSeconds, s.TotalDurationSeconds, s.CompletionPercentage, s.Completed,
			s.QualityTier, s.Device, s.LastUpdatedAt, s.CumulativeWatchSeconds, s.ClientTsMs, s.Version)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
	} else {
		if found {
			if _, err := tx.Exec(ctx, `UPDATE playback_sessions SET is_current=false WHERE id=$1`, curID); err != nil {
				return fmt.Errorf("retire session: %w", err)
			}
		}
		_, err = tx.Exec(ctx, `INSERT INTO playback_sessions (`+sessionColumns+`, is_current)
		  VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,true)`,
			s.ID, s.ViewerID, s.ContentID, s.EpisodeID, s.CurrentTimeSeconds, s.TotalDurationSeconds,
			s.CompletionPercentage, s.Completed, s.QualityTier, s.Device, s.StartedAt, s.LastUpdatedAt,
			s.CumulativeWatchSeconds, s.ClientTsMs, s.Version)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
	}

	if c.History != nil {
		return upsertLedger(ctx, tx, s.ViewerID, *c.History)
	}
	return nil
}

// upsertLedger locks the viewer's ledger row for the rest of tx.
func upsertLedger(ctx context.Context, tx txRunner, viewerID string, e history.Entry) error {
	if _, err := tx.Exec(ctx, `INSERT INTO watch_ledgers (viewer_id, entries, updated_at)
	  VALUES ($1, '[]'::jsonb, now()) ON CONFLICT (viewer_id) DO NOTHING`, viewerID); err != nil {
		return fmt.Errorf("ensure ledger: %w", err)
	}
	var raw []byte
	if err := tx.QueryRow(ctx, `SELECT entries FROM watch_ledgers WHERE viewer_id=$1 FOR UPDATE`, viewerID).Scan(&raw); err != nil {
		return fmt.Errorf("lock ledger: %w", err)
	}
	var l history.Ledger
	if err := json.Unmarshal(raw, &l); err != nil {
		return fmt.Errorf("decode ledger: %w", err)
	}
	b, err := json.Marshal(l.Upsert(e))
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE watch_ledgers SET entries=$2, updated_at=now() WHERE viewer_id=$1`, viewerID, b); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return nil
}

// mapConflict turns lost races (two first writes on an empty slot, or a
// serialization failure) into ErrConcurrentUpdate.
func mapConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "23505" || pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return fmt.Errorf("%w: %s", domain.ErrConcurrentUpdate, pgErr.Message)
	}
	return err
}

func (p *Postgres) DeleteSession(ctx context.Context, key domain.SessionKey) (bool, error) {
	tag, err := p.db.Exec(ctx, `UPDATE playback_sessions SET is_current=false
	  WHERE viewer_id=$1 AND content_id=$2 AND episode_id=$3 AND is_current`,
		key.ViewerID, key.ContentID, key.EpisodeID)
	if err != nil {
		return false, fmt.Errorf("reset session: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) History(ctx context.Context, viewerID string) (history.Ledger, error) {
	var raw []byte
	err := p.db.QueryRow(ctx, `SELECT entries FROM watch_ledgers WHERE viewer_id=$1`, viewerID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	var l history.Ledger
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("decode ledger: %w", err)
	}
	return l, nil
}

func (p *Postgres) UpsertHistory(ctx context.Context, viewerID string, e history.Entry) error {
	err := pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
		return upsertLedger(ctx, tx, viewerID, e)
	})
	return mapConflict(err)
}

func (p *Postgres) ClearHistory(ctx context.Context, viewerID string) error {
	if _, err := p.db.Exec(ctx, `DELETE FROM watch_ledgers WHERE viewer_id=$1`, viewerID); err != nil {
		return fmt.Errorf("clear ledger: %w", err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}
