package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/example/stream-platform/services/playback/internal/domain"
	"github.com/example/stream-platform/services/playback/internal/history"
)

// Redis stores one JSON document per session slot and one per ledger. All keys
// of a viewer share a hash tag so WATCH/MULTI works on a cluster too.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func viewerPrefix(viewerID string) string { return "playback:{" + viewerID + "}" }

func sessionKey(viewerID, slot string) string { return viewerPrefix(viewerID) + ":session:" + slot }
func slotsKey(viewerID string) string         { return viewerPrefix(viewerID) + ":slots" }
func idsKey(viewerID string) string           { return viewerPrefix(viewerID) + ":ids" }
func ledgerKey(viewerID string) string        { return viewerPrefix(viewerID) + ":ledger" }

func getSession(ctx context.Context, c redis.Cmdable, key string) (domain.Session, bool, error) {
	b, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Session{}, false, nil
	}
	if err != nil {
		return domain.Session{}, false, fmt.Errorf("get session: %w", err)
	}
	var s domain.Session
	if err := json.Unmarshal(b, &s); err != nil {
		return domain.Session{}, false, fmt.Errorf("decode session %s: %w", key, err)
	}
	return s, true, nil
}

func getLedger(ctx context.Context, c redis.Cmdable, key string) (history.Ledger, error) {
	b, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger: %w", err)
	}
	var l history.Ledger
	if err := json.Unmarshal(b, &l); err != nil {
		return nil, fmt.Errorf("decode ledger %s: %w", key, err)
	}
	return l, nil
}

func (r *Redis) CurrentSession(ctx context.Context, key domain.SessionKey) (domain.Session, bool, error) {
	return getSession(ctx, r.client, sessionKey(key.ViewerID, key.Slot()))
}

func (r *Redis) SessionByID(ctx context.Context, viewerID, sessionID string) (domain.Session, bool, error) {
	slot, err := r.client.HGet(ctx, idsKey(viewerID), sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Session{}, false, nil
	}
	if err != nil {
		return domain.Session{}, false, fmt.Errorf("lookup session id: %w", err)
	}
	s, ok, err := getSession(ctx, r.client, sessionKey(viewerID, slot))
	if err != nil || !ok || s.ID != sessionID {
		return domain.Session{}, false, err
	}
	return s, true, nil
}

func (r *Redis) ListSessions(ctx context.Context, viewerID string) ([]domain.Session, error) {
	slots, err := r.client.SMembers(ctx, slotsKey(viewerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	if len(slots) == 0 {
		return nil, nil
	}
	keys := make([]string, len(slots))
	for i, slot := range slots {
		keys[i] = sessionKey(viewerID, slot)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	out := make([]domain.Session, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var s domain.Session
		if err := json.Unmarshal([]byte(str), &s); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", keys[i], err)
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *Redis) Commit(ctx context.Context, c Commit) error {
	viewer := c.Session.ViewerID
	slot := c.Session.Key().Slot()
	sk, lk := sessionKey(viewer, slot), ledgerKey(viewer)

	payload, err := json.Marshal(c.Session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	txf := func(tx *redis.Tx) error {
		cur, found, err := getSession(ctx, tx, sk)
		if err != nil {
			return err
		}
		if err := checkVersion(cur, found, c.ExpectedVersion); err != nil {
			return err
		}

		var ledgerPayload []byte
		if c.History != nil {
			l, err := getLedger(ctx, tx, lk)
			if err != nil {
				return err
			}
			if ledgerPayload, err = json.Marshal(l.Upsert(*c.History)); err != nil {
				return fmt.Errorf("encode ledger: %w", err)
			}
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, sk, payload, 0)
			p.SAdd(ctx, slotsKey(viewer), slot)
			p.HSet(ctx, idsKey(viewer), c.Session.ID, slot)
			if found && cur.ID != c.Session.ID {
				p.HDel(ctx, idsKey(viewer), cur.ID)
			}
			if ledgerPayload != nil {
				p.Set(ctx, lk, ledgerPayload, 0)
			}
			return nil
		})
		return err
	}

	err = r.client.Watch(ctx, txf, sk, lk)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: %s changed during commit", domain.ErrConcurrentUpdate, slot)
	}
	return err
}

func (r *Redis) DeleteSession(ctx context.Context, key domain.SessionKey) (bool, error) {
	slot := key.Slot()
	sk := sessionKey(key.ViewerID, slot)
	var deleted bool

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, found, err := getSession(ctx, tx, sk)
		if err != nil || !found {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, sk)
			p.SRem(ctx, slotsKey(key.ViewerID), slot)
			p.HDel(ctx, idsKey(key.ViewerID), cur.ID)
			return nil
		})
		deleted = err == nil
		return err
	}, sk)
	if errors.Is(err, redis.TxFailedErr) {
		return false, fmt.Errorf("%w: %s changed during reset", domain.ErrConcurrentUpdate, slot)
	}
	return deleted, err
}

func (r *Redis) History(ctx context.Context, viewerID string) (history.Ledger, error) {
	return getLedger(ctx, r.client, ledgerKey(viewerID))
}

func (r *Redis) UpsertHistory(ctx context.Context, viewerID string, e history.Entry) error {
	lk := ledgerKey(viewerID)
	txf := func(tx *redis.Tx) error {
		l, err := getLedger(ctx, tx, lk)
		if err != nil {
			return err
		}
		b, err := json.Marshal(l.Upsert(e))
		if err != nil {
			return fmt.Errorf("encode ledger: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, lk, b, 0)
			return nil
		})
		return err
	}

	// A blind upsert is safe to replay, so one lost race is retried.
	err := r.client.Watch(ctx, txf, lk)
	if errors.Is(err, redis.TxFailedErr) {
		err = r.client.Watch(ctx, txf, lk)
	}
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: ledger changed during upsert", domain.ErrConcurrentUpdate)
	}
	return err
}

func (r *Redis) ClearHistory(ctx context.Context, viewerID string) error {
	return r.client.Del(ctx, ledgerKey(viewerID)).Err()
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
