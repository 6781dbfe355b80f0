package catalog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/example/stream-platform/services/playback/internal/metrics"
)

// SubjectContentUpdated carries the id of a catalog item that changed.
const SubjectContentUpdated = "catalog.content.updated"

// sharedLookupTimeout bounds a coalesced backing lookup, which no longer
// follows any single caller's deadline.
const sharedLookupTimeout = 5 * time.Second

// Cached serves Resolve and ResolveMany from Redis and coalesces concurrent
// misses for the same id. Candidate queries always go to the backing store.
type Cached struct {
	next   Accessor
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
	group  singleflight.Group
}

func NewCached(next Accessor, client *redis.Client, ttl time.Duration, log *zap.Logger) *Cached {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cached{next: next, client: client, ttl: ttl, log: log}
}

func cacheKey(id string) string { return "catalog:content:" + id }

func (c *Cached) Resolve(ctx context.Context, id string) (Content, error) {
	if b, err := c.client.Get(ctx, cacheKey(id)).Bytes(); err == nil {
		var out Content
		if json.Unmarshal(b, &out) == nil {
			metrics.CatalogCacheHits.Inc()
			return out, nil
		}
	}
	metrics.CatalogCacheMisses.Inc()

	// The shared lookup is detached from the caller that started it, so one
	// caller going away cannot fail the others waiting on the same id.
	ch := c.group.DoChan(id, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedLookupTimeout)
		defer cancel()
		item, err := c.next.Resolve(lctx, id)
		if err != nil {
			return Content{}, err
		}
		c.store(lctx, item)
		return item, nil
	})
	select {
	case <-ctx.Done():
		return Content{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Content{}, res.Err
		}
		return res.Val.(Content), nil
	}
}

func (c *Cached) ResolveMany(ctx context.Context, ids []string) (map[string]Content, error) {
	out := make(map[string]Content, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = cacheKey(id)
	}

	var missing []string
	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		c.log.Warn("catalog cache read failed", zap.Error(err))
		missing = ids
	} else {
		for i, v := range vals {
			s, ok := v.(string)
			var item Content
			if ok && json.Unmarshal([]byte(s), &item) == nil {
				out[ids[i]] = item
				continue
			}
			missing = append(missing, ids[i])
		}
	}
	metrics.CatalogCacheHits.Add(float64(len(out)))
	if len(missing) == 0 {
		return out, nil
	}
	metrics.CatalogCacheMisses.Add(float64(len(missing)))

	fetched, err := c.next.ResolveMany(ctx, missing)
	if err != nil {
		return nil, err
	}
	for id, item := range fetched {
		out[id] = item
		c.store(ctx, item)
	}
	return out, nil
}

func (c *Cached) QueryCandidates(ctx context.Context, f Filter, order SortOrder, limit int) ([]Content, error) {
	return c.next.QueryCandidates(ctx, f, order, limit)
}

func (c *Cached) store(ctx context.Context, item Content) {
	b, err := json.Marshal(item)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, cacheKey(item.ID), b, c.ttl).Err(); err != nil {
		c.log.Warn("catalog cache write failed", zap.String("content_id", item.ID), zap.Error(err))
	}
}

func (c *Cached) Invalidate(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = cacheKey(id)
	}
	return c.client.Del(ctx, keys...).Err()
}

// SubscribeInvalidation drops cached entries when the catalog announces a change.
// The message body is the content id.
func (c *Cached) SubscribeInvalidation(nc *nats.Conn) (*nats.Subscription, error) {
	return nc.Subscribe(SubjectContentUpdated, func(msg *nats.Msg) {
		id := string(msg.Data)
		if id == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.Invalidate(ctx, id); err != nil {
			c.log.Warn("catalog cache invalidation failed", zap.String("content_id", id), zap.Error(err))
		}
	})
}
