package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/example/stream-platform/services/playback/internal/domain"
)

type BreakerSettings struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

// Breaker trips after consecutive backing-store failures and fails fast with
// domain.ErrUnavailable until the store recovers. Unknown ids and cancelled
// callers are not failures.
type Breaker struct {
	next Accessor
	cb   *gobreaker.CircuitBreaker
}

func NewBreaker(next Accessor, s BreakerSettings, log *zap.Logger) *Breaker {
	if log == nil {
		log = zap.NewNop()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "catalog",
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, domain.ErrContentNotFound) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("circuit-breaker state change", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return &Breaker{next: next, cb: cb}
}

func execute[T any](b *Breaker, fn func() (T, error)) (T, error) {
	v, err := b.cb.Execute(func() (interface{}, error) { return fn() })
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero T
		return zero, fmt.Errorf("%w: catalog: %v", domain.ErrUnavailable, err)
	}
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

func (b *Breaker) Resolve(ctx context.Context, id string) (Content, error) {
	return execute(b, func() (Content, error) { return b.next.Resolve(ctx, id) })
}

func (b *Breaker) ResolveMany(ctx context.Context, ids []string) (map[string]Content, error) {
	return execute(b, func() (map[string]Content, error) { return b.next.ResolveMany(ctx, ids) })
}

func (b *Breaker) QueryCandidates(ctx context.Context, f Filter, order SortOrder, limit int) ([]Content, error) {
	return execute(b, func() ([]Content, error) { return b.next.QueryCandidates(ctx, f, order, limit) })
}

func (b *Breaker) State() string { return b.cb.State().String() }
