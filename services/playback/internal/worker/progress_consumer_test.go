package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/stream-platform/services/playback/internal/catalog"
	"github.com/example/stream-platform/services/playback/internal/domain"
	"github.com/example/stream-platform/services/playback/internal/idempotency"
	"github.com/example/stream-platform/services/playback/internal/session"
	"github.com/example/stream-platform/services/playback/internal/store"
)

type fakeApplier struct {
	calls []session.ProgressReport
	err   error
}

func (f *fakeApplier) ReportProgress(_ context.Context, r session.ProgressReport) (session.ProgressState, error) {
	f.calls = append(f.calls, r)
	return session.ProgressState{}, f.err
}

func newWorker(t *testing.T, apply *fakeApplier) *Worker {
	t.Helper()
	dedup, err := idempotency.NewStore(nil, nil, time.Hour, false)
	if err != nil {
		t.Fatalf("dedup: %v", err)
	}
	return &Worker{Log: zap.NewNop(), Apply: apply, Dedup: dedup}
}

func payload(t *testing.T, ev ProgressEvent) []byte {
	t.Helper()
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestProcessAppliesOnceAndSkipsDuplicates(t *testing.T) {
	apply := &fakeApplier{}
	w := newWorker(t, apply)
	data := payload(t, ProgressEvent{EventID: "e1", ViewerID: "v1", ContentID: "c1", EpisodeID: "ep2", CurrentSeconds: 42, DurationSeconds: 120, ClientTsMs: 7})

	if got := w.process(context.Background(), data); got != outcomeAck {
		t.Fatalf("expected ack, got %v", got)
	}
	if got := w.process(context.Background(), data); got != outcomeAck {
		t.Fatalf("expected ack for duplicate, got %v", got)
	}
	if len(apply.calls) != 1 {
		t.Fatalf("expected one application, got %d", len(apply.calls))
	}
	r := apply.calls[0]
	if r.Key.ViewerID != "v1" || r.Key.EpisodeID != "ep2" || r.CurrentSeconds != 42 || r.ClientTsMs != 7 {
		t.Fatalf("event not mapped onto the report: %+v", r)
	}
}

func TestProcessDropsBadInput(t *testing.T) {
	apply := &fakeApplier{}
	w := newWorker(t, apply)
	ctx := context.Background()

	if got := w.process(ctx, []byte("{not json")); got != outcomeAck {
		t.Fatalf("malformed payload should be acked")
	}
	if got := w.process(ctx, payload(t, ProgressEvent{ViewerID: "v1"})); got != outcomeAck {
		t.Fatalf("event without id should be acked")
	}

	apply.err = domain.ErrInvalidProgress
	if got := w.process(ctx, payload(t, ProgressEvent{EventID: "bad", ViewerID: "v1", ContentID: "c1"})); got != outcomeAck {
		t.Fatalf("rejected reading should be acked")
	}
}

func TestProcessDropsEventsForUnknownContent(t *testing.T) {
	st := store.NewMemory()
	svc := &session.Service{
		Store:   st,
		Catalog: catalog.NewMemory(catalog.Content{ID: "known", Type: "movie", Published: true}),
	}
	dedup, err := idempotency.NewStore(nil, nil, time.Hour, false)
	if err != nil {
		t.Fatalf("dedup: %v", err)
	}
	w := &Worker{Log: zap.NewNop(), Apply: svc, Dedup: dedup}
	ctx := context.Background()

	if got := w.process(ctx, payload(t, ProgressEvent{EventID: "u1", ViewerID: "v1", ContentID: "ghost", CurrentSeconds: 5, DurationSeconds: 60})); got != outcomeAck {
		t.Fatalf("event for unknown content should be acked, got %v", got)
	}
	if l, _ := st.History(ctx, "v1"); len(l) != 0 {
		t.Fatalf("unknown content must not reach the ledger, got %+v", l)
	}

	if got := w.process(ctx, payload(t, ProgressEvent{EventID: "k1", ViewerID: "v1", ContentID: "known", CurrentSeconds: 5, DurationSeconds: 60})); got != outcomeAck {
		t.Fatalf("expected ack, got %v", got)
	}
	if l, _ := st.History(ctx, "v1"); len(l) != 1 || l[0].ContentID != "known" {
		t.Fatalf("expected one ledger entry for known content, got %+v", l)
	}
}

func TestProcessRetriesStorageFailures(t *testing.T) {
	apply := &fakeApplier{err: errors.New("redis down")}
	w := newWorker(t, apply)
	ctx := context.Background()
	data := payload(t, ProgressEvent{EventID: "e2", ViewerID: "v1", ContentID: "c1", CurrentSeconds: 1, DurationSeconds: 10})

	if got := w.process(ctx, data); got != outcomeRetry {
		t.Fatalf("expected retry, got %v", got)
	}
	apply.err = nil
	if got := w.process(ctx, data); got != outcomeAck {
		t.Fatalf("redelivery should be applied, got %v", got)
	}
	if len(apply.calls) != 2 {
		t.Fatalf("failed event must not be marked processed, got %d calls", len(apply.calls))
	}
}

func TestBackoffDelay(t *testing.T) {
	cases := map[uint64]time.Duration{0: time.Second, 1: time.Second, 2: 2 * time.Second, 3: 4 * time.Second, 6: 30 * time.Second, 40: 30 * time.Second}
	for n, want := range cases {
		if got := backoffDelay(n); got != want {
			t.Fatalf("backoff(%d) = %v, want %v", n, got, want)
		}
	}
}
