package history

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/example/stream-platform/services/playback/internal/domain"
)

func entry(id string, at time.Time) Entry {
	return Entry{ContentID: id, WatchedAt: at, ProgressPercentage: 50}
}

func TestUpsertCapAndDedup(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	var l Ledger
	for i := 0; i <= Capacity; i++ {
		l = l.Upsert(entry(fmt.Sprintf("c%d", i), base.Add(time.Duration(i)*time.Second)))
	}
	if len(l) != Capacity {
		t.Fatalf("expected %d entries, got %d", Capacity, len(l))
	}
	seen := map[string]bool{}
	for _, e := range l {
		if seen[e.ContentID] {
			t.Fatalf("duplicate entry %s", e.ContentID)
		}
		seen[e.ContentID] = true
	}
	if seen["c0"] {
		t.Fatalf("oldest entry should be evicted")
	}
	if l[0].ContentID != fmt.Sprintf("c%d", Capacity) {
		t.Fatalf("newest entry should be first, got %s", l[0].ContentID)
	}
}

func TestUpsertRewatchMovesToHead(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	l := Ledger{}.
		Upsert(entry("A", base)).
		Upsert(entry("B", base.Add(time.Second))).
		Upsert(entry("C", base.Add(2*time.Second)))

	l = l.Upsert(Entry{ContentID: "A", WatchedAt: base.Add(3 * time.Second), ProgressPercentage: 10})
	got := []string{l[0].ContentID, l[1].ContentID, l[2].ContentID}
	want := []string{"A", "C", "B"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if len(l) != 3 {
		t.Fatalf("rewatch must not grow the ledger, got %d", len(l))
	}
	if l[0].ProgressPercentage != 10 {
		t.Fatalf("head should carry the new snapshot")
	}
}

func TestUpsertDoesNotMutateReceiver(t *testing.T) {
	l := Ledger{entry("A", time.Unix(1, 0)), entry("B", time.Unix(0, 0))}
	_ = l.Upsert(entry("B", time.Unix(2, 0)))
	if l[0].ContentID != "A" || l[1].ContentID != "B" {
		t.Fatalf("receiver modified: %+v", l)
	}
}

func TestSortedAndPage(t *testing.T) {
	l := Ledger{
		entry("old", time.Unix(10, 0)),
		entry("new", time.Unix(30, 0)),
		entry("mid", time.Unix(20, 0)),
	}.Sorted()
	if l[0].ContentID != "new" || l[2].ContentID != "old" {
		t.Fatalf("unexpected order %+v", l)
	}
	if p := l.Page(1, 5); len(p) != 2 || p[0].ContentID != "mid" {
		t.Fatalf("unexpected page %+v", p)
	}
	if p := l.Page(5, 5); len(p) != 0 {
		t.Fatalf("expected empty page, got %+v", p)
	}
}

type memRepo struct {
	ledgers map[string]Ledger
	fails   int
}

func (m *memRepo) History(_ context.Context, viewerID string) (Ledger, error) {
	if m.fails > 0 {
		m.fails--
		return nil, context.DeadlineExceeded
	}
	return m.ledgers[viewerID], nil
}

func (m *memRepo) UpsertHistory(_ context.Context, viewerID string, e Entry) error {
	m.ledgers[viewerID] = m.ledgers[viewerID].Upsert(e)
	return nil
}

func (m *memRepo) ClearHistory(_ context.Context, viewerID string) error {
	delete(m.ledgers, viewerID)
	return nil
}

func TestServiceListRetriesTransientReadOnce(t *testing.T) {
	repo := &memRepo{ledgers: map[string]Ledger{}, fails: 1}
	clock := time.Unix(1_700_000_000, 0)
	svc := &Service{Repo: repo, Now: func() time.Time { clock = clock.Add(time.Second); return clock }}

	ctx := context.Background()
	for _, id := range []string{"A", "B", "C"} {
		if err := svc.Upsert(ctx, "v1", id, 40, false); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	page, err := svc.List(ctx, "v1", 0, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 3 || len(page.Entries) != 2 || page.Entries[0].ContentID != "C" {
		t.Fatalf("unexpected page %+v", page)
	}

	repo.fails = 2
	if _, err := svc.List(ctx, "v1", 0, 2); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second transient failure should surface, got %v", err)
	}
}

func TestServiceValidationAndClear(t *testing.T) {
	repo := &memRepo{ledgers: map[string]Ledger{}}
	svc := &Service{Repo: repo}
	ctx := context.Background()

	if err := svc.Upsert(ctx, "v1", "A", 120, false); !errors.Is(err, domain.ErrInvalidProgress) {
		t.Fatalf("expected invalid progress, got %v", err)
	}
	if err := svc.Upsert(ctx, "", "A", 10, false); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	_ = svc.Upsert(ctx, "v1", "A", 10, false)
	if err := svc.Clear(ctx, "v1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	page, _ := svc.List(ctx, "v1", 0, 0)
	if page.Total != 0 || page.Limit != DefaultPageSize {
		t.Fatalf("expected empty ledger with default limit, got %+v", page)
	}
}
