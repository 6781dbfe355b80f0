// Package history keeps each viewer's bounded, most-recent-first watch ledger.
package history

import (
	"slices"
	"time"
)

// Capacity is the maximum number of entries kept per viewer.
const Capacity = 100

type Entry struct {
	ContentID          string    `json:"content_id"`
	WatchedAt          time.Time `json:"watched_at"`
	ProgressPercentage float64   `json:"progress_percentage"`
	Completed          bool      `json:"completed"`
}

// Ledger is ordered most recent first and holds at most one entry per content.
type Ledger []Entry

// Upsert returns a new ledger with e at the head, any older entry for the same
// content removed and the tail trimmed to Capacity. l is not modified.
func (l Ledger) Upsert(e Entry) Ledger {
	out := make(Ledger, 0, min(len(l)+1, Capacity))
	out = append(out, e)
	for _, old := range l {
		if old.ContentID == e.ContentID {
			continue
		}
		if len(out) == Capacity {
			break
		}
		out = append(out, old)
	}
	return out
}

// Sorted returns a copy ordered by WatchedAt descending. Equal timestamps keep
// their stored order.
func (l Ledger) Sorted() Ledger {
	out := slices.Clone(l)
	slices.SortStableFunc(out, func(a, b Entry) int {
		return b.WatchedAt.Compare(a.WatchedAt)
	})
	return out
}

func (l Ledger) CompletedIDs() []string {
	var ids []string
	for _, e := range l {
		if e.Completed {
			ids = append(ids, e.ContentID)
		}
	}
	return ids
}

// Page returns size entries starting at offset. Out of range offsets yield an
// empty page.
func (l Ledger) Page(offset, size int) Ledger {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(l) || size <= 0 {
		return Ledger{}
	}
	end := min(offset+size, len(l))
	return slices.Clone(l[offset:end])
}
