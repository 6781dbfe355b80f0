// Package recommend ranks catalog content for a viewer from their watch
// ledger and watchlist. Scoring is a plain genre tally; there is no model.
package recommend

import (
	"context"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/stream-platform/internal/platform/logging"
	"github.com/example/stream-platform/internal/platform/retry"
	"github.com/example/stream-platform/services/playback/internal/catalog"
	"github.com/example/stream-platform/services/playback/internal/history"
	"github.com/example/stream-platform/services/playback/internal/metrics"
	"github.com/example/stream-platform/services/playback/internal/watchlist"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100

	topGenreCount       = 5
	rationaleGenreCount = 3
	topPicksGenreCount  = 3
	topPicksMinRating   = 7.0
	watchlistGenreBoost = 2.0
	castSeedCount       = 3
)

var defaultTopPickGenres = []string{"Drama", "Action", "Comedy"}

// HistoryReader is the part of the playback store the scorer reads.
type HistoryReader interface {
	History(ctx context.Context, viewerID string) (history.Ledger, error)
}

// Shuffler reorders the final personalized list.
type Shuffler interface {
	Shuffle(n int, swap func(i, j int))
}

// NewShuffler returns a seeded source safe for concurrent use.
func NewShuffler(seed uint64) Shuffler {
	return &lockedRand{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Shuffle(n int, swap func(i, j int)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.r.Shuffle(n, swap)
}

// NoShuffle keeps the ranked order.
type NoShuffle struct{}

func (NoShuffle) Shuffle(int, func(i, j int)) {}

type Scorer struct {
	History   HistoryReader
	Watchlist watchlist.Reader
	Catalog   catalog.Accessor
	Shuffle   Shuffler
	Log       *zap.Logger
}

type Result struct {
	Items     []catalog.Content `json:"items"`
	TopGenres []string          `json:"top_genres"`
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return min(limit, MaxLimit)
}

// genreTally accumulates scores and remembers first-seen order for ties.
type genreTally struct {
	order []string
	score map[string]float64
}

func newGenreTally() *genreTally { return &genreTally{score: make(map[string]float64)} }

func (g *genreTally) add(genre string, w float64) {
	if _, ok := g.score[genre]; !ok {
		g.order = append(g.order, genre)
	}
	g.score[genre] += w
}

// top returns up to n genres by score; equal scores keep first-seen order.
func (g *genreTally) top(n int) []string {
	out := slices.Clone(g.order)
	slices.SortStableFunc(out, func(a, b string) int {
		switch sa, sb := g.score[a], g.score[b]; {
		case sa > sb:
			return -1
		case sa < sb:
			return 1
		}
		return 0
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// historyWeight favours recent watches: 10 for the newest entry, half a point
// less per position, never below 1.
func historyWeight(i int) float64 {
	return max(1, 10-float64(i)*0.5)
}

func contentIDs(l history.Ledger) []string {
	ids := make([]string, len(l))
	for i, e := range l {
		ids[i] = e.ContentID
	}
	return ids
}

func (s *Scorer) ledger(ctx context.Context, viewerID string) (history.Ledger, error) {
	l, err := retry.ReadOnce(ctx, func(ctx context.Context) (history.Ledger, error) {
		return s.History.History(ctx, viewerID)
	})
	if err != nil {
		return nil, err
	}
	if len(l) > history.Capacity {
		l = l[:history.Capacity]
	}
	return l, nil
}

func (s *Scorer) tallyHistory(ctx context.Context, l history.Ledger, g *genreTally) error {
	if len(l) == 0 {
		return nil
	}
	resolved, err := s.Catalog.ResolveMany(ctx, contentIDs(l))
	if err != nil {
		return err
	}
	// Position counts every entry, including ones the catalog no longer has.
	for i, e := range l {
		c, ok := resolved[e.ContentID]
		if !ok {
			continue
		}
		w := historyWeight(i)
		for _, genre := range c.Genres {
			g.add(genre, w)
		}
	}
	return nil
}

func (s *Scorer) tallyWatchlist(ctx context.Context, viewerID string, g *genreTally) error {
	if s.Watchlist == nil {
		return nil
	}
	ids, err := s.Watchlist.ContentIDs(ctx, viewerID)
	if err != nil || len(ids) == 0 {
		return err
	}
	resolved, err := s.Catalog.ResolveMany(ctx, ids)
	if err != nil {
		return err
	}
	for _, id := range ids {
		for _, genre := range resolved[id].Genres {
			g.add(genre, watchlistGenreBoost)
		}
	}
	return nil
}

// Personalized ranks published content in the viewer's strongest genres,
// tops the list up with popular titles and shuffles the result. A viewer with
// no history and no watchlist gets the popularity list.
func (s *Scorer) Personalized(ctx context.Context, viewerID string, limit int) (Result, error) {
	defer metrics.RecordRecommend("personalized", time.Now())
	limit = clampLimit(limit)

	l, err := s.ledger(ctx, viewerID)
	if err != nil {
		return Result{}, err
	}
	tally := newGenreTally()
	if err := s.tallyHistory(ctx, l, tally); err != nil {
		return Result{}, err
	}
	if err := s.tallyWatchlist(ctx, viewerID, tally); err != nil {
		return Result{}, err
	}
	top := tally.top(topGenreCount)
	excluded := l.CompletedIDs()

	var items []catalog.Content
	if len(top) > 0 {
		items, err = s.Catalog.QueryCandidates(ctx, catalog.Filter{
			PublishedOnly: true,
			GenresAny:     top,
			ExcludeIDs:    excluded,
		}, catalog.ByViewsThenRating, limit)
		if err != nil {
			return Result{}, err
		}
	} else {
		metrics.RecommendFallbacks.Inc()
		logging.For(ctx, s.Log).Debug("no genre signal, serving popularity", zap.String("viewer_id", viewerID))
	}

	if len(items) < limit {
		skip := slices.Clone(excluded)
		for _, c := range items {
			skip = append(skip, c.ID)
		}
		fill, err := s.Catalog.QueryCandidates(ctx, catalog.Filter{
			PublishedOnly: true,
			ExcludeIDs:    skip,
		}, catalog.ByViewsThenRecency, limit-len(items))
		if err != nil {
			return Result{}, err
		}
		items = append(items, fill...)
	}

	if s.Shuffle != nil {
		s.Shuffle.Shuffle(len(items), func(i, j int) { items[i], items[j] = items[j], items[i] })
	}

	rationale := top
	if len(rationale) > rationaleGenreCount {
		rationale = rationale[:rationaleGenreCount]
	}
	return Result{Items: nonNil(items), TopGenres: nonNil(rationale)}, nil
}

// Similar lists published content of the same type sharing a genre with the
// pivot, best rated first.
func (s *Scorer) Similar(ctx context.Context, contentID string, limit int) (Result, error) {
	defer metrics.RecordRecommend("similar", time.Now())
	pivot, err := s.Catalog.Resolve(ctx, contentID)
	if err != nil {
		return Result{}, err
	}
	if len(pivot.Genres) == 0 {
		return Result{Items: []catalog.Content{}, TopGenres: []string{}}, nil
	}
	items, err := s.Catalog.QueryCandidates(ctx, catalog.Filter{
		PublishedOnly: true,
		Type:          pivot.Type,
		GenresAny:     pivot.Genres,
		ExcludeIDs:    []string{pivot.ID},
	}, catalog.ByRatingThenViews, clampLimit(limit))
	if err != nil {
		return Result{}, err
	}
	return Result{Items: nonNil(items), TopGenres: firstN(pivot.Genres, rationaleGenreCount)}, nil
}

// BecauseYouWatched lists published content related to the pivot by genre,
// director or any of its first three cast members.
func (s *Scorer) BecauseYouWatched(ctx context.Context, contentID string, limit int) (Result, error) {
	defer metrics.RecordRecommend("because_watched", time.Now())
	pivot, err := s.Catalog.Resolve(ctx, contentID)
	if err != nil {
		return Result{}, err
	}
	f := catalog.Filter{
		PublishedOnly: true,
		GenresAny:     pivot.Genres,
		Director:      pivot.Director,
		CastAny:       firstN(pivot.Cast, castSeedCount),
		ExcludeIDs:    []string{pivot.ID},
	}
	if len(f.GenresAny) == 0 && f.Director == "" && len(f.CastAny) == 0 {
		return Result{Items: []catalog.Content{}, TopGenres: []string{}}, nil
	}
	items, err := s.Catalog.QueryCandidates(ctx, f, catalog.ByViewsThenRating, clampLimit(limit))
	if err != nil {
		return Result{}, err
	}
	return Result{Items: nonNil(items), TopGenres: firstN(pivot.Genres, rationaleGenreCount)}, nil
}

// TopPicks lists highly rated content in the viewer's top history genres,
// falling back to a fixed genre set for new viewers.
func (s *Scorer) TopPicks(ctx context.Context, viewerID string, limit int) (Result, error) {
	defer metrics.RecordRecommend("top_picks", time.Now())
	l, err := s.ledger(ctx, viewerID)
	if err != nil {
		return Result{}, err
	}
	tally := newGenreTally()
	if err := s.tallyHistory(ctx, l, tally); err != nil {
		return Result{}, err
	}
	genres := tally.top(topPicksGenreCount)
	if len(genres) == 0 {
		genres = slices.Clone(defaultTopPickGenres)
	}

	items, err := s.Catalog.QueryCandidates(ctx, catalog.Filter{
		PublishedOnly: true,
		GenresAny:     genres,
		MinRating:     topPicksMinRating,
		ExcludeIDs:    l.CompletedIDs(),
	}, catalog.ByRatingThenViews, clampLimit(limit))
	if err != nil {
		return Result{}, err
	}
	return Result{Items: nonNil(items), TopGenres: genres}, nil
}

// Trending is the global popularity list, identical for every caller.
func (s *Scorer) Trending(ctx context.Context, limit int) (Result, error) {
	defer metrics.RecordRecommend("trending", time.Now())
	items, err := s.Catalog.QueryCandidates(ctx, catalog.Filter{PublishedOnly: true}, catalog.ByViewsThenRecency, clampLimit(limit))
	if err != nil {
		return Result{}, err
	}
	return Result{Items: nonNil(items), TopGenres: []string{}}, nil
}

func firstN(s []string, n int) []string {
	if len(s) > n {
		s = s[:n]
	}
	return nonNil(slices.Clone(s))
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
