// Package catalog is the playback service's read view of the content catalog.
//
// The catalog itself is owned elsewhere; this package resolves ids, answers
// the candidate queries the recommender needs and decorates the backing store
// with a Redis cache and a circuit breaker.
package catalog

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/example/stream-platform/services/playback/internal/domain"
)

type Content struct {
	ID             string            `json:"id"`
	Title          string            `json:"title"`
	Type           string            `json:"type"`
	Genres         []string          `json:"genres"`
	Director       string            `json:"director,omitempty"`
	Cast           []string          `json:"cast,omitempty"`
	ExternalRating float64           `json:"external_rating"`
	ViewCount      int64             `json:"view_count"`
	AccessTier     domain.Tier       `json:"access_tier"`
	Published      bool              `json:"published"`
	PublishedAt    time.Time         `json:"published_at"`
	Sources        map[string]string `json:"sources,omitempty"`
}

type SortOrder int

const (
	// ByViewsThenRating orders by view count, then external rating.
	ByViewsThenRating SortOrder = iota
	// ByViewsThenRecency orders by view count, then newest publication.
	ByViewsThenRecency
	// ByRatingThenViews orders by external rating, then view count.
	ByRatingThenViews
)

func (o SortOrder) String() string {
	switch o {
	case ByViewsThenRecency:
		return "views_recency"
	case ByRatingThenViews:
		return "rating_views"
	default:
		return "views_rating"
	}
}

// Filter narrows a candidate query. Zero-valued fields do not constrain.
//
// GenresAny, Director and CastAny are alternatives: content matching any one
// of them qualifies. All other fields must hold together.
type Filter struct {
	PublishedOnly bool
	Type          string
	GenresAny     []string
	Director      string
	CastAny       []string
	MinRating     float64
	ExcludeIDs    []string
}

func (f Filter) hasRelated() bool {
	return len(f.GenresAny) > 0 || f.Director != "" || len(f.CastAny) > 0
}

// Match evaluates the filter against one item.
func (f Filter) Match(c Content) bool {
	if f.PublishedOnly && !c.Published {
		return false
	}
	if f.Type != "" && !strings.EqualFold(f.Type, c.Type) {
		return false
	}
	if f.MinRating > 0 && c.ExternalRating < f.MinRating {
		return false
	}
	if slices.Contains(f.ExcludeIDs, c.ID) {
		return false
	}
	if !f.hasRelated() {
		return true
	}
	if overlaps(f.GenresAny, c.Genres) || overlaps(f.CastAny, c.Cast) {
		return true
	}
	return f.Director != "" && strings.EqualFold(f.Director, c.Director)
}

func overlaps(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if strings.EqualFold(x, y) {
				return true
			}
		}
	}
	return false
}

// Compare orders two items under o, breaking ties by id so results are stable.
func (o SortOrder) Compare(a, b Content) int {
	cmpViews := func() int { return cmpDesc(a.ViewCount, b.ViewCount) }
	cmpRating := func() int { return cmpDesc(a.ExternalRating, b.ExternalRating) }

	var r int
	switch o {
	case ByViewsThenRecency:
		r = cmpViews()
		if r == 0 {
			r = b.PublishedAt.Compare(a.PublishedAt)
		}
	case ByRatingThenViews:
		r = cmpRating()
		if r == 0 {
			r = cmpViews()
		}
	default:
		r = cmpViews()
		if r == 0 {
			r = cmpRating()
		}
	}
	if r == 0 {
		r = strings.Compare(a.ID, b.ID)
	}
	return r
}

func cmpDesc[T int64 | float64](a, b T) int {
	switch {
	case a > b:
		return -1
	case a < b:
		return 1
	}
	return 0
}

type Accessor interface {
	// Resolve returns domain.ErrContentNotFound for unknown ids.
	Resolve(ctx context.Context, id string) (Content, error)
	// ResolveMany skips ids that do not exist.
	ResolveMany(ctx context.Context, ids []string) (map[string]Content, error)
	QueryCandidates(ctx context.Context, f Filter, order SortOrder, limit int) ([]Content, error)
}
