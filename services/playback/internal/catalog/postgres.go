package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/stream-platform/internal/platform/retry"
	"github.com/example/stream-platform/services/playback/internal/domain"
)

// Postgres reads the catalog_content view published by the catalog service.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

const contentColumns = `id, title, type, genres, director, cast_members, external_rating, view_count,
  access_tier, published, published_at, sources`

func scanContent(row pgx.Row) (Content, error) {
	var (
		c       Content
		tier    string
		sources []byte
	)
	if err := row.Scan(&c.ID, &c.Title, &c.Type, &c.Genres, &c.Director, &c.Cast, &c.ExternalRating, &c.ViewCount,
		&tier, &c.Published, &c.PublishedAt, &sources); err != nil {
		return Content{}, err
	}
	c.AccessTier = domain.ParseTier(tier)
	if len(sources) > 0 {
		if err := json.Unmarshal(sources, &c.Sources); err != nil {
			return Content{}, fmt.Errorf("decode sources for %s: %w", c.ID, err)
		}
	}
	return c, nil
}

// ── Reads ──────────────────────────────────────────────────────────────────

func (p *Postgres) Resolve(ctx context.Context, id string) (Content, error) {
	return retry.ReadOnce(ctx, func(ctx context.Context) (Content, error) {
		c, err := scanContent(p.db.QueryRow(ctx, `SELECT `+contentColumns+` FROM catalog_content WHERE id=$1`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return Content{}, fmt.Errorf("%w: %s", domain.ErrContentNotFound, id)
		}
		if err != nil {
			return Content{}, fmt.Errorf("resolve content: %w", err)
		}
		return c, nil
	})
}

func (p *Postgres) ResolveMany(ctx context.Context, ids []string) (map[string]Content, error) {
	if len(ids) == 0 {
		return map[string]Content{}, nil
	}
	return retry.ReadOnce(ctx, func(ctx context.Context) (map[string]Content, error) {
		items, err := p.query(ctx, `SELECT `+contentColumns+` FROM catalog_content WHERE id = ANY($1)`, ids)
		if err != nil {
			return nil, err
		}
		out := make(map[string]Content, len(items))
		for _, c := range items {
			out[c.ID] = c
		}
		return out, nil
	})
}

func (p *Postgres) QueryCandidates(ctx context.Context, f Filter, order SortOrder, limit int) ([]Content, error) {
	if limit <= 0 {
		return nil, nil
	}
	q, args := buildCandidateQuery(f, order, limit)
	return retry.ReadOnce(ctx, func(ctx context.Context) ([]Content, error) {
		return p.query(ctx, q, args...)
	})
}

func (p *Postgres) query(ctx context.Context, q string, args ...any) ([]Content, error) {
	rows, err := p.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query catalog: %w", err)
	}
	defer rows.Close()

	var out []Content
	for rows.Next() {
		c, err := scanContent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan content: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func buildCandidateQuery(f Filter, order SortOrder, limit int) (string, []any) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if f.PublishedOnly {
		where = append(where, "published")
	}
	if f.Type != "" {
		where = append(where, "lower(type) = lower("+arg(f.Type)+")")
	}
	if f.MinRating > 0 {
		where = append(where, "external_rating >= "+arg(f.MinRating))
	}
	if len(f.ExcludeIDs) > 0 {
		where = append(where, "NOT (id = ANY("+arg(f.ExcludeIDs)+"))")
	}
	if f.hasRelated() {
		var related []string
		if len(f.GenresAny) > 0 {
			related = append(related, anyFold("genres", arg(lowerAll(f.GenresAny))))
		}
		if f.Director != "" {
			related = append(related, "lower(director) = lower("+arg(f.Director)+")")
		}
		if len(f.CastAny) > 0 {
			related = append(related, anyFold("cast_members", arg(lowerAll(f.CastAny))))
		}
		where = append(where, "("+strings.Join(related, " OR ")+")")
	}

	q := `SELECT ` + contentColumns + ` FROM catalog_content`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	switch order {
	case ByViewsThenRecency:
		q += " ORDER BY view_count DESC, published_at DESC, id"
	case ByRatingThenViews:
		q += " ORDER BY external_rating DESC, view_count DESC, id"
	default:
		q += " ORDER BY view_count DESC, external_rating DESC, id"
	}
	q += " LIMIT " + arg(limit)
	return q, args
}

// anyFold matches when any element of the array column equals one of the
// already-lowered values, ignoring case like Filter.Match.
func anyFold(column, param string) string {
	return "EXISTS (SELECT 1 FROM unnest(" + column + ") AS v WHERE lower(v) = ANY(" + param + "::text[]))"
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
