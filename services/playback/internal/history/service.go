package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/stream-platform/internal/platform/retry"
	"github.com/example/stream-platform/services/playback/internal/domain"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = Capacity
)

// Repository is the slice of the playback store the ledger needs.
type Repository interface {
	History(ctx context.Context, viewerID string) (Ledger, error)
	UpsertHistory(ctx context.Context, viewerID string, e Entry) error
	ClearHistory(ctx context.Context, viewerID string) error
}

type Service struct {
	Repo Repository
	Log  *zap.Logger
	Now  func() time.Time
}

type Page struct {
	Entries Ledger `json:"entries"`
	Total   int    `json:"total"`
	Offset  int    `json:"offset"`
	Limit   int    `json:"limit"`
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Upsert records a watch outside of a progress report, e.g. from an import.
func (s *Service) Upsert(ctx context.Context, viewerID, contentID string, pct float64, completed bool) error {
	if strings.TrimSpace(viewerID) == "" || strings.TrimSpace(contentID) == "" {
		return fmt.Errorf("%w: viewer_id and content_id are required", domain.ErrInvalidArgument)
	}
	if pct < 0 || pct > 100 {
		return fmt.Errorf("%w: progress %.1f outside [0,100]", domain.ErrInvalidProgress, pct)
	}
	return s.Repo.UpsertHistory(ctx, viewerID, Entry{
		ContentID:          contentID,
		WatchedAt:          s.now(),
		ProgressPercentage: pct,
		Completed:          completed,
	})
}

func (s *Service) List(ctx context.Context, viewerID string, offset, limit int) (Page, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	l, err := retry.ReadOnce(ctx, func(ctx context.Context) (Ledger, error) {
		return s.Repo.History(ctx, viewerID)
	})
	if err != nil {
		return Page{}, err
	}
	l = l.Sorted()
	return Page{Entries: l.Page(offset, limit), Total: len(l), Offset: offset, Limit: limit}, nil
}

func (s *Service) Clear(ctx context.Context, viewerID string) error {
	if err := s.Repo.ClearHistory(ctx, viewerID); err != nil {
		return err
	}
	if s.Log != nil {
		s.Log.Info("watch history cleared", zap.String("viewer_id", viewerID))
	}
	return nil
}
