// Package session tracks per-viewer playback sessions: start/resume, progress
// reports, completion and the continue-watching shelf.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/example/stream-platform/internal/platform/analytics"
	"github.com/example/stream-platform/internal/platform/logging"
	"github.com/example/stream-platform/internal/platform/retry"
	"github.com/example/stream-platform/internal/platform/signing"
	"github.com/example/stream-platform/services/playback/internal/catalog"
	"github.com/example/stream-platform/services/playback/internal/domain"
	"github.com/example/stream-platform/services/playback/internal/history"
	"github.com/example/stream-platform/services/playback/internal/metrics"
	"github.com/example/stream-platform/services/playback/internal/store"
)

const (
	DefaultContinueLimit = 20
	MaxContinueLimit     = 100
	defaultGrantTTL      = 6 * time.Hour
	// commitAttempts is the first try plus one retry after a lost race.
	commitAttempts = 2
)

type Service struct {
	Store     store.Store
	Catalog   catalog.Accessor
	Signer    *signing.Signer
	StreamURL string // base of signed playback URLs
	GrantTTL  time.Duration
	Analytics *analytics.Publisher
	Log       *zap.Logger
	Now       func() time.Time
}

type StartRequest struct {
	Key             domain.SessionKey
	Tier            domain.Tier
	DurationSeconds float64
	Quality         string
	Device          string
}

type Handle struct {
	Session       domain.Session `json:"session"`
	Resumed       bool           `json:"resumed"`
	ResumeSeconds float64        `json:"resume_seconds"`
	Quality       string         `json:"quality"`
	PlaybackURL   string         `json:"playback_url"`
	ExpiresAt     time.Time      `json:"expires_at"`
}

type ProgressReport struct {
	SessionID       string
	Key             domain.SessionKey
	CurrentSeconds  float64
	DurationSeconds float64
	ClientTsMs      int64
}

type ProgressState struct {
	SessionID            string    `json:"session_id"`
	ContentID            string    `json:"content_id"`
	EpisodeID            string    `json:"episode_id,omitempty"`
	CurrentTimeSeconds   float64   `json:"current_time_seconds"`
	CompletionPercentage float64   `json:"completion_percentage"`
	Completed            bool      `json:"completed"`
	LastUpdatedAt        time.Time `json:"last_updated_at"`
	// Stale is set when the report was older than the stored state and ignored.
	Stale bool `json:"stale,omitempty"`
}

type ResumeInfo struct {
	Available            bool      `json:"available"`
	SessionID            string    `json:"session_id,omitempty"`
	ResumeSeconds        float64   `json:"resume_seconds"`
	CompletionPercentage float64   `json:"completion_percentage"`
	LastUpdatedAt        time.Time `json:"last_updated_at,omitzero"`
}

func stateOf(s domain.Session) ProgressState {
	return ProgressState{
		SessionID:            s.ID,
		ContentID:            s.ContentID,
		EpisodeID:            s.EpisodeID,
		CurrentTimeSeconds:   s.CurrentTimeSeconds,
		CompletionPercentage: s.CompletionPercentage,
		Completed:            s.Completed,
		LastUpdatedAt:        s.LastUpdatedAt,
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) log(ctx context.Context) *zap.Logger {
	return logging.For(ctx, s.Log)
}

// StartOrResume gates the content for the viewer's tier and hands back the
// open session for the key, creating one at 0s when there is none. A
// completed session is never resumed; starting again opens a fresh one.
func (s *Service) StartOrResume(ctx context.Context, req StartRequest) (Handle, error) {
	if err := req.Key.Validate(); err != nil {
		return Handle{}, err
	}
	if req.DurationSeconds <= 0 {
		return Handle{}, fmt.Errorf("%w: duration must be positive", domain.ErrInvalidProgress)
	}

	content, err := s.published(ctx, req.Key.ContentID)
	if err != nil {
		return Handle{}, err
	}
	if !req.Tier.Allows(content.AccessTier) {
		return Handle{}, fmt.Errorf("%w: %s requires %s, viewer has %s", domain.ErrAccessDenied, content.ID, content.AccessTier, req.Tier)
	}
	quality, ok := req.Tier.SelectQuality(req.Quality, content.Sources)
	if !ok {
		return Handle{}, fmt.Errorf("%w: no source of %s playable on %s", domain.ErrAccessDenied, content.ID, req.Tier)
	}

	var (
		sess    domain.Session
		resumed bool
	)
	for attempt := 1; ; attempt++ {
		cur, err := retry.ReadOnce(ctx, func(ctx context.Context) (lookup, error) {
			c, f, err := s.Store.CurrentSession(ctx, req.Key)
			return lookup{c, f}, err
		})
		if err != nil {
			return Handle{}, err
		}
		if cur.found && cur.sess.Open() {
			sess, resumed = cur.sess, true
			break
		}

		sess = domain.NewSession(req.Key, req.DurationSeconds, quality, req.Device, s.now())
		var expected int64
		if cur.found {
			expected = cur.sess.Version
		}
		sess.Version = expected + 1
		err = s.Store.Commit(ctx, store.Commit{Session: sess, ExpectedVersion: expected})
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrConcurrentUpdate) || attempt >= commitAttempts {
			return Handle{}, err
		}
		metrics.CommitConflicts.Inc()
	}

	h := Handle{Session: sess, Resumed: resumed, ResumeSeconds: sess.CurrentTimeSeconds, Quality: quality}
	if err := s.sign(&h, content.Sources[quality], req.Key.ViewerID); err != nil {
		return Handle{}, err
	}

	if !resumed {
		s.Analytics.Publish(analytics.SubjectPlaybackStarted, "playback_started", req.Key.ViewerID, map[string]any{
			"content_id": req.Key.ContentID,
			"episode_id": req.Key.EpisodeID,
			"session_id": sess.ID,
			"quality":    quality,
			"device":     req.Device,
		})
	}
	s.log(ctx).Info("playback started",
		zap.String("viewer_id", req.Key.ViewerID),
		zap.String("content_id", req.Key.ContentID),
		zap.String("session_id", sess.ID),
		zap.Bool("resumed", resumed),
		zap.String("quality", quality))
	return h, nil
}

type lookup struct {
	sess  domain.Session
	found bool
}

// published resolves id and treats unpublished content as missing.
func (s *Service) published(ctx context.Context, id string) (catalog.Content, error) {
	content, err := s.Catalog.Resolve(ctx, id)
	if err != nil {
		return catalog.Content{}, err
	}
	if !content.Published {
		return catalog.Content{}, fmt.Errorf("%w: %s is not published", domain.ErrContentNotFound, content.ID)
	}
	return content, nil
}

func (s *Service) sign(h *Handle, source, viewerID string) error {
	if s.Signer == nil || s.StreamURL == "" {
		h.PlaybackURL = source
		return nil
	}
	ttl := s.GrantTTL
	if ttl <= 0 {
		ttl = defaultGrantTTL
	}
	h.ExpiresAt = s.now().Add(ttl)
	u, err := signing.BuildURL(s.StreamURL, s.Signer.Sign(source, viewerID, h.Quality, h.ExpiresAt))
	if err != nil {
		return fmt.Errorf("build playback url: %w", err)
	}
	h.PlaybackURL = u
	return nil
}

// ReportProgress applies one player reading. The session and the viewer's
// ledger entry are committed together; a lost race is retried once and then
// surfaces as domain.ErrConcurrentUpdate.
func (s *Service) ReportProgress(ctx context.Context, r ProgressReport) (ProgressState, error) {
	if err := r.Key.Validate(); err != nil {
		return ProgressState{}, err
	}
	if err := domain.ValidateProgress(r.CurrentSeconds, r.DurationSeconds); err != nil {
		metrics.ProgressReports.WithLabelValues("rejected").Inc()
		return ProgressState{}, err
	}

	for attempt := 1; ; attempt++ {
		state, err := s.applyProgress(ctx, r)
		if err == nil {
			return state, nil
		}
		if !errors.Is(err, domain.ErrConcurrentUpdate) || attempt >= commitAttempts {
			if errors.Is(err, domain.ErrInvalidProgress) {
				metrics.ProgressReports.WithLabelValues("rejected").Inc()
			} else {
				metrics.ProgressReports.WithLabelValues("error").Inc()
			}
			return ProgressState{}, err
		}
		metrics.CommitConflicts.Inc()
		s.log(ctx).Debug("progress commit conflict, retrying",
			zap.String("viewer_id", r.Key.ViewerID), zap.String("content_id", r.Key.ContentID))
	}
}

func (s *Service) find(ctx context.Context, r ProgressReport) (domain.Session, bool, error) {
	if r.SessionID != "" {
		sess, ok, err := s.Store.SessionByID(ctx, r.Key.ViewerID, r.SessionID)
		if err != nil || ok {
			return sess, ok, err
		}
	}
	return s.Store.CurrentSession(ctx, r.Key)
}

func (s *Service) applyProgress(ctx context.Context, r ProgressReport) (ProgressState, error) {
	found, err := retry.ReadOnce(ctx, func(ctx context.Context) (lookup, error) {
		sess, ok, err := s.find(ctx, r)
		return lookup{sess, ok}, err
	})
	if err != nil {
		return ProgressState{}, err
	}

	now := s.now()
	sess, expected := found.sess, found.sess.Version
	result := "applied"
	if !found.found {
		// Auto-create only for content the catalog knows about.
		if _, err := s.published(ctx, r.Key.ContentID); err != nil {
			return ProgressState{}, err
		}
		sess = domain.NewSession(r.Key, r.DurationSeconds, "", "", now)
		expected = 0
		result = "created"
	} else {
		if sess.Stale(r.ClientTsMs) {
			metrics.ProgressReports.WithLabelValues("stale").Inc()
			st := stateOf(sess)
			st.Stale = true
			return st, nil
		}
		// Duration is fixed by the first report; later readings are judged against it.
		if r.CurrentSeconds > sess.TotalDurationSeconds+domain.ProgressToleranceSeconds {
			return ProgressState{}, fmt.Errorf("%w: current time %.1fs exceeds duration %.1fs",
				domain.ErrInvalidProgress, r.CurrentSeconds, sess.TotalDurationSeconds)
		}
	}

	wasCompleted := sess.Completed
	sess.ApplyProgress(r.CurrentSeconds, r.ClientTsMs, now)
	sess.Version = expected + 1

	entry := history.Entry{
		ContentID:          sess.ContentID,
		WatchedAt:          now,
		ProgressPercentage: sess.CompletionPercentage,
		Completed:          sess.Completed,
	}
	if err := s.Store.Commit(ctx, store.Commit{Session: sess, ExpectedVersion: expected, History: &entry}); err != nil {
		return ProgressState{}, err
	}

	metrics.ProgressReports.WithLabelValues(result).Inc()
	if !wasCompleted && sess.Completed {
		s.completed(ctx, sess)
	}
	return stateOf(sess), nil
}

func (s *Service) completed(ctx context.Context, sess domain.Session) {
	metrics.SessionsCompleted.Inc()
	s.Analytics.Publish(analytics.SubjectPlaybackCompleted, "playback_completed", sess.ViewerID, map[string]any{
		"content_id":               sess.ContentID,
		"episode_id":               sess.EpisodeID,
		"session_id":               sess.ID,
		"cumulative_watch_seconds": sess.CumulativeWatchSeconds,
	})
	s.log(ctx).Info("playback completed",
		zap.String("viewer_id", sess.ViewerID),
		zap.String("content_id", sess.ContentID),
		zap.String("session_id", sess.ID))
}

// GetResumePoint reports where the open session for key stands. Completed or
// missing sessions yield Available=false.
func (s *Service) GetResumePoint(ctx context.Context, key domain.SessionKey) (ResumeInfo, error) {
	if err := key.Validate(); err != nil {
		return ResumeInfo{}, err
	}
	cur, err := retry.ReadOnce(ctx, func(ctx context.Context) (lookup, error) {
		sess, ok, err := s.Store.CurrentSession(ctx, key)
		return lookup{sess, ok}, err
	})
	if err != nil {
		return ResumeInfo{}, err
	}
	if !cur.found || !cur.sess.Open() {
		return ResumeInfo{}, nil
	}
	return ResumeInfo{
		Available:            true,
		SessionID:            cur.sess.ID,
		ResumeSeconds:        cur.sess.CurrentTimeSeconds,
		CompletionPercentage: cur.sess.CompletionPercentage,
		LastUpdatedAt:        cur.sess.LastUpdatedAt,
	}, nil
}

// MarkCompleted forces the session for key to 100%. Content the viewer never
// started only gets a completed ledger entry; no session is opened for it.
func (s *Service) MarkCompleted(ctx context.Context, key domain.SessionKey) (ProgressState, error) {
	if err := key.Validate(); err != nil {
		return ProgressState{}, err
	}
	for attempt := 1; ; attempt++ {
		sess, found, err := s.Store.CurrentSession(ctx, key)
		if err != nil {
			return ProgressState{}, err
		}
		if !found {
			return s.completeUnstarted(ctx, key)
		}

		wasCompleted := sess.Completed
		expected := sess.Version
		now := s.now()
		sess.MarkCompleted(now)
		sess.Version = expected + 1
		entry := history.Entry{ContentID: sess.ContentID, WatchedAt: now, ProgressPercentage: 100, Completed: true}

		err = s.Store.Commit(ctx, store.Commit{Session: sess, ExpectedVersion: expected, History: &entry})
		if err == nil {
			if !wasCompleted {
				s.completed(ctx, sess)
			}
			return stateOf(sess), nil
		}
		if !errors.Is(err, domain.ErrConcurrentUpdate) || attempt >= commitAttempts {
			return ProgressState{}, err
		}
		metrics.CommitConflicts.Inc()
	}
}

func (s *Service) completeUnstarted(ctx context.Context, key domain.SessionKey) (ProgressState, error) {
	if _, err := s.published(ctx, key.ContentID); err != nil {
		return ProgressState{}, err
	}
	now := s.now()
	entry := history.Entry{ContentID: key.ContentID, WatchedAt: now, ProgressPercentage: 100, Completed: true}
	if err := s.Store.UpsertHistory(ctx, key.ViewerID, entry); err != nil {
		return ProgressState{}, err
	}
	s.log(ctx).Info("marked watched without a session",
		zap.String("viewer_id", key.ViewerID), zap.String("content_id", key.ContentID))
	return ProgressState{
		ContentID:            key.ContentID,
		EpisodeID:            key.EpisodeID,
		CompletionPercentage: 100,
		Completed:            true,
		LastUpdatedAt:        now,
	}, nil
}

// Reset discards the session for key so the next start begins at 0s. The
// watch ledger keeps its entry.
func (s *Service) Reset(ctx context.Context, key domain.SessionKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	ok, err := s.Store.DeleteSession(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, key.Slot())
	}
	s.log(ctx).Info("playback session reset",
		zap.String("viewer_id", key.ViewerID), zap.String("content_id", key.ContentID), zap.String("episode_id", key.EpisodeID))
	return nil
}

// ListContinueWatching returns open sessions that are past the opening
// minutes but not finished, most recently watched first.
func (s *Service) ListContinueWatching(ctx context.Context, viewerID string, limit int) ([]domain.Session, error) {
	if viewerID == "" {
		return nil, fmt.Errorf("%w: viewer_id is required", domain.ErrInvalidArgument)
	}
	if limit <= 0 {
		limit = DefaultContinueLimit
	}
	if limit > MaxContinueLimit {
		limit = MaxContinueLimit
	}

	all, err := retry.ReadOnce(ctx, func(ctx context.Context) ([]domain.Session, error) {
		return s.Store.ListSessions(ctx, viewerID)
	})
	if err != nil {
		return nil, err
	}

	out := make([]domain.Session, 0, len(all))
	for _, sess := range all {
		if sess.Open() &&
			sess.CompletionPercentage > domain.ContinueWatchingFloor &&
			sess.CompletionPercentage < domain.CompletionThreshold {
			out = append(out, sess)
		}
	}
	slices.SortStableFunc(out, func(a, b domain.Session) int {
		return b.LastUpdatedAt.Compare(a.LastUpdatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
