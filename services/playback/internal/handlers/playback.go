package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/example/stream-platform/internal/platform/api"
	"github.com/example/stream-platform/internal/platform/httpserver"
	"github.com/example/stream-platform/internal/platform/logging"
	"github.com/example/stream-platform/internal/platform/signing"
	"github.com/example/stream-platform/services/playback/internal/catalog"
	"github.com/example/stream-platform/services/playback/internal/domain"
	"github.com/example/stream-platform/services/playback/internal/session"
	"github.com/example/stream-platform/services/playback/internal/worker"
)

// Sessions is the playback surface the handlers drive.
type Sessions interface {
	StartOrResume(ctx context.Context, req session.StartRequest) (session.Handle, error)
	ReportProgress(ctx context.Context, r session.ProgressReport) (session.ProgressState, error)
	GetResumePoint(ctx context.Context, key domain.SessionKey) (session.ResumeInfo, error)
	MarkCompleted(ctx context.Context, key domain.SessionKey) (session.ProgressState, error)
	Reset(ctx context.Context, key domain.SessionKey) error
	ListContinueWatching(ctx context.Context, viewerID string, limit int) ([]domain.Session, error)
}

type startRequest struct {
	ContentID       string  `json:"content_id"`
	EpisodeID       string  `json:"episode_id"`
	DurationSeconds float64 `json:"duration_seconds"`
	Quality         string  `json:"quality"`
	Device          string  `json:"device"`
}

type progressRequest struct {
	SessionID       string  `json:"session_id"`
	ContentID       string  `json:"content_id"`
	EpisodeID       string  `json:"episode_id"`
	CurrentSeconds  float64 `json:"current_time_seconds"`
	DurationSeconds float64 `json:"duration_seconds"`
	ClientTsMs      int64   `json:"client_ts_ms"`
}

type completeRequest struct {
	ContentID string `json:"content_id"`
	EpisodeID string `json:"episode_id"`
}

type continueItem struct {
	Title   string         `json:"title,omitempty"`
	Session domain.Session `json:"session"`
}

type continueResponse struct {
	Items []continueItem `json:"items"`
	Limit int            `json:"limit"`
}

func StartPlayback(svc Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		uid, ok := viewerID(w, r, rid)
		if !ok {
			return
		}

		var req startRequest
		if !decodeJSON(w, r, rid, &req) {
			return
		}

		h, err := svc.StartOrResume(r.Context(), session.StartRequest{
			Key:             domain.SessionKey{ViewerID: uid, ContentID: strings.TrimSpace(req.ContentID), EpisodeID: strings.TrimSpace(req.EpisodeID)},
			Tier:            viewerTier(r),
			DurationSeconds: req.DurationSeconds,
			Quality:         strings.TrimSpace(req.Quality),
			Device:          strings.TrimSpace(req.Device),
		})
		if err != nil {
			writeError(w, rid, err)
			return
		}
		status := http.StatusCreated
		if h.Resumed {
			status = http.StatusOK
		}
		api.WriteJSON(w, status, h)
	}
}

// ReportProgress applies a reading inline, or hands it to JetStream and
// answers 202 when async writes are enabled.
func ReportProgress(svc Sessions, publisher *EventPublisher, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		uid, ok := viewerID(w, r, rid)
		if !ok {
			return
		}

		var req progressRequest
		if !decodeJSON(w, r, rid, &req) {
			return
		}
		if req.ClientTsMs == 0 {
			req.ClientTsMs = time.Now().UnixMilli()
		}
		report := session.ProgressReport{
			SessionID:       strings.TrimSpace(req.SessionID),
			Key:             domain.SessionKey{ViewerID: uid, ContentID: strings.TrimSpace(req.ContentID), EpisodeID: strings.TrimSpace(req.EpisodeID)},
			CurrentSeconds:  req.CurrentSeconds,
			DurationSeconds: req.DurationSeconds,
			ClientTsMs:      req.ClientTsMs,
		}

		if publisher.Enabled() {
			if err := report.Key.Validate(); err != nil {
				writeError(w, rid, err)
				return
			}
			if err := domain.ValidateProgress(report.CurrentSeconds, report.DurationSeconds); err != nil {
				writeError(w, rid, err)
				return
			}
			eventID, err := publisher.PublishProgress(worker.ProgressEvent{
				ViewerID:        uid,
				SessionID:       report.SessionID,
				ContentID:       report.Key.ContentID,
				EpisodeID:       report.Key.EpisodeID,
				CurrentSeconds:  report.CurrentSeconds,
				DurationSeconds: report.DurationSeconds,
				ClientTsMs:      report.ClientTsMs,
			})
			if err == nil {
				w.Header().Set("X-Event-ID", eventID)
				api.WriteJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "event_id": eventID})
				return
			}
			logging.For(r.Context(), log).Warn("progress publish failed, applying inline", zap.Error(err))
		}

		state, err := svc.ReportProgress(r.Context(), report)
		if err != nil {
			writeError(w, rid, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, state)
	}
}

func ResumePoint(svc Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		uid, ok := viewerID(w, r, rid)
		if !ok {
			return
		}

		key := domain.SessionKey{
			ViewerID:  uid,
			ContentID: strings.TrimSpace(chi.URLParam(r, "content_id")),
			EpisodeID: strings.TrimSpace(r.URL.Query().Get("episode_id")),
		}
		info, err := svc.GetResumePoint(r.Context(), key)
		if err != nil {
			writeError(w, rid, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, info)
	}
}

// CompletePlayback marks content as watched. Content that was never started
// gets a completed history entry without a session.
func CompletePlayback(svc Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		uid, ok := viewerID(w, r, rid)
		if !ok {
			return
		}

		var req completeRequest
		if !decodeJSON(w, r, rid, &req) {
			return
		}
		state, err := svc.MarkCompleted(r.Context(), domain.SessionKey{
			ViewerID:  uid,
			ContentID: strings.TrimSpace(req.ContentID),
			EpisodeID: strings.TrimSpace(req.EpisodeID),
		})
		if err != nil {
			writeError(w, rid, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, state)
	}
}

func ResetPlayback(svc Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		uid, ok := viewerID(w, r, rid)
		if !ok {
			return
		}

		err := svc.Reset(r.Context(), domain.SessionKey{
			ViewerID:  uid,
			ContentID: strings.TrimSpace(chi.URLParam(r, "content_id")),
			EpisodeID: strings.TrimSpace(r.URL.Query().Get("episode_id")),
		})
		if err != nil {
			writeError(w, rid, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ContinueWatching lists in-progress sessions with catalog titles attached.
// A catalog failure only drops the titles.
func ContinueWatching(svc Sessions, cat catalog.Accessor, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		uid, ok := viewerID(w, r, rid)
		if !ok {
			return
		}

		limit := queryInt(r, "limit", session.DefaultContinueLimit)
		sessions, err := svc.ListContinueWatching(r.Context(), uid, limit)
		if err != nil {
			writeError(w, rid, err)
			return
		}

		ids := make([]string, 0, len(sessions))
		for _, s := range sessions {
			ids = append(ids, s.ContentID)
		}
		var titles map[string]catalog.Content
		if cat != nil && len(ids) > 0 {
			titles, err = cat.ResolveMany(r.Context(), ids)
			if err != nil {
				logging.For(r.Context(), log).Warn("continue watching enrich failed", zap.Error(err))
			}
		}

		items := make([]continueItem, 0, len(sessions))
		for _, s := range sessions {
			items = append(items, continueItem{Title: titles[s.ContentID].Title, Session: s})
		}
		api.WriteJSON(w, http.StatusOK, continueResponse{Items: items, Limit: limit})
	}
}

// Stream redeems a signed playback grant by redirecting to the source.
func Stream(signer *signing.Signer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		if signer == nil {
			api.NotFound(w, "NOT_FOUND", "Signed playback is disabled", rid)
			return
		}
		g, err := signing.ParseGrant(r.URL.Query())
		if err != nil {
			api.BadRequest(w, "INVALID_GRANT", "Missing signed params", rid, nil)
			return
		}
		if !signer.Verify(g) {
			api.Forbidden(w, "INVALID_SIGNATURE", "Invalid or expired signature", rid)
			return
		}
		http.Redirect(w, r, g.Resource, http.StatusFound)
	}
}
