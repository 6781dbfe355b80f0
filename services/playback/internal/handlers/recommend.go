package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/example/stream-platform/internal/platform/analytics"
	"github.com/example/stream-platform/internal/platform/api"
	"github.com/example/stream-platform/internal/platform/auth"
	"github.com/example/stream-platform/internal/platform/httpserver"
	"github.com/example/stream-platform/services/playback/internal/recommend"
)

type Recommender interface {
	Personalized(ctx context.Context, viewerID string, limit int) (recommend.Result, error)
	Similar(ctx context.Context, contentID string, limit int) (recommend.Result, error)
	BecauseYouWatched(ctx context.Context, contentID string, limit int) (recommend.Result, error)
	TopPicks(ctx context.Context, viewerID string, limit int) (recommend.Result, error)
	Trending(ctx context.Context, limit int) (recommend.Result, error)
}

type recommendResponse struct {
	Kind string `json:"kind"`
	recommend.Result
}

func served(ap *analytics.Publisher, r *http.Request, kind string, res recommend.Result) {
	uid, _ := auth.UserIDFromContext(r.Context())
	ap.Publish(analytics.SubjectRecommendServed, "recommendations_served", uid, map[string]any{
		"kind":       kind,
		"count":      len(res.Items),
		"top_genres": res.TopGenres,
	})
}

func Personalized(rec Recommender, ap *analytics.Publisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		uid, ok := viewerID(w, r, rid)
		if !ok {
			return
		}

		res, err := rec.Personalized(r.Context(), uid, queryInt(r, "limit", recommend.DefaultLimit))
		if err != nil {
			writeError(w, rid, err)
			return
		}
		served(ap, r, "personalized", res)
		api.WriteJSON(w, http.StatusOK, recommendResponse{Kind: "personalized", Result: res})
	}
}

func TopPicks(rec Recommender, ap *analytics.Publisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		uid, ok := viewerID(w, r, rid)
		if !ok {
			return
		}

		res, err := rec.TopPicks(r.Context(), uid, queryInt(r, "limit", recommend.DefaultLimit))
		if err != nil {
			writeError(w, rid, err)
			return
		}
		served(ap, r, "top_picks", res)
		api.WriteJSON(w, http.StatusOK, recommendResponse{Kind: "top_picks", Result: res})
	}
}

func Trending(rec Recommender, ap *analytics.Publisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		res, err := rec.Trending(r.Context(), queryInt(r, "limit", recommend.DefaultLimit))
		if err != nil {
			writeError(w, rid, err)
			return
		}
		served(ap, r, "trending", res)
		api.WriteJSON(w, http.StatusOK, recommendResponse{Kind: "trending", Result: res})
	}
}

func Similar(rec Recommender, ap *analytics.Publisher) http.HandlerFunc {
	return pivoted(rec.Similar, ap, "similar")
}

func BecauseWatched(rec Recommender, ap *analytics.Publisher) http.HandlerFunc {
	return pivoted(rec.BecauseYouWatched, ap, "because_watched")
}

func pivoted(fn func(context.Context, string, int) (recommend.Result, error), ap *analytics.Publisher, kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		contentID := strings.TrimSpace(chi.URLParam(r, "content_id"))
		if contentID == "" {
			api.BadRequest(w, "INVALID_ARGUMENT", "content_id is required", rid, nil)
			return
		}

		res, err := fn(r.Context(), contentID, queryInt(r, "limit", recommend.DefaultLimit))
		if err != nil {
			writeError(w, rid, err)
			return
		}
		served(ap, r, kind, res)
		api.WriteJSON(w, http.StatusOK, recommendResponse{Kind: kind, Result: res})
	}
}
