package handlers

import (
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/example/stream-platform/internal/platform/analytics"
	"github.com/example/stream-platform/internal/platform/auth"
	"github.com/example/stream-platform/internal/platform/httpserver"
	"github.com/example/stream-platform/internal/platform/signing"
	"github.com/example/stream-platform/services/playback/internal/catalog"
)

type Deps struct {
	Sessions    Sessions
	History     HistoryService
	Recommender Recommender
	Catalog     catalog.Accessor
	Signer      *signing.Signer
	Publisher   *EventPublisher
	Analytics   *analytics.Publisher
	Verifier    auth.JWTVerifier
	// Limiter throttles anonymous routes per client IP. Nil disables it.
	Limiter *httpserver.RateLimiter
	Log     *zap.Logger
}

func Mount(r chi.Router, d Deps) {
	r.Group(func(r chi.Router) {
		if d.Limiter != nil {
			r.Use(d.Limiter.Middleware)
		}
		r.Use(auth.OptionalUser(d.Verifier))
		r.Get("/v1/playback/stream", Stream(d.Signer))
		r.Get("/v1/recommendations/trending", Trending(d.Recommender, d.Analytics))
		r.Get("/v1/content/{content_id}/similar", Similar(d.Recommender, d.Analytics))
		r.Get("/v1/content/{content_id}/because-watched", BecauseWatched(d.Recommender, d.Analytics))
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireUser(d.Verifier))
		r.Post("/v1/playback/start", StartPlayback(d.Sessions))
		r.Post("/v1/playback/progress", ReportProgress(d.Sessions, d.Publisher, d.Log))
		r.Get("/v1/playback/resume/{content_id}", ResumePoint(d.Sessions))
		r.Post("/v1/playback/complete", CompletePlayback(d.Sessions))
		r.Delete("/v1/playback/sessions/{content_id}", ResetPlayback(d.Sessions))
		r.Get("/v1/playback/continue", ContinueWatching(d.Sessions, d.Catalog, d.Log))

		r.Get("/v1/history", ListHistory(d.History))
		r.Delete("/v1/history", ClearHistory(d.History))

		r.Get("/v1/recommendations", Personalized(d.Recommender, d.Analytics))
		r.Get("/v1/recommendations/top-picks", TopPicks(d.Recommender, d.Analytics))
	})
}
