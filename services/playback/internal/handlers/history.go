package handlers

import (
	"context"
	"net/http"

	"github.com/example/stream-platform/internal/platform/api"
	"github.com/example/stream-platform/internal/platform/httpserver"
	"github.com/example/stream-platform/services/playback/internal/history"
)

type HistoryService interface {
	List(ctx context.Context, viewerID string, offset, limit int) (history.Page, error)
	Clear(ctx context.Context, viewerID string) error
}

func ListHistory(svc HistoryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		uid, ok := viewerID(w, r, rid)
		if !ok {
			return
		}

		page, err := svc.List(r.Context(), uid, queryInt(r, "offset", 0), queryInt(r, "limit", history.DefaultPageSize))
		if err != nil {
			writeError(w, rid, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, page)
	}
}

func ClearHistory(svc HistoryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		uid, ok := viewerID(w, r, rid)
		if !ok {
			return
		}

		if err := svc.Clear(r.Context(), uid); err != nil {
			writeError(w, rid, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
