package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/example/stream-platform/internal/platform/auth"
	"github.com/example/stream-platform/internal/platform/httpserver"
	"github.com/example/stream-platform/internal/platform/signing"
	"github.com/example/stream-platform/services/playback/internal/catalog"
	"github.com/example/stream-platform/services/playback/internal/domain"
	"github.com/example/stream-platform/services/playback/internal/history"
	"github.com/example/stream-platform/services/playback/internal/recommend"
	"github.com/example/stream-platform/services/playback/internal/session"
	"github.com/example/stream-platform/services/playback/internal/store"
	"github.com/example/stream-platform/services/playback/internal/watchlist"
	"github.com/example/stream-platform/services/playback/internal/worker"
)

var testSecret = []byte("handler-test-secret")

// ─── fixtures ─────────────────────────────────────────────────────────────────

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	st := store.NewMemory()
	cat := catalog.NewMemory(
		catalog.Content{ID: "movie-1", Title: "First Light", Type: "movie", Genres: []string{"Drama"},
			Published: true, ViewCount: 900, ExternalRating: 8.1, AccessTier: domain.TierFree,
			Sources: map[string]string{"480p": "https://cdn.test/m1/480.m3u8"}},
		catalog.Content{ID: "movie-2", Title: "Second Wind", Type: "movie", Genres: []string{"Drama"},
			Published: true, ViewCount: 500, ExternalRating: 7.4, AccessTier: domain.TierFree,
			Sources: map[string]string{"480p": "https://cdn.test/m2/480.m3u8"}},
		catalog.Content{ID: "premium-1", Title: "Gold", Type: "movie", Genres: []string{"Action"},
			Published: true, ViewCount: 300, ExternalRating: 9.0, AccessTier: domain.TierPremium,
			Sources: map[string]string{"2160p": "https://cdn.test/p1/2160.m3u8"}},
	)
	signer := signing.New("grant-secret")

	r := chi.NewRouter()
	httpserver.SetupRouter(r)
	Mount(r, Deps{
		Sessions: &session.Service{
			Store:     st,
			Catalog:   cat,
			Signer:    signer,
			StreamURL: "https://play.test/v1/playback/stream",
		},
		History: &history.Service{Repo: st},
		Recommender: &recommend.Scorer{
			History:   st,
			Watchlist: watchlist.NewMemory(),
			Catalog:   cat,
			Shuffle:   recommend.NoShuffle{},
		},
		Catalog:  cat,
		Signer:   signer,
		Verifier: auth.JWTVerifier{Secret: testSecret},
	})
	return r
}

func token(t *testing.T, viewerID, tier string) string {
	t.Helper()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   viewerID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: "user",
		Tier: tier,
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func do(t *testing.T, h http.Handler, method, target, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		req = httptest.NewRequest(method, target, bytes.NewReader(b))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v (%s)", err, rr.Body.String())
	}
	return v
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp.Error.Code
}

// ─── playback ─────────────────────────────────────────────────────────────────

func TestPlaybackFlow(t *testing.T) {
	h := newTestRouter(t)
	tok := token(t, "viewer-1", "free")

	rr := do(t, h, http.MethodPost, "/v1/playback/start", tok, map[string]any{"content_id": "movie-1", "duration_seconds": 120})
	if rr.Code != http.StatusCreated {
		t.Fatalf("start: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	started := decode[session.Handle](t, rr)
	if started.PlaybackURL == "" || started.Quality != "480p" {
		t.Fatalf("unexpected handle %+v", started)
	}

	rr = do(t, h, http.MethodPost, "/v1/playback/progress", tok, map[string]any{
		"content_id": "movie-1", "current_time_seconds": 42, "duration_seconds": 120,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("progress: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	state := decode[session.ProgressState](t, rr)
	if state.CompletionPercentage != 35 || state.Completed {
		t.Fatalf("unexpected progress state %+v", state)
	}

	rr = do(t, h, http.MethodGet, "/v1/playback/resume/movie-1", tok, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("resume: expected 200, got %d", rr.Code)
	}
	info := decode[session.ResumeInfo](t, rr)
	if !info.Available || info.ResumeSeconds != 42 {
		t.Fatalf("unexpected resume info %+v", info)
	}

	rr = do(t, h, http.MethodPost, "/v1/playback/start", tok, map[string]any{"content_id": "movie-1", "duration_seconds": 120})
	if rr.Code != http.StatusOK {
		t.Fatalf("resume start: expected 200, got %d", rr.Code)
	}
	if resumed := decode[session.Handle](t, rr); !resumed.Resumed || resumed.ResumeSeconds != 42 {
		t.Fatalf("expected resumed handle, got %+v", resumed)
	}

	rr = do(t, h, http.MethodGet, "/v1/playback/continue", tok, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("continue: expected 200, got %d", rr.Code)
	}
	cont := decode[continueResponse](t, rr)
	if len(cont.Items) != 1 || cont.Items[0].Title != "First Light" {
		t.Fatalf("unexpected continue list %+v", cont)
	}

	rr = do(t, h, http.MethodPost, "/v1/playback/complete", tok, map[string]any{"content_id": "movie-1"})
	if rr.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d", rr.Code)
	}
	if done := decode[session.ProgressState](t, rr); !done.Completed || done.CompletionPercentage != 100 {
		t.Fatalf("expected completed state, got %+v", done)
	}

	rr = do(t, h, http.MethodDelete, "/v1/playback/sessions/movie-1", tok, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("reset: expected 204, got %d", rr.Code)
	}
	rr = do(t, h, http.MethodGet, "/v1/playback/resume/movie-1", tok, nil)
	if info := decode[session.ResumeInfo](t, rr); info.Available {
		t.Fatalf("expected no resume point after reset, got %+v", info)
	}
}

func TestStartPlayback_TierDenied(t *testing.T) {
	h := newTestRouter(t)
	tok := token(t, "viewer-1", "free")

	rr := do(t, h, http.MethodPost, "/v1/playback/start", tok, map[string]any{"content_id": "premium-1", "duration_seconds": 60})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if code := errorCode(t, rr); code != "ACCESS_DENIED" {
		t.Fatalf("expected ACCESS_DENIED, got %q", code)
	}

	rr = do(t, h, http.MethodGet, "/v1/playback/resume/premium-1", tok, nil)
	if info := decode[session.ResumeInfo](t, rr); info.Available {
		t.Fatal("denied start must not create a session")
	}
}

func TestStartPlayback_UnknownContent(t *testing.T) {
	h := newTestRouter(t)
	rr := do(t, h, http.MethodPost, "/v1/playback/start", token(t, "viewer-1", "premium"), map[string]any{"content_id": "nope", "duration_seconds": 60})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if code := errorCode(t, rr); code != "CONTENT_NOT_FOUND" {
		t.Fatalf("expected CONTENT_NOT_FOUND, got %q", code)
	}
}

func TestReportProgress_Invalid(t *testing.T) {
	h := newTestRouter(t)
	rr := do(t, h, http.MethodPost, "/v1/playback/progress", token(t, "viewer-1", "free"), map[string]any{
		"content_id": "movie-1", "current_time_seconds": -1, "duration_seconds": 120,
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if code := errorCode(t, rr); code != "INVALID_PROGRESS" {
		t.Fatalf("expected INVALID_PROGRESS, got %q", code)
	}
}

func TestReportProgress_InvalidJSON(t *testing.T) {
	h := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/playback/progress", bytes.NewBufferString("{"))
	req.Header.Set("Authorization", "Bearer "+token(t, "viewer-1", "free"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestCompletePlayback_WithoutStart(t *testing.T) {
	h := newTestRouter(t)
	tok := token(t, "viewer-1", "free")

	rr := do(t, h, http.MethodPost, "/v1/playback/complete", tok, map[string]any{"content_id": "movie-2"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if st := decode[session.ProgressState](t, rr); !st.Completed || st.CompletionPercentage != 100 {
		t.Fatalf("unexpected state %+v", st)
	}
	rr = do(t, h, http.MethodGet, "/v1/history", tok, nil)
	if page := decode[history.Page](t, rr); page.Total != 1 || !page.Entries[0].Completed {
		t.Fatalf("expected one completed history entry, got %+v", page)
	}

	rr = do(t, h, http.MethodPost, "/v1/playback/complete", tok, map[string]any{"content_id": "ghost"})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown content: expected 404, got %d", rr.Code)
	}
}

func TestUserRoutesRequireAuth(t *testing.T) {
	h := newTestRouter(t)
	for _, target := range []string{"/v1/playback/continue", "/v1/history", "/v1/recommendations"} {
		if rr := do(t, h, http.MethodGet, target, "", nil); rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", target, rr.Code)
		}
	}
}

func TestStream(t *testing.T) {
	h := newTestRouter(t)
	tok := token(t, "viewer-1", "free")
	rr := do(t, h, http.MethodPost, "/v1/playback/start", tok, map[string]any{"content_id": "movie-1", "duration_seconds": 120})
	started := decode[session.Handle](t, rr)

	u, err := url.Parse(started.PlaybackURL)
	if err != nil {
		t.Fatalf("parse playback url: %v", err)
	}
	rr = do(t, h, http.MethodGet, "/v1/playback/stream?"+u.RawQuery, "", nil)
	if rr.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rr.Code)
	}
	if loc := rr.Header().Get("Location"); loc != "https://cdn.test/m1/480.m3u8" {
		t.Fatalf("unexpected redirect %q", loc)
	}

	q := u.Query()
	q.Set("q", "2160p")
	rr = do(t, h, http.MethodGet, "/v1/playback/stream?"+q.Encode(), "", nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("tampered grant: expected 403, got %d", rr.Code)
	}

	rr = do(t, h, http.MethodGet, "/v1/playback/stream", "", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing grant: expected 400, got %d", rr.Code)
	}
}

// ─── history ──────────────────────────────────────────────────────────────────

func TestHistoryListAndClear(t *testing.T) {
	h := newTestRouter(t)
	tok := token(t, "viewer-1", "free")
	for _, id := range []string{"movie-1", "movie-2"} {
		rr := do(t, h, http.MethodPost, "/v1/playback/progress", tok, map[string]any{
			"content_id": id, "current_time_seconds": 30, "duration_seconds": 120,
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("progress %s: %d %s", id, rr.Code, rr.Body.String())
		}
	}

	rr := do(t, h, http.MethodGet, "/v1/history?limit=1", tok, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	page := decode[history.Page](t, rr)
	if page.Total != 2 || len(page.Entries) != 1 || page.Entries[0].ContentID != "movie-2" {
		t.Fatalf("unexpected page %+v", page)
	}

	if rr := do(t, h, http.MethodDelete, "/v1/history", tok, nil); rr.Code != http.StatusNoContent {
		t.Fatalf("clear: expected 204, got %d", rr.Code)
	}
	rr = do(t, h, http.MethodGet, "/v1/history", tok, nil)
	if page := decode[history.Page](t, rr); page.Total != 0 {
		t.Fatalf("expected empty history, got %+v", page)
	}
}

// ─── recommendations ─────────────────────────────────────────────────────────

func TestTrending_Anonymous(t *testing.T) {
	h := newTestRouter(t)
	rr := do(t, h, http.MethodGet, "/v1/recommendations/trending?limit=2", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	resp := decode[recommendResponse](t, rr)
	if resp.Kind != "trending" || len(resp.Items) != 2 || resp.Items[0].ID != "movie-1" {
		t.Fatalf("unexpected trending %+v", resp)
	}
}

func TestPersonalized_EmptyHistoryFallsBack(t *testing.T) {
	h := newTestRouter(t)
	rr := do(t, h, http.MethodGet, "/v1/recommendations?limit=3", token(t, "viewer-new", "free"), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	resp := decode[recommendResponse](t, rr)
	if len(resp.Items) != 3 || len(resp.TopGenres) != 0 {
		t.Fatalf("unexpected fallback %+v", resp)
	}
}

func TestSimilar(t *testing.T) {
	h := newTestRouter(t)
	rr := do(t, h, http.MethodGet, "/v1/content/movie-1/similar", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	resp := decode[recommendResponse](t, rr)
	if len(resp.Items) != 1 || resp.Items[0].ID != "movie-2" {
		t.Fatalf("unexpected similar %+v", resp)
	}

	rr = do(t, h, http.MethodGet, "/v1/content/missing/because-watched", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown pivot: expected 404, got %d", rr.Code)
	}
}

// ─── error mapping ───────────────────────────────────────────────────────────

func TestWriteErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrConcurrentUpdate, http.StatusConflict},
		{domain.ErrSessionNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: catalog down", domain.ErrUnavailable), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		writeError(rr, "rid-1", tc.err)
		if rr.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, rr.Code)
		}
	}
}

func TestEventPublisherDisabled(t *testing.T) {
	var p *EventPublisher
	if p.Enabled() {
		t.Fatal("nil publisher must be disabled")
	}
	if _, err := NewEventPublisher(nil, true).PublishProgress(worker.ProgressEvent{ViewerID: "viewer-1"}); !errors.Is(err, ErrAsyncPublishDisabled) {
		t.Fatalf("expected ErrAsyncPublishDisabled, got %v", err)
	}
}
