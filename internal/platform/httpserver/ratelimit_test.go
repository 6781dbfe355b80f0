package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler(rl *RateLimiter) http.Handler {
	return rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func hit(h http.Handler, remote, fwd string) int {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = remote
	if fwd != "" {
		req.Header.Set("X-Forwarded-For", fwd)
	}
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestRateLimiter_AllowsBurst(t *testing.T) {
	handler := okHandler(NewRateLimiter(1, 3)) // 1/s, burst 3

	for i := 0; i < 3; i++ {
		if code := hit(handler, "1.2.3.4:1234", ""); code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, code)
		}
	}
	// 4th request should be rate limited
	if code := hit(handler, "1.2.3.4:1234", ""); code != http.StatusTooManyRequests {
		t.Fatalf("4th request: expected 429, got %d", code)
	}
}

func TestRateLimiter_DifferentIPs(t *testing.T) {
	handler := okHandler(NewRateLimiter(1, 1))
	if code := hit(handler, "1.1.1.1:1234", ""); code != http.StatusOK {
		t.Fatalf("IP1 first: expected 200, got %d", code)
	}
	if code := hit(handler, "2.2.2.2:1234", ""); code != http.StatusOK {
		t.Fatalf("IP2 first: expected 200, got %d", code)
	}
}

func TestRateLimiter_PortDoesNotSplitClient(t *testing.T) {
	handler := okHandler(NewRateLimiter(1, 1))
	_ = hit(handler, "1.1.1.1:1000", "")
	if code := hit(handler, "1.1.1.1:2000", ""); code != http.StatusTooManyRequests {
		t.Fatalf("same host on a new port should share a bucket, got %d", code)
	}
}

func TestRateLimiter_ForwardedFor(t *testing.T) {
	handler := okHandler(NewRateLimiter(1, 1))
	_ = hit(handler, "10.0.0.1:1", "9.9.9.9, 10.0.0.1")
	if code := hit(handler, "10.0.0.2:1", "9.9.9.9"); code != http.StatusTooManyRequests {
		t.Fatalf("expected the forwarded client to be limited, got %d", code)
	}
	if code := hit(handler, "10.0.0.1:1", "8.8.8.8, 10.0.0.1"); code != http.StatusOK {
		t.Fatalf("different forwarded client should pass, got %d", code)
	}
}

func TestRateLimiter_RefillsAndPrunes(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }
	handler := okHandler(rl)

	_ = hit(handler, "1.1.1.1:1", "")
	if code := hit(handler, "1.1.1.1:1", ""); code != http.StatusTooManyRequests {
		t.Fatalf("expected limit, got %d", code)
	}
	now = now.Add(time.Second)
	if code := hit(handler, "1.1.1.1:1", ""); code != http.StatusOK {
		t.Fatalf("expected refill after 1s, got %d", code)
	}

	now = now.Add(2 * idleBucketTTL)
	_ = hit(handler, "2.2.2.2:1", "")
	if _, ok := rl.buckets["1.1.1.1"]; ok {
		t.Fatalf("idle bucket should be pruned")
	}
}
