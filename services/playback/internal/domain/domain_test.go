package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
)

func TestApplyProgressPercentageAndCompletion(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := NewSession(SessionKey{ViewerID: "v1", ContentID: "c1"}, 120, "", "", now)

	s.ApplyProgress(42, 0, now)
	if s.CompletionPercentage != 35 {
		t.Fatalf("expected 35%%, got %v", s.CompletionPercentage)
	}
	if s.Completed {
		t.Fatalf("expected open session at 35%%")
	}

	s.ApplyProgress(108, 0, now)
	if !s.Completed || s.CompletionPercentage != 90 {
		t.Fatalf("expected completed at 90%%, got %+v", s)
	}

	s.ApplyProgress(54, 0, now)
	if !s.Completed {
		t.Fatalf("completed flag must latch")
	}
	if s.CompletionPercentage != 90 {
		t.Fatalf("percentage must not decrease once completed, got %v", s.CompletionPercentage)
	}
	if s.CurrentTimeSeconds != 54 {
		t.Fatalf("playhead should still move, got %v", s.CurrentTimeSeconds)
	}
}

func TestApplyProgressAccumulatesForwardDeltasOnly(t *testing.T) {
	now := time.Now()
	s := NewSession(SessionKey{ViewerID: "v1", ContentID: "c1"}, 600, "", "", now)
	s.ApplyProgress(100, 0, now)
	s.ApplyProgress(40, 0, now)
	s.ApplyProgress(70, 0, now)
	if s.CumulativeWatchSeconds != 130 {
		t.Fatalf("expected 130 cumulative seconds, got %v", s.CumulativeWatchSeconds)
	}
}

func TestApplyProgressClampsOvershoot(t *testing.T) {
	now := time.Now()
	s := NewSession(SessionKey{ViewerID: "v1", ContentID: "c1"}, 120, "", "", now)
	s.ApplyProgress(123, 0, now)
	if s.CurrentTimeSeconds != 120 || s.CompletionPercentage != 100 {
		t.Fatalf("expected clamp to duration, got %+v", s)
	}
}

func TestStale(t *testing.T) {
	s := Session{ClientTsMs: 2000}
	if !s.Stale(1000) {
		t.Fatalf("older timestamp should be stale")
	}
	if s.Stale(0) || s.Stale(2000) || s.Stale(3000) {
		t.Fatalf("missing, equal and newer timestamps are not stale")
	}
}

func TestValidateProgress(t *testing.T) {
	cases := []struct {
		cur, dur float64
		ok       bool
	}{
		{0, 120, true},
		{120, 120, true},
		{124, 120, true},
		{126, 120, false},
		{-1, 120, false},
		{10, 0, false},
		{10, -5, false},
		{math.NaN(), 120, false},
		{10, math.Inf(1), false},
	}
	for _, tc := range cases {
		err := ValidateProgress(tc.cur, tc.dur)
		if tc.ok && err != nil {
			t.Fatalf("%v/%v: unexpected error %v", tc.cur, tc.dur, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidProgress) {
			t.Fatalf("%v/%v: expected ErrInvalidProgress, got %v", tc.cur, tc.dur, err)
		}
	}
}

func TestSessionKeyValidate(t *testing.T) {
	if err := (SessionKey{ContentID: "c"}).Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if err := (SessionKey{ViewerID: "v", ContentID: " "}).Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if got := (SessionKey{ViewerID: "v", ContentID: "c"}).Slot(); got != "c:-" {
		t.Fatalf("unexpected slot %q", got)
	}
	if got := (SessionKey{ViewerID: "v", ContentID: "c", EpisodeID: "e2"}).Slot(); got != "c:e2" {
		t.Fatalf("unexpected slot %q", got)
	}
}

func TestTierAllows(t *testing.T) {
	if TierFree.Allows(TierPremium) {
		t.Fatalf("free must not unlock premium")
	}
	if !TierPremium.Allows(TierBasic) || !TierBasic.Allows(TierBasic) {
		t.Fatalf("higher or equal tiers must unlock")
	}
	if ParseTier(" Premium ") != TierPremium || ParseTier("") != TierFree || ParseTier("gold") != TierFree {
		t.Fatalf("unexpected tier parsing")
	}
}

func TestTierJSON(t *testing.T) {
	b, err := json.Marshal(map[string]Tier{"tier": TierStandard})
	if err != nil || string(b) != `{"tier":"standard"}` {
		t.Fatalf("unexpected encoding %s (%v)", b, err)
	}
	var got struct{ Tier Tier }
	if err := json.Unmarshal([]byte(`{"Tier":"premium"}`), &got); err != nil || got.Tier != TierPremium {
		t.Fatalf("unexpected decoding %v (%v)", got.Tier, err)
	}
}

func TestSelectQuality(t *testing.T) {
	sources := map[string]string{"480p": "a", "1080p": "b", "2160p": "c"}
	cases := []struct {
		tier      Tier
		requested string
		want      string
	}{
		{TierPremium, "", "2160p"},
		{TierPremium, "1080p", "1080p"},
		{TierPremium, "720p", "480p"},
		{TierStandard, "2160p", "1080p"},
		{TierBasic, "", "480p"},
		{TierFree, "1080p", "480p"},
	}
	for _, tc := range cases {
		got, ok := tc.tier.SelectQuality(tc.requested, sources)
		if !ok || got != tc.want {
			t.Fatalf("%s/%q: got %q (%v), want %q", tc.tier, tc.requested, got, ok, tc.want)
		}
	}

	if _, ok := TierFree.SelectQuality("", map[string]string{"1080p": "x"}); ok {
		t.Fatalf("free tier must not receive 1080p")
	}
	if got, ok := TierFree.SelectQuality("", map[string]string{"auto": "x", "1080p": "y"}); !ok || got != "auto" {
		t.Fatalf("expected unlabelled fallback, got %q", got)
	}
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		code   codes.Code
		reason string
	}{
		{fmt.Errorf("resolve: %w", ErrContentNotFound), codes.NotFound, "CONTENT_NOT_FOUND"},
		{ErrAccessDenied, codes.PermissionDenied, "ACCESS_DENIED"},
		{ErrInvalidProgress, codes.InvalidArgument, "INVALID_PROGRESS"},
		{ErrConcurrentUpdate, codes.Aborted, "CONCURRENT_UPDATE"},
		{ErrSessionNotFound, codes.NotFound, "SESSION_NOT_FOUND"},
		{fmt.Errorf("%w: catalog", ErrUnavailable), codes.Unavailable, "UNAVAILABLE"},
		{context.DeadlineExceeded, codes.DeadlineExceeded, "TIMEOUT"},
		{errors.New("boom"), codes.Internal, "INTERNAL"},
	}
	for _, tc := range cases {
		st := Status(tc.err)
		if st.Code() != tc.code {
			t.Fatalf("%v: got code %v, want %v", tc.err, st.Code(), tc.code)
		}
		var reason string
		for _, d := range st.Details() {
			if info, ok := d.(*errdetails.ErrorInfo); ok {
				reason = info.GetReason()
			}
		}
		if reason != tc.reason {
			t.Fatalf("%v: got reason %q, want %q", tc.err, reason, tc.reason)
		}
	}
	if Status(errors.New("secret dsn")).Message() != "internal error" {
		t.Fatalf("internal errors must not leak messages")
	}
}
