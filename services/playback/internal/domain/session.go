// Package domain holds the playback types shared by the session store, the
// watch-history ledger and the recommendation scorer.
package domain

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// CompletionThreshold is the percentage at which a session latches completed.
	CompletionThreshold = 90.0
	// ContinueWatchingFloor excludes sessions that were barely started.
	ContinueWatchingFloor = 5.0
	// ProgressToleranceSeconds is how far a report may overshoot the duration
	// (player clocks drift past the end) before it is rejected.
	ProgressToleranceSeconds = 5.0
)

// SessionKey identifies the playback slot of one viewer on one piece of content.
// EpisodeID is empty for content without episodes.
type SessionKey struct {
	ViewerID  string `json:"viewer_id"`
	ContentID string `json:"content_id"`
	EpisodeID string `json:"episode_id,omitempty"`
}

func (k SessionKey) Validate() error {
	if strings.TrimSpace(k.ViewerID) == "" {
		return fmt.Errorf("%w: viewer_id is required", ErrInvalidArgument)
	}
	if strings.TrimSpace(k.ContentID) == "" {
		return fmt.Errorf("%w: content_id is required", ErrInvalidArgument)
	}
	return nil
}

// Slot is the storage form of the key without the viewer; "-" stands for no episode.
func (k SessionKey) Slot() string {
	ep := k.EpisodeID
	if ep == "" {
		ep = "-"
	}
	return k.ContentID + ":" + ep
}

type Session struct {
	ID                     string    `json:"id"`
	ViewerID               string    `json:"viewer_id"`
	ContentID              string    `json:"content_id"`
	EpisodeID              string    `json:"episode_id,omitempty"`
	CurrentTimeSeconds     float64   `json:"current_time_seconds"`
	TotalDurationSeconds   float64   `json:"total_duration_seconds"`
	CompletionPercentage   float64   `json:"completion_percentage"`
	Completed              bool      `json:"completed"`
	QualityTier            string    `json:"quality_tier,omitempty"`
	Device                 string    `json:"device,omitempty"`
	StartedAt              time.Time `json:"started_at"`
	LastUpdatedAt          time.Time `json:"last_updated_at"`
	CumulativeWatchSeconds float64   `json:"cumulative_watch_seconds"`
	ClientTsMs             int64     `json:"client_ts_ms,omitempty"`
	Version                int64     `json:"version"`
}

func NewSession(key SessionKey, durationSeconds float64, quality, device string, now time.Time) Session {
	return Session{
		ID:                   uuid.NewString(),
		ViewerID:             key.ViewerID,
		ContentID:            key.ContentID,
		EpisodeID:            key.EpisodeID,
		TotalDurationSeconds: durationSeconds,
		QualityTier:          quality,
		Device:               device,
		StartedAt:            now,
		LastUpdatedAt:        now,
	}
}

func (s Session) Key() SessionKey {
	return SessionKey{ViewerID: s.ViewerID, ContentID: s.ContentID, EpisodeID: s.EpisodeID}
}

// Open reports whether the session can still be resumed.
func (s Session) Open() bool { return !s.Completed }

// ApplyProgress moves the playhead to currentSeconds.
//
// Only forward movement accrues watch time. Once completed, the session stays
// completed and its percentage never goes down.
func (s *Session) ApplyProgress(currentSeconds float64, clientTsMs int64, now time.Time) {
	if currentSeconds > s.TotalDurationSeconds {
		currentSeconds = s.TotalDurationSeconds
	}
	if delta := currentSeconds - s.CurrentTimeSeconds; delta > 0 {
		s.CumulativeWatchSeconds += delta
	}
	s.CurrentTimeSeconds = currentSeconds

	pct := Percentage(currentSeconds, s.TotalDurationSeconds)
	if s.Completed && pct < s.CompletionPercentage {
		pct = s.CompletionPercentage
	}
	s.CompletionPercentage = pct
	if pct >= CompletionThreshold {
		s.Completed = true
	}
	if clientTsMs > s.ClientTsMs {
		s.ClientTsMs = clientTsMs
	}
	s.LastUpdatedAt = now
}

// MarkCompleted forces the terminal state regardless of the playhead.
func (s *Session) MarkCompleted(now time.Time) {
	s.Completed = true
	s.CompletionPercentage = 100
	s.LastUpdatedAt = now
}

// Stale reports whether a report stamped clientTsMs predates what is stored.
// Reports without a client timestamp are never stale.
func (s Session) Stale(clientTsMs int64) bool {
	return clientTsMs > 0 && clientTsMs < s.ClientTsMs
}

// Percentage is current/duration*100 clamped to [0,100].
func Percentage(currentSeconds, durationSeconds float64) float64 {
	if durationSeconds <= 0 {
		return 0
	}
	p := currentSeconds * 100 / durationSeconds
	return math.Max(0, math.Min(100, p))
}

// ValidateProgress rejects readings that cannot come from a real player.
func ValidateProgress(currentSeconds, durationSeconds float64) error {
	switch {
	case math.IsNaN(currentSeconds) || math.IsInf(currentSeconds, 0):
		return fmt.Errorf("%w: current time is not a number", ErrInvalidProgress)
	case math.IsNaN(durationSeconds) || math.IsInf(durationSeconds, 0):
		return fmt.Errorf("%w: duration is not a number", ErrInvalidProgress)
	case currentSeconds < 0:
		return fmt.Errorf("%w: current time %.1fs is negative", ErrInvalidProgress, currentSeconds)
	case durationSeconds <= 0:
		return fmt.Errorf("%w: duration must be positive", ErrInvalidProgress)
	case currentSeconds > durationSeconds+ProgressToleranceSeconds:
		return fmt.Errorf("%w: current time %.1fs exceeds duration %.1fs", ErrInvalidProgress, currentSeconds, durationSeconds)
	}
	return nil
}
