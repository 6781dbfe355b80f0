// Package worker applies progress events that clients published to JetStream
// instead of calling the API synchronously.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/example/stream-platform/internal/platform/natsconn"
	"github.com/example/stream-platform/services/playback/internal/domain"
	"github.com/example/stream-platform/services/playback/internal/idempotency"
	"github.com/example/stream-platform/services/playback/internal/metrics"
	"github.com/example/stream-platform/services/playback/internal/session"
)

const (
	StreamName      = "PLAYBACK_EVENTS"
	SubjectProgress = "playback.progress"
	SubjectDLQ      = "playback.dlq"
	durableName     = "playback_progress"
)

// ProgressEvent is the payload published by the progress endpoint in async mode.
type ProgressEvent struct {
	EventID         string  `json:"event_id"`
	ViewerID        string  `json:"viewer_id"`
	SessionID       string  `json:"session_id,omitempty"`
	ContentID       string  `json:"content_id"`
	EpisodeID       string  `json:"episode_id,omitempty"`
	CurrentSeconds  float64 `json:"current_time_seconds"`
	DurationSeconds float64 `json:"duration_seconds"`
	ClientTsMs      int64   `json:"client_ts_ms"`
	CreatedAt       string  `json:"created_at"`
}

func (ev ProgressEvent) report() session.ProgressReport {
	return session.ProgressReport{
		SessionID:       ev.SessionID,
		Key:             domain.SessionKey{ViewerID: ev.ViewerID, ContentID: ev.ContentID, EpisodeID: ev.EpisodeID},
		CurrentSeconds:  ev.CurrentSeconds,
		DurationSeconds: ev.DurationSeconds,
		ClientTsMs:      ev.ClientTsMs,
	}
}

type Applier interface {
	ReportProgress(ctx context.Context, r session.ProgressReport) (session.ProgressState, error)
}

type Worker struct {
	Log   *zap.Logger
	JS    nats.JetStreamContext
	Apply Applier
	Dedup idempotency.Store

	BatchSize  int
	BatchWait  time.Duration
	MaxDeliver int
}

type outcome int

const (
	outcomeAck outcome = iota
	outcomeRetry
)

func (w *Worker) Run(ctx context.Context) error {
	if err := natsconn.EnsureStream(w.JS, StreamName, SubjectProgress, SubjectDLQ); err != nil {
		return err
	}
	sub, err := w.JS.PullSubscribe(SubjectProgress, durableName)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", SubjectProgress, err)
	}

	batch := w.BatchSize
	if batch <= 0 {
		batch = 100
	}
	wait := w.BatchWait
	if wait <= 0 {
		wait = 2 * time.Second
	}

	w.Log.Info("consumer started", zap.String("subject", SubjectProgress), zap.Int("batch", batch))
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, err := sub.Fetch(batch, nats.MaxWait(wait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			w.Log.Warn("fetch failed", zap.String("subject", SubjectProgress), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		for _, m := range msgs {
			w.handleMsg(ctx, m)
		}
	}
}

func (w *Worker) handleMsg(ctx context.Context, m *nats.Msg) {
	numDelivered := uint64(1)
	if md, err := m.Metadata(); err == nil && md != nil {
		numDelivered = md.NumDelivered
	}

	if w.MaxDeliver > 0 && int(numDelivered) > w.MaxDeliver {
		if err := w.publishDLQ(m.Data, fmt.Sprintf("max deliveries exceeded: %d", numDelivered)); err != nil {
			w.Log.Warn("dlq publish failed", zap.Error(err))
		}
		metrics.EventsProcessed.WithLabelValues("dropped").Inc()
		_ = m.Ack()
		return
	}

	switch w.process(ctx, m.Data) {
	case outcomeRetry:
		metrics.EventsProcessed.WithLabelValues("retry").Inc()
		_ = m.NakWithDelay(backoffDelay(numDelivered))
	default:
		_ = m.Ack()
	}
}

// process applies one event. Malformed events and readings the service
// rejects are acknowledged and dropped; storage failures are retried.
func (w *Worker) process(ctx context.Context, data []byte) outcome {
	var ev ProgressEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		w.Log.Warn("bad payload", zap.String("subject", SubjectProgress), zap.Error(err))
		metrics.EventsProcessed.WithLabelValues("dropped").Inc()
		return outcomeAck
	}
	if strings.TrimSpace(ev.EventID) == "" {
		w.Log.Warn("event without id", zap.String("viewer_id", ev.ViewerID))
		metrics.EventsProcessed.WithLabelValues("dropped").Inc()
		return outcomeAck
	}

	dup, err := w.Dedup.Check(ctx, ev.EventID)
	if err != nil {
		w.Log.Warn("dedup check failed", zap.String("event_id", ev.EventID), zap.Error(err))
		return outcomeRetry
	}
	if dup {
		metrics.EventsProcessed.WithLabelValues("duplicate").Inc()
		return outcomeAck
	}

	_, err = w.Apply.ReportProgress(ctx, ev.report())
	switch {
	case err == nil:
		metrics.EventsProcessed.WithLabelValues("applied").Inc()
		return outcomeAck
	case errors.Is(err, domain.ErrInvalidProgress),
		errors.Is(err, domain.ErrInvalidArgument),
		errors.Is(err, domain.ErrContentNotFound):
		w.Log.Info("progress event rejected", zap.String("event_id", ev.EventID), zap.Error(err))
		metrics.EventsProcessed.WithLabelValues("dropped").Inc()
		return outcomeAck
	default:
		w.Log.Warn("apply progress failed", zap.String("event_id", ev.EventID), zap.Error(err))
		if ferr := w.Dedup.Forget(ctx, ev.EventID); ferr != nil {
			w.Log.Warn("dedup forget failed", zap.String("event_id", ev.EventID), zap.Error(ferr))
		}
		return outcomeRetry
	}
}

func (w *Worker) publishDLQ(data []byte, reason string) error {
	msg := map[string]any{"subject": SubjectProgress, "reason": reason, "payload": json.RawMessage(data)}
	b, _ := json.Marshal(msg)
	_, err := w.JS.Publish(SubjectDLQ, b)
	return err
}
