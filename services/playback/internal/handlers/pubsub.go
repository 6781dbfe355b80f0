package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/example/stream-platform/services/playback/internal/worker"
)

var ErrAsyncPublishDisabled = errors.New("async publish is disabled")

// EventPublisher hands progress readings to JetStream for the worker to apply.
type EventPublisher struct {
	js          nats.JetStreamContext
	asyncWrites bool
	now         func() time.Time
}

func NewEventPublisher(js nats.JetStreamContext, asyncWrites bool) *EventPublisher {
	return &EventPublisher{js: js, asyncWrites: asyncWrites, now: time.Now}
}

func (p *EventPublisher) Enabled() bool {
	return p != nil && p.js != nil && p.asyncWrites
}

// PublishProgress stamps ev with a fresh event id and publishes it on
// worker.SubjectProgress. The id doubles as the dedup key downstream.
func (p *EventPublisher) PublishProgress(ev worker.ProgressEvent) (string, error) {
	if !p.Enabled() {
		return "", ErrAsyncPublishDisabled
	}

	ev.EventID = uuid.NewString()
	if ev.CreatedAt == "" {
		ev.CreatedAt = p.now().UTC().Format(time.RFC3339)
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("encode progress event: %w", err)
	}
	if _, err := p.js.Publish(worker.SubjectProgress, body, nats.MsgId(ev.EventID)); err != nil {
		return "", fmt.Errorf("publish progress event: %w", err)
	}
	return ev.EventID, nil
}
