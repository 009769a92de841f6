package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mcdev12/unread/go/internal/unread/unreadv1"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// EventPublisher delivers one event to the realtime stream
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// JetStreamPublisher publishes events to NATS JetStream
type JetStreamPublisher struct {
	js            jetstream.JetStream
	subjectPrefix string
}

// NewJetStreamPublisher ensures the stream exists and returns a publisher for it.
func NewJetStreamPublisher(ctx context.Context, nc *nats.Conn, streamName, subjects string) (*JetStreamPublisher, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{subjects},
		MaxAge:   24 * time.Hour,
	}); err != nil {
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	return &JetStreamPublisher{js: js, subjectPrefix: subjects}, nil
}

func (p *JetStreamPublisher) Publish(ctx context.Context, event Event) error {
	subject := unreadv1.SubjectForOwner(p.subjectPrefix, event.OwnerID)

	data, err := json.Marshal(event.Envelope())
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ack, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.ID))
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	log.Debug().
		Str("subject", subject).
		Str("event_id", event.ID).
		Uint64("sequence", ack.Sequence).
		Bool("duplicate", ack.Duplicate).
		Msg("published message event")
	return nil
}
