package gateway

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/unread/go/internal/models"
	"github.com/mcdev12/unread/go/internal/unread/unreadv1"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// JetStreamConsumerConfig holds configuration for the JetStream consumer
type JetStreamConsumerConfig struct {
	URL           string
	StreamName    string
	ConsumerName  string
	SubjectFilter string // e.g. "unread.messages.>"
	MaxDeliver    int
	AckWait       time.Duration
	MaxAckPending int
	MaxReconnects int
	ReconnectWait time.Duration

	// ReplicaID is appended to ConsumerName so every gateway replica gets
	// its own durable and sees every message. Defaults to the hostname.
	ReplicaID string

	// InactiveThreshold lets the server remove durables of replicas that
	// went away.
	InactiveThreshold time.Duration
}

// DefaultJetStreamConsumerConfig returns default JetStream consumer configuration
func DefaultJetStreamConsumerConfig() JetStreamConsumerConfig {
	return JetStreamConsumerConfig{
		URL:           nats.DefaultURL,
		StreamName:    "UNREAD_MESSAGES",
		ConsumerName:  "unread-gateway",
		SubjectFilter: unreadv1.DefaultMessageSubjects,
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		MaxAckPending: 1000,
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,

		InactiveThreshold: time.Hour,
	}
}

// replicaConsumerName derives the durable name for one gateway replica.
// Characters JetStream rejects in consumer names are replaced with '-'.
func replicaConsumerName(base, replicaID string) string {
	if replicaID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			replicaID = host
		} else {
			replicaID = uuid.NewString()
		}
	}
	name := base + "-" + replicaID
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', '/', '\\', ' ', '\t', '\n', '\r':
			return '-'
		}
		return r
	}, name)
}

// MessageRouter receives decoded realtime messages.
type MessageRouter interface {
	BroadcastToBoard(ownerID string, event models.MessageEvent)
}

// EventConsumer consumes new-message events from JetStream and routes them to
// the viewers connected to the message's board.
type EventConsumer struct {
	router   MessageRouter
	nc       *nats.Conn
	js       jetstream.JetStream
	consumer jetstream.Consumer
	config   JetStreamConsumerConfig
}

// NewEventConsumer connects to NATS and ensures this replica's durable
// consumer exists.
func NewEventConsumer(router MessageRouter, config JetStreamConsumerConfig) (*EventConsumer, error) {
	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	config.ConsumerName = replicaConsumerName(config.ConsumerName, config.ReplicaID)

	ec := &EventConsumer{
		router: router,
		nc:     nc,
		js:     js,
		config: config,
	}

	if err := ec.ensureConsumer(context.Background()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure consumer: %w", err)
	}

	return ec, nil
}

// ensureConsumer creates the stream and durable consumer if they are missing
func (ec *EventConsumer) ensureConsumer(ctx context.Context) error {
	stream, err := ec.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     ec.config.StreamName,
		Subjects: []string{ec.config.SubjectFilter},
		MaxAge:   24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("ensure stream: %w", err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          ec.config.ConsumerName,
		Durable:       ec.config.ConsumerName,
		Description:   "Unread gateway message consumer",
		FilterSubject: ec.config.SubjectFilter,
		// Only live messages matter; history is covered by the counter poll.
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    ec.config.MaxDeliver,
		AckWait:       ec.config.AckWait,
		MaxAckPending: ec.config.MaxAckPending,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,

		// Each replica serves its own connections, so every replica needs
		// every message.
		InactiveThreshold: ec.config.InactiveThreshold,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	log.Info().
		Str("consumer", ec.config.ConsumerName).
		Str("stream", ec.config.StreamName).
		Msg("JetStream consumer ready")

	ec.consumer = consumer
	return nil
}

// Start consumes messages until ctx is done
func (ec *EventConsumer) Start(ctx context.Context) error {
	log.Info().
		Str("consumer", ec.config.ConsumerName).
		Str("stream", ec.config.StreamName).
		Msg("starting JetStream event consumer")

	messageCh := make(chan jetstream.Msg, 100)

	consumeCtx, err := ec.consumer.Consume(func(msg jetstream.Msg) {
		select {
		case messageCh <- msg:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer consumeCtx.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("event consumer shutting down")
			return nil
		case msg := <-messageCh:
			if err := ec.processMessage(msg); err != nil {
				// Malformed payloads will never decode; drop them.
				log.Error().
					Err(err).
					Str("subject", msg.Subject()).
					Msg("failed to process message")
				if termErr := msg.Term(); termErr != nil {
					log.Error().Err(termErr).Msg("failed to TERM message")
				}
				continue
			}
			if ackErr := msg.Ack(); ackErr != nil {
				log.Error().Err(ackErr).Msg("failed to ACK message")
			}
		}
	}
}

func (ec *EventConsumer) processMessage(msg jetstream.Msg) error {
	ownerID, event, err := decodeMessage(msg.Subject(), msg.Data())
	if err != nil {
		return err
	}

	log.Debug().
		Str("board_owner_id", ownerID).
		Str("channel_id", event.ChannelID).
		Str("message_id", event.MessageID).
		Msg("processing JetStream message")

	ec.router.BroadcastToBoard(ownerID, event)
	return nil
}

// Stop closes the NATS connection
func (ec *EventConsumer) Stop() error {
	log.Info().Msg("stopping event consumer")
	if ec.nc != nil {
		ec.nc.Drain()
	}
	return nil
}
