package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mcdev12/unread/go/internal/models"
	"github.com/mcdev12/unread/go/internal/unread/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Service is the unread gateway: it serves viewer websockets and feeds them
// realtime messages from JetStream.
type Service struct {
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	eventConsumer     *EventConsumer
}

// Config holds configuration for the unread gateway service
type Config struct {
	ConnectionConfig ConnectionConfig
	JetStreamConfig  JetStreamConsumerConfig // empty URL disables the consumer
	Session          session.Config
}

// DefaultConfig returns default configuration for the unread gateway
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
		JetStreamConfig:  DefaultJetStreamConsumerConfig(),
		Session:          session.DefaultConfig(),
	}
}

// NewService creates a new unread gateway service
func NewService(config Config, deps session.Deps) (*Service, error) {
	connectionManager := NewConnectionManager(config.ConnectionConfig, deps, config.Session)

	s := &Service{
		connectionManager: connectionManager,
		wsHandler:         NewWebSocketHandler(connectionManager),
	}

	if config.JetStreamConfig.URL != "" {
		eventConsumer, err := NewEventConsumer(connectionManager, config.JetStreamConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create event consumer: %w", err)
		}
		s.eventConsumer = eventConsumer
	} else {
		log.Warn().Msg("JetStream URL not set, realtime messages disabled")
	}

	return s, nil
}

// RegisterMetrics exposes the number of open connections.
func (s *Service) RegisterMetrics(reg prometheus.Registerer) error {
	return reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "unread_gateway_connections",
		Help: "Open viewer websocket connections",
	}, func() float64 {
		return float64(s.connectionManager.ConnectionCount())
	}))
}

// Start runs the gateway until ctx is cancelled
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting unread gateway service")

	go s.connectionManager.Start(ctx)

	if s.eventConsumer != nil {
		go func() {
			if err := s.eventConsumer.Start(ctx); err != nil {
				log.Error().Err(err).Msg("event consumer failed")
			}
		}()
	}

	<-ctx.Done()

	log.Info().Msg("unread gateway service shutting down")
	return s.Stop()
}

// Stop gracefully shuts down the gateway service
func (s *Service) Stop() error {
	if s.eventConsumer != nil {
		if err := s.eventConsumer.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop event consumer")
		}
	}

	// Connections are closed by the connection manager when its context ends.
	log.Info().Msg("unread gateway service stopped")
	return nil
}

// RegisterRoutes registers the websocket HTTP routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	log.Info().Msg("unread gateway routes registered")
}

// GetStats returns statistics about the gateway service
func (s *Service) GetStats() map[string]interface{} {
	stats := s.connectionManager.GetConnectionStats()
	stats["service"] = "unread_gateway"
	stats["realtime"] = s.eventConsumer != nil
	return stats
}

// BroadcastMessage routes a message to a board without going through JetStream.
func (s *Service) BroadcastMessage(ownerID string, event models.MessageEvent) {
	s.connectionManager.BroadcastToBoard(ownerID, event)
}
