package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcdev12/unread/go/clients/counters"
	"github.com/mcdev12/unread/go/internal/appconfig"
	"github.com/mcdev12/unread/go/internal/unread/countersync"
	"github.com/mcdev12/unread/go/internal/unread/gateway"
	"github.com/mcdev12/unread/go/internal/unread/persist"
	"github.com/mcdev12/unread/go/internal/unread/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := appconfig.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	cfg.SetupLogging()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, closeKV, err := openKV(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Persist.Backend).Msg("failed to open persistence")
	}
	defer closeKV()

	counterClient := counters.NewClient(cfg.Counter.BaseURL, &http.Client{Timeout: 15 * time.Second})

	gatewayConfig := buildGatewayConfig(cfg)
	gatewayService, err := gateway.NewService(gatewayConfig, session.Deps{
		Source: counterClient,
		Marker: counterClient,
		KV:     kv,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create gateway service")
	}
	if err := gatewayService.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		log.Fatal().Err(err).Msg("failed to register gateway metrics")
	}

	log.Info().
		Str("addr", cfg.Gateway.Addr).
		Str("counter_url", cfg.Counter.BaseURL).
		Str("nats_url", cfg.NATS.URL).
		Str("backend", cfg.Persist.Backend).
		Msg("starting unread gateway")

	server := setupServer(cfg, gatewayService)
	metricsServer := setupMetricsServer(cfg)

	go func() {
		if err := gatewayService.Start(ctx); err != nil {
			log.Error().Err(err).Msg("gateway service failed")
		}
	}()

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	go func() {
		log.Info().Str("addr", metricsServer.Addr).Msg("metrics server starting")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("metrics server shutdown failed")
	}
	log.Info().Msg("unread gateway shutdown complete")
}

func buildGatewayConfig(cfg *appconfig.Config) gateway.Config {
	gatewayConfig := gateway.DefaultConfig()

	gatewayConfig.JetStreamConfig.URL = cfg.NATS.URL
	gatewayConfig.JetStreamConfig.StreamName = cfg.NATS.Stream
	gatewayConfig.JetStreamConfig.ConsumerName = cfg.NATS.Consumer
	gatewayConfig.JetStreamConfig.ReplicaID = cfg.NATS.Replica
	gatewayConfig.JetStreamConfig.SubjectFilter = cfg.NATS.Subject

	sessionCfg := session.DefaultConfig()
	sessionCfg.FreezeWindow = cfg.Engine.FreezeWindow
	sessionCfg.DedupeWindow = cfg.Engine.DedupeWindow
	sessionCfg.Failsafe = cfg.Engine.Failsafe
	sessionCfg.Sync.ClearDelay = cfg.Engine.ClearDelay
	sessionCfg.Sync.GuestPollInterval = cfg.Engine.GuestPollInterval
	sessionCfg.Sync.AdminPollInterval = cfg.Engine.AdminPollInterval
	sessionCfg.Sync.Metrics = countersync.NewPrometheusMetrics(prometheus.DefaultRegisterer)
	gatewayConfig.Session = sessionCfg

	return gatewayConfig
}

// openKV opens the configured persistence backend. The returned func releases it.
func openKV(ctx context.Context, cfg *appconfig.Config) (persist.KV, func(), error) {
	switch cfg.Persist.Backend {
	case appconfig.BackendSQLite:
		kv, err := persist.OpenSQLite(cfg.Persist.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return kv, closer("sqlite", kv), nil
	case appconfig.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr: cfg.Persist.RedisAddr,
			DB:   cfg.Persist.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		return persist.NewRedisKV(client, cfg.Persist.RedisTTL), closer("redis", client), nil
	default:
		return persist.NewMemoryKV(), func() {}, nil
	}
}

func closer(name string, c io.Closer) func() {
	return func() {
		if err := c.Close(); err != nil {
			log.Error().Err(err).Str("backend", name).Msg("failed to close persistence")
		}
	}
}

func setupServer(cfg *appconfig.Config, gatewayService *gateway.Service) *http.Server {
	mux := http.NewServeMux()

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: cfg.Gateway.AllowOrigins,
		AllowedHeaders: []string{"*"},
	})

	gatewayService.RegisterRoutes(mux)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})

	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(gatewayService.GetStats()); err != nil {
			log.Error().Err(err).Msg("failed to write service info")
		}
	})

	// No write timeout: websocket connections are long lived.
	return &http.Server{
		Addr:              cfg.Gateway.Addr,
		Handler:           h2c.NewHandler(c.Handler(mux), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func setupMetricsServer(cfg *appconfig.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:              cfg.Gateway.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
