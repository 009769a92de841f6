package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mcdev12/unread/go/internal/appconfig"
	"github.com/mcdev12/unread/go/internal/dbconfig"
	"github.com/mcdev12/unread/go/internal/unread/counterapi"
	"github.com/mcdev12/unread/go/internal/unread/outbox"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	migrate := flag.Bool("migrate", false, "create tables before serving")
	flag.Parse()

	cfg, err := appconfig.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	cfg.SetupLogging()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbCfg := dbconfig.NewConfigFromEnv()
	pool, err := dbconfig.Connect(ctx, dbCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	log.Info().
		Str("database", dbCfg.Database).
		Str("addr", cfg.Counter.Addr).
		Msg("starting counter service")

	repo := counterapi.NewRepository(pool)
	if *migrate {
		if err := repo.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to apply schema")
		}
	}

	worker := startOutbox(ctx, cfg, pool)
	if worker != nil {
		defer worker.Stop()
	}

	service := counterapi.NewService(counterapi.NewApp(repo))
	server := setupServer(cfg, service)

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	log.Info().Msg("counter service shutdown complete")
}

// startOutbox publishes queued message events to JetStream. The counter API
// keeps serving without it when NATS is unavailable.
func startOutbox(ctx context.Context, cfg *appconfig.Config, pool *pgxpool.Pool) *outbox.Worker {
	if !cfg.Outbox.Enabled || cfg.NATS.URL == "" {
		log.Info().Msg("outbox worker disabled")
		return nil
	}

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		log.Error().Err(err).Str("nats_url", cfg.NATS.URL).Msg("failed to connect to NATS, outbox disabled")
		return nil
	}

	publisher, err := outbox.NewJetStreamPublisher(ctx, nc, cfg.NATS.Stream, cfg.NATS.Subject)
	if err != nil {
		nc.Close()
		log.Error().Err(err).Msg("failed to create outbox publisher, outbox disabled")
		return nil
	}

	workerCfg := outbox.DefaultConfig()
	workerCfg.PollInterval = cfg.Outbox.PollInterval
	workerCfg.BatchSize = cfg.Outbox.BatchSize
	workerCfg.Metrics = outbox.NewPrometheusMetrics(prometheus.DefaultRegisterer)

	worker := outbox.NewWorker(outbox.NewRepository(pool), publisher, workerCfg)
	if err := worker.Start(ctx); err != nil {
		nc.Close()
		log.Error().Err(err).Msg("failed to start outbox worker")
		return nil
	}

	go outbox.NewListener(pool, worker).Start(ctx)

	go func() {
		<-ctx.Done()
		nc.Drain()
	}()
	return worker
}

func setupServer(cfg *appconfig.Config, service *counterapi.Service) *http.Server {
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

	service.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})

	return &http.Server{
		Addr:              cfg.Counter.Addr,
		Handler:           h2c.NewHandler(c.Handler(mux), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}
