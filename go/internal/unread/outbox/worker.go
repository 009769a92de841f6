package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
	RetryDelay   time.Duration
	Clock        clockwork.Clock
	Metrics      MetricsCollector
}

func DefaultConfig() Config {
	return Config{
		PollInterval: time.Second,
		BatchSize:    100,
		MaxRetries:   3,
		RetryDelay:   200 * time.Millisecond,
		Clock:        clockwork.NewRealClock(),
		Metrics:      NoOpMetricsCollector{},
	}
}

// Worker drains the outbox on a fixed interval
type Worker struct {
	store     Store
	publisher EventPublisher
	config    Config

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wake     chan struct{}
	wg       sync.WaitGroup
}

func NewWorker(store Store, publisher EventPublisher, cfg Config) *Worker {
	defaults := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.Clock == nil {
		cfg.Clock = defaults.Clock
	}
	if cfg.Metrics == nil {
		cfg.Metrics = defaults.Metrics
	}
	return &Worker{
		store:     store,
		publisher: publisher,
		config:    cfg,
		wake:      make(chan struct{}, 1),
	}
}

// Wake asks a running worker to drain now instead of at the next tick.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("outbox worker already running")
	}
	w.running = true
	w.stopChan = make(chan struct{})
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx, w.stopChan)

	log.Info().
		Dur("poll_interval", w.config.PollInterval).
		Int("batch_size", w.config.BatchSize).
		Msg("outbox worker started")

	return nil
}

func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("outbox worker not running")
	}
	w.running = false
	close(w.stopChan)
	w.mu.Unlock()

	w.wg.Wait()

	log.Info().Msg("outbox worker stopped")
	return nil
}

func (w *Worker) run(ctx context.Context, stop <-chan struct{}) {
	defer w.wg.Done()

	ticker := w.config.Clock.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	// Process immediately on start
	w.drain(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.Chan():
			w.drain(ctx)
		case <-w.wake:
			w.drain(ctx)
		}
	}
}

// drain processes full batches back to back so a backlog clears without
// waiting a poll interval per batch.
func (w *Worker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		fetched, published := w.processOutbox(ctx)
		if fetched < w.config.BatchSize || published == 0 {
			return
		}
	}
}

// processOutbox publishes one batch and returns how many events were fetched
// and how many were published.
func (w *Worker) processOutbox(ctx context.Context) (int, int) {
	start := w.config.Clock.Now()
	published := 0

	fetched, err := w.store.ProcessUnsent(ctx, w.config.BatchSize, func(events []Event) []string {
		sent := make([]string, 0, len(events))
		for _, event := range events {
			if err := w.publishWithRetry(ctx, event); err != nil {
				log.Error().
					Err(err).
					Str("event_id", event.ID).
					Str("board_owner_id", event.OwnerID).
					Msg("failed to publish event")
				continue
			}
			sent = append(sent, event.ID)
		}
		published = len(sent)
		return sent
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to process outbox")
		return 0, 0
	}
	if fetched == 0 {
		return 0, 0
	}

	w.config.Metrics.RecordBatchProcessed(fetched, w.config.Clock.Since(start))
	log.Info().
		Int("total", fetched).
		Int("successful", published).
		Msg("processed outbox events")
	return fetched, published
}

func (w *Worker) publishWithRetry(ctx context.Context, event Event) error {
	var lastErr error

	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 && w.config.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-w.config.Clock.After(w.config.RetryDelay * time.Duration(attempt)):
			}
		}

		if err := w.publisher.Publish(ctx, event); err != nil {
			lastErr = err
			log.Warn().
				Err(err).
				Str("event_id", event.ID).
				Int("attempt", attempt+1).
				Msg("failed to publish event, retrying")
			continue
		}

		w.config.Metrics.RecordEventPublished(true, attempt+1)
		return nil
	}

	w.config.Metrics.RecordEventPublished(false, w.config.MaxRetries+1)
	return fmt.Errorf("failed after %d attempts: %w", w.config.MaxRetries+1, lastErr)
}
