package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// NotifyChannel is the Postgres channel the outbox trigger notifies on.
const NotifyChannel = "message_outbox"

// Listener wakes a worker whenever Postgres reports a new outbox row. The
// worker's own poll covers anything missed while the listener reconnects.
type Listener struct {
	pool       *pgxpool.Pool
	worker     *Worker
	clock      clockwork.Clock
	retryDelay time.Duration
	listen     func(ctx context.Context) error
}

// NewListener creates a listener that shares the worker's clock.
func NewListener(pool *pgxpool.Pool, worker *Worker) *Listener {
	l := &Listener{
		pool:       pool,
		worker:     worker,
		clock:      worker.config.Clock,
		retryDelay: 5 * time.Second,
	}
	l.listen = l.listenOnce
	return l
}

// Start listens until ctx is done, reconnecting after failures.
func (l *Listener) Start(ctx context.Context) {
	log.Info().Str("channel", NotifyChannel).Msg("listener started")

	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			log.Info().Msg("listener shutting down")
			return
		}
		log.Error().Err(err).Dur("retry_in", l.retryDelay).Msg("listener lost connection")

		select {
		case <-ctx.Done():
			return
		case <-l.clock.After(l.retryDelay):
		}
	}
}

func (l *Listener) listenOnce(ctx context.Context) error {
	pooled, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	// A connection that ran LISTEN must not go back to the pool.
	conn := pooled.Hijack()
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	// Catch up on rows queued while we were not listening.
	l.worker.Wake()

	for {
		note, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		log.Debug().Str("event_id", note.Payload).Msg("outbox notification")
		l.worker.Wake()
	}
}
