package outbox

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/mcdev12/unread/go/internal/models"
	"github.com/mcdev12/unread/go/internal/sqlutil"
)

// Store hands batches of unsent events to fn inside one transaction. The ids
// fn returns are marked sent before the transaction commits.
type Store interface {
	ProcessUnsent(ctx context.Context, limit int, fn func(events []Event) []string) (int, error)
}

// Repository is the Postgres-backed Store
type Repository struct {
	db sqlutil.TxBeginner
}

// NewRepository creates a new outbox repository
func NewRepository(db sqlutil.TxBeginner) *Repository {
	return &Repository{db: db}
}

// ProcessUnsent locks up to limit unsent rows, skipping rows another worker
// holds, and returns how many were fetched.
func (r *Repository) ProcessUnsent(ctx context.Context, limit int, fn func(events []Event) []string) (int, error) {
	fetched := 0
	err := sqlutil.Run(ctx, r.db, func(tx pgx.Tx) error {
		events, err := fetchUnsent(ctx, tx, limit)
		if err != nil {
			return err
		}
		fetched = len(events)
		if fetched == 0 {
			return nil
		}

		sent := fn(events)
		if len(sent) == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx,
			`UPDATE message_outbox SET sent_at = now() WHERE id = ANY($1)`, sent,
		); err != nil {
			return fmt.Errorf("failed to mark outbox events as sent: %w", err)
		}
		return nil
	})
	return fetched, err
}

func fetchUnsent(ctx context.Context, tx pgx.Tx, limit int) ([]Event, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, board_owner_id, channel_id, sender_id, sender_type, created_at
		FROM message_outbox
		WHERE sent_at IS NULL
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unsent outbox events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev         Event
			senderType string
		)
		if err := rows.Scan(&ev.ID, &ev.OwnerID, &ev.ChannelID, &ev.SenderID, &senderType, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		ev.SenderType = models.ViewerType(senderType)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox events: %w", err)
	}
	return events, nil
}
