package counterapi

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mcdev12/unread/go/internal/models"
)

//go:embed schema.sql
var schema string

const queryTimeout = 5 * time.Second

// Querier is the subset of pgx used by the repository. *pgxpool.Pool and
// pgx.Tx both satisfy it.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ Querier = (*pgxpool.Pool)(nil)

// Repository implements counter data access on Postgres
type Repository struct {
	db Querier
}

// NewRepository creates a new counter repository
func NewRepository(db Querier) *Repository {
	return &Repository{db: db}
}

// EnsureSchema creates the tables the repository reads from.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, queryTimeout)
}

// ChannelUnreads returns one row per channel the viewer participates in.
// Messages sent by the viewer never count as unread.
func (r *Repository) ChannelUnreads(ctx context.Context, ownerID string, viewerType models.ViewerType, viewerID string) ([]models.CounterRow, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT c.id,
		       c.kind,
		       COALESCE(peer.member_id, ''),
		       COALESCE(peer.member_type, ''),
		       (SELECT COUNT(*) FROM messages m
		        WHERE m.channel_id = c.id
		          AND NOT (m.sender_id = $3 AND m.sender_type = $2)
		          AND (cr.last_read_at IS NULL OR m.created_at > cr.last_read_at)
		       ) AS unread_count
		FROM channels c
		JOIN channel_participants p
		  ON p.channel_id = c.id AND p.member_id = $3 AND p.member_type = $2
		LEFT JOIN channel_reads cr
		  ON cr.channel_id = c.id AND cr.viewer_id = $3 AND cr.viewer_type = $2
		LEFT JOIN LATERAL (
		    SELECT op.member_id, op.member_type
		    FROM channel_participants op
		    WHERE op.channel_id = c.id
		      AND NOT (op.member_id = $3 AND op.member_type = $2)
		    ORDER BY op.member_type, op.member_id
		    LIMIT 1
		) peer ON true
		WHERE c.board_owner_id = $1
		ORDER BY c.id`

	rows, err := r.db.Query(ctx, query, ownerID, string(viewerType), viewerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get unread counts: %w", err)
	}
	defer rows.Close()

	var counters []models.CounterRow
	for rows.Next() {
		var (
			row      models.CounterRow
			kind     string
			peerType string
		)
		if err := rows.Scan(&row.ChannelID, &kind, &row.PeerID, &peerType, &row.ChannelUnread); err != nil {
			return nil, fmt.Errorf("failed to scan unread row: %w", err)
		}
		row.ChannelKind = models.ChannelKind(kind)
		row.PeerType = models.ViewerType(peerType)
		counters = append(counters, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating unread rows: %w", err)
	}

	if counters == nil {
		counters = []models.CounterRow{}
	}
	return counters, nil
}

// GuestIDByEmail looks up a guest's primary key on a board.
func (r *Repository) GuestIDByEmail(ctx context.Context, ownerID, email string) (string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var id string
	err := r.db.QueryRow(ctx,
		`SELECT id FROM guests WHERE board_owner_id = $1 AND lower(email) = lower($2)`,
		ownerID, email,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve guest: %w", err)
	}
	return id, nil
}

// MarkRead advances the viewer's read watermark on a channel to now. The
// watermark never moves backwards.
func (r *Repository) MarkRead(ctx context.Context, ownerID, channelID string, viewerType models.ViewerType, viewerID string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tag, err := r.db.Exec(ctx, `
		INSERT INTO channel_reads (channel_id, viewer_id, viewer_type, last_read_at)
		SELECT c.id, $3, $4, now()
		FROM channels c
		WHERE c.id = $2 AND c.board_owner_id = $1
		ON CONFLICT (channel_id, viewer_id, viewer_type)
		DO UPDATE SET last_read_at = GREATEST(channel_reads.last_read_at, excluded.last_read_at)`,
		ownerID, channelID, viewerID, string(viewerType),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert read state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
