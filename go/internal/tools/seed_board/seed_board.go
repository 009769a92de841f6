package main

import (
	"context"
	_ "embed"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mcdev12/unread/go/internal/dbconfig"
	"github.com/mcdev12/unread/go/internal/sqlutil"
	"github.com/mcdev12/unread/go/internal/unread/counterapi"
)

//go:embed board.json
var defaultBoard []byte

// Board mirrors the fixture JSON layout
type Board struct {
	OwnerID string `json:"owner_id"`
	Guests  []struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"guests"`
	Channels []struct {
		ID           string `json:"id"`
		Kind         string `json:"kind"`
		Participants []struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		} `json:"participants"`
		Messages []struct {
			SenderID   string `json:"sender_id"`
			SenderType string `json:"sender_type"`
			MinutesAgo int    `json:"minutes_ago"`
		} `json:"messages"`
	} `json:"channels"`
}

func main() {
	fixture := flag.String("file", "", "board fixture JSON (defaults to the built-in demo board)")
	flag.Parse()

	// 1) Load the fixture
	data := defaultBoard
	if *fixture != "" {
		var err error
		if data, err = os.ReadFile(*fixture); err != nil {
			fmt.Fprintf(os.Stderr, "read JSON: %v\n", err)
			os.Exit(1)
		}
	}
	var board Board
	if err := json.Unmarshal(data, &board); err != nil {
		fmt.Fprintf(os.Stderr, "unmarshal JSON: %v\n", err)
		os.Exit(1)
	}

	// 2) Connect using shared dbconfig
	ctx := context.Background()
	pool, err := dbconfig.Connect(ctx, dbconfig.NewConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := counterapi.NewRepository(pool).EnsureSchema(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "apply schema: %v\n", err)
		os.Exit(1)
	}

	// 3) Insert the board in one transaction; messages are re-inserted on
	// every run so the demo always has fresh unread traffic.
	var guests, channels, messages int
	now := time.Now()
	err = sqlutil.Run(ctx, pool, func(tx pgx.Tx) error {
		for _, g := range board.Guests {
			tag, err := tx.Exec(ctx, `
				INSERT INTO guests (id, board_owner_id, email)
				VALUES ($1, $2, $3)
				ON CONFLICT (id) DO NOTHING`,
				g.ID, board.OwnerID, g.Email)
			if err != nil {
				return fmt.Errorf("insert guest %s: %w", g.Email, err)
			}
			guests += int(tag.RowsAffected())
		}

		for _, c := range board.Channels {
			tag, err := tx.Exec(ctx, `
				INSERT INTO channels (id, board_owner_id, kind)
				VALUES ($1, $2, $3)
				ON CONFLICT (id) DO NOTHING`,
				c.ID, board.OwnerID, c.Kind)
			if err != nil {
				return fmt.Errorf("insert channel %s: %w", c.ID, err)
			}
			channels += int(tag.RowsAffected())

			for _, p := range c.Participants {
				if _, err := tx.Exec(ctx, `
					INSERT INTO channel_participants (channel_id, member_id, member_type)
					VALUES ($1, $2, $3)
					ON CONFLICT DO NOTHING`,
					c.ID, p.ID, p.Type); err != nil {
					return fmt.Errorf("insert participant %s: %w", p.ID, err)
				}
			}

			for _, m := range c.Messages {
				if _, err := tx.Exec(ctx, `
					INSERT INTO messages (id, channel_id, sender_id, sender_type, created_at)
					VALUES ($1, $2, $3, $4, $5)`,
					uuid.NewString(), c.ID, m.SenderID, m.SenderType,
					now.Add(-time.Duration(m.MinutesAgo)*time.Minute)); err != nil {
					return fmt.Errorf("insert message in %s: %w", c.ID, err)
				}
				messages++
			}
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
		os.Exit(1)
	}

	// 4) Print summary
	fmt.Printf(
		"Board %s seeded: %d guests, %d channels, %d messages\n",
		board.OwnerID, guests, channels, messages,
	)
}
