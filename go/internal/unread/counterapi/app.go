// Package counterapi serves the authoritative unread aggregate: per-channel
// unread counts for a viewer, guest id resolution and the mark-read signal.
package counterapi

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mcdev12/unread/go/internal/models"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidViewer = errors.New("invalid viewer")
)

// CounterRepository defines what the app layer needs from the repository
type CounterRepository interface {
	ChannelUnreads(ctx context.Context, ownerID string, viewerType models.ViewerType, viewerID string) ([]models.CounterRow, error)
	GuestIDByEmail(ctx context.Context, ownerID, email string) (string, error)
	MarkRead(ctx context.Context, ownerID, channelID string, viewerType models.ViewerType, viewerID string) error
}

// App handles counter business logic
type App struct {
	repo CounterRepository
}

// NewApp creates a new counter App
func NewApp(repo CounterRepository) *App {
	return &App{repo: repo}
}

// GetUnreadCounters returns the viewer's channel rows with each row's peer
// total filled in. Ad-hoc channels never contribute to a peer total.
func (a *App) GetUnreadCounters(ctx context.Context, ownerID string, viewerType models.ViewerType, viewerID string) ([]models.CounterRow, error) {
	if err := validateViewer(ownerID, viewerType, viewerID); err != nil {
		return nil, err
	}

	rows, err := a.repo.ChannelUnreads(ctx, ownerID, viewerType, viewerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get unread counters: %w", err)
	}

	totals := make(map[models.PeerKey]int)
	for _, row := range rows {
		if attr := row.Attribution(); attr.CountsTowardPeer() {
			totals[attr.Peer] += row.ChannelUnread
		}
	}
	for i := range rows {
		if attr := rows[i].Attribution(); attr.CountsTowardPeer() {
			rows[i].PeerUnread = totals[attr.Peer]
		}
	}
	return rows, nil
}

// ResolveViewerID maps a guest email to the guest's primary key.
func (a *App) ResolveViewerID(ctx context.Context, ownerID, email string) (string, error) {
	email = strings.TrimSpace(email)
	if strings.TrimSpace(ownerID) == "" || email == "" {
		return "", fmt.Errorf("%w: owner id and email are required", ErrInvalidViewer)
	}

	id, err := a.repo.GuestIDByEmail(ctx, ownerID, email)
	if err != nil {
		return "", fmt.Errorf("failed to resolve viewer id: %w", err)
	}
	return id, nil
}

// MarkRead records that the viewer has read channelID up to now.
func (a *App) MarkRead(ctx context.Context, ownerID, channelID string, viewerType models.ViewerType, viewerID string) error {
	if err := validateViewer(ownerID, viewerType, viewerID); err != nil {
		return err
	}
	if strings.TrimSpace(channelID) == "" {
		return fmt.Errorf("%w: channel id is required", ErrInvalidViewer)
	}

	if err := a.repo.MarkRead(ctx, ownerID, channelID, viewerType, viewerID); err != nil {
		return fmt.Errorf("failed to mark read: %w", err)
	}

	log.Debug().
		Str("board_owner_id", ownerID).
		Str("channel_id", channelID).
		Str("viewer_type", string(viewerType)).
		Str("viewer_id", viewerID).
		Msg("channel marked read")
	return nil
}

func validateViewer(ownerID string, viewerType models.ViewerType, viewerID string) error {
	if strings.TrimSpace(ownerID) == "" {
		return fmt.Errorf("%w: owner id is required", ErrInvalidViewer)
	}
	if !viewerType.Valid() {
		return fmt.Errorf("%w: unknown viewer type %q", ErrInvalidViewer, viewerType)
	}
	if strings.TrimSpace(viewerID) == "" {
		return fmt.Errorf("%w: viewer id is required", ErrInvalidViewer)
	}
	return nil
}
