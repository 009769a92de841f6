package counterapi

import (
	"context"
	"errors"
	"testing"

	"github.com/mcdev12/unread/go/internal/models"
)

type fakeRepo struct {
	rows   []models.CounterRow
	guests map[string]string
	marked []string
	err    error
}

func (f *fakeRepo) ChannelUnreads(ctx context.Context, ownerID string, viewerType models.ViewerType, viewerID string) ([]models.CounterRow, error) {
	return append([]models.CounterRow(nil), f.rows...), f.err
}

func (f *fakeRepo) GuestIDByEmail(ctx context.Context, ownerID, email string) (string, error) {
	id, ok := f.guests[email]
	if !ok {
		return "", ErrNotFound
	}
	return id, nil
}

func (f *fakeRepo) MarkRead(ctx context.Context, ownerID, channelID string, viewerType models.ViewerType, viewerID string) error {
	if f.err != nil {
		return f.err
	}
	f.marked = append(f.marked, channelID)
	return nil
}

func TestGetUnreadCountersFillsPeerTotals(t *testing.T) {
	repo := &fakeRepo{rows: []models.CounterRow{
		{ChannelID: "ch1", ChannelUnread: 2, PeerID: "g1", PeerType: models.ViewerTypeGuest, ChannelKind: models.ChannelKindDirect},
		{ChannelID: "ch2", ChannelUnread: 3, PeerID: "g1", PeerType: models.ViewerTypeGuest, ChannelKind: models.ChannelKindDirect},
		{ChannelID: "ch3", ChannelUnread: 5, PeerID: "g1", PeerType: models.ViewerTypeGuest, ChannelKind: models.ChannelKindAdHoc},
	}}
	app := NewApp(repo)

	rows, err := app.GetUnreadCounters(context.Background(), "owner-1", models.ViewerTypeAdmin, "admin-1")
	if err != nil {
		t.Fatalf("get unread counters: %v", err)
	}

	want := map[string]int{"ch1": 5, "ch2": 5, "ch3": 0}
	for _, row := range rows {
		if row.PeerUnread != want[row.ChannelID] {
			t.Fatalf("%s peer unread: got %d, want %d", row.ChannelID, row.PeerUnread, want[row.ChannelID])
		}
	}
}

func TestGetUnreadCountersValidatesViewer(t *testing.T) {
	app := NewApp(&fakeRepo{})
	tests := []struct {
		name       string
		ownerID    string
		viewerType models.ViewerType
		viewerID   string
	}{
		{"missing owner", "", models.ViewerTypeAdmin, "admin-1"},
		{"unknown type", "owner-1", "robot", "admin-1"},
		{"missing id", "owner-1", models.ViewerTypeGuest, " "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := app.GetUnreadCounters(context.Background(), tt.ownerID, tt.viewerType, tt.viewerID)
			if !errors.Is(err, ErrInvalidViewer) {
				t.Fatalf("got %v, want ErrInvalidViewer", err)
			}
		})
	}
}

func TestResolveViewerID(t *testing.T) {
	app := NewApp(&fakeRepo{guests: map[string]string{"guest@example.com": "g1"}})

	id, err := app.ResolveViewerID(context.Background(), "owner-1", " guest@example.com ")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id != "g1" {
		t.Fatalf("got %q, want g1", id)
	}

	if _, err := app.ResolveViewerID(context.Background(), "owner-1", "nobody@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestMarkReadRequiresChannel(t *testing.T) {
	repo := &fakeRepo{}
	app := NewApp(repo)

	if err := app.MarkRead(context.Background(), "owner-1", "", models.ViewerTypeAdmin, "admin-1"); !errors.Is(err, ErrInvalidViewer) {
		t.Fatalf("got %v, want ErrInvalidViewer", err)
	}
	if err := app.MarkRead(context.Background(), "owner-1", "ch1", models.ViewerTypeAdmin, "admin-1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if len(repo.marked) != 1 || repo.marked[0] != "ch1" {
		t.Fatalf("marked: %v", repo.marked)
	}
}
