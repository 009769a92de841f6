package gateway

import (
	"testing"
	"time"

	"github.com/mcdev12/unread/go/internal/models"
	"github.com/mcdev12/unread/go/internal/unread/unreadv1"
)

func TestDecodeMessage(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		subject   string
		payload   string
		wantOwner string
		wantMsgID string
		wantErr   bool
	}{
		{
			name:      "full envelope",
			subject:   "unread.messages.owner-1",
			payload:   `{"eventId":"e1","ownerId":"owner-1","channelId":"ch-1","messageId":"m1","senderId":"guest-1","senderType":"guest","createdAt":"2026-03-01T12:00:00Z"}`,
			wantOwner: "owner-1",
			wantMsgID: "m1",
		},
		{
			name:      "owner from subject",
			subject:   "unread.messages.owner-9",
			payload:   `{"eventId":"e1","channelId":"ch-1","messageId":"m1","createdAt":"2026-03-01T12:00:00Z"}`,
			wantOwner: "owner-9",
			wantMsgID: "m1",
		},
		{
			name:      "message id falls back to event id",
			subject:   "unread.messages.owner-1",
			payload:   `{"eventId":"e7","ownerId":"owner-1","channelId":"ch-1","createdAt":"2026-03-01T12:00:00Z"}`,
			wantOwner: "owner-1",
			wantMsgID: "e7",
		},
		{
			name:    "missing channel",
			subject: "unread.messages.owner-1",
			payload: `{"ownerId":"owner-1","createdAt":"2026-03-01T12:00:00Z"}`,
			wantErr: true,
		},
		{
			name:    "missing timestamp",
			subject: "unread.messages.owner-1",
			payload: `{"ownerId":"owner-1","channelId":"ch-1"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			subject: "unread.messages.owner-1",
			payload: `nope`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			owner, ev, err := decodeMessage(tt.subject, []byte(tt.payload))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got event %+v", ev)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if owner != tt.wantOwner {
				t.Errorf("owner: got %q, want %q", owner, tt.wantOwner)
			}
			if ev.MessageID != tt.wantMsgID {
				t.Errorf("message id: got %q, want %q", ev.MessageID, tt.wantMsgID)
			}
			if ev.ChannelID != "ch-1" || !ev.CreatedAt.Equal(ts) {
				t.Errorf("unexpected event %+v", ev)
			}
		})
	}
}

func TestDecodeMessageSender(t *testing.T) {
	_, ev, err := decodeMessage("unread.messages.owner-1",
		[]byte(`{"ownerId":"owner-1","channelId":"ch-1","messageId":"m1","senderId":"guest-1","senderType":"guest","createdAt":"2026-03-01T12:00:00Z"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	guest := models.Viewer{BoardOwnerID: "owner-1", ViewerID: "guest-1", ViewerType: models.ViewerTypeGuest}
	if !ev.SentBy(guest) {
		t.Fatalf("expected event to be attributed to %s", guest.Key())
	}
}

func TestSubjectForOwner(t *testing.T) {
	if got := unreadv1.SubjectForOwner("unread.messages.>", "owner-1"); got != "unread.messages.owner-1" {
		t.Fatalf("got %q", got)
	}
	if got := unreadv1.SubjectForOwner("unread.messages", "owner-1"); got != "unread.messages.owner-1" {
		t.Fatalf("got %q", got)
	}
}
