// Package outbox publishes new-message events queued in Postgres to the
// realtime stream. Rows are written by a trigger in the same transaction as
// the message, so a message is never visible to the counter query without an
// event eventually following it.
package outbox

import (
	"time"

	"github.com/mcdev12/unread/go/internal/models"
	"github.com/mcdev12/unread/go/internal/unread/unreadv1"
)

// Event is one queued new-message notification
type Event struct {
	ID         string
	OwnerID    string
	ChannelID  string
	SenderID   string
	SenderType models.ViewerType
	CreatedAt  time.Time
}

// Envelope converts the event to its wire form. The message id doubles as the
// event id, which JetStream uses for duplicate suppression.
func (e Event) Envelope() unreadv1.MessageEnvelope {
	return unreadv1.MessageEnvelope{
		EventID:    e.ID,
		OwnerID:    e.OwnerID,
		ChannelID:  e.ChannelID,
		MessageID:  e.ID,
		SenderID:   e.SenderID,
		SenderType: e.SenderType,
		CreatedAt:  e.CreatedAt,
	}
}
