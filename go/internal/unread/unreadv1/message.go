package unreadv1

import (
	"strings"
	"time"

	"github.com/mcdev12/unread/go/internal/models"
)

// DefaultMessageSubjects is the JetStream subject filter for new-message events.
const DefaultMessageSubjects = "unread.messages.>"

// MessageEnvelope is the JetStream payload announcing a new chat message.
type MessageEnvelope struct {
	EventID    string            `json:"eventId"`
	OwnerID    string            `json:"ownerId"`
	ChannelID  string            `json:"channelId"`
	MessageID  string            `json:"messageId"`
	SenderID   string            `json:"senderId"`
	SenderType models.ViewerType `json:"senderType"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// SubjectForOwner returns the subject messages for a board are published on.
func SubjectForOwner(prefix, ownerID string) string {
	return strings.TrimSuffix(prefix, ".>") + "." + ownerID
}
