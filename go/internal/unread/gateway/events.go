package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mcdev12/unread/go/internal/models"
	"github.com/mcdev12/unread/go/internal/unread/reconcile"
	"github.com/mcdev12/unread/go/internal/unread/unreadv1"
)

// FrameType identifies a frame pushed to the client
type FrameType string

const (
	FrameTypeSnapshot FrameType = "snapshot"
	FrameTypeMask     FrameType = "mask"
	FrameTypeError    FrameType = "error"
)

// ServerFrame is a message sent to the websocket client.
type ServerFrame struct {
	Type      FrameType           `json:"type"`
	Snapshot  *reconcile.Snapshot `json:"snapshot,omitempty"`
	ChannelID string              `json:"channel_id,omitempty"`
	Masked    bool                `json:"masked,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// IntentType identifies a UI intent sent by the client
type IntentType string

const (
	IntentEnterChannel IntentType = "enter_channel"
	IntentLeaveChannel IntentType = "leave_channel"
	IntentHideBadge    IntentType = "hide_badge"
	IntentShowBadge    IntentType = "show_badge"
	IntentRefresh      IntentType = "refresh"
)

// ClientFrame is a message received from the websocket client.
type ClientFrame struct {
	Type      IntentType `json:"type"`
	ChannelID string     `json:"channel_id,omitempty"`
}

// decodeMessage parses a JetStream payload. The board owner falls back to the
// last subject token when the envelope omits it.
func decodeMessage(subject string, data []byte) (string, models.MessageEvent, error) {
	var env unreadv1.MessageEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", models.MessageEvent{}, fmt.Errorf("unmarshal message envelope: %w", err)
	}

	ownerID := env.OwnerID
	if ownerID == "" {
		if i := strings.LastIndex(subject, "."); i >= 0 {
			ownerID = subject[i+1:]
		}
	}
	if ownerID == "" || env.ChannelID == "" {
		return "", models.MessageEvent{}, fmt.Errorf("message envelope missing owner or channel")
	}
	if env.CreatedAt.IsZero() {
		return "", models.MessageEvent{}, fmt.Errorf("message envelope missing timestamp")
	}

	messageID := env.MessageID
	if messageID == "" {
		messageID = env.EventID
	}
	return ownerID, models.MessageEvent{
		ChannelID:  env.ChannelID,
		MessageID:  messageID,
		CreatedAt:  env.CreatedAt,
		SenderID:   env.SenderID,
		SenderType: env.SenderType,
	}, nil
}
