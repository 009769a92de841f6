package models

import "time"

// MessageEvent is a realtime "new message" notification as delivered to the engine.
type MessageEvent struct {
	ChannelID  string     `json:"channel_id"`
	MessageID  string     `json:"message_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	SenderID   string     `json:"sender_id"`
	SenderType ViewerType `json:"sender_type"`
	IsSelf     bool       `json:"is_self"`
}

// SentBy reports whether the event was sent by the given viewer.
func (e MessageEvent) SentBy(v Viewer) bool {
	if e.IsSelf {
		return true
	}
	if e.SenderID == "" || v.ViewerID == "" {
		return false
	}
	return PeerKey{PeerID: e.SenderID, PeerType: e.SenderType} == v.Peer()
}
