package models

import (
	"fmt"
	"strings"
)

// ViewerType defines who is looking at a board.
type ViewerType string

const (
	ViewerTypeAdmin ViewerType = "admin"
	ViewerTypeGuest ViewerType = "guest"
)

// Valid reports whether t is a known viewer type.
func (t ViewerType) Valid() bool {
	return t == ViewerTypeAdmin || t == ViewerTypeGuest
}

// Viewer identifies the (board, viewer) pair that scopes all unread state.
// Guests may arrive with only an email; ViewerID is then resolved lazily.
type Viewer struct {
	BoardOwnerID string     `json:"board_owner_id"`
	ViewerID     string     `json:"viewer_id"`
	ViewerType   ViewerType `json:"viewer_type"`
	Email        string     `json:"email,omitempty"`
}

// Valid reports whether the identity is complete enough to open a session.
func (v Viewer) Valid() bool {
	if strings.TrimSpace(v.BoardOwnerID) == "" || !v.ViewerType.Valid() {
		return false
	}
	if strings.TrimSpace(v.ViewerID) != "" {
		return true
	}
	return v.ViewerType == ViewerTypeGuest && strings.TrimSpace(v.Email) != ""
}

// Key returns a stable string for the identity, used for namespacing.
func (v Viewer) Key() string {
	id := v.ViewerID
	if id == "" {
		id = strings.ToLower(strings.TrimSpace(v.Email))
	}
	return fmt.Sprintf("%s:%s:%s", v.BoardOwnerID, v.ViewerType, id)
}

// Peer returns the viewer as a PeerKey, for self-exclusion checks.
func (v Viewer) Peer() PeerKey {
	return PeerKey{PeerID: v.ViewerID, PeerType: v.ViewerType}
}

// PeerKey identifies a counterparty (member) on a board.
type PeerKey struct {
	PeerID   string     `json:"peer_id"`
	PeerType ViewerType `json:"peer_type"`
}

// String returns the member key used in persisted aggregates ("admin:42").
func (k PeerKey) String() string {
	return fmt.Sprintf("%s:%s", k.PeerType, k.PeerID)
}

// IsZero reports whether the key carries no peer.
func (k PeerKey) IsZero() bool {
	return k.PeerID == ""
}

// ParsePeerKey parses the output of PeerKey.String.
func ParsePeerKey(s string) (PeerKey, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" || !ViewerType(kind).Valid() {
		return PeerKey{}, fmt.Errorf("invalid member key %q", s)
	}
	return PeerKey{PeerID: id, PeerType: ViewerType(kind)}, nil
}
