package models

// ChannelKind separates direct conversations from ad-hoc ones.
type ChannelKind string

const (
	ChannelKindDirect ChannelKind = "direct"
	ChannelKindAdHoc  ChannelKind = "adhoc"
)

// Attribution maps a channel to the member whose unread total it feeds.
type Attribution struct {
	Peer PeerKey     `json:"peer"`
	Kind ChannelKind `json:"kind"`
}

// CountsTowardPeer reports whether the channel contributes to a member total.
// Ad-hoc channels and unattributed channels never do.
func (a Attribution) CountsTowardPeer() bool {
	return !a.Peer.IsZero() && a.Kind != ChannelKindAdHoc
}

// CounterRow is one row of the authoritative unread aggregate for a viewer.
type CounterRow struct {
	ChannelID     string      `json:"channel_id"`
	ChannelUnread int         `json:"channel_unread"`
	PeerID        string      `json:"peer_id,omitempty"`
	PeerType      ViewerType  `json:"peer_type,omitempty"`
	PeerUnread    int         `json:"peer_unread"`
	ChannelKind   ChannelKind `json:"channel_kind,omitempty"`
}

// Attribution returns the channel attribution carried by the row.
func (r CounterRow) Attribution() Attribution {
	kind := r.ChannelKind
	if kind == "" {
		kind = ChannelKindDirect
	}
	return Attribution{
		Peer: PeerKey{PeerID: r.PeerID, PeerType: r.PeerType},
		Kind: kind,
	}
}

// PeerTotals sums counts per member using the attribution map.
func PeerTotals(counts map[string]int, attribution map[string]Attribution) map[PeerKey]int {
	totals := make(map[PeerKey]int)
	for channelID, attr := range attribution {
		if !attr.CountsTowardPeer() {
			continue
		}
		totals[attr.Peer] += counts[channelID]
	}
	return totals
}
