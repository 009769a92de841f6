// Package persist writes the committed unread state through to a durable
// key/value store and hydrates it back on start. Three maps are kept per
// board/viewer namespace: channel counts, per-channel last-seen timestamps
// (epoch millis), per-member aggregates and the channel to member lookup the
// aggregates were computed from.
package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mcdev12/unread/go/internal/models"
	"github.com/mcdev12/unread/go/internal/unread/reconcile"
	"github.com/rs/zerolog/log"
)

const (
	keyCounts   = "counts"
	keyLastSeen = "last_seen"
	keyMembers  = "members"
	keyPeers    = "channel_members"
)

// State is the hydrated form of the persisted maps.
type State struct {
	Counts   map[string]int
	LastSeen map[string]time.Time
	Members  map[string]int
	// Attribution holds the direct channels whose counterparty was known
	// when the state was written.
	Attribution map[string]models.Attribution
}

func emptyState() State {
	return State{
		Counts:      make(map[string]int),
		LastSeen:    make(map[string]time.Time),
		Members:     make(map[string]int),
		Attribution: make(map[string]models.Attribution),
	}
}

// Layer is the PersistenceLayer for one board/viewer namespace.
type Layer struct {
	kv     KV
	prefix string

	mu          sync.Mutex
	state       State
	attribution map[string]models.Attribution
	lastVersion uint64
}

// NewLayer creates a layer that namespaces its keys by viewer.
func NewLayer(kv KV, viewer models.Viewer) *Layer {
	return &Layer{
		kv:          kv,
		prefix:      Namespace(viewer),
		state:       emptyState(),
		attribution: make(map[string]models.Attribution),
	}
}

// Namespace returns the key prefix used for viewer.
func Namespace(viewer models.Viewer) string {
	return "unread:" + viewer.Key() + ":"
}

func (l *Layer) key(name string) string {
	return l.prefix + name
}

// Hydrate loads the persisted maps. Missing, unreadable or corrupted entries
// are treated as empty without affecting the other maps.
func (l *Layer) Hydrate(ctx context.Context) State {
	state := emptyState()

	var counts map[string]int
	if l.load(ctx, keyCounts, &counts) {
		for id, n := range counts {
			if n > 0 {
				state.Counts[id] = n
			}
		}
	}

	var lastSeen map[string]int64
	if l.load(ctx, keyLastSeen, &lastSeen) {
		for id, ms := range lastSeen {
			if ms > 0 {
				state.LastSeen[id] = time.UnixMilli(ms)
			}
		}
	}

	var members map[string]int
	if l.load(ctx, keyMembers, &members) {
		for key, n := range members {
			state.Members[key] = n
		}
	}

	var peers map[string]string
	if l.load(ctx, keyPeers, &peers) {
		for id, raw := range peers {
			peer, err := models.ParsePeerKey(raw)
			if err != nil {
				log.Warn().Err(err).Str("channel_id", id).Msg("skipping persisted channel member")
				continue
			}
			state.Attribution[id] = models.Attribution{Peer: peer, Kind: models.ChannelKindDirect}
		}
	}

	l.mu.Lock()
	l.state = copyState(state)
	l.attribution = copyAttribution(state.Attribution)
	l.mu.Unlock()

	log.Debug().
		Str("namespace", l.prefix).
		Int("channels", len(state.Counts)).
		Msg("hydrated unread state")
	return state
}

func (l *Layer) load(ctx context.Context, name string, dst any) bool {
	raw, ok, err := l.kv.Get(ctx, l.key(name))
	if err != nil {
		log.Warn().Err(err).Str("key", l.key(name)).Msg("failed to read persisted unread state")
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		log.Warn().Err(err).Str("key", l.key(name)).Msg("discarding corrupted unread state")
		return false
	}
	return true
}

// SetAttribution replaces the channel to member lookup used for member
// aggregates.
func (l *Layer) SetAttribution(attribution map[string]models.Attribution) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attribution = copyAttribution(attribution)
}

// Save writes the full snapshot. Snapshots older than the last saved one are
// skipped.
func (l *Layer) Save(ctx context.Context, snap reconcile.Snapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if snap.Version != 0 && snap.Version <= l.lastVersion {
		return nil
	}
	l.lastVersion = snap.Version

	state := emptyState()
	for id, n := range snap.Counts {
		state.Counts[id] = n
	}
	for id, ts := range snap.LastSeen {
		state.LastSeen[id] = ts
	}
	l.state = state
	return l.writeLocked(ctx)
}

// incrementUnread persists a +1 for channelID unless ts is not after the
// channel's last-seen time. It reports whether the count changed.
func (l *Layer) incrementUnread(ctx context.Context, channelID string, ts time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if seen, ok := l.state.LastSeen[channelID]; ok && !ts.After(seen) {
		return false, nil
	}
	l.state.Counts[channelID]++
	if err := l.writeLocked(ctx); err != nil {
		return true, err
	}
	return true, nil
}

// markSeen zeroes channelID and advances its last-seen time to ts.
func (l *Layer) markSeen(ctx context.Context, channelID string, ts time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if seen, ok := l.state.LastSeen[channelID]; !ok || ts.After(seen) {
		l.state.LastSeen[channelID] = ts
	}
	l.state.Counts[channelID] = 0
	return l.writeLocked(ctx)
}

// members returns the per-member aggregates of the last written state.
func (l *Layer) members() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int, len(l.state.Members))
	for k, n := range l.state.Members {
		out[k] = n
	}
	return out
}

func (l *Layer) writeLocked(ctx context.Context) error {
	l.state.Members = make(map[string]int)
	for peer, n := range models.PeerTotals(l.state.Counts, l.attribution) {
		l.state.Members[peer.String()] = n
	}

	lastSeen := make(map[string]int64, len(l.state.LastSeen))
	for id, ts := range l.state.LastSeen {
		lastSeen[id] = ceilMillis(ts)
	}

	peers := make(map[string]string)
	for id, attr := range l.attribution {
		if attr.CountsTowardPeer() {
			peers[id] = attr.Peer.String()
		}
	}

	values := []struct {
		name  string
		value any
	}{
		{keyCounts, l.state.Counts},
		{keyLastSeen, lastSeen},
		{keyMembers, l.state.Members},
		{keyPeers, peers},
	}
	for _, v := range values {
		raw, err := json.Marshal(v.value)
		if err != nil {
			return fmt.Errorf("encode %s: %w", v.name, err)
		}
		if err := l.kv.Set(ctx, l.key(v.name), raw); err != nil {
			return fmt.Errorf("write %s: %w", v.name, err)
		}
	}
	return nil
}

// ceilMillis rounds ts up to the next whole millisecond so a reloaded
// last-seen time never falls before the moment it records.
func ceilMillis(ts time.Time) int64 {
	ms := ts.UnixMilli()
	if ts.Sub(time.UnixMilli(ms)) > 0 {
		ms++
	}
	return ms
}

func copyAttribution(in map[string]models.Attribution) map[string]models.Attribution {
	out := make(map[string]models.Attribution, len(in))
	for id, attr := range in {
		out[id] = attr
	}
	return out
}

func copyState(s State) State {
	out := emptyState()
	for id, n := range s.Counts {
		out.Counts[id] = n
	}
	for id, ts := range s.LastSeen {
		out.LastSeen[id] = ts
	}
	for k, n := range s.Members {
		out.Members[k] = n
	}
	for id, attr := range s.Attribution {
		out.Attribution[id] = attr
	}
	return out
}
