// Package reconcile holds the unread policy engine: it merges provider
// snapshots, realtime message events and local "channel opened" intents into
// the counts the UI displays.
//
// Rules, in priority order:
//   - a provider-reported zero is always adopted (zero wins)
//   - the active channel always displays zero
//   - while a freeze window is armed, displayed counts come from the snapshot
//     taken when the channel was opened
//   - otherwise a provider value is adopted only when it is strictly higher
//     than the local count (catch-up for missed realtime events)
package reconcile

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/unread/go/internal/models"
	"github.com/rs/zerolog/log"
)

const (
	DefaultFreezeWindow = 240 * time.Millisecond
	DefaultDedupeWindow = 128
)

// Snapshot is an immutable copy of committed store state.
type Snapshot struct {
	Version  uint64               `json:"version"`
	Counts   map[string]int       `json:"counts"`
	Display  map[string]int       `json:"display"`
	LastSeen map[string]time.Time `json:"last_seen"`
	Peers    map[string]int       `json:"peers"`
	Total    int                  `json:"total"`
	Active   string               `json:"active,omitempty"`
	Frozen   bool                 `json:"frozen"`
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for freeze windows and read timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithFreezeWindow overrides the default freeze window used by EnterChannel.
func WithFreezeWindow(d time.Duration) Option {
	return func(s *Store) { s.freezeWindow = d }
}

// WithDedupeWindow sets how many message ids are remembered per channel.
// Zero disables id-based deduplication.
func WithDedupeWindow(n int) Option {
	return func(s *Store) { s.dedupeSize = n }
}

// Store is the ReconciliationStore for a single viewer identity.
type Store struct {
	mu           sync.Mutex
	clock        clockwork.Clock
	viewer       models.Viewer
	freezeWindow time.Duration
	dedupeSize   int

	counts      map[string]int
	lastSeen    map[string]time.Time
	seen        map[string]*idWindow
	attribution map[string]models.Attribution
	total       int

	active      string
	freeze      *freezeSnapshot
	freezeTimer clockwork.Timer

	version uint64
	subs    map[int]func(Snapshot)
	nextSub int
	closed  bool
}

// NewStore creates an empty store scoped to viewer.
func NewStore(viewer models.Viewer, opts ...Option) *Store {
	s := &Store{
		clock:        clockwork.NewRealClock(),
		viewer:       viewer,
		freezeWindow: DefaultFreezeWindow,
		dedupeSize:   DefaultDedupeWindow,
		counts:       make(map[string]int),
		lastSeen:     make(map[string]time.Time),
		seen:         make(map[string]*idWindow),
		attribution:  make(map[string]models.Attribution),
		subs:         make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers fn to receive every committed snapshot. Snapshots may be
// delivered from timer goroutines; consumers that care about ordering should
// compare Snapshot.Version.
func (s *Store) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// SetViewerID updates the viewer id used for self-exclusion once a guest id
// has been resolved.
func (s *Store) SetViewerID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewer.ViewerID = id
}

// Seed hydrates the store from persisted or initial state.
func (s *Store) Seed(counts map[string]int, lastSeen map[string]time.Time) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	for channelID, n := range counts {
		if channelID == "" {
			continue
		}
		s.counts[channelID] = max(n, 0)
	}
	for channelID, ts := range lastSeen {
		if channelID == "" {
			continue
		}
		if ts.After(s.lastSeen[channelID]) {
			s.lastSeen[channelID] = ts
		}
		if _, ok := s.counts[channelID]; !ok {
			s.counts[channelID] = 0
		}
	}
	s.enforceActiveLocked()
	s.commitAndNotify()
}

// SetAttribution merges channel→member attribution. When replace is true the
// existing map is discarded first.
func (s *Store) SetAttribution(attribution map[string]models.Attribution, replace bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if replace {
		s.attribution = make(map[string]models.Attribution, len(attribution))
	}
	for channelID, attr := range attribution {
		s.attribution[channelID] = attr
	}
	s.commitAndNotify()
}

// EnterChannel opens channelID with the default freeze window.
func (s *Store) EnterChannel(channelID string) {
	s.EnterChannelFor(channelID, s.freezeWindow)
}

// EnterChannelFor marks channelID active and read, and freezes displayed
// counts for d so in-flight provider snapshots cannot flash stale values.
func (s *Store) EnterChannelFor(channelID string, d time.Duration) {
	if channelID == "" {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()

	frozen := make(map[string]int, len(s.counts)+1)
	for id, n := range s.counts {
		frozen[id] = n
	}
	frozen[channelID] = 0

	s.active = channelID
	s.counts[channelID] = 0
	if now.After(s.lastSeen[channelID]) {
		s.lastSeen[channelID] = now
	}
	s.armFreezeLocked(&freezeSnapshot{expiresAt: now.Add(d), counts: frozen}, d)

	log.Debug().
		Str("channel_id", channelID).
		Dur("freeze", d).
		Msg("channel entered")

	s.commitAndNotify()
}

// LeaveChannel clears the active channel. The channel is considered read up to
// the moment it was left.
func (s *Store) LeaveChannel() {
	s.mu.Lock()
	if s.closed || s.active == "" {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	if now.After(s.lastSeen[s.active]) {
		s.lastSeen[s.active] = now
	}
	s.active = ""
	s.commitAndNotify()
}

// OnProviderUpdate applies one authoritative value for channelID.
func (s *Store) OnProviderUpdate(channelID string, serverValue int) {
	s.mu.Lock()
	if s.closed || channelID == "" {
		s.mu.Unlock()
		return
	}
	changed := s.applyProviderLocked(channelID, serverValue)
	if s.enforceActiveLocked() {
		changed = true
	}
	if !changed {
		s.mu.Unlock()
		return
	}
	s.commitAndNotify()
}

// ApplyProviderSnapshot applies a full provider cycle and re-asserts the
// active-channel invariant afterwards.
func (s *Store) ApplyProviderSnapshot(values map[string]int) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	changed := false
	for channelID, v := range values {
		if channelID == "" {
			continue
		}
		if s.applyProviderLocked(channelID, v) {
			changed = true
		}
	}
	if s.enforceActiveLocked() {
		changed = true
	}
	if !changed {
		s.mu.Unlock()
		return
	}
	s.commitAndNotify()
}

// OnMessageEvent counts a realtime message. It returns true only when the
// live count was incremented.
func (s *Store) OnMessageEvent(ev models.MessageEvent) bool {
	if ev.ChannelID == "" {
		return false
	}

	s.mu.Lock()
	if s.closed || ev.SentBy(s.viewer) {
		s.mu.Unlock()
		return false
	}

	_, known := s.counts[ev.ChannelID]
	if !known {
		s.counts[ev.ChannelID] = 0
	}

	if ev.ChannelID == s.active {
		// Active channel stays at zero; only the read watermark moves.
		if ev.CreatedAt.After(s.lastSeen[ev.ChannelID]) {
			s.lastSeen[ev.ChannelID] = ev.CreatedAt
		}
		s.rememberLocked(ev)
		s.commitAndNotify()
		return false
	}

	if !ev.CreatedAt.After(s.lastSeen[ev.ChannelID]) || s.duplicateLocked(ev) {
		if !known {
			s.commitAndNotify()
		} else {
			s.mu.Unlock()
		}
		return false
	}

	s.rememberLocked(ev)
	s.counts[ev.ChannelID]++
	s.commitAndNotify()
	return true
}

// Get returns the displayed count for channelID.
func (s *Store) Get(channelID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.displayLocked(channelID, s.frozenLocked(s.clock.Now()))
}

// Total returns the sum of all live channel counts.
func (s *Store) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// PeerUnread returns the derived unread total for a member.
func (s *Store) PeerUnread(peer models.PeerKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.PeerTotals(s.counts, s.attribution)[peer]
}

// Snapshot returns the current committed state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Close stops the freeze timer and drops subscribers. The store ignores all
// calls afterwards.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.freezeTimer != nil {
		s.freezeTimer.Stop()
		s.freezeTimer = nil
	}
	s.freeze = nil
	s.subs = make(map[int]func(Snapshot))
}

func (s *Store) applyProviderLocked(channelID string, serverValue int) bool {
	current, known := s.counts[channelID]
	if serverValue <= 0 {
		s.counts[channelID] = 0
		return !known || current != 0
	}
	if serverValue > current && !s.frozenLocked(s.clock.Now()) && channelID != s.active {
		s.counts[channelID] = serverValue
		return true
	}
	return false
}

// enforceActiveLocked forces the active channel back to zero.
func (s *Store) enforceActiveLocked() bool {
	if s.active == "" || s.counts[s.active] == 0 {
		return false
	}
	log.Warn().
		Str("channel_id", s.active).
		Int("count", s.counts[s.active]).
		Msg("active channel had non-zero count, forcing zero")
	s.counts[s.active] = 0
	return true
}

func (s *Store) displayLocked(channelID string, frozen bool) int {
	if channelID == s.active {
		return 0
	}
	live := s.counts[channelID]
	if live == 0 {
		return 0
	}
	if frozen {
		if n, ok := s.freeze.counts[channelID]; ok {
			return n
		}
	}
	return live
}

func (s *Store) duplicateLocked(ev models.MessageEvent) bool {
	if ev.MessageID == "" || s.dedupeSize <= 0 {
		return false
	}
	w, ok := s.seen[ev.ChannelID]
	return ok && w.contains(ev.MessageID)
}

func (s *Store) rememberLocked(ev models.MessageEvent) {
	if ev.MessageID == "" || s.dedupeSize <= 0 {
		return
	}
	w, ok := s.seen[ev.ChannelID]
	if !ok {
		w = newIDWindow(s.dedupeSize)
		s.seen[ev.ChannelID] = w
	}
	w.add(ev.MessageID)
}

// commitAndNotify recomputes the total, bumps the version and delivers the
// snapshot to subscribers. It must be called with s.mu held and releases it.
func (s *Store) commitAndNotify() {
	total := 0
	for _, n := range s.counts {
		total += n
	}
	s.total = total
	s.version++

	snap := s.snapshotLocked()
	subs := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

func (s *Store) snapshotLocked() Snapshot {
	frozen := s.frozenLocked(s.clock.Now())
	snap := Snapshot{
		Version:  s.version,
		Counts:   make(map[string]int, len(s.counts)),
		Display:  make(map[string]int, len(s.counts)),
		LastSeen: make(map[string]time.Time, len(s.lastSeen)),
		Total:    s.total,
		Active:   s.active,
		Frozen:   frozen,
	}
	for id, n := range s.counts {
		snap.Counts[id] = n
		snap.Display[id] = s.displayLocked(id, frozen)
	}
	for id, ts := range s.lastSeen {
		snap.LastSeen[id] = ts
	}
	peers := models.PeerTotals(s.counts, s.attribution)
	snap.Peers = make(map[string]int, len(peers))
	for peer, n := range peers {
		snap.Peers[peer.String()] = n
	}
	return snap
}
