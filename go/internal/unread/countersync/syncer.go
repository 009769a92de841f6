// Package countersync keeps the authoritative per-channel unread counts for one
// viewer in step with the backend. Poll results are merged with a ledger of
// optimistic realtime increments so a poll that has not caught up yet cannot
// take a just-bumped badge back down.
package countersync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/unread/go/internal/models"
	"github.com/rs/zerolog/log"
)

// ErrViewerUnresolved is returned when no durable viewer id is available.
var ErrViewerUnresolved = errors.New("viewer id unresolved")

// CounterSource is the backend the syncer polls.
type CounterSource interface {
	GetUnreadCounters(ctx context.Context, ownerID string, viewerType models.ViewerType, viewerID string) ([]models.CounterRow, error)
	ResolveViewerID(ctx context.Context, ownerID, email string) (string, error)
}

// ReadMarker sends the outbound "mark read" signal. Calls are fire-and-forget.
type ReadMarker interface {
	MarkRead(ctx context.Context, viewer models.Viewer, channelID string) error
}

// Update is what the syncer publishes after every change to its counts.
type Update struct {
	Counts      map[string]int
	Attribution map[string]models.Attribution
	// Full is set for refresh results; Counts then covers every known channel.
	Full bool
	// ViewerID is the durable viewer id used for the query, once known.
	ViewerID string
}

// Config holds configuration for the counter syncer
type Config struct {
	GuestPollInterval time.Duration
	AdminPollInterval time.Duration
	ClearDelay        time.Duration // delay between a clear and the confirming refresh
	RefreshTimeout    time.Duration
	Clock             clockwork.Clock
	Metrics           MetricsCollector
}

const (
	DefaultGuestPollInterval = 30 * time.Second
	DefaultAdminPollInterval = 60 * time.Second
	DefaultClearDelay        = 100 * time.Millisecond
	DefaultRefreshTimeout    = 10 * time.Second
)

// DefaultConfig returns default syncer configuration
func DefaultConfig() Config {
	return Config{
		GuestPollInterval: DefaultGuestPollInterval,
		AdminPollInterval: DefaultAdminPollInterval,
		ClearDelay:        DefaultClearDelay,
		RefreshTimeout:    DefaultRefreshTimeout,
		Clock:             clockwork.NewRealClock(),
		Metrics:           NoOpMetricsCollector{},
	}
}

// Syncer is the ServerCounterSync for a single viewer identity.
type Syncer struct {
	source  CounterSource
	marker  ReadMarker
	clock   clockwork.Clock
	metrics MetricsCollector
	cfg     Config

	interval time.Duration
	inFlight atomic.Bool

	mu          sync.Mutex
	viewer      models.Viewer
	resolvedID  string
	channels    map[string]int
	ledger      map[string]int
	attribution map[string]models.Attribution
	known       map[string]bool
	timers      map[int]clockwork.Timer
	nextTimer   int
	onUpdate    func(Update)
	closed      bool
}

// NewSyncer creates a syncer for viewer. marker may be nil.
func NewSyncer(viewer models.Viewer, source CounterSource, marker ReadMarker, cfg Config) *Syncer {
	defaults := DefaultConfig()
	if cfg.ClearDelay <= 0 {
		cfg.ClearDelay = defaults.ClearDelay
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = defaults.RefreshTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = defaults.Clock
	}
	if cfg.Metrics == nil {
		cfg.Metrics = defaults.Metrics
	}
	if cfg.GuestPollInterval <= 0 {
		cfg.GuestPollInterval = defaults.GuestPollInterval
	}
	if cfg.AdminPollInterval <= 0 {
		cfg.AdminPollInterval = defaults.AdminPollInterval
	}
	interval := cfg.AdminPollInterval
	if viewer.ViewerType == models.ViewerTypeGuest {
		interval = cfg.GuestPollInterval
	}

	return &Syncer{
		source:      source,
		marker:      marker,
		clock:       cfg.Clock,
		metrics:     cfg.Metrics,
		cfg:         cfg,
		interval:    interval,
		viewer:      viewer,
		channels:    make(map[string]int),
		ledger:      make(map[string]int),
		attribution: make(map[string]models.Attribution),
		known:       make(map[string]bool),
		timers:      make(map[int]clockwork.Timer),
	}
}

// OnUpdate sets the listener that receives merged counts.
func (s *Syncer) OnUpdate(fn func(Update)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUpdate = fn
}

// PollInterval returns the effective background refresh interval.
func (s *Syncer) PollInterval() time.Duration {
	return s.interval
}

// Run refreshes immediately and then on every poll tick until ctx is done.
func (s *Syncer) Run(ctx context.Context) error {
	log.Info().
		Str("board_owner_id", s.viewer.BoardOwnerID).
		Str("viewer_type", string(s.viewer.ViewerType)).
		Dur("interval", s.interval).
		Msg("counter sync started")

	s.Refresh(ctx)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("board_owner_id", s.viewer.BoardOwnerID).Msg("counter sync stopped")
			return nil
		case <-ticker.Chan():
			s.Refresh(ctx)
		}
	}
}

// Refresh fetches authoritative counts and merges them with the ledger. A call
// made while another refresh is outstanding returns immediately. Failures are
// logged and leave the previous counts untouched.
func (s *Syncer) Refresh(ctx context.Context) {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.metrics.RecordRefreshSkipped()
		log.Debug().Str("board_owner_id", s.viewer.BoardOwnerID).Msg("refresh already in flight, skipping")
		return
	}
	defer s.inFlight.Store(false)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	viewer := s.viewer
	resolved := s.resolvedID
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RefreshTimeout)
	defer cancel()

	start := s.clock.Now()
	rows, viewerID, err := s.fetch(ctx, viewer, resolved)
	s.metrics.RecordRefresh(err == nil, s.clock.Since(start))
	if err != nil {
		log.Warn().
			Err(err).
			Str("board_owner_id", viewer.BoardOwnerID).
			Str("viewer_type", string(viewer.ViewerType)).
			Msg("counter refresh failed, keeping last known counts")
		return
	}

	update, ok := s.merge(rows, viewerID)
	if !ok {
		return
	}

	log.Debug().
		Str("board_owner_id", viewer.BoardOwnerID).
		Int("rows", len(rows)).
		Msg("counters refreshed")
	s.emit(update)
}

func (s *Syncer) fetch(ctx context.Context, viewer models.Viewer, resolved string) ([]models.CounterRow, string, error) {
	viewerID, err := s.durableViewerID(ctx, viewer, resolved)
	if err != nil {
		return nil, "", err
	}
	rows, err := s.source.GetUnreadCounters(ctx, viewer.BoardOwnerID, viewer.ViewerType, viewerID)
	if err != nil {
		return nil, viewerID, fmt.Errorf("get unread counters: %w", err)
	}
	return rows, viewerID, nil
}

// durableViewerID returns the primary key to query with. Guests known only by
// email are resolved once per session.
func (s *Syncer) durableViewerID(ctx context.Context, viewer models.Viewer, resolved string) (string, error) {
	if resolved != "" {
		return resolved, nil
	}
	if viewer.ViewerType != models.ViewerTypeGuest {
		if viewer.ViewerID == "" {
			return "", ErrViewerUnresolved
		}
		return viewer.ViewerID, nil
	}
	if _, err := uuid.Parse(viewer.ViewerID); err == nil {
		return viewer.ViewerID, nil
	}

	email := viewer.Email
	if email == "" && strings.Contains(viewer.ViewerID, "@") {
		email = viewer.ViewerID
	}
	if email == "" {
		return "", ErrViewerUnresolved
	}

	id, err := s.source.ResolveViewerID(ctx, viewer.BoardOwnerID, email)
	if err != nil {
		return "", fmt.Errorf("resolve guest viewer: %w", err)
	}
	if id == "" {
		return "", ErrViewerUnresolved
	}

	s.mu.Lock()
	s.resolvedID = id
	s.mu.Unlock()

	log.Info().
		Str("board_owner_id", viewer.BoardOwnerID).
		Str("viewer_id", id).
		Msg("resolved guest viewer id")
	return id, nil
}

func (s *Syncer) merge(rows []models.CounterRow, viewerID string) (Update, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Update{}, false
	}

	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		if row.ChannelID == "" {
			continue
		}
		seen[row.ChannelID] = true
		s.known[row.ChannelID] = true
		s.attribution[row.ChannelID] = row.Attribution()
		s.channels[row.ChannelID] = s.mergeCountLocked(row.ChannelID, row.ChannelUnread)
	}

	// Known channels missing from the response report zero.
	for channelID := range s.known {
		if seen[channelID] {
			continue
		}
		delete(s.known, channelID)
		delete(s.attribution, channelID)
		s.channels[channelID] = s.mergeCountLocked(channelID, 0)
	}

	s.logPeerMismatchLocked(rows)

	update := Update{
		Counts:      make(map[string]int, len(s.channels)),
		Attribution: make(map[string]models.Attribution, len(s.attribution)),
		Full:        true,
		ViewerID:    viewerID,
	}
	for id, n := range s.channels {
		update.Counts[id] = n
	}
	for id, attr := range s.attribution {
		update.Attribution[id] = attr
	}
	return update, true
}

// mergeCountLocked folds a server value with the pending ledger. A server zero
// always wins and clears the ledger entry.
func (s *Syncer) mergeCountLocked(channelID string, server int) int {
	if server <= 0 {
		delete(s.ledger, channelID)
		return 0
	}
	pending := s.ledger[channelID]
	if server >= pending {
		delete(s.ledger, channelID)
	}
	return max(server, pending)
}

func (s *Syncer) logPeerMismatchLocked(rows []models.CounterRow) {
	derived := models.PeerTotals(s.channels, s.attribution)
	for _, row := range rows {
		attr := row.Attribution()
		if !attr.CountsTowardPeer() {
			continue
		}
		if n := derived[attr.Peer]; n != row.PeerUnread {
			log.Debug().
				Str("peer", attr.Peer.String()).
				Int("server_peer_unread", row.PeerUnread).
				Int("derived_peer_unread", n).
				Msg("peer unread differs from channel sum")
		}
	}
}

// OnRealtimeBump applies an optimistic +1 for a new message. Messages sent by
// the viewer are ignored. For a channel whose membership is not known yet a
// refresh is triggered instead.
func (s *Syncer) OnRealtimeBump(ev models.MessageEvent) {
	if ev.IsSelf || ev.ChannelID == "" {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !s.known[ev.ChannelID] {
		s.mu.Unlock()
		log.Debug().
			Str("channel_id", ev.ChannelID).
			Msg("realtime message for unknown channel, refreshing")
		go s.Refresh(context.Background())
		return
	}

	s.ledger[ev.ChannelID]++
	s.channels[ev.ChannelID]++
	update := Update{
		Counts:   map[string]int{ev.ChannelID: s.channels[ev.ChannelID]},
		ViewerID: s.resolvedID,
	}
	s.mu.Unlock()

	s.metrics.RecordRealtimeBump()
	s.emit(update)
}

// ClearChannel zeroes channelID locally, sends the mark-read signal and
// schedules a confirming refresh after the clear delay.
func (s *Syncer) ClearChannel(channelID string) {
	if channelID == "" {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.ledger, channelID)
	s.channels[channelID] = 0

	viewer := s.viewer
	if s.resolvedID != "" {
		viewer.ViewerID = s.resolvedID
	}

	id := s.nextTimer
	s.nextTimer++
	s.timers[id] = s.clock.AfterFunc(s.cfg.ClearDelay, func() {
		s.mu.Lock()
		_, pending := s.timers[id]
		delete(s.timers, id)
		s.mu.Unlock()
		if pending {
			s.Refresh(context.Background())
		}
	})
	update := Update{Counts: map[string]int{channelID: 0}, ViewerID: s.resolvedID}
	s.mu.Unlock()

	s.emit(update)

	if s.marker != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RefreshTimeout)
			defer cancel()
			if err := s.marker.MarkRead(ctx, viewer, channelID); err != nil {
				log.Warn().Err(err).Str("channel_id", channelID).Msg("mark read failed")
			}
		}()
	}
}

// Counts returns a copy of the merged channel counts.
func (s *Syncer) Counts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.channels))
	for id, n := range s.channels {
		out[id] = n
	}
	return out
}

// Pending returns the ledgered optimistic increments for channelID.
func (s *Syncer) Pending(channelID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger[channelID]
}

// ViewerID returns the durable viewer id once it is known.
func (s *Syncer) ViewerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolvedID != "" {
		return s.resolvedID
	}
	if s.viewer.ViewerType == models.ViewerTypeGuest {
		if _, err := uuid.Parse(s.viewer.ViewerID); err != nil {
			return ""
		}
	}
	return s.viewer.ViewerID
}

// Close stops pending timers. Results of requests still in flight are dropped.
func (s *Syncer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.onUpdate = nil
}

func (s *Syncer) emit(update Update) {
	s.mu.Lock()
	fn := s.onUpdate
	s.mu.Unlock()
	if fn != nil {
		fn(update)
	}
}
