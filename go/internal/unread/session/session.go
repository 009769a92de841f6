// Package session composes the unread engine for one (board, viewer) identity:
// the counter syncer feeds the reconcile store, and every committed store
// state is written through to persistence and checked by the mask controller.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/unread/go/internal/models"
	"github.com/mcdev12/unread/go/internal/unread/countersync"
	"github.com/mcdev12/unread/go/internal/unread/mask"
	"github.com/mcdev12/unread/go/internal/unread/persist"
	"github.com/mcdev12/unread/go/internal/unread/reconcile"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Deps are the external collaborators shared by every session.
type Deps struct {
	Source countersync.CounterSource
	Marker countersync.ReadMarker // optional
	KV     persist.KV             // optional; nil disables persistence
}

// Config holds engine timings for a session
type Config struct {
	Clock        clockwork.Clock
	FreezeWindow time.Duration
	DedupeWindow int
	Failsafe     time.Duration
	Sync         countersync.Config
}

// DefaultConfig returns default session configuration
func DefaultConfig() Config {
	return Config{
		Clock:        clockwork.NewRealClock(),
		FreezeWindow: reconcile.DefaultFreezeWindow,
		DedupeWindow: reconcile.DefaultDedupeWindow,
		Failsafe:     mask.DefaultFailsafe,
		Sync:         countersync.DefaultConfig(),
	}
}

// Session is the engine instance owned by one viewer identity.
type Session struct {
	viewer models.Viewer
	logger zerolog.Logger

	syncer  *countersync.Syncer
	store   *reconcile.Store
	mask    *mask.Controller
	persist *persist.Layer

	unsubscribe func()
	cancel      context.CancelFunc
	done        chan struct{}

	mu         sync.Mutex
	onSnapshot func(reconcile.Snapshot)
	closed     bool
}

// Open builds a session for viewer and hydrates it from persisted state.
// Polling does not start until Start is called.
func Open(ctx context.Context, viewer models.Viewer, deps Deps, cfg Config) *Session {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Sync.Clock == nil {
		cfg.Sync.Clock = cfg.Clock
	}
	maskCfg := mask.DefaultConfig()
	maskCfg.Clock = cfg.Clock
	if cfg.Failsafe > 0 {
		maskCfg.Failsafe = cfg.Failsafe
	}

	s := &Session{
		viewer: viewer,
		logger: log.With().
			Str("board_owner_id", viewer.BoardOwnerID).
			Str("viewer_type", string(viewer.ViewerType)).
			Str("viewer_id", viewer.ViewerID).
			Logger(),
		store: reconcile.NewStore(viewer,
			reconcile.WithClock(cfg.Clock),
			reconcile.WithFreezeWindow(cfg.FreezeWindow),
			reconcile.WithDedupeWindow(cfg.DedupeWindow),
		),
		mask:   mask.NewController(maskCfg),
		syncer: countersync.NewSyncer(viewer, deps.Source, deps.Marker, cfg.Sync),
	}

	if deps.KV != nil {
		s.persist = persist.NewLayer(deps.KV, viewer)
		state := s.persist.Hydrate(ctx)
		s.store.Seed(state.Counts, state.LastSeen)
		s.store.SetAttribution(state.Attribution, true)
	}

	s.unsubscribe = s.store.Subscribe(s.commit)
	s.syncer.OnUpdate(s.apply)

	s.logger.Info().Msg("unread session opened")
	return s
}

// Viewer returns the identity the session is scoped to.
func (s *Session) Viewer() models.Viewer {
	return s.viewer
}

// Start begins background polling. It is a no-op if already started.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		if err := s.syncer.Run(ctx); err != nil {
			s.logger.Error().Err(err).Msg("counter sync stopped with error")
		}
	}(s.done)
}

// OnSnapshot sets the callback that receives every committed store state.
func (s *Session) OnSnapshot(fn func(reconcile.Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSnapshot = fn
}

// OnMaskChange sets the callback for badge mask changes.
func (s *Session) OnMaskChange(fn func(channelID string, masked bool)) {
	s.mask.OnChange(fn)
}

// HandleMessage routes a realtime message. The store applies the lastSeen
// gate, self-exclusion and dedupe; only counted messages reach the syncer
// ledger.
func (s *Session) HandleMessage(ev models.MessageEvent) {
	if s.store.OnMessageEvent(ev) {
		s.syncer.OnRealtimeBump(ev)
	}
}

// EnterChannel hides the badge, opens the channel and sends the read signal.
func (s *Session) EnterChannel(channelID string) {
	if channelID == "" {
		return
	}
	s.mask.HideNow(channelID)
	s.store.EnterChannel(channelID)
	s.syncer.ClearChannel(channelID)
}

// LeaveChannel clears the active channel.
func (s *Session) LeaveChannel() {
	s.store.LeaveChannel()
}

func (s *Session) HideBadge(channelID string) { s.mask.HideNow(channelID) }

func (s *Session) ShowBadge(channelID string) { s.mask.ShowNow(channelID) }

// Refresh forces a counter poll.
func (s *Session) Refresh(ctx context.Context) {
	s.syncer.Refresh(ctx)
}

func (s *Session) Get(channelID string) int { return s.store.Get(channelID) }

func (s *Session) Total() int { return s.store.Total() }

func (s *Session) PeerUnread(peer models.PeerKey) int { return s.store.PeerUnread(peer) }

func (s *Session) IsMasked(channelID string) bool { return s.mask.IsMasked(channelID) }

func (s *Session) Snapshot() reconcile.Snapshot { return s.store.Snapshot() }

// Close stops polling and every timer. The persisted state is kept.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel, done := s.cancel, s.done
	s.onSnapshot = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	s.syncer.Close()
	s.unsubscribe()
	s.store.Close()
	s.mask.ResetAllState()

	s.logger.Info().Msg("unread session closed")
}

func (s *Session) apply(u countersync.Update) {
	if u.ViewerID != "" {
		s.store.SetViewerID(u.ViewerID)
	}
	if !u.Full {
		for channelID, n := range u.Counts {
			s.store.OnProviderUpdate(channelID, n)
		}
		return
	}

	if s.persist != nil {
		s.persist.SetAttribution(u.Attribution)
	}
	s.store.SetAttribution(u.Attribution, true)
	s.store.ApplyProviderSnapshot(u.Counts)
}

func (s *Session) commit(snap reconcile.Snapshot) {
	if s.persist != nil {
		if err := s.persist.Save(context.Background(), snap); err != nil {
			s.logger.Warn().Err(err).Msg("failed to persist unread state")
		}
	}
	s.mask.Observe(snap)

	s.mu.Lock()
	fn := s.onSnapshot
	s.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}
