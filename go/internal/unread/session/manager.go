package session

import (
	"context"
	"errors"
	"sync"

	"github.com/mcdev12/unread/go/internal/models"
	"github.com/mcdev12/unread/go/internal/unread/reconcile"
	"github.com/rs/zerolog/log"
)

// ErrInvalidViewer is returned by SetViewer when the identity is incomplete.
var ErrInvalidViewer = errors.New("invalid viewer identity")

// Manager owns at most one Session and replaces it whenever the viewer
// identity changes. With no valid identity every operation is a no-op.
type Manager struct {
	deps Deps
	cfg  Config

	switchMu sync.Mutex

	mu         sync.Mutex
	current    *Session
	onSnapshot func(reconcile.Snapshot)
	onMask     func(channelID string, masked bool)
}

// NewManager creates a manager with no active identity.
func NewManager(deps Deps, cfg Config) *Manager {
	return &Manager{deps: deps, cfg: cfg}
}

// OnSnapshot sets the snapshot callback for the current and future sessions.
func (m *Manager) OnSnapshot(fn func(reconcile.Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSnapshot = fn
	if m.current != nil {
		m.current.OnSnapshot(fn)
	}
}

// OnMaskChange sets the mask callback for the current and future sessions.
func (m *Manager) OnMaskChange(fn func(channelID string, masked bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMask = fn
	if m.current != nil {
		m.current.OnMaskChange(fn)
	}
}

// SetViewer scopes the engine to viewer. The same identity keeps the running
// session; a different one disposes it and starts fresh. An invalid identity
// disposes the session and returns ErrInvalidViewer.
func (m *Manager) SetViewer(ctx context.Context, viewer models.Viewer) error {
	m.switchMu.Lock()
	defer m.switchMu.Unlock()

	m.mu.Lock()
	old := m.current
	if old != nil && viewer.Valid() && old.Viewer().Key() == viewer.Key() {
		m.mu.Unlock()
		return nil
	}
	m.current = nil
	onSnapshot, onMask := m.onSnapshot, m.onMask
	m.mu.Unlock()

	// Session callbacks may call back into the manager, so sessions are
	// closed without m.mu held.
	if old != nil {
		old.Close()
	}
	if !viewer.Valid() {
		log.Warn().
			Str("board_owner_id", viewer.BoardOwnerID).
			Str("viewer_type", string(viewer.ViewerType)).
			Msg("viewer identity incomplete, unread engine idle")
		return ErrInvalidViewer
	}

	s := Open(ctx, viewer, m.deps, m.cfg)
	if onSnapshot != nil {
		s.OnSnapshot(onSnapshot)
	}
	if onMask != nil {
		s.OnMaskChange(onMask)
	}
	s.Start(context.WithoutCancel(ctx))

	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
	return nil
}

// Viewer returns the current identity and whether one is set.
func (m *Manager) Viewer() (models.Viewer, bool) {
	s := m.session()
	if s == nil {
		return models.Viewer{}, false
	}
	return s.Viewer(), true
}

func (m *Manager) session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) HandleMessage(ev models.MessageEvent) {
	if s := m.session(); s != nil {
		s.HandleMessage(ev)
	}
}

func (m *Manager) EnterChannel(channelID string) {
	if s := m.session(); s != nil {
		s.EnterChannel(channelID)
	}
}

func (m *Manager) LeaveChannel() {
	if s := m.session(); s != nil {
		s.LeaveChannel()
	}
}

func (m *Manager) HideBadge(channelID string) {
	if s := m.session(); s != nil {
		s.HideBadge(channelID)
	}
}

func (m *Manager) ShowBadge(channelID string) {
	if s := m.session(); s != nil {
		s.ShowBadge(channelID)
	}
}

func (m *Manager) Refresh(ctx context.Context) {
	if s := m.session(); s != nil {
		s.Refresh(ctx)
	}
}

func (m *Manager) Get(channelID string) int {
	if s := m.session(); s != nil {
		return s.Get(channelID)
	}
	return 0
}

func (m *Manager) Total() int {
	if s := m.session(); s != nil {
		return s.Total()
	}
	return 0
}

func (m *Manager) PeerUnread(peer models.PeerKey) int {
	if s := m.session(); s != nil {
		return s.PeerUnread(peer)
	}
	return 0
}

func (m *Manager) IsMasked(channelID string) bool {
	if s := m.session(); s != nil {
		return s.IsMasked(channelID)
	}
	return false
}

// Snapshot returns the current committed state, or an empty snapshot when no
// identity is set.
func (m *Manager) Snapshot() reconcile.Snapshot {
	if s := m.session(); s != nil {
		return s.Snapshot()
	}
	return reconcile.Snapshot{
		Counts:  map[string]int{},
		Display: map[string]int{},
		Peers:   map[string]int{},
	}
}

// Close disposes the current session.
func (m *Manager) Close() {
	m.switchMu.Lock()
	defer m.switchMu.Unlock()

	m.mu.Lock()
	s := m.current
	m.current = nil
	m.mu.Unlock()
	if s != nil {
		s.Close()
	}
}
