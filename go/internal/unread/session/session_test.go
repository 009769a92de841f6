package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/unread/go/internal/models"
	"github.com/mcdev12/unread/go/internal/unread/mask"
	"github.com/mcdev12/unread/go/internal/unread/persist"
	"github.com/mcdev12/unread/go/internal/unread/reconcile"
)

type fakeSource struct {
	mu   sync.Mutex
	rows map[string][]models.CounterRow
}

func newFakeSource() *fakeSource {
	return &fakeSource{rows: make(map[string][]models.CounterRow)}
}

func (f *fakeSource) set(viewerID string, rows ...models.CounterRow) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[viewerID] = rows
}

func (f *fakeSource) GetUnreadCounters(ctx context.Context, ownerID string, viewerType models.ViewerType, viewerID string) ([]models.CounterRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.CounterRow(nil), f.rows[viewerID]...), nil
}

func (f *fakeSource) ResolveViewerID(ctx context.Context, ownerID, email string) (string, error) {
	return "", errors.New("not supported")
}

type failingSource struct{}

func (failingSource) GetUnreadCounters(ctx context.Context, ownerID string, viewerType models.ViewerType, viewerID string) ([]models.CounterRow, error) {
	return nil, errors.New("counter service unavailable")
}

func (failingSource) ResolveViewerID(ctx context.Context, ownerID, email string) (string, error) {
	return "", errors.New("counter service unavailable")
}

type fakeMarker struct {
	marked chan string
}

func (m *fakeMarker) MarkRead(ctx context.Context, viewer models.Viewer, channelID string) error {
	m.marked <- channelID
	return nil
}

var (
	adminA = models.Viewer{BoardOwnerID: "owner-1", ViewerID: "admin-1", ViewerType: models.ViewerTypeAdmin}
	adminB = models.Viewer{BoardOwnerID: "owner-2", ViewerID: "admin-1", ViewerType: models.ViewerTypeAdmin}
)

func row(channelID string, unread int) models.CounterRow {
	return models.CounterRow{ChannelID: channelID, ChannelUnread: unread}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Clock = clockwork.NewFakeClock()
	cfg.Sync.Clock = nil
	return cfg
}

func openTestSession(t *testing.T, deps Deps) *Session {
	t.Helper()
	s := Open(context.Background(), adminA, deps, testConfig())
	t.Cleanup(s.Close)
	return s
}

func message(channelID, messageID string, at time.Time) models.MessageEvent {
	return models.MessageEvent{
		ChannelID:  channelID,
		MessageID:  messageID,
		CreatedAt:  at,
		SenderID:   "guest-1",
		SenderType: models.ViewerTypeGuest,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRefreshSeedsStore(t *testing.T) {
	source := newFakeSource()
	source.set("admin-1", row("chA", 3), row("chB", 0))
	s := openTestSession(t, Deps{Source: source})

	s.Refresh(context.Background())

	if got := s.Get("chA"); got != 3 {
		t.Fatalf("chA: got %d, want 3", got)
	}
	if got := s.Get("chB"); got != 0 {
		t.Fatalf("chB: got %d, want 0", got)
	}
	if got := s.Total(); got != 3 {
		t.Fatalf("total: got %d, want 3", got)
	}
}

func TestEnterChannelHoldsZeroAgainstStalePoll(t *testing.T) {
	source := newFakeSource()
	source.set("admin-1", row("chA", 3))
	marker := &fakeMarker{marked: make(chan string, 1)}
	s := openTestSession(t, Deps{Source: source, Marker: marker})
	s.Refresh(context.Background())

	s.EnterChannel("chA")
	if got := s.Get("chA"); got != 0 {
		t.Fatalf("after enter: got %d, want 0", got)
	}
	select {
	case id := <-marker.marked:
		if id != "chA" {
			t.Fatalf("marked %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("mark read not sent")
	}

	source.set("admin-1", row("chA", 2))
	s.Refresh(context.Background())

	if got := s.Get("chA"); got != 0 {
		t.Fatalf("active channel regressed to %d", got)
	}
	if s.IsMasked("chA") {
		t.Fatal("active channel should not stay masked")
	}
}

func TestHandleMessageCountsEachMessageOnce(t *testing.T) {
	source := newFakeSource()
	source.set("admin-1", row("chC", 0))
	s := openTestSession(t, Deps{Source: source})
	s.Refresh(context.Background())

	base := time.Now()
	s.HandleMessage(message("chC", "m1", base.Add(time.Second)))
	s.HandleMessage(message("chC", "m2", base.Add(2*time.Second)))
	s.HandleMessage(message("chC", "m2", base.Add(2*time.Second)))

	self := message("chC", "m3", base.Add(3*time.Second))
	self.SenderID, self.SenderType = "admin-1", models.ViewerTypeAdmin
	s.HandleMessage(self)

	if got := s.Get("chC"); got != 2 {
		t.Fatalf("got %d, want 2", got)
	}
	if got := s.Total(); got != 2 {
		t.Fatalf("total: got %d, want 2", got)
	}
}

func TestStaleZeroPollWinsOverRealtimeBump(t *testing.T) {
	source := newFakeSource()
	source.set("admin-1", row("chD", 0))
	s := openTestSession(t, Deps{Source: source})
	s.Refresh(context.Background())

	s.HandleMessage(message("chD", "m1", time.Now()))
	if got := s.Get("chD"); got != 1 {
		t.Fatalf("after bump: got %d, want 1", got)
	}

	s.Refresh(context.Background())
	if got := s.Get("chD"); got != 0 {
		t.Fatalf("got %d, want 0", got)
	}
}

func TestCommittedStateIsPersistedAndHydrated(t *testing.T) {
	kv := persist.NewMemoryKV()
	source := newFakeSource()
	source.set("admin-1", row("chA", 4))

	first := Open(context.Background(), adminA, Deps{Source: source, KV: kv}, testConfig())
	first.Refresh(context.Background())
	first.Close()

	second := openTestSession(t, Deps{Source: newFakeSource(), KV: kv})
	if got := second.Get("chA"); got != 4 {
		t.Fatalf("hydrated chA: got %d, want 4", got)
	}
}

func TestMemberTotalsSurviveReloadWithoutBackend(t *testing.T) {
	ctx := context.Background()
	kv := persist.NewMemoryKV()
	guest := models.PeerKey{PeerID: "g1", PeerType: models.ViewerTypeGuest}
	source := newFakeSource()
	source.set("admin-1", models.CounterRow{ChannelID: "chA", ChannelUnread: 2, PeerID: "g1", PeerType: models.ViewerTypeGuest})

	first := Open(ctx, adminA, Deps{Source: source, KV: kv}, testConfig())
	first.Refresh(ctx)
	first.Close()
	if got := persist.NewLayer(kv, adminA).Hydrate(ctx).Members["guest:g1"]; got != 2 {
		t.Fatalf("persisted member total: got %d, want 2", got)
	}

	second := openTestSession(t, Deps{Source: failingSource{}, KV: kv})
	second.Refresh(ctx)
	if got := second.Get("chA"); got != 2 {
		t.Fatalf("hydrated chA: got %d, want 2", got)
	}
	if got := second.PeerUnread(guest); got != 2 {
		t.Fatalf("hydrated member total: got %d, want 2", got)
	}

	second.HandleMessage(message("chA", "m1", time.Now()))
	if got := second.PeerUnread(guest); got != 3 {
		t.Fatalf("member total after message: got %d, want 3", got)
	}
	if got := persist.NewLayer(kv, adminA).Hydrate(ctx).Members["guest:g1"]; got != 3 {
		t.Fatalf("persisted member total after message: got %d, want 3", got)
	}
}

func TestReadMarkerSurvivesReloadWithinMillisecond(t *testing.T) {
	ctx := context.Background()
	kv := persist.NewMemoryKV()
	base := time.UnixMilli(1_700_000_000_000)
	cfg := testConfig()
	cfg.Clock = clockwork.NewFakeClockAt(base.Add(900 * time.Microsecond))

	first := Open(ctx, adminA, Deps{Source: newFakeSource(), KV: kv}, cfg)
	first.EnterChannel("chA")
	first.LeaveChannel()
	first.HandleMessage(message("chA", "m1", base.Add(300*time.Microsecond)))
	if got := first.Get("chA"); got != 0 {
		t.Fatalf("before reload: got %d, want 0", got)
	}
	first.Close()

	second := Open(ctx, adminA, Deps{Source: failingSource{}, KV: kv}, cfg)
	t.Cleanup(second.Close)
	second.HandleMessage(message("chA", "m2", base.Add(300*time.Microsecond)))
	if got := second.Get("chA"); got != 0 {
		t.Fatalf("after reload: got %d, want 0", got)
	}
}

func TestUnsetFailsafeFallsBackToMaskDefault(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := testConfig()
	cfg.Clock = clock
	cfg.Failsafe = 0
	s := Open(context.Background(), adminA, Deps{Source: newFakeSource()}, cfg)
	t.Cleanup(s.Close)

	s.HideBadge("chA")
	clock.Advance(mask.DefaultFailsafe - time.Millisecond)
	if !s.IsMasked("chA") {
		t.Fatal("badge revealed before the default failsafe")
	}
	clock.Advance(time.Millisecond)
	waitFor(t, "failsafe reveal", func() bool { return !s.IsMasked("chA") })
}

func TestHiddenBadgeRevealedWhenStoreReportsZero(t *testing.T) {
	source := newFakeSource()
	source.set("admin-1", row("chA", 3))
	s := openTestSession(t, Deps{Source: source})
	s.Refresh(context.Background())

	changes := make(chan bool, 4)
	s.OnMaskChange(func(channelID string, masked bool) { changes <- masked })

	s.HideBadge("chA")
	if !s.IsMasked("chA") {
		t.Fatal("chA should be masked")
	}

	source.set("admin-1", row("chA", 0))
	s.Refresh(context.Background())

	if s.IsMasked("chA") {
		t.Fatal("zero from store should reveal the badge")
	}
	if first, second := <-changes, <-changes; !first || second {
		t.Fatalf("unexpected mask transitions: %v %v", first, second)
	}
}

func TestSnapshotCallbackSeesCommittedState(t *testing.T) {
	source := newFakeSource()
	source.set("admin-1", row("chA", 2))
	s := openTestSession(t, Deps{Source: source})

	var last reconcile.Snapshot
	s.OnSnapshot(func(snap reconcile.Snapshot) { last = snap })
	s.Refresh(context.Background())

	if last.Display["chA"] != 2 || last.Total != 2 {
		t.Fatalf("unexpected snapshot: %+v", last)
	}
}

func TestManagerIsIdleWithoutIdentity(t *testing.T) {
	m := NewManager(Deps{Source: newFakeSource()}, testConfig())
	defer m.Close()

	err := m.SetViewer(context.Background(), models.Viewer{BoardOwnerID: "owner-1"})
	if !errors.Is(err, ErrInvalidViewer) {
		t.Fatalf("got %v, want ErrInvalidViewer", err)
	}

	m.HandleMessage(message("chA", "m1", time.Now()))
	m.EnterChannel("chA")
	m.HideBadge("chA")

	if m.Total() != 0 || m.Get("chA") != 0 || m.IsMasked("chA") {
		t.Fatal("idle manager should not hold state")
	}
	if _, ok := m.Viewer(); ok {
		t.Fatal("no viewer should be set")
	}
}

func TestManagerIdentitySwitchStartsFresh(t *testing.T) {
	source := newFakeSource()
	source.set("admin-1", row("chA", 3))
	m := NewManager(Deps{Source: source, KV: persist.NewMemoryKV()}, testConfig())
	defer m.Close()

	if err := m.SetViewer(context.Background(), adminA); err != nil {
		t.Fatalf("set viewer: %v", err)
	}
	waitFor(t, "initial poll", func() bool { return m.Total() == 3 })

	source.set("admin-1")
	if err := m.SetViewer(context.Background(), adminB); err != nil {
		t.Fatalf("switch viewer: %v", err)
	}

	if got := m.Total(); got != 0 {
		t.Fatalf("total after switch: got %d, want 0", got)
	}
	if got := m.Get("chA"); got != 0 {
		t.Fatalf("chA after switch: got %d, want 0", got)
	}
	if v, _ := m.Viewer(); v.BoardOwnerID != "owner-2" {
		t.Fatalf("viewer not switched: %+v", v)
	}
}

func TestManagerKeepsSessionForSameViewer(t *testing.T) {
	source := newFakeSource()
	source.set("admin-1", row("chA", 3))
	m := NewManager(Deps{Source: source}, testConfig())
	defer m.Close()

	_ = m.SetViewer(context.Background(), adminA)
	waitFor(t, "initial poll", func() bool { return m.Total() == 3 })
	m.HideBadge("chA")
	_ = m.SetViewer(context.Background(), adminA)

	if !m.IsMasked("chA") {
		t.Fatal("same identity should keep the running session")
	}
}
