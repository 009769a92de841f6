package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mcdev12/unread/go/internal/models"
	"github.com/mcdev12/unread/go/internal/unread/persist"
	"github.com/mcdev12/unread/go/internal/unread/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeSource struct {
	mu   sync.Mutex
	rows []models.CounterRow
}

func (f *fakeSource) GetUnreadCounters(ctx context.Context, ownerID string, viewerType models.ViewerType, viewerID string) ([]models.CounterRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.CounterRow(nil), f.rows...), nil
}

func (f *fakeSource) ResolveViewerID(ctx context.Context, ownerID, email string) (string, error) {
	return "", errors.New("not supported")
}

type fakeMarker struct {
	marked chan string
}

func newFakeMarker() *fakeMarker {
	return &fakeMarker{marked: make(chan string, 4)}
}

func (m *fakeMarker) MarkRead(ctx context.Context, viewer models.Viewer, channelID string) error {
	m.marked <- channelID
	return nil
}

func startTestGateway(t *testing.T, source *fakeSource, marker *fakeMarker) (*Service, *httptest.Server) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.JetStreamConfig.URL = ""

	svc, err := NewService(cfg, session.Deps{Source: source, Marker: marker, KV: persist.NewMemoryKV()})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Start(ctx)
	}()

	mux := http.NewServeMux()
	svc.RegisterRoutes(mux)
	server := httptest.NewServer(mux)

	t.Cleanup(func() {
		server.Close()
		cancel()
		<-done
	})
	return svc, server
}

func dialViewer(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/unread?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads frames until match returns true.
func readUntil(t *testing.T, conn *websocket.Conn, match func(ServerFrame) bool) ServerFrame {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		var frame ServerFrame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if match(frame) {
			return frame
		}
	}
}

func snapshotWith(channelID string, count int) func(ServerFrame) bool {
	return func(f ServerFrame) bool {
		if f.Type != FrameTypeSnapshot || f.Snapshot == nil {
			return false
		}
		got, ok := f.Snapshot.Counts[channelID]
		return ok && got == count
	}
}

func TestGatewayStreamsViewerCounts(t *testing.T) {
	source := &fakeSource{rows: []models.CounterRow{{ChannelID: "ch-a", ChannelUnread: 2}}}
	marker := newFakeMarker()
	svc, server := startTestGateway(t, source, marker)

	conn := dialViewer(t, server, "owner_id=owner-1&viewer_type=admin&viewer_id=admin-1")
	readUntil(t, conn, snapshotWith("ch-a", 2))

	svc.BroadcastMessage("owner-1", models.MessageEvent{
		ChannelID:  "ch-a",
		MessageID:  "m-1",
		CreatedAt:  time.Now(),
		SenderID:   "guest-1",
		SenderType: models.ViewerTypeGuest,
	})
	frame := readUntil(t, conn, snapshotWith("ch-a", 3))
	if frame.Snapshot.Total != 3 {
		t.Fatalf("total: got %d, want 3", frame.Snapshot.Total)
	}

	if err := conn.WriteJSON(ClientFrame{Type: IntentEnterChannel, ChannelID: "ch-a"}); err != nil {
		t.Fatalf("write intent: %v", err)
	}
	frame = readUntil(t, conn, snapshotWith("ch-a", 0))
	if frame.Snapshot.Active != "ch-a" {
		t.Fatalf("active channel: got %q", frame.Snapshot.Active)
	}

	select {
	case id := <-marker.marked:
		if id != "ch-a" {
			t.Fatalf("marked %q, want ch-a", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("mark read was not sent")
	}
}

func TestGatewayRoutesOnlyToBoard(t *testing.T) {
	source := &fakeSource{rows: []models.CounterRow{{ChannelID: "ch-a", ChannelUnread: 1}}}
	svc, server := startTestGateway(t, source, newFakeMarker())

	other := dialViewer(t, server, "owner_id=owner-2&viewer_type=admin&viewer_id=admin-1")
	readUntil(t, other, snapshotWith("ch-a", 1))
	mine := dialViewer(t, server, "owner_id=owner-1&viewer_type=admin&viewer_id=admin-1")
	readUntil(t, mine, snapshotWith("ch-a", 1))

	svc.BroadcastMessage("owner-1", models.MessageEvent{
		ChannelID: "ch-a",
		MessageID: "m-1",
		CreatedAt: time.Now(),
		SenderID:  "guest-1",
	})
	readUntil(t, mine, snapshotWith("ch-a", 2))

	// Both boards are routed by the same goroutine, so the other board has
	// already been skipped by now.
	for _, conn := range connectionsFor(svc, "owner-2") {
		if got := conn.sessions.Get("ch-a"); got != 1 {
			t.Fatalf("other board changed: got %d, want 1", got)
		}
	}
}

func connectionsFor(svc *Service, ownerID string) []*Connection {
	cm := svc.connectionManager
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	var out []*Connection
	for conn := range cm.boardConnections[ownerID] {
		out = append(out, conn)
	}
	return out
}

func TestGatewayRejectsIncompleteViewer(t *testing.T) {
	_, server := startTestGateway(t, &fakeSource{}, newFakeMarker())

	resp, err := http.Get(server.URL + "/ws/unread?owner_id=owner-1&viewer_type=guest")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", resp.StatusCode)
	}
}

func TestGatewayReportsUnknownIntent(t *testing.T) {
	_, server := startTestGateway(t, &fakeSource{}, newFakeMarker())

	conn := dialViewer(t, server, "owner_id=owner-1&viewer_type=admin&viewer_id=admin-1")
	if err := conn.WriteJSON(map[string]string{"type": "dance"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame := readUntil(t, conn, func(f ServerFrame) bool { return f.Type == FrameTypeError })
	if !strings.Contains(frame.Error, "dance") {
		t.Fatalf("error frame: got %q", frame.Error)
	}
}

func TestGatewayConnectionGauge(t *testing.T) {
	svc, server := startTestGateway(t, &fakeSource{}, newFakeMarker())
	reg := prometheus.NewRegistry()
	if err := svc.RegisterMetrics(reg); err != nil {
		t.Fatalf("register: %v", err)
	}

	conn := dialViewer(t, server, "owner_id=owner-1&viewer_type=admin&viewer_id=admin-1")
	readUntil(t, conn, func(f ServerFrame) bool { return f.Type == FrameTypeSnapshot })

	expected := `
# HELP unread_gateway_connections Open viewer websocket connections
# TYPE unread_gateway_connections gauge
unread_gateway_connections 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "unread_gateway_connections"); err != nil {
		t.Fatal(err)
	}
}
