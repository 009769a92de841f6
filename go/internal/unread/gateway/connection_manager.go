package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mcdev12/unread/go/internal/models"
	"github.com/mcdev12/unread/go/internal/unread/reconcile"
	"github.com/mcdev12/unread/go/internal/unread/session"
	"github.com/rs/zerolog/log"
)

// ConnectionManager manages websocket connections grouped by board owner.
// Every connection owns the unread engine of its viewer.
type ConnectionManager struct {
	boardConnections map[string]map[*Connection]bool
	mu               sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	deps       session.Deps
	sessionCfg session.Config

	broadcastCh chan BroadcastMessage
}

// Connection represents a websocket connection to one viewer
type Connection struct {
	ID      string
	Viewer  models.Viewer
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *ConnectionManager

	sessions *session.Manager

	sendMu     sync.Mutex
	sendClosed bool

	ConnectedAt time.Time
}

// ConnectionConfig holds configuration for websocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	CheckOrigin     func(r *http.Request) bool
}

// BroadcastMessage is a realtime message routed to every viewer on a board
type BroadcastMessage struct {
	OwnerID string
	Event   models.MessageEvent
}

// DefaultConnectionConfig returns default websocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  256,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// NewConnectionManager creates a new websocket connection manager
func NewConnectionManager(config ConnectionConfig, deps session.Deps, sessionCfg session.Config) *ConnectionManager {
	if config.SendBufferSize <= 0 {
		config.SendBufferSize = 256
	}
	return &ConnectionManager{
		boardConnections: make(map[string]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		deps:        deps,
		sessionCfg:  sessionCfg,
		broadcastCh: make(chan BroadcastMessage, 1000),
	}
}

// Start routes realtime messages until ctx is done, then closes every
// connection.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			cm.closeAll()
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// UpgradeConnection upgrades an HTTP connection and opens the viewer's engine.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, viewer models.Viewer) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		Viewer:      viewer,
		Conn:        conn,
		Send:        make(chan []byte, cm.config.SendBufferSize),
		Manager:     cm,
		sessions:    session.NewManager(cm.deps, cm.sessionCfg),
		ConnectedAt: time.Now(),
	}
	connection.sessions.OnSnapshot(connection.pushSnapshot)
	connection.sessions.OnMaskChange(connection.pushMask)

	cm.registerConnection(connection)

	go connection.writePump()
	go connection.readPump()

	if err := connection.sessions.SetViewer(context.WithoutCancel(r.Context()), viewer); err != nil {
		connection.pushError(err)
	} else {
		connection.pushSnapshot(connection.sessions.Snapshot())
	}

	log.Info().
		Str("connection_id", connection.ID).
		Str("board_owner_id", viewer.BoardOwnerID).
		Str("viewer_type", string(viewer.ViewerType)).
		Msg("websocket connection established")

	return nil
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	ownerID := conn.Viewer.BoardOwnerID
	if cm.boardConnections[ownerID] == nil {
		cm.boardConnections[ownerID] = make(map[*Connection]bool)
	}
	cm.boardConnections[ownerID][conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("board_owner_id", ownerID).
		Int("total_connections", len(cm.boardConnections[ownerID])).
		Msg("connection registered")
}

// unregisterConnection removes a connection and disposes its engine. Safe to
// call more than once.
func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	connections, exists := cm.boardConnections[conn.Viewer.BoardOwnerID]
	if !exists || !connections[conn] {
		cm.mu.Unlock()
		return
	}
	delete(connections, conn)
	if len(connections) == 0 {
		delete(cm.boardConnections, conn.Viewer.BoardOwnerID)
	}
	cm.mu.Unlock()

	conn.sessions.Close()
	conn.closeSend()

	log.Info().
		Str("connection_id", conn.ID).
		Str("board_owner_id", conn.Viewer.BoardOwnerID).
		Msg("connection unregistered")
}

func (cm *ConnectionManager) closeAll() {
	cm.mu.RLock()
	var all []*Connection
	for _, connections := range cm.boardConnections {
		for conn := range connections {
			all = append(all, conn)
		}
	}
	cm.mu.RUnlock()

	for _, conn := range all {
		cm.unregisterConnection(conn)
	}
}

// BroadcastToBoard queues a realtime message for every viewer on a board
func (cm *ConnectionManager) BroadcastToBoard(ownerID string, event models.MessageEvent) {
	select {
	case cm.broadcastCh <- BroadcastMessage{OwnerID: ownerID, Event: event}:
	default:
		log.Warn().Str("board_owner_id", ownerID).Msg("broadcast channel full, dropping message")
	}
}

func (cm *ConnectionManager) handleBroadcast(message BroadcastMessage) {
	cm.mu.RLock()
	connections, exists := cm.boardConnections[message.OwnerID]
	if !exists {
		cm.mu.RUnlock()
		return
	}
	targets := make([]*Connection, 0, len(connections))
	for conn := range connections {
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	for _, conn := range targets {
		conn.sessions.HandleMessage(message.Event)
	}

	log.Debug().
		Str("board_owner_id", message.OwnerID).
		Str("channel_id", message.Event.ChannelID).
		Int("connections", len(targets)).
		Msg("message routed")
}

// GetConnectionStats returns statistics about active connections
func (cm *ConnectionManager) GetConnectionStats() map[string]interface{} {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	total := 0
	boardCounts := make(map[string]int)
	for ownerID, connections := range cm.boardConnections {
		total += len(connections)
		boardCounts[ownerID] = len(connections)
	}

	return map[string]interface{}{
		"total_connections": total,
		"active_boards":     len(cm.boardConnections),
		"board_connections": boardCounts,
	}
}

// ConnectionCount returns the number of open connections.
func (cm *ConnectionManager) ConnectionCount() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	total := 0
	for _, connections := range cm.boardConnections {
		total += len(connections)
	}
	return total
}

func (c *Connection) pushSnapshot(snap reconcile.Snapshot) {
	c.push(ServerFrame{Type: FrameTypeSnapshot, Snapshot: &snap})
}

func (c *Connection) pushMask(channelID string, masked bool) {
	c.push(ServerFrame{Type: FrameTypeMask, ChannelID: channelID, Masked: masked})
}

func (c *Connection) pushError(err error) {
	c.push(ServerFrame{Type: FrameTypeError, Error: err.Error()})
}

func (c *Connection) push(frame ServerFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to marshal frame")
		return
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.Send <- data:
	default:
		log.Warn().
			Str("connection_id", c.ID).
			Str("frame", string(frame.Type)).
			Msg("connection send buffer full, dropping frame")
	}
}

func (c *Connection) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.Send)
	}
}

// writePump handles sending messages to the websocket connection
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to websocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump reads UI intents from the websocket connection
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected websocket close error")
			}
			break
		}

		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

// handleClientMessage applies a UI intent to the viewer's engine
func (c *Connection) handleClientMessage(message []byte) {
	var frame ClientFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		c.pushError(fmt.Errorf("invalid frame: %w", err))
		return
	}

	log.Debug().
		Str("connection_id", c.ID).
		Str("intent", string(frame.Type)).
		Str("channel_id", frame.ChannelID).
		Msg("received client intent")

	switch frame.Type {
	case IntentEnterChannel:
		c.sessions.EnterChannel(frame.ChannelID)
	case IntentLeaveChannel:
		c.sessions.LeaveChannel()
	case IntentHideBadge:
		c.sessions.HideBadge(frame.ChannelID)
	case IntentShowBadge:
		c.sessions.ShowBadge(frame.ChannelID)
	case IntentRefresh:
		go c.sessions.Refresh(context.Background())
	default:
		c.pushError(fmt.Errorf("unknown intent %q", frame.Type))
	}
}
