package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/mcdev12/unread/go/internal/models"
	"github.com/rs/zerolog/log"
)

// WebSocketHandler handles websocket upgrade requests for badge connections
type WebSocketHandler struct {
	connectionManager *ConnectionManager
}

// NewWebSocketHandler creates a new websocket handler
func NewWebSocketHandler(cm *ConnectionManager) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
	}
}

// HandleUnreadConnection upgrades a viewer connection. The viewer identity
// comes from query parameters: owner_id, viewer_type, viewer_id and, for
// guests known only by email, email.
func (h *WebSocketHandler) HandleUnreadConnection(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	viewer := models.Viewer{
		BoardOwnerID: q.Get("owner_id"),
		ViewerType:   models.ViewerType(q.Get("viewer_type")),
		ViewerID:     q.Get("viewer_id"),
		Email:        q.Get("email"),
	}
	if !viewer.Valid() {
		http.Error(w, "owner_id, viewer_type and viewer_id or email are required", http.StatusBadRequest)
		return
	}

	if err := h.connectionManager.UpgradeConnection(w, r, viewer); err != nil {
		// the upgrader has already replied to the client
		log.Error().
			Err(err).
			Str("board_owner_id", viewer.BoardOwnerID).
			Msg("failed to upgrade websocket connection")
		return
	}
}

// HandleConnectionStats returns statistics about active connections
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	stats := h.connectionManager.GetConnectionStats()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		log.Error().Err(err).Msg("failed to write connection stats")
	}
}

// RegisterRoutes registers websocket routes with an HTTP mux
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/unread", h.HandleUnreadConnection)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
}
