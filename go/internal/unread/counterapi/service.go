package counterapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"connectrpc.com/connect"
	"github.com/mcdev12/unread/go/internal/models"
	"github.com/mcdev12/unread/go/internal/rpcjson"
	"github.com/mcdev12/unread/go/internal/unread/unreadv1"
	"github.com/rs/zerolog/log"
)

// CounterApp defines what the service layer needs from the counter application
type CounterApp interface {
	GetUnreadCounters(ctx context.Context, ownerID string, viewerType models.ViewerType, viewerID string) ([]models.CounterRow, error)
	ResolveViewerID(ctx context.Context, ownerID, email string) (string, error)
	MarkRead(ctx context.Context, ownerID, channelID string, viewerType models.ViewerType, viewerID string) error
}

// Service implements the CounterService handlers
type Service struct {
	app CounterApp
}

// NewService creates a new counter service
func NewService(app CounterApp) *Service {
	return &Service{app: app}
}

// GetUnreadCounters returns the unread aggregate for a viewer
func (s *Service) GetUnreadCounters(ctx context.Context, req *connect.Request[unreadv1.GetUnreadCountersRequest]) (*connect.Response[unreadv1.GetUnreadCountersResponse], error) {
	rows, err := s.app.GetUnreadCounters(ctx, req.Msg.OwnerID, req.Msg.ViewerType, req.Msg.ViewerID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&unreadv1.GetUnreadCountersResponse{Counters: rows}), nil
}

// ResolveViewerID maps a guest email to a durable id
func (s *Service) ResolveViewerID(ctx context.Context, req *connect.Request[unreadv1.ResolveViewerIDRequest]) (*connect.Response[unreadv1.ResolveViewerIDResponse], error) {
	id, err := s.app.ResolveViewerID(ctx, req.Msg.OwnerID, req.Msg.Email)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&unreadv1.ResolveViewerIDResponse{ViewerID: id}), nil
}

// HandleMarkRead serves POST /api/boards/{ownerID}/channels/{channelID}/read.
func (s *Service) HandleMarkRead(w http.ResponseWriter, r *http.Request) {
	var body unreadv1.MarkReadRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	err := s.app.MarkRead(r.Context(), r.PathValue("ownerID"), r.PathValue("channelID"), body.ViewerType, body.ViewerID)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ErrInvalidViewer):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrNotFound):
		http.Error(w, "channel not found", http.StatusNotFound)
	default:
		log.Error().Err(err).Msg("mark read failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// RegisterRoutes mounts the connect procedures and the mark-read endpoint.
func (s *Service) RegisterRoutes(mux *http.ServeMux, opts ...connect.HandlerOption) {
	opts = append([]connect.HandlerOption{rpcjson.WithCodec()}, opts...)

	mux.Handle(unreadv1.CounterServiceGetUnreadCountersProcedure,
		connect.NewUnaryHandler(unreadv1.CounterServiceGetUnreadCountersProcedure, s.GetUnreadCounters, opts...))
	mux.Handle(unreadv1.CounterServiceResolveViewerIDProcedure,
		connect.NewUnaryHandler(unreadv1.CounterServiceResolveViewerIDProcedure, s.ResolveViewerID, opts...))
	mux.HandleFunc("POST /api/boards/{ownerID}/channels/{channelID}/read", s.HandleMarkRead)

	log.Info().Str("service", unreadv1.CounterServiceName).Msg("counter service routes registered")
}

func toConnectError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidViewer):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, ErrNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}
