// Package unreadv1 defines the wire messages of the unread counter service.
package unreadv1

import (
	"net/url"

	"github.com/mcdev12/unread/go/internal/models"
)

const (
	// CounterServiceName is the fully-qualified name of the CounterService.
	CounterServiceName = "unread.v1.CounterService"

	CounterServiceGetUnreadCountersProcedure = "/unread.v1.CounterService/GetUnreadCounters"
	CounterServiceResolveViewerIDProcedure   = "/unread.v1.CounterService/ResolveViewerID"
)

// MarkReadPath returns the REST path of the mark-read endpoint.
func MarkReadPath(ownerID, channelID string) string {
	return "/api/boards/" + url.PathEscape(ownerID) + "/channels/" + url.PathEscape(channelID) + "/read"
}

type GetUnreadCountersRequest struct {
	OwnerID    string            `json:"owner_id"`
	ViewerType models.ViewerType `json:"viewer_type"`
	ViewerID   string            `json:"viewer_id"`
}

type GetUnreadCountersResponse struct {
	Counters []models.CounterRow `json:"counters"`
}

type ResolveViewerIDRequest struct {
	OwnerID string `json:"owner_id"`
	Email   string `json:"email"`
}

type ResolveViewerIDResponse struct {
	ViewerID string `json:"viewer_id"`
}

// MarkReadRequest is the JSON body of the mark-read endpoint.
type MarkReadRequest struct {
	ViewerType models.ViewerType `json:"viewer_type"`
	ViewerID   string            `json:"viewer_id"`
}
