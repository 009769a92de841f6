// Package counters is the client side of the unread counter service. It
// implements the countersync source and mark-read interfaces.
package counters

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/mcdev12/unread/go/clients"
	"github.com/mcdev12/unread/go/internal/models"
	"github.com/mcdev12/unread/go/internal/rpcjson"
	"github.com/mcdev12/unread/go/internal/unread/unreadv1"
)

const defaultTimeout = 10 * time.Second

// Client talks to the counter service over connect (JSON) for counter
// queries and over plain HTTP for the mark-read signal.
type Client struct {
	base             *clients.BaseClient
	getUnreadCounter *connect.Client[unreadv1.GetUnreadCountersRequest, unreadv1.GetUnreadCountersResponse]
	resolveViewerID  *connect.Client[unreadv1.ResolveViewerIDRequest, unreadv1.ResolveViewerIDResponse]
}

// NewClient creates a client for the service at baseURL. httpClient may be
// nil.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	base := clients.NewBaseClientWithHTTP(baseURL, httpClient)

	return &Client{
		base: base,
		getUnreadCounter: connect.NewClient[unreadv1.GetUnreadCountersRequest, unreadv1.GetUnreadCountersResponse](
			httpClient,
			baseURL+unreadv1.CounterServiceGetUnreadCountersProcedure,
			rpcjson.WithCodec(),
		),
		resolveViewerID: connect.NewClient[unreadv1.ResolveViewerIDRequest, unreadv1.ResolveViewerIDResponse](
			httpClient,
			baseURL+unreadv1.CounterServiceResolveViewerIDProcedure,
			rpcjson.WithCodec(),
		),
	}
}

// SetHeader adds a header to mark-read requests, e.g. an auth token.
func (c *Client) SetHeader(key, value string) {
	c.base.SetHeader(key, value)
}

func (c *Client) GetUnreadCounters(ctx context.Context, ownerID string, viewerType models.ViewerType, viewerID string) ([]models.CounterRow, error) {
	resp, err := c.getUnreadCounter.CallUnary(ctx, connect.NewRequest(&unreadv1.GetUnreadCountersRequest{
		OwnerID:    ownerID,
		ViewerType: viewerType,
		ViewerID:   viewerID,
	}))
	if err != nil {
		return nil, fmt.Errorf("get unread counters: %w", err)
	}
	return resp.Msg.Counters, nil
}

func (c *Client) ResolveViewerID(ctx context.Context, ownerID, email string) (string, error) {
	resp, err := c.resolveViewerID.CallUnary(ctx, connect.NewRequest(&unreadv1.ResolveViewerIDRequest{
		OwnerID: ownerID,
		Email:   email,
	}))
	if err != nil {
		return "", fmt.Errorf("resolve viewer id: %w", err)
	}
	return resp.Msg.ViewerID, nil
}

func (c *Client) MarkRead(ctx context.Context, viewer models.Viewer, channelID string) error {
	_, err := c.base.PostJSON(ctx, unreadv1.MarkReadPath(viewer.BoardOwnerID, channelID), unreadv1.MarkReadRequest{
		ViewerType: viewer.ViewerType,
		ViewerID:   viewer.ViewerID,
	})
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}
