package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/banshee-data/zonecount/internal/httputil"
	"github.com/banshee-data/zonecount/internal/session"
)

// Client drives a remote zonecount server's session endpoints. It is what
// an external tracker uses to feed a push session.
type Client struct {
	base string
	http httputil.HTTPClient
}

// NewClient returns a Client for the server at baseURL.
func NewClient(baseURL string, c httputil.HTTPClient) *Client {
	return &Client{base: strings.TrimRight(baseURL, "/"), http: c}
}

// StartSession starts a session against zoneID reading from src, which is
// SourcePush or a replay path on the server.
func (c *Client) StartSession(ctx context.Context, zoneID int64, src string) (session.Snapshot, error) {
	var snap session.Snapshot
	err := httputil.DoJSON(ctx, c.http, http.MethodPost, c.base+"/api/sessions",
		startSessionRequest{ZoneID: zoneID, Source: src}, &snap)
	return snap, err
}

// PushFrames sends frames to the running push session.
func (c *Client) PushFrames(ctx context.Context, frames []session.Frame) error {
	var resp struct {
		Accepted int `json:"accepted"`
	}
	if err := httputil.DoJSON(ctx, c.http, http.MethodPost, c.base+"/api/sessions/frames", frames, &resp); err != nil {
		return err
	}
	if resp.Accepted != len(frames) {
		return fmt.Errorf("server accepted %d of %d frames", resp.Accepted, len(frames))
	}
	return nil
}

// StopSession stops the running session and returns its final snapshot.
func (c *Client) StopSession(ctx context.Context) (session.Snapshot, error) {
	var snap session.Snapshot
	err := httputil.DoJSON(ctx, c.http, http.MethodPost, c.base+"/api/sessions/stop", nil, &snap)
	return snap, err
}

// CurrentSession returns the running or most recent session.
func (c *Client) CurrentSession(ctx context.Context) (session.Snapshot, error) {
	var snap session.Snapshot
	err := httputil.DoJSON(ctx, c.http, http.MethodGet, c.base+"/api/sessions/current", nil, &snap)
	return snap, err
}
