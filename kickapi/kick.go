// Package kickapi checks live status on Kick via its public channels endpoint.
// No auth token is required for the read-only channel lookup.
package kickapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// baseURL is a var so tests can point it at a local server.
var baseURL = "https://kick.com/api/v2"

type Client struct {
	HTTPClient *http.Client
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// StreamInfo describes a live Kick broadcast.
type StreamInfo struct {
	ID        string
	Title     string
	StartedAt time.Time
}

// GetStream returns the channel's live broadcast, or nil when offline.
func (c *Client) GetStream(ctx context.Context, slug string) (*StreamInfo, error) {
	if slug == "" {
		return nil, fmt.Errorf("channel slug empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/channels/"+slug, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("kick channel %q not found", slug)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kick channels lookup failed: %s", resp.Status)
	}
	var body struct {
		Livestream *struct {
			ID        json.Number `json:"id"`
			Title     string      `json:"session_title"`
			CreatedAt string      `json:"created_at"`
		} `json:"livestream"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if body.Livestream == nil {
		return nil, nil
	}
	info := &StreamInfo{ID: body.Livestream.ID.String(), Title: body.Livestream.Title}
	// Kick reports "2026-03-01 12:00:00" without a zone; treat it as UTC.
	if t, err := time.Parse("2006-01-02 15:04:05", body.Livestream.CreatedAt); err == nil {
		info.StartedAt = t.UTC()
	}
	return info, nil
}
