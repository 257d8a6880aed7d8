// Package ctl is the voxctl side of the control API: an HTTP client
// dialing the daemon's session unix socket.
package ctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gbarbosa/vox/internal/api"
	"github.com/gbarbosa/vox/internal/store"
	syncengine "github.com/gbarbosa/vox/internal/sync"
)

// Client talks to a running voxd over its unix socket.
type Client struct {
	http *http.Client
}

// NewClient creates a client for the daemon at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: 60 * time.Second,
		},
	}
}

// Status returns the daemon status snapshot.
func (c *Client) Status(ctx context.Context) (api.StatusResponse, error) {
	var out api.StatusResponse
	err := c.do(ctx, http.MethodGet, "/v1/status", nil, &out)
	return out, err
}

// Chats lists conversations.
func (c *Client) Chats(ctx context.Context, limit, offset int) ([]store.Chat, error) {
	var out struct {
		Chats []store.Chat `json:"chats"`
	}
	path := fmt.Sprintf("/v1/chats?limit=%d&offset=%d", limit, offset)
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Chats, err
}

// Messages lists a chat's messages, newest first.
func (c *Client) Messages(ctx context.Context, chatID, before int64, limit int) ([]store.Message, error) {
	var out struct {
		Messages []store.Message `json:"messages"`
	}
	path := fmt.Sprintf("/v1/chats/%d/messages?before=%d&limit=%d", chatID, before, limit)
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Messages, err
}

// Send creates a message and enqueues its delivery.
func (c *Client) Send(ctx context.Context, req api.CreateMessageRequest) (api.CreateMessageResponse, error) {
	var out api.CreateMessageResponse
	err := c.do(ctx, http.MethodPost, "/v1/messages", req, &out)
	return out, err
}

// Retry makes a message deliverable again.
func (c *Client) Retry(ctx context.Context, messageID int64) (string, error) {
	var out struct {
		TaskUID string `json:"task_uid"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/messages/%d/retry", messageID), struct{}{}, &out)
	return out.TaskUID, err
}

// Cancel stops a message's active delivery.
func (c *Client) Cancel(ctx context.Context, messageID int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/messages/%d/cancel", messageID), struct{}{}, nil)
}

// Resume unblocks a suspended delivery with the user's outcome.
func (c *Client) Resume(ctx context.Context, messageID int64, outcome string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/messages/%d/resume", messageID),
		api.ResumeRequest{Outcome: outcome}, nil)
}

// SyncNow triggers an immediate sync cycle.
func (c *Client) SyncNow(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/sync", struct{}{}, nil)
}

// SyncStatus returns the sync engine snapshot.
func (c *Client) SyncStatus(ctx context.Context) (syncengine.Status, error) {
	var out syncengine.Status
	err := c.do(ctx, http.MethodGet, "/v1/sync/status", nil, &out)
	return out, err
}

// Logout records and attempts the compensating logout. Returns whether
// the backend was notified immediately.
func (c *Client) Logout(ctx context.Context) (bool, error) {
	var out struct {
		Drained bool `json:"drained"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/logout", struct{}{}, &out)
	return out.Drained, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	// The host is ignored; the transport always dials the socket.
	req, err := http.NewRequestWithContext(ctx, method, "http://vox"+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
