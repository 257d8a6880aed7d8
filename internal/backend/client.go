package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"go.uber.org/zap"
)

// Partition selects one of the two server-side message partitions.
type Partition string

const (
	PartitionReceived Partition = "received"
	PartitionSent     Partition = "sent"
)

// WireMessage is one server-described message from the list endpoint.
type WireMessage struct {
	ID                   string     `json:"id"`
	Sender               string     `json:"sender"`
	Recipients           []string   `json:"recipients"`
	AudioURL             string     `json:"audio_url"`
	ShortURL             string     `json:"short_url"`
	Transcript           string     `json:"transcript"`
	TranscriptConfidence float64    `json:"transcript_confidence"`
	TranscriptLang       string     `json:"transcript_lang"`
	DurationMS           int64      `json:"duration_ms"`
	CreatedAt            time.Time  `json:"created_at"`
	ReadAt               *time.Time `json:"read_at"`
}

// MessagePage is one page of the paginated list endpoint. Next is the
// absolute URL of the following page, empty on the last page.
type MessagePage struct {
	Messages []WireMessage `json:"messages"`
	Next     string        `json:"next"`
}

// UploadResult carries the server-issued URLs for an uploaded recording.
type UploadResult struct {
	CanonicalURL string `json:"canonical_url"`
	ShortURL     string `json:"short_url"`
}

// Transcription is the result of a transcription job.
type Transcription struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
}

// Client talks to the vox backend. All calls go through the executor's
// token lifecycle except NotifyLogout, which uses an explicitly supplied
// snapshot token.
type Client struct {
	base     string
	exec     *Executor
	bare     *Executor // no authenticator, for snapshot-token calls
	account  string
	deviceID string
	logger   *zap.Logger
}

// NewClient creates a backend client.
func NewClient(baseURL string, httpClient *http.Client, auth Authenticator, account, deviceID string, logger *zap.Logger) *Client {
	return &Client{
		base:     baseURL,
		exec:     NewExecutor(httpClient, auth, logger),
		bare:     NewExecutor(httpClient, nil, logger),
		account:  account,
		deviceID: deviceID,
		logger:   logger,
	}
}

// EnsureAccount registers the local account with the backend. A duplicate
// registration is reported as success.
func (c *Client) EnsureAccount(ctx context.Context) error {
	_, err := c.exec.Do(ctx, &Request{
		Method: http.MethodPost,
		URL:    c.base + "/v1/accounts",
		Body: map[string]string{
			"email":     c.account,
			"device_id": c.deviceID,
		},
	})
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusConflict {
		return nil
	}
	return err
}

type registerMessageRequest struct {
	Subject      string    `json:"subject"`
	Recipients   []string  `json:"recipients"`
	RegisteredAt time.Time `json:"registered_at"`
}

// RegisterMessage registers a local message and returns the server id.
// taskUID is sent as an idempotency key so a requeued attempt maps to the
// same logical registration.
func (c *Client) RegisterMessage(ctx context.Context, taskUID, subject string, recipients []string, registeredAt time.Time) (string, error) {
	out, err := DoJSON[struct {
		ID string `json:"id"`
	}](ctx, c.exec, &Request{
		Method: http.MethodPost,
		URL:    c.base + "/v1/messages",
		Body:   registerMessageRequest{Subject: subject, Recipients: recipients, RegisteredAt: registeredAt},
		Header: idempotencyHeader(taskUID),
	})
	if err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("backend returned empty message id")
	}
	return out.ID, nil
}

// UploadRecording uploads the recording binary for a registered message
// and returns the server-issued URLs.
func (c *Client) UploadRecording(ctx context.Context, taskUID, serverID, path string) (UploadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return UploadResult{}, fmt.Errorf("read recording: %w", err)
	}
	return DoJSON[UploadResult](ctx, c.exec, &Request{
		Method:  http.MethodPost,
		URL:     fmt.Sprintf("%s/v1/messages/%s/audio", c.base, url.PathEscape(serverID)),
		RawBody: data,
		Header:  idempotencyHeader(taskUID),
	})
}

// Transcribe submits the recording of a registered message for
// transcription and returns the result.
func (c *Client) Transcribe(ctx context.Context, serverID string) (Transcription, error) {
	return DoJSON[Transcription](ctx, c.exec, &Request{
		Method: http.MethodPost,
		URL:    fmt.Sprintf("%s/v1/messages/%s/transcription", c.base, url.PathEscape(serverID)),
	})
}

// ListMessages fetches one page of the message list. cursor, when set, is
// the absolute next-page URL from a prior page and overrides the filter
// parameters.
func (c *Client) ListMessages(ctx context.Context, p Partition, since string, cursor string) (MessagePage, error) {
	pageURL := cursor
	if pageURL == "" {
		q := url.Values{}
		q.Set("account", c.account)
		q.Set("since", since)
		q.Set("received", fmt.Sprintf("%t", p == PartitionReceived))
		pageURL = c.base + "/v1/messages?" + q.Encode()
	}
	return DoJSON[MessagePage](ctx, c.exec, &Request{
		Method: http.MethodGet,
		URL:    pageURL,
	})
}

// NotifyLogout performs the compensating logout call using the token
// snapshotted when the logout was recorded, not the current one: the
// account may already be gone locally.
func (c *Client) NotifyLogout(ctx context.Context, token, deviceID, accountID string) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	_, err := c.bare.Do(ctx, &Request{
		Method: http.MethodPost,
		URL:    c.base + "/v1/logout",
		Body: map[string]string{
			"device_id":  deviceID,
			"account_id": accountID,
		},
		Header: header,
	})
	return err
}

func idempotencyHeader(taskUID string) http.Header {
	h := http.Header{}
	h.Set("Idempotency-Key", taskUID)
	return h
}
