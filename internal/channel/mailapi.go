package channel

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gbarbosa/vox/internal/backend"
)

// MailChannel delivers through the provider's draft-create/send API. The
// draft references the uploaded payload: either the recording binary is
// attached or only the short link plus transcription is embedded.
type MailChannel struct {
	base       string
	exec       *backend.Executor
	auth       *MailAuthenticator
	embedAudio bool
	logger     *zap.Logger
}

// NewMailChannel creates the mail-API channel.
func NewMailChannel(baseURL string, auth *MailAuthenticator, client *http.Client, embedAudio bool, logger *zap.Logger) *MailChannel {
	return &MailChannel{
		base:       baseURL,
		exec:       backend.NewExecutor(client, auth, logger),
		auth:       auth,
		embedAudio: embedAudio,
		logger:     logger,
	}
}

// Authenticator exposes the channel's authenticator for recovery handling.
func (c *MailChannel) Authenticator() *MailAuthenticator {
	return c.auth
}

func (c *MailChannel) Kind() Kind {
	return KindMail
}

func (c *MailChannel) ConfirmsDelivery() bool {
	return true
}

type draftRequest struct {
	To         []string `json:"to"`
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
	Attachment string   `json:"attachment,omitempty"`
}

// Send creates a provider draft and sends it. If the task is cancelled
// between draft creation and send, the draft is deleted rather than left
// orphaned.
func (c *MailChannel) Send(ctx context.Context, sc *SendContext) error {
	req := draftRequest{
		To:      sc.Recipients,
		Subject: sc.Message.Subject,
		Body:    composeBody(sc),
	}
	if c.embedAudio && sc.Recording != nil {
		data, err := os.ReadFile(sc.Recording.Path)
		if err != nil {
			return fmt.Errorf("read recording: %w", err)
		}
		req.Attachment = base64.StdEncoding.EncodeToString(data)
	}

	draft, err := backend.DoJSON[struct {
		ID string `json:"id"`
	}](ctx, c.exec, &backend.Request{
		Method: http.MethodPost,
		URL:    c.base + "/drafts",
		Body:   req,
	})
	if err != nil {
		return err
	}

	if ctx.Err() != nil {
		c.deleteDraft(draft.ID)
		return ctx.Err()
	}

	_, err = c.exec.Do(ctx, &backend.Request{
		Method: http.MethodPost,
		URL:    fmt.Sprintf("%s/drafts/%s/send", c.base, url.PathEscape(draft.ID)),
	})
	if err != nil {
		if ctx.Err() != nil {
			c.deleteDraft(draft.ID)
		}
		return err
	}
	return nil
}

// deleteDraft cleans up after a cancelled send. The owning context is
// already cancelled, so a short independent one is used.
func (c *MailChannel) deleteDraft(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := c.exec.Do(ctx, &backend.Request{
		Method: http.MethodDelete,
		URL:    fmt.Sprintf("%s/drafts/%s", c.base, url.PathEscape(id)),
	}); err != nil && c.logger != nil {
		c.logger.Warn("failed to delete orphaned draft", zap.String("draft_id", id), zap.Error(err))
	}
}

func composeBody(sc *SendContext) string {
	var b strings.Builder
	if sc.Message.Body != "" {
		b.WriteString(sc.Message.Body)
		b.WriteString("\n\n")
	}
	if sc.Message.ShortURL != "" {
		b.WriteString("Listen: ")
		b.WriteString(sc.Message.ShortURL)
		b.WriteString("\n")
	}
	if sc.Recording != nil && sc.Recording.Transcript != "" {
		b.WriteString("\nTranscript: ")
		b.WriteString(sc.Recording.Transcript)
		b.WriteString("\n")
	}
	return b.String()
}
