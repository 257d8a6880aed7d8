package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/gbarbosa/vox/internal/backend"
	"github.com/gbarbosa/vox/internal/creds"
)

// BackendAuthenticator adapts the credential store to the executor's
// authenticator contract. Single-flight renewal is provided by the store.
type BackendAuthenticator struct {
	store creds.Store
}

// NewBackendAuthenticator creates an authenticator over the credential store.
func NewBackendAuthenticator(s creds.Store) *BackendAuthenticator {
	return &BackendAuthenticator{store: s}
}

func (a *BackendAuthenticator) Token(ctx context.Context) (string, error) {
	if tok, ok := a.store.Peek(); ok {
		return tok, nil
	}
	return a.store.BlockingFetch(ctx, false)
}

func (a *BackendAuthenticator) Renew(ctx context.Context) (string, error) {
	a.store.Invalidate()
	return a.store.BlockingFetch(ctx, true)
}

func (a *BackendAuthenticator) RenewalRequired(status int, body []byte) bool {
	return status == http.StatusUnauthorized || embeddedCode(body) == "invalid_token"
}

// MailAuthenticator owns the mail provider's access token. Renewal is a
// network call to the provider's token endpoint, single-flight per
// instance.
type MailAuthenticator struct {
	tokenURL   string
	client     *http.Client
	candidates []string
	logger     *zap.Logger

	mu      sync.Mutex
	account string
	token   string
	group   singleflight.Group
}

// NewMailAuthenticator creates a mail authenticator. account may be empty
// when the user has not selected a provider account yet.
func NewMailAuthenticator(tokenURL, account string, candidates []string, client *http.Client, logger *zap.Logger) *MailAuthenticator {
	if client == nil {
		client = http.DefaultClient
	}
	return &MailAuthenticator{
		tokenURL:   tokenURL,
		client:     client,
		candidates: candidates,
		account:    account,
		logger:     logger,
	}
}

// Account returns the selected provider account.
func (a *MailAuthenticator) Account() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.account
}

// SelectAccount sets the provider account and drops any token issued for
// the previous one.
func (a *MailAuthenticator) SelectAccount(account string) {
	a.mu.Lock()
	a.account = account
	a.token = ""
	a.mu.Unlock()
}

func (a *MailAuthenticator) Token(ctx context.Context) (string, error) {
	a.mu.Lock()
	tok := a.token
	a.mu.Unlock()
	if tok != "" {
		return tok, nil
	}
	return a.Renew(ctx)
}

// Renew obtains a fresh provider token. Concurrent callers share one
// network call. An authorization-denied response carries the consent URL
// as a resumable handle and is never auto-retried.
func (a *MailAuthenticator) Renew(ctx context.Context) (string, error) {
	v, err, _ := a.group.Do("renew", func() (any, error) {
		account := a.Account()
		if account == "" {
			return "", &NoAccountError{Candidates: a.candidates}
		}
		tok, err := a.fetchToken(ctx, account)
		if err != nil {
			return "", err
		}
		a.mu.Lock()
		a.token = tok
		a.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (a *MailAuthenticator) RenewalRequired(status int, body []byte) bool {
	// The mail provider signals auth failure either by status or by an
	// "authError" code embedded in an otherwise ordinary body.
	return status == http.StatusUnauthorized || embeddedCode(body) == "authError"
}

type tokenResponse struct {
	Token string `json:"token"`
	Error struct {
		Code       string `json:"code"`
		ConsentURL string `json:"consent_url"`
	} `json:"error"`
}

func (a *MailAuthenticator) fetchToken(ctx context.Context, account string) (string, error) {
	body, err := json.Marshal(map[string]string{"account": account})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", &backend.ConnectivityError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}

	if resp.StatusCode == http.StatusForbidden || tr.Error.Code == "consent_required" {
		return "", &backend.AuthorizationDeniedError{Handle: tr.Error.ConsentURL}
	}
	if resp.StatusCode != http.StatusOK || tr.Token == "" {
		return "", &backend.StatusError{Code: resp.StatusCode, Reason: tr.Error.Code, Context: "POST " + a.tokenURL}
	}

	if a.logger != nil {
		a.logger.Info("mail token renewed", zap.String("account", account))
	}
	return tr.Token, nil
}

func embeddedCode(body []byte) string {
	var eb struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &eb); err != nil {
		return ""
	}
	return eb.Error.Code
}
