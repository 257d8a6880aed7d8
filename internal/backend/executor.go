package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// Authenticator owns a channel-specific access token. Renew is
// single-flight per instance: concurrent callers observing an absent token
// share one renewal.
type Authenticator interface {
	// Token returns the current token, renewing if none is cached.
	Token(ctx context.Context) (string, error)
	// Renew discards the current token and obtains a fresh one.
	Renew(ctx context.Context) (string, error)
	// RenewalRequired classifies a response as an auth failure. Both the
	// HTTP status and the body must be checked: some channels embed the
	// error code in the body with a 200-level status.
	RenewalRequired(status int, body []byte) bool
}

// Request describes one HTTP exchange. Body is JSON-marshalled; RawBody
// takes precedence and is sent as application/octet-stream.
type Request struct {
	Method  string
	URL     string
	Body    any
	RawBody []byte
	Header  http.Header
}

// Response is the raw outcome of a successful exchange.
type Response struct {
	Status int
	Body   []byte
}

// Executor wraps single HTTP exchanges with token lifecycle handling. It
// has no side effects beyond the network call and token mutation.
type Executor struct {
	client *http.Client
	auth   Authenticator
	logger *zap.Logger
}

// NewExecutor creates an executor. auth may be nil for unauthenticated or
// explicitly authorized calls.
func NewExecutor(client *http.Client, auth Authenticator, logger *zap.Logger) *Executor {
	if client == nil {
		client = http.DefaultClient
	}
	return &Executor{client: client, auth: auth, logger: logger}
}

// Do executes the request. If the authenticator flags the response as an
// auth failure, the token is renewed and the same request body resubmitted
// exactly once; a second auth failure surfaces as ErrInvalidToken.
func (e *Executor) Do(ctx context.Context, req *Request) (*Response, error) {
	var token string
	if e.auth != nil {
		var err error
		if token, err = e.auth.Token(ctx); err != nil {
			return nil, err
		}
	}

	resp, err := e.send(ctx, req, token)
	if err != nil {
		return nil, err
	}

	if e.auth != nil && e.auth.RenewalRequired(resp.Status, resp.Body) {
		token, err = e.auth.Renew(ctx)
		if err != nil {
			return nil, err
		}
		if e.logger != nil {
			e.logger.Info("token renewed, resubmitting request", zap.String("url", req.URL))
		}
		resp, err = e.send(ctx, req, token)
		if err != nil {
			return nil, err
		}
		if e.auth.RenewalRequired(resp.Status, resp.Body) {
			return nil, ErrInvalidToken
		}
	}

	if resp.Status < 200 || resp.Status >= 300 {
		return nil, &StatusError{
			Code:    resp.Status,
			Reason:  embeddedErrorCode(resp.Body),
			Context: describe(req),
		}
	}
	return resp, nil
}

func (e *Executor) send(ctx context.Context, req *Request, token string) (*Response, error) {
	var body io.Reader
	contentType := ""
	switch {
	case req.RawBody != nil:
		body = bytes.NewReader(req.RawBody)
		contentType = "application/octet-stream"
	case req.Body != nil:
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if contentType != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	httpResp, err := e.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ConnectivityError{Err: err}
	}
	defer func() { _ = httpResp.Body.Close() }()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &ConnectivityError{Err: err}
	}
	return &Response{Status: httpResp.StatusCode, Body: data}, nil
}

// DoJSON executes the request and decodes the response body into T.
func DoJSON[T any](ctx context.Context, e *Executor, req *Request) (T, error) {
	var out T
	resp, err := e.Do(ctx, req)
	if err != nil {
		return out, err
	}
	if len(resp.Body) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return out, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

type errorBody struct {
	Error struct {
		Code string `json:"code"`
	} `json:"error"`
}

func embeddedErrorCode(body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return ""
	}
	return eb.Error.Code
}

func describe(req *Request) string {
	if req.Body == nil {
		return fmt.Sprintf("%s %s", req.Method, req.URL)
	}
	data, err := json.Marshal(req.Body)
	if err != nil {
		return fmt.Sprintf("%s %s", req.Method, req.URL)
	}
	return fmt.Sprintf("%s %s %s", req.Method, req.URL, data)
}
