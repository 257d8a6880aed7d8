// Package creds provides access to the account's opaque, renewable access
// token. The platform account storage itself is an external collaborator;
// this package consumes it through a TokenSource and caches the blob on disk.
package creds

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ErrNoToken is returned by BlockingFetch when no token can be obtained.
var ErrNoToken = errors.New("no access token available")

// TokenSource obtains a fresh token from the platform account storage.
type TokenSource func(ctx context.Context) (string, error)

// Store holds one long-lived account identity plus an opaque renewable
// access token.
type Store interface {
	// Account returns the account identifier (email).
	Account() string
	// Peek returns the cached token without triggering a fetch.
	Peek() (string, bool)
	// BlockingFetch returns a token, fetching from the source when the
	// cache is empty or force is set. Concurrent callers share one fetch.
	BlockingFetch(ctx context.Context, force bool) (string, error)
	// Invalidate discards the cached token.
	Invalidate()
}

// FileStore caches the token blob in a session-scoped file so it survives
// daemon restarts.
type FileStore struct {
	account string
	path    string
	source  TokenSource

	mu     sync.RWMutex
	cached string
	group  singleflight.Group
}

// NewFileStore creates a token store backed by the file at path. An
// existing cached blob is loaded eagerly.
func NewFileStore(account, path string, source TokenSource) *FileStore {
	fs := &FileStore{account: account, path: path, source: source}
	if data, err := os.ReadFile(path); err == nil {
		fs.cached = strings.TrimSpace(string(data))
	}
	return fs
}

// Account returns the account identifier.
func (fs *FileStore) Account() string {
	return fs.account
}

// Peek returns the cached token without fetching.
func (fs *FileStore) Peek() (string, bool) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.cached, fs.cached != ""
}

// BlockingFetch returns a valid token, consulting the source when needed.
// Concurrent callers observing an absent token trigger exactly one fetch.
func (fs *FileStore) BlockingFetch(ctx context.Context, force bool) (string, error) {
	if !force {
		if tok, ok := fs.Peek(); ok {
			return tok, nil
		}
	}

	v, err, _ := fs.group.Do("token", func() (any, error) {
		if fs.source == nil {
			return "", ErrNoToken
		}
		tok, err := fs.source(ctx)
		if err != nil {
			return "", err
		}
		if tok == "" {
			return "", ErrNoToken
		}
		fs.mu.Lock()
		fs.cached = tok
		fs.mu.Unlock()
		if err := os.WriteFile(fs.path, []byte(tok), 0600); err != nil {
			// Cache file failures are not fatal; the token is still usable.
			return tok, nil
		}
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate discards the cached token so the next fetch renews it.
func (fs *FileStore) Invalidate() {
	fs.mu.Lock()
	fs.cached = ""
	fs.mu.Unlock()
	_ = os.Remove(fs.path)
}
