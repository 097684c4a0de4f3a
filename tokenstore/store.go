// Package tokenstore persists the credentials an adapter needs to resume a session: the backend
// session token and pending OAuth PKCE verifiers.
package tokenstore

import (
	"context"
	"sync"

	ierrors "github.com/jrsteele09/go-auth-compat/internal/errors"
)

// Well known keys.
const (
	KeySessionToken = "session_token"
	// KeyPendingOAuth holds the state value of the OAuth flow awaiting its code exchange.
	KeyPendingOAuth = "pkce_pending_state"
)

// VerifierKey returns the key holding the PKCE verifier for an OAuth state value.
func VerifierKey(state string) string {
	return "pkce_verifier:" + state
}

// Store is a small string key/value store. Get returns internal/errors.ErrNotFound for a missing key.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Memory keeps values for the life of the process.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return "", ierrors.ErrNotFound
	}
	return v, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *Memory) Close() error { return nil }
