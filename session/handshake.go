package session

import (
	"context"
	"errors"
	"time"
)

// DefaultMaxHandshakes bounds the outstanding handshakes kept per session.
const DefaultMaxHandshakes = 10

// ErrHandshakeNotFound means the state was never issued, was already used,
// or belonged to a session that no longer exists.
var ErrHandshakeNotFound = errors.New("handshake not found")

// Handshakes issues and consumes one-time correlation tokens stored inside a
// session.
type Handshakes struct {
	store    Store
	limit    int
	ttl      time.Duration
	newToken func() string
}

// NewHandshakes builds a coordinator over store. Issuing a handshake extends
// the owning session by ttl.
func NewHandshakes(store Store, limit int, ttl time.Duration) *Handshakes {
	if limit < 1 {
		limit = DefaultMaxHandshakes
	}
	return &Handshakes{store: store, limit: limit, ttl: ttl, newToken: NewID}
}

// Begin records nextURL under a fresh token. When the session already holds
// the maximum number of handshakes every one of them is dropped first.
// reset reports whether that happened.
func (h *Handshakes) Begin(ctx context.Context, sessionID, nextURL string) (token string, reset bool, err error) {
	token = h.newToken()
	_, err = h.store.Update(ctx, sessionID, func(s *Session) error {
		if len(s.Handshakes) >= h.limit {
			s.Handshakes = make(map[string]Handshake)
			reset = true
		}
		if s.Handshakes == nil {
			s.Handshakes = make(map[string]Handshake)
		}
		now := time.Now()
		s.Handshakes[token] = Handshake{NextURL: nextURL, CreatedAt: now}
		if h.ttl > 0 {
			s.ExpiresAt = now.Add(h.ttl)
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return token, reset, nil
}

// Resolve removes the handshake for token and returns its next URL.
func (h *Handshakes) Resolve(ctx context.Context, sessionID, token string) (string, error) {
	if token == "" {
		return "", ErrHandshakeNotFound
	}
	var next string
	_, err := h.store.Update(ctx, sessionID, func(s *Session) error {
		hs, ok := s.Handshakes[token]
		if !ok {
			return ErrHandshakeNotFound
		}
		delete(s.Handshakes, token)
		next = hs.NextURL
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return "", ErrHandshakeNotFound
	}
	if err != nil {
		return "", err
	}
	return next, nil
}
