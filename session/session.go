// Package session keeps per-client gateway sessions and the OAuth handshakes
// that are in flight for them.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"termgateway/authz"
)

// ErrNotFound is returned when a session id is unknown or has expired.
var ErrNotFound = errors.New("session not found")

// Session is the server-side state bound to a session cookie.
type Session struct {
	ID         string               `json:"id"`
	User       *authz.Identity      `json:"user,omitempty"`
	Handshakes map[string]Handshake `json:"handshakes,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
	ExpiresAt  time.Time            `json:"expires_at"`
}

// Handshake records where to resume once an authorization callback arrives.
type Handshake struct {
	NextURL   string    `json:"next_url"`
	CreatedAt time.Time `json:"created_at"`
}

// New returns an empty session that expires after ttl.
func New(ttl time.Duration) Session {
	now := time.Now()
	return Session{
		ID:         NewID(),
		Handshakes: make(map[string]Handshake),
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
}

// Expired reports whether the session is past its expiry at t.
func (s Session) Expired(t time.Time) bool {
	return !t.Before(s.ExpiresAt)
}

// Authenticated reports whether an identity has been validated for the session.
func (s Session) Authenticated() bool {
	return s.User != nil
}

func (s Session) clone() Session {
	out := s
	if s.User != nil {
		u := *s.User
		out.User = &u
	}
	out.Handshakes = make(map[string]Handshake, len(s.Handshakes))
	for k, v := range s.Handshakes {
		out.Handshakes[k] = v
	}
	return out
}

// Store persists sessions. Update must apply fn atomically with respect to
// other calls for the same id; no ordering is implied across ids.
type Store interface {
	Get(ctx context.Context, id string) (Session, error)
	Save(ctx context.Context, sess Session) error
	Update(ctx context.Context, id string, fn func(*Session) error) (Session, error)
	Delete(ctx context.Context, id string) error
}

// NewID generates a random session or handshake identifier.
func NewID() string {
	return uuid.NewString()
}
