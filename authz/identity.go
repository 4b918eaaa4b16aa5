// Package authz holds the authorization variants the gateway can run with.
// Exactly one of them is active per process.
package authz

import (
	"context"

	"github.com/pkg/errors"
)

// Kind names an authorization variant.
type Kind string

const (
	KindNone       Kind = "none"
	KindBasic      Kind = "basic"
	KindJupyterHub Kind = "jupyterhub"
	KindOpenShift  Kind = "openshift"
)

// ErrForbidden is returned when the caller authenticated successfully but is
// not allowed to use this gateway.
var ErrForbidden = errors.New("access forbidden")

// Identity is what a successful authorization stores in the session.
type Identity struct {
	Name  string `json:"name"`
	Admin bool   `json:"admin"`
}

// OAuthProvider is implemented by the variants that authorize through an
// OAuth authorization-code handshake.
type OAuthProvider interface {
	Kind() Kind
	// AuthCodeURL returns the authorization server URL to send the browser to.
	AuthCodeURL(state, redirectURL string) string
	// Authorize exchanges code for an access token and decides whether the
	// token's owner may use the gateway. A denial wraps ErrForbidden.
	Authorize(ctx context.Context, code, redirectURL string) (Identity, error)
}
