package server

import (
	"log/slog"
	"net/http"
	"net/url"

	"termgateway/authz"
)

// gate decides whether a request may reach the backend. One gate is chosen
// at startup from the configured authorization mode.
type gate interface {
	Wrap(next http.Handler) http.Handler
}

// openGate lets everything through.
type openGate struct{}

func (openGate) Wrap(next http.Handler) http.Handler { return next }

// basicGate demands the configured credentials on every request.
type basicGate struct {
	basic  *authz.Basic
	logger *slog.Logger
}

func (g basicGate) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := g.basic.Check(r)
		if !ok {
			if user != "" {
				g.logger.Warn("access denied", "provider", authz.KindBasic, "user", user, "request_id", RequestIDFromContext(r.Context()))
			}
			g.basic.Challenge(w)
			return
		}
		g.logger.Info("access allowed", "provider", authz.KindBasic, "user", user, "request_id", RequestIDFromContext(r.Context()))
		setRequestUser(r.Context(), user)
		next.ServeHTTP(w, r)
	})
}

// oauthGate forwards requests whose session holds an authorized user and
// sends everything else into the handshake.
type oauthGate struct {
	sessions *SessionManager
	root     string
	logger   *slog.Logger
}

func (g oauthGate) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := g.sessions.Load(w, r)
		if err != nil {
			g.logger.Error("session lookup failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if !sess.Authenticated() {
			target := g.root + "/oauth_handshake?next=" + url.QueryEscape(r.URL.RequestURI())
			http.Redirect(w, r, target, http.StatusFound)
			return
		}
		setRequestUser(r.Context(), sess.User.Name)
		next.ServeHTTP(w, r)
	})
}
