package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"termgateway/authz"
	"termgateway/session"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config     Config
	Logger     *slog.Logger
	Store      session.Store
	Sessions   *SessionManager
	Handshakes *session.Handshakes
	// Provider is set only for the OAuth modes.
	Provider authz.OAuthProvider
	Proxy    http.Handler

	gate gate
}

// NewApp wires together the application state from configuration. provider
// must be non-nil when the configured mode is an OAuth one.
func NewApp(cfg Config, logger *slog.Logger, store session.Store, provider authz.OAuthProvider) (*App, error) {
	sessions, err := NewSessionManager(cfg, store, logger)
	if err != nil {
		return nil, err
	}

	proxy, err := NewBackendProxy(cfg.Server, logger)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:     cfg,
		Logger:     logger,
		Store:      store,
		Sessions:   sessions,
		Handshakes: session.NewHandshakes(store, cfg.Sessions.MaxHandshakes, cfg.Sessions.TTL),
		Provider:   provider,
		Proxy:      proxy,
	}

	switch mode := cfg.Mode(); mode {
	case authz.KindNone:
		logger.Warn("authorization disabled", "reason", "no authorization variant configured")
		app.gate = openGate{}
	case authz.KindBasic:
		app.gate = basicGate{
			basic:  authz.NewBasic(cfg.Auth.Basic.Username, cfg.Auth.Basic.Password),
			logger: logger,
		}
	case authz.KindJupyterHub, authz.KindOpenShift:
		if provider == nil || provider.Kind() != mode {
			return nil, fmt.Errorf("mode %s requires a matching oauth provider", mode)
		}
		app.gate = oauthGate{sessions: sessions, root: cfg.Server.RootPath, logger: logger}
	default:
		return nil, fmt.Errorf("unknown authorization mode %q", mode)
	}

	logger.Info("authorization configured", "mode", cfg.Mode(), "root_path", cfg.Server.RootPath)
	return app, nil
}

// handleHandshake records where the browser wanted to go and sends it to the
// authorization server.
func (a *App) handleHandshake(w http.ResponseWriter, r *http.Request) {
	sess, err := a.Sessions.Load(w, r)
	if err != nil {
		a.Logger.Error("session lookup failed", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	next := a.localURL(r.URL.Query().Get("next"))
	state, reset, err := a.Handshakes.Begin(r.Context(), sess.ID, next)
	if errors.Is(err, session.ErrNotFound) {
		// The session expired between Load and Begin. Start over.
		http.Redirect(w, r, a.mountRoot(), http.StatusFound)
		return
	}
	if err != nil {
		a.Logger.Error("begin handshake", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if reset {
		a.Logger.Warn("outstanding handshakes reset", "session_id", sess.ID, "limit", a.Config.Sessions.MaxHandshakes)
	}

	sess.ExpiresAt = time.Now().Add(a.Sessions.TTL())
	if err := a.Sessions.SetCookie(w, r, sess); err != nil {
		a.Logger.Error("refresh session cookie", "error", err)
	}

	http.Redirect(w, r, a.Provider.AuthCodeURL(state, a.callbackURL(r)), http.StatusFound)
}

// handleCallback completes a handshake. Unknown states restart the flow at the
// mount root instead of failing.
func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	sess, err := a.Sessions.Load(w, r)
	if err != nil {
		a.Logger.Error("session lookup failed", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	query := r.URL.Query()
	next, err := a.Handshakes.Resolve(r.Context(), sess.ID, query.Get("state"))
	if errors.Is(err, session.ErrHandshakeNotFound) {
		a.Logger.Info("unknown oauth state", "session_id", sess.ID)
		http.Redirect(w, r, a.mountRoot(), http.StatusFound)
		return
	}
	if err != nil {
		a.Logger.Error("resolve handshake", "error", err)
		http.Error(w, "Authentication failed", http.StatusInternalServerError)
		return
	}

	if e := query.Get("error"); e != "" {
		a.Logger.Warn("authorization server returned error", "error", e, "description", query.Get("error_description"))
		http.Error(w, "Authentication failed", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.Config.Server.OutboundTimeout)
	defer cancel()
	identity, err := a.Provider.Authorize(ctx, query.Get("code"), a.callbackURL(r))
	if errors.Is(err, authz.ErrForbidden) {
		http.Error(w, "Access forbidden", http.StatusForbidden)
		return
	}
	if err != nil {
		a.Logger.Error("authorization failed", "provider", a.Provider.Kind(), "error", err)
		http.Error(w, "Authentication failed", http.StatusInternalServerError)
		return
	}

	// A login always ends on a fresh session id.
	authorized := session.New(a.Sessions.TTL())
	authorized.User = &identity
	if err := a.Store.Save(r.Context(), authorized); err != nil {
		a.Logger.Error("store authorized session", "error", err)
		http.Error(w, "Authentication failed", http.StatusInternalServerError)
		return
	}
	if err := a.Store.Delete(r.Context(), sess.ID); err != nil && !errors.Is(err, session.ErrNotFound) {
		a.Logger.Warn("delete pre-login session", "session_id", sess.ID, "error", err)
	}
	if err := a.Sessions.SetCookie(w, r, authorized); err != nil {
		a.Logger.Error("set session cookie", "error", err)
		http.Error(w, "Authentication failed", http.StatusInternalServerError)
		return
	}
	a.Logger.Debug("session rotated", "from", sess.ID, "to", authorized.ID)
	setRequestUser(r.Context(), identity.Name)

	http.Redirect(w, r, next, http.StatusFound)
}

// handleRoot lands bare visits on the default route.
func (a *App) handleRoot(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, a.Config.Server.RootPath+a.Config.Server.DefaultRoute, http.StatusFound)
}

// redirectTo returns a handler that always redirects to target.
func redirectTo(target string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target, http.StatusFound)
	}
}

func (a *App) mountRoot() string {
	return a.Config.Server.RootPath + "/"
}

// callbackURL is relative for JupyterHub, which resolves it against the
// service route it registered. The OpenShift server needs it absolute.
func (a *App) callbackURL(r *http.Request) string {
	path := a.Config.Server.RootPath + "/oauth_callback"
	if a.Provider != nil && a.Provider.Kind() == authz.KindOpenShift {
		return schemeFromRequest(r) + "://" + r.Host + path
	}
	return path
}

// localURL keeps next only when it points inside the mount.
func (a *App) localURL(next string) string {
	fallback := a.mountRoot()
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return fallback
	}
	u, err := url.Parse(next)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return fallback
	}
	root := a.Config.Server.RootPath
	if root != "" && u.Path != root && !strings.HasPrefix(u.Path, root+"/") {
		return fallback
	}
	return next
}
