package server

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"termgateway/session"
)

// cookieClaims is the signed cookie payload. Only the session id travels to
// the browser; everything else stays in the store.
type cookieClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// SessionManager binds requests to sessions through a signed cookie scoped to
// the mount path.
type SessionManager struct {
	store  session.Store
	logger *slog.Logger
	ttl    time.Duration
	name   string
	path   string
	secret []byte
}

// NewSessionManager constructs a session manager honouring config. Without a
// configured secret a random one is drawn, so cookies do not survive a
// restart.
func NewSessionManager(cfg Config, store session.Store, logger *slog.Logger) (*SessionManager, error) {
	secret := []byte(cfg.Sessions.Secret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate session secret: %w", err)
		}
	}
	path := cfg.Server.RootPath
	if path == "" {
		path = "/"
	}
	return &SessionManager{
		store:  store,
		logger: logger,
		ttl:    cfg.Sessions.TTL,
		name:   cfg.Sessions.CookieName,
		path:   path,
		secret: secret,
	}, nil
}

// TTL is how long a session lives after it was last extended.
func (sm *SessionManager) TTL() time.Duration {
	return sm.ttl
}

// Load returns the session named by the request cookie, creating a new one
// and setting its cookie when the cookie is absent, forged or stale.
func (sm *SessionManager) Load(w http.ResponseWriter, r *http.Request) (session.Session, error) {
	if id := sm.sessionID(r); id != "" {
		sess, err := sm.store.Get(r.Context(), id)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, session.ErrNotFound) {
			return session.Session{}, fmt.Errorf("load session: %w", err)
		}
	}

	sess := session.New(sm.ttl)
	if err := sm.store.Save(r.Context(), sess); err != nil {
		return session.Session{}, fmt.Errorf("create session: %w", err)
	}
	if err := sm.SetCookie(w, r, sess); err != nil {
		return session.Session{}, err
	}
	sm.logger.Debug("session created", "session_id", sess.ID)
	return sess, nil
}

// SetCookie writes the cookie for sess. It is reissued whenever the session's
// expiry moves so both stay in step.
func (sm *SessionManager) SetCookie(w http.ResponseWriter, r *http.Request, sess session.Session) error {
	claims := cookieClaims{
		SessionID: sess.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
		},
	}
	value, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(sm.secret)
	if err != nil {
		return fmt.Errorf("sign session cookie: %w", err)
	}

	maxAge := int(time.Until(sess.ExpiresAt).Seconds())
	if maxAge < 1 {
		maxAge = 1
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sm.name,
		Value:    value,
		Path:     sm.path,
		HttpOnly: true,
		Secure:   schemeFromRequest(r) == "https",
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	})
	return nil
}

// sessionID returns the id from a valid cookie, or "".
func (sm *SessionManager) sessionID(r *http.Request) string {
	cookie, err := r.Cookie(sm.name)
	if err != nil || cookie.Value == "" {
		return ""
	}
	var claims cookieClaims
	_, err = jwt.ParseWithClaims(cookie.Value, &claims, func(*jwt.Token) (interface{}, error) {
		return sm.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		sm.logger.Debug("session cookie rejected", "error", err)
		return ""
	}
	return claims.SessionID
}
