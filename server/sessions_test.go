package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"termgateway/session"
)

func newTestSessionManager(t *testing.T, store session.Store) *SessionManager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Server.RootPath = "/terminal"
	cfg.Sessions.Secret = "test-secret"
	sm, err := NewSessionManager(cfg, store, discardLogger())
	require.NoError(t, err)
	return sm
}

func TestSessionManagerCreatesAndReloads(t *testing.T) {
	store := session.NewMemoryStore()
	sm := newTestSessionManager(t, store)

	rec := httptest.NewRecorder()
	sess, err := sm.Load(rec, httptest.NewRequest(http.MethodGet, "/terminal/", nil))
	require.NoError(t, err)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	c := cookies[0]
	require.Equal(t, "workshop-session-id", c.Name)
	require.Equal(t, "/terminal", c.Path)
	require.True(t, c.HttpOnly)
	require.False(t, c.Secure, "plain http request")
	require.Greater(t, c.MaxAge, 0)
	require.LessOrEqual(t, c.MaxAge, 60)

	req := httptest.NewRequest(http.MethodGet, "/terminal/", nil)
	req.AddCookie(c)
	rec = httptest.NewRecorder()
	again, err := sm.Load(rec, req)
	require.NoError(t, err)
	require.Equal(t, sess.ID, again.ID)
	require.Empty(t, rec.Result().Cookies(), "existing session should not reissue the cookie")
}

func TestSessionManagerSecureBehindProxy(t *testing.T) {
	sm := newTestSessionManager(t, session.NewMemoryStore())

	req := httptest.NewRequest(http.MethodGet, "/terminal/", nil)
	req.Header.Set("X-Forwarded-Proto", "https, http")
	rec := httptest.NewRecorder()
	_, err := sm.Load(rec, req)
	require.NoError(t, err)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	require.True(t, cookies[0].Secure)
}

func TestSessionManagerRejectsForgedCookie(t *testing.T) {
	store := session.NewMemoryStore()
	sm := newTestSessionManager(t, store)
	victim := session.New(time.Minute)
	require.NoError(t, store.Save(context.Background(), victim))

	// A raw session id is not a signed cookie.
	req := httptest.NewRequest(http.MethodGet, "/terminal/", nil)
	req.AddCookie(&http.Cookie{Name: "workshop-session-id", Value: victim.ID})
	sess, err := sm.Load(httptest.NewRecorder(), req)
	require.NoError(t, err)
	require.NotEqual(t, victim.ID, sess.ID)

	other, err := NewSessionManager(DefaultConfig(), store, discardLogger())
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	require.NoError(t, other.SetCookie(rec, req, victim))
	req = httptest.NewRequest(http.MethodGet, "/terminal/", nil)
	req.AddCookie(rec.Result().Cookies()[0])
	sess, err = sm.Load(httptest.NewRecorder(), req)
	require.NoError(t, err)
	require.NotEqual(t, victim.ID, sess.ID, "cookie signed with another secret must be rejected")
}

func TestSessionManagerReplacesExpiredSession(t *testing.T) {
	store := session.NewMemoryStore()
	sm := newTestSessionManager(t, store)

	stale := session.New(time.Minute)
	rec := httptest.NewRecorder()
	require.NoError(t, sm.SetCookie(rec, httptest.NewRequest(http.MethodGet, "/", nil), stale))
	stale.ExpiresAt = time.Now().Add(-time.Second)
	require.NoError(t, store.Save(context.Background(), stale))

	req := httptest.NewRequest(http.MethodGet, "/terminal/", nil)
	req.AddCookie(rec.Result().Cookies()[0])
	rec = httptest.NewRecorder()
	sess, err := sm.Load(rec, req)
	require.NoError(t, err)
	require.NotEqual(t, stale.ID, sess.ID)
	require.Len(t, rec.Result().Cookies(), 1, "replacement session should set a new cookie")
}
