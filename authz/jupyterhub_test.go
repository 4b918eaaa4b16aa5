package authz

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeHub serves the token and user endpoints under /hub/api.
func fakeHub(t *testing.T, user Identity) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/hub/api/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("client_id") != "service-workshop" ||
			r.PostForm.Get("client_secret") != "api-token" ||
			r.PostForm.Get("code") != "good-code" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token": "user-token",
			"token_type":   "bearer",
		})
	})
	mux.HandleFunc("/hub/api/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "token user-token" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(user)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestHub(t *testing.T, srv *httptest.Server) *JupyterHub {
	t.Helper()
	hub, err := NewJupyterHub(JupyterHubConfig{
		User:     "alice",
		ClientID: "service-workshop",
		APIURL:   srv.URL + "/hub/api",
		APIToken: "api-token",
		Route:    srv.URL,
		Timeout:  5 * time.Second,
	}, discardLogger())
	require.NoError(t, err)
	return hub
}

func TestJupyterHubAuthCodeURL(t *testing.T) {
	hub, err := NewJupyterHub(JupyterHubConfig{
		ClientID: "service-workshop",
		APIURL:   "http://hub:8081/hub/api",
		Route:    "https://hub.example.com",
	}, discardLogger())
	require.NoError(t, err)

	raw := hub.AuthCodeURL("state-1", "/terminal/oauth_callback")
	u, err := url.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "hub.example.com", u.Host)
	require.Equal(t, "/hub/api/oauth2/authorize", u.Path)
	require.Equal(t, "state-1", u.Query().Get("state"))
	require.Equal(t, "service-workshop", u.Query().Get("client_id"))
	require.Equal(t, "/terminal/oauth_callback", u.Query().Get("redirect_uri"))
	require.Equal(t, "code", u.Query().Get("response_type"))
}

func TestJupyterHubAuthorize(t *testing.T) {
	tests := []struct {
		name      string
		user      Identity
		forbidden bool
	}{
		{name: "admin with other name", user: Identity{Name: "bob", Admin: true}},
		{name: "owner", user: Identity{Name: "alice"}},
		{name: "stranger", user: Identity{Name: "mallory"}, forbidden: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			hub := newTestHub(t, fakeHub(t, tc.user))
			got, err := hub.Authorize(context.Background(), "good-code", "/oauth_callback")
			if tc.forbidden {
				require.True(t, errors.Is(err, ErrForbidden), "got %v", err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.user, got)
		})
	}
}

func TestJupyterHubAuthorizeBadCode(t *testing.T) {
	hub := newTestHub(t, fakeHub(t, Identity{Name: "alice"}))
	_, err := hub.Authorize(context.Background(), "bad-code", "/oauth_callback")
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrForbidden))
}
