package main

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"Warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"ERR":     slog.LevelError,
	}

	for input, want := range tests {
		got, err := parseLogLevel(input)
		require.NoError(t, err, "parseLogLevel(%q)", input)
		require.Equal(t, want, got, "parseLogLevel(%q)", input)
	}
}

func TestParseLogLevelInvalid(t *testing.T) {
	_, err := parseLogLevel("trace")
	require.Error(t, err)
}

func TestCheckCommand(t *testing.T) {
	t.Setenv("JUPYTERHUB_CLIENT_ID", "")
	t.Setenv("OAUTH_SERVICE_ACCOUNT", "")
	t.Setenv("AUTH_USERNAME", "eduk8s")
	t.Setenv("AUTH_PASSWORD", "secret")

	err := newApp().Run([]string{"termgateway", "--log-level", "error", "check"})
	require.NoError(t, err)
}

func TestCheckCommandInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  root_path: no-slash\n"), 0o600))
	t.Setenv("URI_ROOT_PATH", "")

	err := newApp().Run([]string{"termgateway", "--config", path, "--log-level", "error", "check"})
	require.Error(t, err, "invalid root path should fail the check")
}

func TestCheckCommandRejectsLogLevel(t *testing.T) {
	err := newApp().Run([]string{"termgateway", "--log-level", "trace", "check"})
	require.Error(t, err)
}

func TestRedirectToHTTPS(t *testing.T) {
	rec := httptest.NewRecorder()
	redirectToHTTPS(rec, httptest.NewRequest(http.MethodGet, "http://gw.example.com/terminal/?a=1", nil))
	require.Equal(t, http.StatusMovedPermanently, rec.Code)
	require.Equal(t, "https://gw.example.com/terminal/?a=1", rec.Header().Get("Location"))
}
