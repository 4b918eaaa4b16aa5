package server

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestProxyForwardsWebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, append([]byte(r.URL.Path+":"), msg...)); err != nil {
				return
			}
		}
	}))
	defer backend.Close()

	_, gw := newTestGateway(t, gatewayConfig(backend.URL, "/terminal"), nil)

	wsURL := "ws" + strings.TrimPrefix(gw.URL, "http") + "/terminal/session/1/ws"
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(wsURL, nil)
	require.NoError(t, err, "dial through gateway")
	defer conn.Close()
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ls")))
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "/terminal/session/1/ws:ls", string(msg))
}

func TestProxyBadGateway(t *testing.T) {
	// Reserve a port and close it so nothing is listening.
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	_, gw := newTestGateway(t, gatewayConfig(deadURL, ""), nil)
	resp, body := get(t, noFollowClient(t), gw.URL+"/session/1")
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.Equal(t, "Bad Gateway", strings.TrimSpace(body))
}

func TestProxySetsForwardedProto(t *testing.T) {
	backend := newBackend(t)
	_, gw := newTestGateway(t, gatewayConfig(backend.URL, ""), nil)

	req, _ := http.NewRequest(http.MethodGet, gw.URL+"/session/1", nil)
	req.Header.Set("X-Forwarded-Proto", "https, http")
	resp, err := noFollowClient(t).Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "https", resp.Header.Get("X-Backend-Proto"))
}

func TestSchemeFromRequest(t *testing.T) {
	tests := []struct {
		name      string
		forwarded string
		tls       bool
		want      string
	}{
		{name: "plain", want: "http"},
		{name: "tls", tls: true, want: "https"},
		{name: "tls ignores header", tls: true, forwarded: "http", want: "https"},
		{name: "forwarded", forwarded: "https", want: "https"},
		{name: "forwarded list", forwarded: "https,http", want: "https"},
		{name: "forwarded list spaced", forwarded: " HTTPS , http", want: "https"},
		{name: "forwarded empty first", forwarded: ",https", want: "http"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.forwarded != "" {
				r.Header.Set("X-Forwarded-Proto", tc.forwarded)
			}
			if tc.tls {
				r.TLS = &tls.ConnectionState{}
			}
			require.Equal(t, tc.want, schemeFromRequest(r))
		})
	}
}
