package server

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"
)

// NewBackendProxy forwards requests, WebSocket upgrades included, to the
// single backend. The Host header and path are passed through unchanged.
func NewBackendProxy(cfg ServerConfig, logger *slog.Logger) (http.Handler, error) {
	target, err := url.Parse(cfg.BackendURL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL: %w", err)
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.OutboundTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if cfg.InsecureSkipVerify && target.Scheme == "https" {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.Host = pr.In.Host
			pr.SetXForwarded()
			pr.Out.Header.Set("X-Forwarded-Proto", schemeFromRequest(pr.In))
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error("proxy error",
				"target", cfg.BackendURL,
				"error", err,
				"path", r.URL.Path,
			)
			http.Error(w, "Bad Gateway", http.StatusBadGateway)
		},
	}

	logger.Info("backend configured", "target", cfg.BackendURL)
	return proxy, nil
}

// schemeFromRequest trusts the first X-Forwarded-Proto value, which is the
// one set by the proxy closest to the client.
func schemeFromRequest(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	proto, _, _ := strings.Cut(r.Header.Get("X-Forwarded-Proto"), ",")
	if proto = strings.ToLower(strings.TrimSpace(proto)); proto != "" {
		return proto
	}
	return "http"
}
