package authz

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
)

const wellKnownOAuthPath = "/.well-known/oauth-authorization-server"

// Metadata is the subset of RFC 8414 authorization server metadata the
// gateway needs.
type Metadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
}

// DiscoverMetadata fetches the authorization server metadata published under
// serverURL. Failed attempts are retried with backoff until attempts run out
// or ctx is done.
func DiscoverMetadata(ctx context.Context, client *http.Client, serverURL string, attempts int, logger *slog.Logger) (Metadata, error) {
	if attempts < 1 {
		attempts = 1
	}
	target := strings.TrimSuffix(serverURL, "/") + wellKnownOAuthPath
	b := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: true}

	var lastErr error
	for {
		md, err := fetchMetadata(ctx, client, target)
		if err == nil {
			return md, nil
		}
		lastErr = err
		attempt := int(b.Attempt()) + 1
		if attempt >= attempts {
			break
		}
		d := b.Duration()
		logger.Warn("oauth metadata discovery failed", "url", target, "attempt", attempt, "retry_in", d, "error", err)
		select {
		case <-ctx.Done():
			return Metadata{}, errors.Wrap(ctx.Err(), "error discovering oauth metadata")
		case <-time.After(d):
		}
	}
	return Metadata{}, errors.Wrapf(lastErr, "error discovering oauth metadata after %d attempts", attempts)
}

func fetchMetadata(ctx context.Context, client *http.Client, target string) (Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Metadata{}, errors.Wrap(err, "error creating metadata request")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return Metadata{}, errors.Wrapf(err, "error fetching %s", target)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return Metadata{}, errors.Errorf("%s returned %s", target, resp.Status)
	}

	var md Metadata
	if err := json.NewDecoder(resp.Body).Decode(&md); err != nil {
		return Metadata{}, errors.Wrap(err, "error decoding oauth metadata")
	}
	if md.AuthorizationEndpoint == "" || md.TokenEndpoint == "" {
		return Metadata{}, errors.Errorf("oauth metadata at %s lacks endpoints", target)
	}
	return md, nil
}
