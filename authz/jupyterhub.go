package authz

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// JupyterHubConfig is the OAuth client registration JupyterHub hands to a
// spawned service.
type JupyterHubConfig struct {
	// User is the name of the user the workshop was spawned for.
	User     string
	ClientID string
	// APIURL is the hub API base, e.g. http://hub:8081/hub/api.
	APIURL string
	// APIToken doubles as the OAuth client secret.
	APIToken string
	// Route is the externally reachable hub origin the browser is sent to.
	Route              string
	Timeout            time.Duration
	InsecureSkipVerify bool
}

// JupyterHub authorizes the hub user the workshop belongs to, plus any hub
// admin.
type JupyterHub struct {
	cfg    JupyterHubConfig
	oauth  oauth2.Config
	client *http.Client
	logger *slog.Logger
}

// NewJupyterHub builds the provider. The authorize and token endpoints live
// under the API URL's path on the hub route.
func NewJupyterHub(cfg JupyterHubConfig, logger *slog.Logger) (*JupyterHub, error) {
	apiURL, err := url.Parse(cfg.APIURL)
	if err != nil {
		return nil, errors.Wrapf(err, "error parsing JupyterHub API URL %q", cfg.APIURL)
	}
	base := strings.TrimSuffix(cfg.Route, "/") + strings.TrimSuffix(apiURL.Path, "/")
	return &JupyterHub{
		cfg: cfg,
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.APIToken,
			Endpoint: oauth2.Endpoint{
				AuthURL:   base + "/oauth2/authorize",
				TokenURL:  base + "/oauth2/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		client: newHTTPClient(cfg.Timeout, cfg.InsecureSkipVerify),
		logger: logger,
	}, nil
}

// Kind reports KindJupyterHub.
func (j *JupyterHub) Kind() Kind { return KindJupyterHub }

// AuthCodeURL implements OAuthProvider.
func (j *JupyterHub) AuthCodeURL(state, redirectURL string) string {
	cfg := j.oauth
	cfg.RedirectURL = redirectURL
	return cfg.AuthCodeURL(state)
}

// Authorize implements OAuthProvider.
func (j *JupyterHub) Authorize(ctx context.Context, code, redirectURL string) (Identity, error) {
	cfg := j.oauth
	cfg.RedirectURL = redirectURL
	token, err := cfg.Exchange(withClient(ctx, j.client), code)
	if err != nil {
		return Identity{}, errors.Wrap(err, "error exchanging JupyterHub authorization code")
	}

	user, err := j.fetchUser(ctx, token.AccessToken)
	if err != nil {
		return Identity{}, err
	}

	if !user.Admin && user.Name != j.cfg.User {
		j.logger.Warn("access denied", "provider", KindJupyterHub, "user", user.Name)
		return Identity{}, errors.Wrapf(ErrForbidden, "user %q is neither admin nor %q", user.Name, j.cfg.User)
	}
	j.logger.Info("access allowed", "provider", KindJupyterHub, "user", user.Name, "admin", user.Admin)
	return user, nil
}

func (j *JupyterHub) fetchUser(ctx context.Context, accessToken string) (Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(j.cfg.APIURL, "/")+"/user", nil)
	if err != nil {
		return Identity{}, errors.Wrap(err, "error creating JupyterHub user request")
	}
	req.Header.Set("Authorization", "token "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := j.client.Do(req)
	if err != nil {
		return Identity{}, errors.Wrap(err, "error fetching JupyterHub user")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return Identity{}, errors.Errorf("JupyterHub user endpoint returned %s", resp.Status)
	}

	var user Identity
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return Identity{}, errors.Wrap(err, "error decoding JupyterHub user")
	}
	return user, nil
}
