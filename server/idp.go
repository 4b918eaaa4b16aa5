package server

import (
	"context"
	"fmt"
	"log/slog"

	"termgateway/authz"
)

// metadataDiscoveryAttempts bounds the startup retries against the OpenShift
// OAuth server.
const metadataDiscoveryAttempts = 5

// BuildProvider prepares the OAuth provider for the configured mode. It
// returns nil for Basic and for no authorization.
func BuildProvider(ctx context.Context, cfg Config, logger *slog.Logger) (authz.OAuthProvider, error) {
	switch cfg.Mode() {
	case authz.KindJupyterHub:
		hub := cfg.Auth.JupyterHub
		prov, err := authz.NewJupyterHub(authz.JupyterHubConfig{
			User:               hub.User,
			ClientID:           hub.ClientID,
			APIURL:             hub.APIURL,
			APIToken:           hub.APIToken,
			Route:              hub.Route,
			Timeout:            cfg.Server.OutboundTimeout,
			InsecureSkipVerify: cfg.Server.InsecureSkipVerify,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("init jupyterhub provider: %w", err)
		}
		return prov, nil
	case authz.KindOpenShift:
		ocp := cfg.Auth.OpenShift
		prov, err := authz.NewOpenShift(ctx, authz.OpenShiftConfig{
			ServiceAccount:     ocp.ServiceAccount,
			KubernetesHost:     ocp.KubernetesHost,
			KubernetesPort:     ocp.KubernetesPort,
			ServerURL:          ocp.ServerURL,
			AccountPath:        ocp.AccountPath,
			Timeout:            cfg.Server.OutboundTimeout,
			InsecureSkipVerify: cfg.Server.InsecureSkipVerify,
			DiscoveryAttempts:  metadataDiscoveryAttempts,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("init openshift provider: %w", err)
		}
		return prov, nil
	default:
		return nil, nil
	}
}
