package authz

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

const (
	// DefaultOAuthServer is where the cluster's OAuth metadata is published.
	DefaultOAuthServer = "https://openshift.default.svc.cluster.local"
	// DefaultAccountPath is where Kubernetes mounts service account credentials.
	DefaultAccountPath = "/var/run/secrets/kubernetes.io/serviceaccount"

	adminRole       = "admin"
	userInfoScope   = "user:info"
	currentUserPath = "/apis/user.openshift.io/v1/users/~"
)

// OpenShiftConfig configures the OpenShift variant.
type OpenShiftConfig struct {
	// ServiceAccount names the account whose OAuth client the gateway uses.
	ServiceAccount string
	// KubernetesHost and KubernetesPort locate the API server. In-cluster
	// config is used when the host is empty.
	KubernetesHost     string
	KubernetesPort     string
	ServerURL          string
	AccountPath        string
	Timeout            time.Duration
	InsecureSkipVerify bool
	DiscoveryAttempts  int
}

// ServiceAccount holds the credentials mounted into the pod.
type ServiceAccount struct {
	Namespace string
	Token     string
}

// ClientID is the OAuth client id OpenShift derives for a service account.
func (s ServiceAccount) ClientID(name string) string {
	return "system:serviceaccount:" + s.Namespace + ":" + name
}

// ReadServiceAccount loads the namespace and token files below dir.
func ReadServiceAccount(dir string) (ServiceAccount, error) {
	ns, err := os.ReadFile(filepath.Join(dir, "namespace"))
	if err != nil {
		return ServiceAccount{}, errors.Wrap(err, "error reading service account namespace")
	}
	token, err := os.ReadFile(filepath.Join(dir, "token"))
	if err != nil {
		return ServiceAccount{}, errors.Wrap(err, "error reading service account token")
	}
	return ServiceAccount{
		Namespace: strings.TrimSpace(string(ns)),
		Token:     strings.TrimSpace(string(token)),
	}, nil
}

// OpenShift authorizes users holding the admin role in the namespace the
// gateway runs in.
type OpenShift struct {
	namespace string
	oauth     oauth2.Config
	// apiConfig carries no credentials; each use adds a bearer token.
	apiConfig *rest.Config
	kube      kubernetes.Interface
	client    *http.Client
	logger    *slog.Logger
}

// NewOpenShift reads the service account, discovers the OAuth endpoints and
// connects to the API server. Any failure here should stop the process.
func NewOpenShift(ctx context.Context, cfg OpenShiftConfig, logger *slog.Logger) (*OpenShift, error) {
	account, err := ReadServiceAccount(cfg.AccountPath)
	if err != nil {
		return nil, err
	}

	client := newHTTPClient(cfg.Timeout, cfg.InsecureSkipVerify)
	md, err := DiscoverMetadata(ctx, client, cfg.ServerURL, cfg.DiscoveryAttempts, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("discovered oauth metadata", "issuer", md.Issuer, "authorization_endpoint", md.AuthorizationEndpoint)

	apiConfig, err := KubeConfig(cfg)
	if err != nil {
		return nil, err
	}
	kube, err := kubernetes.NewForConfig(withBearerToken(apiConfig, account.Token))
	if err != nil {
		return nil, errors.Wrap(err, "error creating kubernetes client")
	}
	return NewOpenShiftWith(account, cfg.ServiceAccount, md, apiConfig, kube, client, logger), nil
}

// NewOpenShiftWith assembles the provider from already resolved parts. kube
// must authenticate as the service account.
func NewOpenShiftWith(account ServiceAccount, serviceAccount string, md Metadata, apiConfig *rest.Config, kube kubernetes.Interface, client *http.Client, logger *slog.Logger) *OpenShift {
	return &OpenShift{
		namespace: account.Namespace,
		oauth: oauth2.Config{
			ClientID:     account.ClientID(serviceAccount),
			ClientSecret: account.Token,
			Endpoint: oauth2.Endpoint{
				AuthURL:   md.AuthorizationEndpoint,
				TokenURL:  md.TokenEndpoint,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: []string{userInfoScope},
		},
		apiConfig: rest.AnonymousClientConfig(apiConfig),
		kube:      kube,
		client:    client,
		logger:    logger,
	}
}

// KubeConfig returns the API server config without credentials.
func KubeConfig(cfg OpenShiftConfig) (*rest.Config, error) {
	if cfg.KubernetesHost == "" {
		inCluster, err := rest.InClusterConfig()
		if err != nil {
			return nil, errors.Wrap(err, "error loading in-cluster config")
		}
		return rest.AnonymousClientConfig(inCluster), nil
	}
	port := cfg.KubernetesPort
	if port == "" {
		port = "443"
	}
	return &rest.Config{
		Host:            "https://" + net.JoinHostPort(cfg.KubernetesHost, port),
		Timeout:         cfg.Timeout,
		TLSClientConfig: rest.TLSClientConfig{Insecure: cfg.InsecureSkipVerify},
	}, nil
}

func withBearerToken(cfg *rest.Config, token string) *rest.Config {
	c := rest.CopyConfig(cfg)
	c.BearerToken = token
	return c
}

// Kind reports KindOpenShift.
func (o *OpenShift) Kind() Kind { return KindOpenShift }

// AuthCodeURL implements OAuthProvider.
func (o *OpenShift) AuthCodeURL(state, redirectURL string) string {
	cfg := o.oauth
	cfg.RedirectURL = redirectURL
	return cfg.AuthCodeURL(state)
}

// Authorize exchanges the code, resolves who the token belongs to, then checks
// that name against the admin role bindings of the namespace.
func (o *OpenShift) Authorize(ctx context.Context, code, redirectURL string) (Identity, error) {
	cfg := o.oauth
	cfg.RedirectURL = redirectURL
	token, err := cfg.Exchange(withClient(ctx, o.client), code)
	if err != nil {
		return Identity{}, errors.Wrap(err, "error exchanging OpenShift authorization code")
	}

	name, err := o.currentUser(ctx, token.AccessToken)
	if err != nil {
		return Identity{}, err
	}

	admins, err := o.admins(ctx)
	if err != nil {
		return Identity{}, err
	}
	if !admins[name] {
		o.logger.Warn("access denied", "provider", KindOpenShift, "user", name, "namespace", o.namespace)
		return Identity{}, errors.Wrapf(ErrForbidden, "user %q has no admin role in %q", name, o.namespace)
	}
	o.logger.Info("access allowed", "provider", KindOpenShift, "user", name, "namespace", o.namespace)
	return Identity{Name: name, Admin: true}, nil
}

func (o *OpenShift) currentUser(ctx context.Context, accessToken string) (string, error) {
	clientset, err := kubernetes.NewForConfig(withBearerToken(o.apiConfig, accessToken))
	if err != nil {
		return "", errors.Wrap(err, "error creating user client")
	}
	raw, err := clientset.Discovery().RESTClient().Get().AbsPath(currentUserPath).DoRaw(ctx)
	if err != nil {
		return "", errors.Wrap(err, "error fetching OpenShift user")
	}
	var user struct {
		Metadata metav1.ObjectMeta `json:"metadata"`
	}
	if err := json.Unmarshal(raw, &user); err != nil {
		return "", errors.Wrap(err, "error decoding OpenShift user")
	}
	if user.Metadata.Name == "" {
		return "", errors.New("OpenShift user has no name")
	}
	return user.Metadata.Name, nil
}

// admins collects every subject bound to the admin role in the namespace.
func (o *OpenShift) admins(ctx context.Context) (map[string]bool, error) {
	bindings, err := o.kube.RbacV1().RoleBindings(o.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "error listing role bindings in namespace %q", o.namespace)
	}
	admins := make(map[string]bool)
	for _, rb := range bindings.Items {
		if rb.RoleRef.Name != adminRole {
			continue
		}
		for _, subject := range rb.Subjects {
			admins[subject.Name] = true
		}
	}
	return admins, nil
}
