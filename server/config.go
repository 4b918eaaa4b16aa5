package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"termgateway/authz"
	"termgateway/session"
)

// Session store kinds.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Config captures the full gateway configuration loaded from YAML and environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Sessions SessionsConfig `yaml:"sessions"`
	Auth     AuthConfig     `yaml:"auth"`
}

// ServerConfig controls listeners, routing and the backend.
type ServerConfig struct {
	// RootPath is the mount path all routes and cookies live under.
	RootPath           string        `yaml:"root_path"`
	DefaultRoute       string        `yaml:"default_route"`
	Routes             []string      `yaml:"routes"`
	ListenAddr         string        `yaml:"listen_addr"`
	BackendURL         string        `yaml:"backend_url"`
	OutboundTimeout    time.Duration `yaml:"outbound_timeout"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	TLS                TLSConfig     `yaml:"tls"`
}

// TLSConfig enables autocert when domains are listed.
type TLSConfig struct {
	Domains        []string `yaml:"domains"`
	Email          string   `yaml:"email"`
	CacheDir       string   `yaml:"cache_dir"`
	HTTPListenAddr string   `yaml:"http_listen_addr"`
}

// SessionsConfig controls the session cookie and store.
type SessionsConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	Secret          string        `yaml:"secret"`
	CookieName      string        `yaml:"cookie_name"`
	MaxHandshakes   int           `yaml:"max_handshakes"`
	Store           string        `yaml:"store"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`
	Redis           RedisConfig   `yaml:"redis"`
}

// RedisConfig locates the shared session store.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
	TLS      bool   `yaml:"tls"`
}

// AuthConfig holds the settings of every authorization variant. Mode picks
// the one in effect.
type AuthConfig struct {
	Basic      BasicConfig      `yaml:"basic"`
	JupyterHub JupyterHubConfig `yaml:"jupyterhub"`
	OpenShift  OpenShiftConfig  `yaml:"openshift"`
}

// BasicConfig is the single accepted credential pair.
type BasicConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// JupyterHubConfig is what JupyterHub passes to a spawned service.
type JupyterHubConfig struct {
	User     string `yaml:"user"`
	ClientID string `yaml:"client_id"`
	APIURL   string `yaml:"api_url"`
	APIToken string `yaml:"api_token"`
	Route    string `yaml:"route"`
}

// OpenShiftConfig selects OpenShift OAuth with role binding checks.
type OpenShiftConfig struct {
	ServiceAccount string `yaml:"service_account"`
	KubernetesHost string `yaml:"kubernetes_host"`
	KubernetesPort string `yaml:"kubernetes_port"`
	ServerURL      string `yaml:"server_url"`
	AccountPath    string `yaml:"account_path"`
}

// LoadConfig reads the optional YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			DefaultRoute:       "/session/1",
			Routes:             []string{"terminal"},
			ListenAddr:         ":10080",
			BackendURL:         "http://127.0.0.1:8081",
			OutboundTimeout:    30 * time.Second,
			InsecureSkipVerify: true,
			TLS: TLSConfig{
				CacheDir:       ".secrets/tls",
				HTTPListenAddr: ":80",
			},
		},
		Sessions: SessionsConfig{
			TTL:             60 * time.Second,
			CookieName:      "workshop-session-id",
			MaxHandshakes:   session.DefaultMaxHandshakes,
			Store:           StoreMemory,
			JanitorInterval: time.Minute,
			Redis: RedisConfig{
				Port:   6379,
				Prefix: "gateway:",
			},
		},
		Auth: AuthConfig{
			OpenShift: OpenShiftConfig{
				ServerURL:   authz.DefaultOAuthServer,
				AccountPath: authz.DefaultAccountPath,
			},
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

// environment lists every variable the gateway reads. Absent and empty
// variables leave the configured value alone.
type environment struct {
	RootPath           *string     `envconfig:"URI_ROOT_PATH"`
	DefaultRoute       *string     `envconfig:"DEFAULT_ROUTE"`
	Routes             *[]string   `envconfig:"GATEWAY_ROUTES"`
	ListenAddr         *string     `envconfig:"GATEWAY_LISTEN_ADDR"`
	BackendURL         *string     `envconfig:"GATEWAY_BACKEND_URL"`
	OutboundTimeout    envDuration `envconfig:"GATEWAY_OUTBOUND_TIMEOUT"`
	InsecureSkipVerify envBool     `envconfig:"GATEWAY_INSECURE_SKIP_VERIFY"`
	TLSDomains         *[]string   `envconfig:"GATEWAY_TLS_DOMAINS"`
	TLSEmail           *string     `envconfig:"GATEWAY_TLS_EMAIL"`
	TLSCacheDir        *string     `envconfig:"GATEWAY_TLS_CACHE_DIR"`
	TLSHTTPListenAddr  *string     `envconfig:"GATEWAY_TLS_HTTP_LISTEN_ADDR"`

	SessionTTL      envDuration `envconfig:"GATEWAY_SESSION_TTL"`
	SessionSecret   *string     `envconfig:"GATEWAY_SESSION_SECRET"`
	SessionCookie   *string     `envconfig:"GATEWAY_SESSION_COOKIE"`
	MaxHandshakes   envInt      `envconfig:"GATEWAY_MAX_HANDSHAKES"`
	SessionStore    *string     `envconfig:"GATEWAY_SESSION_STORE"`
	JanitorInterval envDuration `envconfig:"GATEWAY_SESSION_JANITOR_INTERVAL"`
	RedisHost       *string     `envconfig:"REDIS_HOST"`
	RedisPort       envInt      `envconfig:"REDIS_PORT"`
	RedisPassword   *string     `envconfig:"REDIS_PASSWORD"`
	RedisDB         envInt      `envconfig:"REDIS_DB"`
	RedisPrefix     *string     `envconfig:"REDIS_PREFIX"`
	RedisTLS        envBool     `envconfig:"REDIS_TLS"`

	AuthUsername *string `envconfig:"AUTH_USERNAME"`
	AuthPassword *string `envconfig:"AUTH_PASSWORD"`

	JupyterHubUser     *string `envconfig:"JUPYTERHUB_USER"`
	JupyterHubClientID *string `envconfig:"JUPYTERHUB_CLIENT_ID"`
	JupyterHubAPIURL   *string `envconfig:"JUPYTERHUB_API_URL"`
	JupyterHubAPIToken *string `envconfig:"JUPYTERHUB_API_TOKEN"`
	JupyterHubRoute    *string `envconfig:"JUPYTERHUB_ROUTE"`

	OAuthServiceAccount *string `envconfig:"OAUTH_SERVICE_ACCOUNT"`
	KubernetesHost      *string `envconfig:"KUBERNETES_PORT_443_TCP_ADDR"`
	KubernetesPort      *string `envconfig:"KUBERNETES_PORT_443_TCP_PORT"`
	OpenShiftServer     *string `envconfig:"OPENSHIFT_OAUTH_SERVER"`
	AccountPath         *string `envconfig:"GATEWAY_SERVICE_ACCOUNT_PATH"`
}

func applyEnvOverrides(cfg *Config) error {
	var env environment
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}

	setString(&cfg.Server.RootPath, env.RootPath)
	setString(&cfg.Server.DefaultRoute, env.DefaultRoute)
	setList(&cfg.Server.Routes, env.Routes)
	setString(&cfg.Server.ListenAddr, env.ListenAddr)
	setString(&cfg.Server.BackendURL, env.BackendURL)
	setDuration(&cfg.Server.OutboundTimeout, env.OutboundTimeout)
	setBool(&cfg.Server.InsecureSkipVerify, env.InsecureSkipVerify)
	setList(&cfg.Server.TLS.Domains, env.TLSDomains)
	setString(&cfg.Server.TLS.Email, env.TLSEmail)
	setString(&cfg.Server.TLS.CacheDir, env.TLSCacheDir)
	setString(&cfg.Server.TLS.HTTPListenAddr, env.TLSHTTPListenAddr)

	setDuration(&cfg.Sessions.TTL, env.SessionTTL)
	setString(&cfg.Sessions.Secret, env.SessionSecret)
	setString(&cfg.Sessions.CookieName, env.SessionCookie)
	setInt(&cfg.Sessions.MaxHandshakes, env.MaxHandshakes)
	setString(&cfg.Sessions.Store, env.SessionStore)
	setDuration(&cfg.Sessions.JanitorInterval, env.JanitorInterval)
	setString(&cfg.Sessions.Redis.Host, env.RedisHost)
	setInt(&cfg.Sessions.Redis.Port, env.RedisPort)
	setString(&cfg.Sessions.Redis.Password, env.RedisPassword)
	setInt(&cfg.Sessions.Redis.DB, env.RedisDB)
	setString(&cfg.Sessions.Redis.Prefix, env.RedisPrefix)
	setBool(&cfg.Sessions.Redis.TLS, env.RedisTLS)

	setString(&cfg.Auth.Basic.Username, env.AuthUsername)
	setString(&cfg.Auth.Basic.Password, env.AuthPassword)

	setString(&cfg.Auth.JupyterHub.User, env.JupyterHubUser)
	setString(&cfg.Auth.JupyterHub.ClientID, env.JupyterHubClientID)
	setString(&cfg.Auth.JupyterHub.APIURL, env.JupyterHubAPIURL)
	setString(&cfg.Auth.JupyterHub.APIToken, env.JupyterHubAPIToken)
	setString(&cfg.Auth.JupyterHub.Route, env.JupyterHubRoute)

	setString(&cfg.Auth.OpenShift.ServiceAccount, env.OAuthServiceAccount)
	setString(&cfg.Auth.OpenShift.KubernetesHost, env.KubernetesHost)
	setString(&cfg.Auth.OpenShift.KubernetesPort, env.KubernetesPort)
	setString(&cfg.Auth.OpenShift.ServerURL, env.OpenShiftServer)
	setString(&cfg.Auth.OpenShift.AccountPath, env.AccountPath)
	return nil
}

type envDuration struct {
	set   bool
	value time.Duration
}

func (e *envDuration) Decode(v string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	e.set, e.value = true, d
	return nil
}

type envInt struct {
	set   bool
	value int
}

func (e *envInt) Decode(v string) error {
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	e.set, e.value = true, n
	return nil
}

type envBool struct {
	set   bool
	value bool
}

func (e *envBool) Decode(v string) error {
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	e.set, e.value = true, b
	return nil
}

func setString(dst *string, v *string) {
	if v != nil && *v != "" {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v envDuration) {
	if v.set {
		*dst = v.value
	}
}

func setInt(dst *int, v envInt) {
	if v.set {
		*dst = v.value
	}
}

func setBool(dst *bool, v envBool) {
	if v.set {
		*dst = v.value
	}
}

func setList(dst *[]string, v *[]string) {
	if v == nil {
		return
	}
	out := make([]string, 0, len(*v))
	for _, s := range *v {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}

// Mode returns the authorization variant in effect. JupyterHub wins over
// OpenShift, which wins over Basic.
func (c Config) Mode() authz.Kind {
	switch {
	case c.Auth.JupyterHub.ClientID != "":
		return authz.KindJupyterHub
	case c.Auth.OpenShift.ServiceAccount != "":
		return authz.KindOpenShift
	case c.Auth.Basic.Username != "":
		return authz.KindBasic
	default:
		return authz.KindNone
	}
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	root := c.Server.RootPath
	if root != "" && (!strings.HasPrefix(root, "/") || strings.HasSuffix(root, "/")) {
		slog.Error("Invalid configuration value", "field", "server.root_path", "value", root, "reason", "must start with / and not end with /")
		return fmt.Errorf("server.root_path must start with / and not end with /, got: %s", root)
	}

	if !strings.HasPrefix(c.Server.DefaultRoute, "/") {
		slog.Error("Invalid configuration value", "field", "server.default_route", "value", c.Server.DefaultRoute)
		return fmt.Errorf("server.default_route must start with /, got: %s", c.Server.DefaultRoute)
	}

	for i, name := range c.Server.Routes {
		if name == "" || strings.Contains(name, "/") {
			return fmt.Errorf("server.routes[%d] must be a single path segment, got: %q", i, name)
		}
	}

	backend, err := url.Parse(c.Server.BackendURL)
	if err != nil || (backend.Scheme != "http" && backend.Scheme != "https") || backend.Host == "" {
		slog.Error("Invalid backend URL", "field", "server.backend_url", "value", c.Server.BackendURL, "reason", "must be a valid HTTP(S) URL")
		return fmt.Errorf("server.backend_url must be an http(s) URL, got: %s", c.Server.BackendURL)
	}

	if c.Server.OutboundTimeout <= 0 {
		return errors.New("server.outbound_timeout must be positive")
	}

	if c.Sessions.TTL <= 0 {
		slog.Error("Invalid configuration value", "field", "sessions.ttl", "value", c.Sessions.TTL)
		return errors.New("sessions.ttl must be positive")
	}
	if c.Sessions.CookieName == "" {
		return errors.New("sessions.cookie_name is required")
	}
	if c.Sessions.MaxHandshakes < 1 {
		return fmt.Errorf("sessions.max_handshakes must be at least 1, got: %d", c.Sessions.MaxHandshakes)
	}

	switch c.Sessions.Store {
	case StoreMemory:
	case StoreRedis:
		if c.Sessions.Redis.Host == "" {
			slog.Error("Missing required configuration", "field", "sessions.redis.host")
			return errors.New("sessions.redis.host is required for the redis store")
		}
		// Instances sharing a store must also agree on the cookie signing key.
		if c.Sessions.Secret == "" {
			slog.Error("Missing required configuration", "field", "sessions.secret", "reason", "required with the redis store")
			return errors.New("sessions.secret is required for the redis store")
		}
	default:
		slog.Error("Unknown session store", "field", "sessions.store", "value", c.Sessions.Store, "valid_values", []string{StoreMemory, StoreRedis})
		return fmt.Errorf("sessions.store must be %q or %q, got: %s", StoreMemory, StoreRedis, c.Sessions.Store)
	}

	switch c.Mode() {
	case authz.KindJupyterHub:
		hub := c.Auth.JupyterHub
		for field, v := range map[string]string{
			"auth.jupyterhub.user":      hub.User,
			"auth.jupyterhub.api_url":   hub.APIURL,
			"auth.jupyterhub.api_token": hub.APIToken,
			"auth.jupyterhub.route":     hub.Route,
		} {
			if v == "" {
				slog.Error("Missing required configuration", "field", field, "mode", authz.KindJupyterHub)
				return fmt.Errorf("%s is required when auth.jupyterhub.client_id is set", field)
			}
		}
	case authz.KindOpenShift:
		if c.Auth.OpenShift.ServerURL == "" {
			return errors.New("auth.openshift.server_url is required")
		}
		if c.Auth.OpenShift.AccountPath == "" {
			return errors.New("auth.openshift.account_path is required")
		}
	case authz.KindBasic:
		if c.Auth.Basic.Password == "" {
			slog.Error("Missing required configuration", "field", "auth.basic.password", "mode", authz.KindBasic)
			return errors.New("auth.basic.password is required when auth.basic.username is set")
		}
	}

	return nil
}
