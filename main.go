package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/crypto/acme/autocert"

	"termgateway/server"
)

const (
	flagConfig   = "config"
	flagLogLevel = "log-level"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "termgateway"
	app.Usage = "Authorizing reverse proxy in front of a workshop terminal"
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    flagConfig,
			Aliases: []string{"c"},
			EnvVars: []string{"GATEWAY_CONFIG"},
			Usage:   "Path to an optional YAML config; environment variables override it",
		},
		&cli.StringFlag{
			Name:    flagLogLevel,
			Aliases: []string{"l"},
			EnvVars: []string{"GATEWAY_LOG_LEVEL"},
			Value:   "info",
			Usage:   "Logging level (debug, info, warn, error)",
		},
	}
	app.Action = serve
	app.Commands = []*cli.Command{
		{
			Name:   "serve",
			Usage:  "Run the gateway (default)",
			Action: serve,
		},
		{
			Name:  "check",
			Usage: "Validate the configuration and reach the session store and OAuth server",
			Description: "Loads the configuration, connects to Redis when it is the session " +
				"store and, in OpenShift mode, discovers the OAuth endpoints. Nothing is served.",
			Action: check,
		},
	}
	return app
}

func newLogger(c *cli.Context) (*slog.Logger, error) {
	level, err := parseLogLevel(c.String(flagLogLevel))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.String(flagLogLevel), err)
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})), nil
}

func serve(c *cli.Context) error {
	logger, err := newLogger(c)
	if err != nil {
		return err
	}

	cfg, err := server.LoadConfig(c.String(flagConfig))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := server.OpenStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Error("close session store", "error", err)
		}
	}()

	provider, err := server.BuildProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}

	application, err := server.NewApp(cfg, logger, store, provider)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	handler := application.Routes()

	var shutdownFns []func(context.Context) error
	errCh := make(chan error, 2)
	listen := func(name string, run func() error) {
		go func() {
			if err := run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	// No write timeout: terminal WebSockets stay open for hours.
	if len(cfg.Server.TLS.Domains) == 0 {
		srv := &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 15 * time.Second,
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", "http", "addr", cfg.Server.ListenAddr)
		listen("http server", srv.ListenAndServe)
	} else {
		m := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.Server.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}

		httpRedirect := &http.Server{
			Addr:              cfg.Server.TLS.HTTPListenAddr,
			Handler:           m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
			ReadHeaderTimeout: 15 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		listen("http redirect", httpRedirect.ListenAndServe)

		httpsSrv := &http.Server{
			Addr:    cfg.Server.ListenAddr,
			Handler: handler,
			TLSConfig: &tls.Config{
				GetCertificate: m.GetCertificate,
				MinVersion:     tls.VersionTLS12,
			},
			ReadHeaderTimeout: 15 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "https", "addr", cfg.Server.ListenAddr, "domains", cfg.Server.TLS.Domains)
		listen("https server", func() error { return httpsSrv.ListenAndServeTLS("", "") })
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
		logger.Error("server error", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, fn := range shutdownFns {
		_ = fn(shutdownCtx)
	}
	return runErr
}

func check(c *cli.Context) error {
	logger, err := newLogger(c)
	if err != nil {
		return err
	}

	cfg, err := server.LoadConfig(c.String(flagConfig))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info("configuration is valid", "mode", cfg.Mode(), "root_path", cfg.Server.RootPath, "store", cfg.Sessions.Store)

	ctx, cancel := context.WithTimeout(c.Context, time.Minute)
	defer cancel()

	_, closeStore, err := server.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := closeStore(); err != nil {
		return fmt.Errorf("close session store: %w", err)
	}

	if _, err := server.BuildProvider(ctx, cfg, logger); err != nil {
		return err
	}
	logger.Info("check complete", "mode", cfg.Mode())
	return nil
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}
