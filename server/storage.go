package server

import (
	"context"
	"fmt"
	"log/slog"

	"termgateway/session"
)

// OpenStore builds the configured session store. The returned close function
// stops background work and releases connections.
func OpenStore(ctx context.Context, cfg Config, logger *slog.Logger) (session.Store, func() error, error) {
	switch cfg.Sessions.Store {
	case StoreRedis:
		rc := cfg.Sessions.Redis
		client := session.NewRedisClient(session.RedisOptions{
			Host:      rc.Host,
			Port:      rc.Port,
			Password:  rc.Password,
			DB:        rc.DB,
			EnableTLS: rc.TLS,
		})
		store := session.NewRedisStore(client, rc.Prefix)
		if err := store.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("open redis session store: %w", err)
		}
		logger.Info("session store ready", "store", StoreRedis, "host", rc.Host, "port", rc.Port, "db", rc.DB)
		return store, client.Close, nil
	default:
		store := session.NewMemoryStore()
		stop := make(chan struct{})
		store.StartJanitor(cfg.Sessions.JanitorInterval, stop, logger)
		logger.Info("session store ready", "store", StoreMemory)
		return store, func() error {
			close(stop)
			return nil
		}, nil
	}
}
