package session

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis"
)

const maxTxRetries = 5

// RedisOptions describes the Redis connection backing a shared store.
type RedisOptions struct {
	Host      string
	Port      int
	Password  string
	DB        int
	EnableTLS bool
	Prefix    string
}

// RedisStore keeps sessions in Redis so several gateway instances can share
// them. Keys expire together with the session.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisClient opens a client for opts.
func NewRedisClient(opts RedisOptions) *redis.Client {
	redisOpts := &redis.Options{
		Addr:       fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Password:   opts.Password,
		DB:         opts.DB,
		MaxRetries: 3,
	}
	if opts.EnableTLS {
		redisOpts.TLSConfig = &tls.Config{ServerName: opts.Host}
	}
	return redis.NewClient(redisOpts)
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.WithContext(ctx).Ping().Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

// Get loads a session.
func (s *RedisStore) Get(ctx context.Context, id string) (Session, error) {
	data, err := s.client.WithContext(ctx).Get(s.key(id)).Bytes()
	if err == redis.Nil {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return decodeSession(data)
}

// Save writes a session with a TTL matching its expiry.
func (s *RedisStore) Save(ctx context.Context, sess Session) error {
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		return s.Delete(ctx, sess.ID)
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.client.WithContext(ctx).Set(s.key(sess.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Update applies fn inside a WATCH/MULTI transaction, retrying when another
// writer touched the same key first.
func (s *RedisStore) Update(ctx context.Context, id string, fn func(*Session) error) (Session, error) {
	client := s.client.WithContext(ctx)
	key := s.key(id)

	var result Session
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(key).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get session: %w", err)
		}
		sess, err := decodeSession(data)
		if err != nil {
			return err
		}
		if err := fn(&sess); err != nil {
			return err
		}
		ttl := time.Until(sess.ExpiresAt)
		if ttl <= 0 {
			return ErrNotFound
		}
		encoded, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		_, err = tx.Pipelined(func(pipe redis.Pipeliner) error {
			pipe.Set(key, encoded, ttl)
			return nil
		})
		if err != nil {
			return err
		}
		result = sess
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := client.Watch(txf, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return Session{}, err
		}
		return result, nil
	}
	return Session{}, fmt.Errorf("update session %s: too much contention", id)
}

// Delete removes a session.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.WithContext(ctx).Del(s.key(id)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func decodeSession(data []byte) (Session, error) {
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}
	if sess.Handshakes == nil {
		sess.Handshakes = make(map[string]Handshake)
	}
	return sess, nil
}
