// Package redis provides a Redis-backed credentials.Store. Each slot is one
// JSON value; a credential with an expiry is stored with a matching Redis TTL.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/authsync-go/credentials"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for a Redis-backed Store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all slot keys. ENV: AUTHSYNC_CREDENTIALS_KEY_PREFIX
	KeyPrefix string `env:"AUTHSYNC_CREDENTIALS_KEY_PREFIX,default=authsync:credentials:"`
}

type Store struct {
	client    *redis.Client
	keyPrefix string
}

func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "authsync:credentials:"
	}
	return &Store{client: cl, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("redis: config from environment: %w", err)
	}
	return New(cfg)
}

func (s *Store) key(slot string) string { return s.keyPrefix + "slot:" + slot }

func (s *Store) Load(ctx context.Context, slot string) (*credentials.Credential, error) {
	b, err := s.client.Get(ctx, s.key(slot)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, credentials.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential %s: %w", slot, err)
	}
	var cred credentials.Credential
	if err := json.Unmarshal(b, &cred); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential: %w", err)
	}
	// Redis expiry has second granularity.
	if cred.IsExpired(time.Now()) {
		s.client.Del(ctx, s.key(slot))
		return nil, credentials.ErrNotFound
	}
	return &cred, nil
}

func (s *Store) Save(ctx context.Context, slot string, cred credentials.Credential) error {
	now := time.Now()
	ttl := cred.TTL(now)
	if ttl < 0 {
		return s.Delete(ctx, slot)
	}
	if cred.SavedAt.IsZero() {
		cred.SavedAt = now
	}
	b, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}
	if err := s.client.Set(ctx, s.key(slot), b, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set credential %s: %w", slot, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, slot string) error {
	if err := s.client.Del(ctx, s.key(slot)).Err(); err != nil {
		return fmt.Errorf("failed to delete credential %s: %w", slot, err)
	}
	return nil
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

var _ credentials.Store = (*Store)(nil)
