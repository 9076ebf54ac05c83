// Package redisstore provides a Redis-backed docstream.Store.
//
// Each document is stored as a JSON object under its own key. Writers publish
// on a per-document channel after every change; watchers subscribe to that
// channel and re-read the key on each message, so a watcher always reports
// the latest state even if it misses intermediate writes.
//
// Characteristics
//
//	Durability        : Redis persistence settings
//	Horizontal scale  : yes (any number of writers and watchers)
//	Ordering          : latest-state; intermediate writes may be coalesced
//	Event delivery    : at-least-once (a state may be reported twice)
//
// Example:
//
//	store, err := redisstore.NewFromEnv()
//	if err != nil { log.Fatal(err) }
//	defer store.Close()
//	reg := docstream.NewRegistry(store)
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ggoodman/authsync-go/docstream"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for a Redis-backed Store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys and channels. ENV: AUTHSYNC_DOCS_KEY_PREFIX
	KeyPrefix string `env:"AUTHSYNC_DOCS_KEY_PREFIX,default=authsync:docs:"`
}

type Store struct {
	client    *redis.Client
	keyPrefix string
	log       *slog.Logger
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
		prefix = "authsync:docs:"
	}
	return &Store{client: cl, keyPrefix: prefix, log: slog.Default()}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("redisstore: config from environment: %w", err)
	}
	return New(cfg)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) docKey(path string) string  { return s.keyPrefix + "doc:" + path }
func (s *Store) notifyKey(path string) string { return s.keyPrefix + "notify:" + path }

// Put replaces the document at path and notifies watchers.
func (s *Store) Put(ctx context.Context, path string, data map[string]any) error {
	if data == nil {
		data = map[string]any{}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.docKey(path), b, 0)
		p.Publish(ctx, s.notifyKey(path), "put")
		return nil
	})
	return err
}

// Delete removes the document at path and notifies watchers.
func (s *Store) Delete(ctx context.Context, path string) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.docKey(path))
		p.Publish(ctx, s.notifyKey(path), "delete")
		return nil
	})
	return err
}

func (s *Store) WatchDocument(ctx context.Context, path string, onSnapshot func(docstream.Snapshot), onError func(error)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		s.watch(ctx, path, onSnapshot, onError)
	}()

	return func() {
		cancel()
		<-done
	}, nil
}

// watch subscribes before the first read so that no write between the read
// and the subscription is missed.
func (s *Store) watch(ctx context.Context, path string, onSnapshot func(docstream.Snapshot), onError func(error)) {
	ps := s.client.Subscribe(ctx, s.notifyKey(path))
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() == nil {
			s.log.WarnContext(ctx, "redisstore.subscribe.error", slog.String("path", path), slog.String("err", err.Error()))
			onError(fmt.Errorf("subscribe: %w", err))
		}
		return
	}

	deliver := func() {
		snap, err := s.read(ctx, path)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.log.WarnContext(ctx, "redisstore.read.error", slog.String("path", path), slog.String("err", err.Error()))
			onError(err)
			return
		}
		onSnapshot(snap)
	}

	deliver()
	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-msgs:
			if !ok {
				return
			}
			deliver()
		}
	}
}

func (s *Store) read(ctx context.Context, path string) (docstream.Snapshot, error) {
	b, err := s.client.Get(ctx, s.docKey(path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return docstream.Snapshot{Path: path}, nil
	}
	if err != nil {
		return docstream.Snapshot{}, fmt.Errorf("read document: %w", err)
	}
	var data map[string]any
	if err := json.Unmarshal(b, &data); err != nil {
		return docstream.Snapshot{}, fmt.Errorf("decode document: %w", err)
	}
	if data == nil {
		data = map[string]any{}
	}
	return docstream.Snapshot{Path: path, Exists: true, Data: data}, nil
}

var _ docstream.Store = (*Store)(nil)
