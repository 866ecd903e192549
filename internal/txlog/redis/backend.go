// Package redis provides a Redis-backed transaction log. All records live in
// one hash keyed by xid.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gezibash/arc-session/internal/storage"
	"github.com/gezibash/arc-session/internal/txlog"
	"github.com/gezibash/arc-session/pkg/xa"
)

const (
	KeyAddr        = "addr"
	KeyPassword    = "password"
	KeyDB          = "db"
	KeyMaxRetries  = "max_retries"
	KeyDialTimeout = "dial_timeout"
	KeyKeyPrefix   = "key_prefix"
)

func init() {
	txlog.Register(txlog.Driver{Name: "redis", Open: Open, Defaults: Defaults()})
}

// Defaults returns the default configuration for the Redis backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyAddr:        "localhost:6379",
		KeyPassword:    "",
		KeyDB:          "2",
		KeyMaxRetries:  "3",
		KeyDialTimeout: "5s",
		KeyKeyPrefix:   "arc-session:",
	}
}

// Open creates a Redis backend from a configuration map.
func Open(ctx context.Context, config map[string]string) (txlog.Backend, error) {
	addr, err := storage.RequireString(config, "redis", KeyAddr)
	if err != nil {
		return nil, err
	}
	db, err := storage.GetInt(config, KeyDB, 2)
	if err != nil {
		return nil, storage.WithBackend("redis", err)
	}
	if db < 0 {
		return nil, storage.NewConfigError("redis", KeyDB, "must be non-negative")
	}
	maxRetries, err := storage.GetInt(config, KeyMaxRetries, 3)
	if err != nil {
		return nil, storage.WithBackend("redis", err)
	}
	dialTimeout, err := storage.GetDuration(config, KeyDialTimeout, 5*time.Second)
	if err != nil {
		return nil, storage.WithBackend("redis", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    storage.GetString(config, KeyPassword, ""),
		DB:          db,
		MaxRetries:  maxRetries,
		DialTimeout: dialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, storage.NewConfigErrorWithCause("redis", KeyAddr, "failed to connect", err)
	}

	prefix := storage.GetString(config, KeyKeyPrefix, "arc-session:")
	slog.Info("redis txlog initialized", "addr", addr, "db", db, "key_prefix", prefix)
	return NewWithClient(client, prefix), nil
}

// Backend is a Redis implementation of txlog.Backend.
type Backend struct {
	client *redis.Client
	hash   string
	closed atomic.Bool
}

// NewWithClient creates a backend on an existing client.
func NewWithClient(client *redis.Client, prefix string) *Backend {
	if prefix == "" {
		prefix = "arc-session:"
	}
	return &Backend{client: client, hash: prefix + "txlog"}
}

func (b *Backend) Put(ctx context.Context, r *txlog.Record) error {
	if b.closed.Load() {
		return txlog.ErrClosed
	}
	data, err := txlog.Encode(r)
	if err != nil {
		return err
	}
	if err := b.client.HSet(ctx, b.hash, r.Xid.Key(), data).Err(); err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, xid xa.Xid) (*txlog.Record, error) {
	if b.closed.Load() {
		return nil, txlog.ErrClosed
	}
	data, err := b.client.HGet(ctx, b.hash, xid.Key()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, txlog.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return txlog.Decode(data)
}

func (b *Backend) Delete(ctx context.Context, xid xa.Xid) error {
	if b.closed.Load() {
		return txlog.ErrClosed
	}
	if err := b.client.HDel(ctx, b.hash, xid.Key()).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

func (b *Backend) List(ctx context.Context) ([]*txlog.Record, error) {
	if b.closed.Load() {
		return nil, txlog.ErrClosed
	}
	all, err := b.client.HGetAll(ctx, b.hash).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list: %w", err)
	}
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]*txlog.Record, 0, len(keys))
	for _, k := range keys {
		r, err := txlog.Decode([]byte(all[k]))
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.client.Close()
}
