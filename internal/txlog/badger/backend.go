// Package badger provides a BadgerDB-backed transaction log.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/gezibash/arc-session/internal/storage"
	"github.com/gezibash/arc-session/internal/txlog"
	"github.com/gezibash/arc-session/pkg/xa"
)

const prefixRecord = "txn/"

const (
	KeyPath       = "path"
	KeySyncWrites = "sync_writes"
	KeyInMemory   = "in_memory"
)

func init() {
	txlog.Register(txlog.Driver{Name: "badger", Open: Open, Defaults: Defaults()})
}

// Defaults returns the default configuration for the BadgerDB backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:       "~/.arc-session/txlog",
		KeySyncWrites: "true",
		KeyInMemory:   "false",
	}
}

// Open creates a BadgerDB backend from a configuration map.
func Open(_ context.Context, config map[string]string) (txlog.Backend, error) {
	inMemory, err := storage.GetBool(config, KeyInMemory, false)
	if err != nil {
		return nil, storage.WithBackend("badger", err)
	}

	var opts badger.Options
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		path, err := storage.RequireString(config, "badger", KeyPath)
		if err != nil {
			return nil, err
		}
		path = storage.ExpandPath(path)
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, storage.NewConfigErrorWithCause("badger", KeyPath, "failed to create directory", err)
		}
		// Prepared records must survive a crash, so writes sync by default.
		syncWrites, err := storage.GetBool(config, KeySyncWrites, true)
		if err != nil {
			return nil, storage.WithBackend("badger", err)
		}
		opts = badger.DefaultOptions(path).WithSyncWrites(syncWrites)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, storage.NewConfigErrorWithCause("badger", KeyPath, "failed to open database", err)
	}

	slog.Info("badger txlog initialized", "in_memory", inMemory)
	return NewWithDB(db), nil
}

// Backend is a BadgerDB implementation of txlog.Backend.
type Backend struct {
	db     *badger.DB
	closed atomic.Bool
}

// NewWithDB wraps an open database.
func NewWithDB(db *badger.DB) *Backend {
	return &Backend{db: db}
}

func recordKey(xid xa.Xid) []byte {
	return []byte(prefixRecord + xid.Key())
}

func (b *Backend) Put(_ context.Context, r *txlog.Record) error {
	if b.closed.Load() {
		return txlog.ErrClosed
	}
	data, err := txlog.Encode(r)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(r.Xid), data)
	})
}

func (b *Backend) Get(_ context.Context, xid xa.Xid) (*txlog.Record, error) {
	if b.closed.Load() {
		return nil, txlog.ErrClosed
	}
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(xid))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, txlog.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get: %w", err)
	}
	return txlog.Decode(data)
}

func (b *Backend) Delete(_ context.Context, xid xa.Xid) error {
	if b.closed.Load() {
		return txlog.ErrClosed
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(xid))
	})
}

func (b *Backend) List(_ context.Context) ([]*txlog.Record, error) {
	if b.closed.Load() {
		return nil, txlog.ErrClosed
	}
	var out []*txlog.Record
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixRecord)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			r, err := txlog.Decode(data)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger list: %w", err)
	}
	return out, nil
}

func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}
