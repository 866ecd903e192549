// Package sqlite provides a SQLite-backed transaction log.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	_ "modernc.org/sqlite"

	"github.com/gezibash/arc-session/internal/storage"
	"github.com/gezibash/arc-session/internal/txlog"
	"github.com/gezibash/arc-session/pkg/xa"
)

const (
	KeyPath        = "path"
	KeyJournalMode = "journal_mode"
	KeyBusyTimeout = "busy_timeout"
	KeySynchronous = "synchronous"
)

func init() {
	txlog.Register(txlog.Driver{Name: "sqlite", Open: Open, Defaults: Defaults()})
}

// Defaults returns the default configuration for the SQLite backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:        "~/.arc-session/txlog.db",
		KeyJournalMode: "wal",
		KeyBusyTimeout: "5000",
		KeySynchronous: "full",
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS records (
    xid          TEXT PRIMARY KEY,
    state        TEXT NOT NULL,
    data         BLOB NOT NULL,
    prepared_at  INTEGER NOT NULL
);
`

// Open creates a SQLite backend from a configuration map.
func Open(_ context.Context, config map[string]string) (txlog.Backend, error) {
	path, err := storage.RequireString(config, "sqlite", KeyPath)
	if err != nil {
		return nil, err
	}
	path = storage.ExpandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, storage.NewConfigErrorWithCause("sqlite", KeyPath, "failed to create directory", err)
	}

	journalMode := storage.GetString(config, KeyJournalMode, "wal")
	busyTimeout := storage.GetString(config, KeyBusyTimeout, "5000")
	// A prepare vote is only safe once the record reaches disk.
	synchronous := storage.GetString(config, KeySynchronous, "full")

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(%s)&_pragma=synchronous(%s)",
		path, journalMode, busyTimeout, synchronous)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storage.NewConfigErrorWithCause("sqlite", KeyPath, "failed to open database", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, storage.NewConfigErrorWithCause("sqlite", KeyPath, "failed to initialize schema", err)
	}

	slog.Info("sqlite txlog opened", "path", path, "journal_mode", journalMode, "synchronous", synchronous)
	return &Backend{db: db}, nil
}

// Backend is a SQLite implementation of txlog.Backend.
type Backend struct {
	db     *sql.DB
	closed atomic.Bool
}

func (b *Backend) Put(ctx context.Context, r *txlog.Record) error {
	if b.closed.Load() {
		return txlog.ErrClosed
	}
	data, err := txlog.Encode(r)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO records (xid, state, data, prepared_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(xid) DO UPDATE SET state = excluded.state, data = excluded.data, prepared_at = excluded.prepared_at`,
		r.Xid.Key(), string(r.State), data, r.PreparedAt)
	if err != nil {
		return fmt.Errorf("sqlite put: %w", err)
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, xid xa.Xid) (*txlog.Record, error) {
	if b.closed.Load() {
		return nil, txlog.ErrClosed
	}
	var data []byte
	err := b.db.QueryRowContext(ctx, `SELECT data FROM records WHERE xid = ?`, xid.Key()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, txlog.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get: %w", err)
	}
	return txlog.Decode(data)
}

func (b *Backend) Delete(ctx context.Context, xid xa.Xid) error {
	if b.closed.Load() {
		return txlog.ErrClosed
	}
	if _, err := b.db.ExecContext(ctx, `DELETE FROM records WHERE xid = ?`, xid.Key()); err != nil {
		return fmt.Errorf("sqlite delete: %w", err)
	}
	return nil
}

func (b *Backend) List(ctx context.Context) ([]*txlog.Record, error) {
	if b.closed.Load() {
		return nil, txlog.ErrClosed
	}
	rows, err := b.db.QueryContext(ctx, `SELECT data FROM records ORDER BY prepared_at, xid`)
	if err != nil {
		return nil, fmt.Errorf("sqlite list: %w", err)
	}
	defer rows.Close()

	var out []*txlog.Record
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("sqlite list: %w", err)
		}
		r, err := txlog.Decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}
