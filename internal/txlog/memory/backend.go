// Package memory provides an in-process transaction log for tests and
// brokers that do not need durability.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/gezibash/arc-session/internal/txlog"
	"github.com/gezibash/arc-session/pkg/xa"
)

func init() {
	txlog.Register(txlog.Driver{Name: "memory", Open: Open, Defaults: map[string]string{}, Volatile: true})
}

// Open ignores config.
func Open(_ context.Context, _ map[string]string) (txlog.Backend, error) {
	return New(), nil
}

// Backend keeps encoded records in a map so callers never share memory with it.
type Backend struct {
	mu      sync.RWMutex
	records map[string][]byte
	closed  bool
}

// New returns an empty backend.
func New() *Backend {
	return &Backend{records: make(map[string][]byte)}
}

func (b *Backend) Put(_ context.Context, r *txlog.Record) error {
	data, err := txlog.Encode(r)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return txlog.ErrClosed
	}
	b.records[r.Xid.Key()] = data
	return nil
}

func (b *Backend) Get(_ context.Context, xid xa.Xid) (*txlog.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, txlog.ErrClosed
	}
	data, ok := b.records[xid.Key()]
	if !ok {
		return nil, txlog.ErrNotFound
	}
	return txlog.Decode(data)
}

func (b *Backend) Delete(_ context.Context, xid xa.Xid) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return txlog.ErrClosed
	}
	delete(b.records, xid.Key())
	return nil
}

func (b *Backend) List(_ context.Context) ([]*txlog.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, txlog.ErrClosed
	}
	keys := make([]string, 0, len(b.records))
	for k := range b.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*txlog.Record, 0, len(keys))
	for _, k := range keys {
		r, err := txlog.Decode(b.records[k])
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
