package txlog

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/gezibash/arc-session/internal/observability"
	"github.com/gezibash/arc-session/internal/storage"
)

// Driver describes a backend implementation. Backend packages register one
// from init, so a blank import makes the backend selectable by name.
type Driver struct {
	Name string
	// Open builds a backend from Defaults overlaid with the user's config.
	Open     func(ctx context.Context, config map[string]string) (Backend, error)
	Defaults map[string]string
	// Volatile drivers forget prepared branches when the broker exits.
	Volatile bool
}

var (
	driversMu sync.RWMutex
	drivers   = map[string]Driver{}
)

// Register adds d. Registering a name twice panics.
func Register(d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if _, dup := drivers[d.Name]; dup {
		panic(fmt.Sprintf("txlog: driver %q registered twice", d.Name))
	}
	drivers[d.Name] = d
}

// Drivers lists registered driver names in order.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	return slices.Sorted(maps.Keys(drivers))
}

// Lookup returns the driver registered as name.
func Lookup(name string) (Driver, bool) {
	driversMu.RLock()
	defer driversMu.RUnlock()
	d, ok := drivers[name]
	return d, ok
}

// New opens the backend registered as name.
func New(ctx context.Context, name string, config map[string]string, metrics *observability.Metrics) (backend Backend, err error) {
	op, ctx := observability.StartOperation(ctx, metrics, "txlog.open")
	defer func() { op.End(err) }()

	d, ok := Lookup(name)
	if !ok {
		return nil, storage.NewConfigError(name, "", fmt.Sprintf("unknown txlog backend %q (available: %v)", name, Drivers()))
	}
	backend, err = d.Open(ctx, storage.MergeConfig(d.Defaults, config))
	if err != nil {
		return nil, err
	}
	if d.Volatile {
		slog.WarnContext(ctx, "txlog backend is not durable, prepared branches are lost on exit", "backend", name)
	} else {
		slog.InfoContext(ctx, "txlog backend opened", "backend", name)
	}
	return backend, nil
}
