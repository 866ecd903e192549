package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Closers tears down broker components in the reverse of their start order:
// the gRPC server stops before the broker, and the broker before its
// transaction log.
type Closers struct {
	logger *slog.Logger

	mu    sync.Mutex
	steps []closeStep
}

type closeStep struct {
	name string
	fn   func(context.Context) error
}

func newClosers(logger *slog.Logger) *Closers {
	return &Closers{logger: logger}
}

// Add registers fn under name.
func (c *Closers) Add(name string, fn func(context.Context) error) {
	c.mu.Lock()
	c.steps = append(c.steps, closeStep{name: name, fn: fn})
	c.mu.Unlock()
}

// AddCloser registers a component that closes without a context.
func (c *Closers) AddCloser(name string, cl io.Closer) {
	c.Add(name, func(context.Context) error { return cl.Close() })
}

// CloseAll runs every step once, newest first, and joins their errors.
// A failing step does not stop the ones registered before it.
func (c *Closers) CloseAll(ctx context.Context) error {
	c.mu.Lock()
	steps := c.steps
	c.steps = nil
	c.mu.Unlock()

	logger := c.logger
	if logger == nil {
		logger = slog.Default()
	}
	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		start := time.Now()
		err := step.fn(ctx)
		if err != nil {
			logger.Error("close failed", "component", step.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
			continue
		}
		logger.Debug("closed", "component", step.name, "took", time.Since(start))
	}
	return errors.Join(errs...)
}
