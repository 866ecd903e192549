package client

import (
	"log/slog"
	"time"

	"github.com/gezibash/arc-session/internal/observability"
	"github.com/gezibash/arc-session/pkg/logging"
	"github.com/gezibash/arc-session/pkg/transport"
)

// DefaultCloseTimeout bounds the broker round trips made while closing a session.
const DefaultCloseTimeout = 5 * time.Second

type config struct {
	logger       *logging.Logger
	metrics      *observability.Metrics
	closeTimeout time.Duration
	dialOpts     []transport.DialOption
}

// Option configures a Connection.
type Option func(*config)

// WithLogger sets the logger used by the connection and its sessions.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = logging.New(l) }
}

// WithMetrics records session counts and XA outcomes into m.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithCloseTimeout bounds how long Close waits on the broker.
func WithCloseTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.closeTimeout = d
		}
	}
}

// WithDialOptions passes options through to the gRPC channel used by Dial.
func WithDialOptions(opts ...transport.DialOption) Option {
	return func(c *config) { c.dialOpts = append(c.dialOpts, opts...) }
}

func newConfig(opts []Option) config {
	cfg := config{
		logger:       logging.Nop(),
		closeTimeout: DefaultCloseTimeout,
	}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}
