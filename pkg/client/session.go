package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gezibash/arc-session/internal/observability"
	"github.com/gezibash/arc-session/pkg/logging"
	"github.com/gezibash/arc-session/pkg/transport"
)

// TransactionMode says how a session's work is made atomic.
type TransactionMode int

const (
	// ModeLocal sessions use Commit and Rollback, or auto-commit.
	ModeLocal TransactionMode = iota
	// ModeDistributed sessions are driven by a transaction manager through XAResource.
	ModeDistributed
)

func (m TransactionMode) String() string {
	if m == ModeDistributed {
		return "distributed"
	}
	return "local"
}

// handle is a producer or consumer owned by a session.
type handle interface {
	handleID() string
	// closeFromSession closes the handle as part of its session's close.
	// When remote is false the broker is not contacted.
	closeFromSession(ctx context.Context, remote bool) error
}

// Session is a single-threaded context for producing and consuming
// messages. Close may be called from any goroutine and fails operations in
// flight.
type Session struct {
	id      string
	conn    *Connection
	ch      transport.Channel
	params  transport.SessionParams
	logger  *logging.Logger
	metrics *observability.Metrics

	closeTimeout time.Duration

	closed  atomic.Bool
	started atomic.Bool

	// ctx is canceled when the session closes.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	handles map[string]handle
	local   *localBranch
	xa      *XAResource
}

func newSession(c *Connection, id string, params transport.SessionParams) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:           id,
		conn:         c,
		ch:           c.ch,
		params:       params,
		logger:       c.cfg.logger.WithSession(id),
		metrics:      c.cfg.metrics,
		closeTimeout: c.cfg.closeTimeout,
		ctx:          ctx,
		cancel:       cancel,
		handles:      make(map[string]handle),
	}
	s.xa = newXAResource(s)
	if !params.XA && s.transacted() {
		s.local = &localBranch{}
	}
	return s
}

// ID returns the broker-assigned session id.
func (s *Session) ID() string { return s.id }

// Mode reports whether the session is local or distributed.
func (s *Session) Mode() TransactionMode {
	if s.params.XA {
		return ModeDistributed
	}
	return ModeLocal
}

// IsXA reports whether the session was created for distributed transactions.
func (s *Session) IsXA() bool { return s.params.XA }

// IsClosed reports whether Close has been called or the session was lost.
func (s *Session) IsClosed() bool { return s.closed.Load() }

// IsStarted reports whether message delivery is started.
func (s *Session) IsStarted() bool { return s.started.Load() }

// AutoCommitSends reports whether sends are committed as they happen.
func (s *Session) AutoCommitSends() bool { return s.params.AutoCommitSends }

// AutoCommitAcks reports whether acknowledgements are committed as they happen.
func (s *Session) AutoCommitAcks() bool { return s.params.AutoCommitAcks }

func (s *Session) transacted() bool {
	return !s.params.AutoCommitSends || !s.params.AutoCommitAcks
}

// bind derives an operation context that is also canceled when the session closes.
func (s *Session) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// send performs one broker round trip on behalf of the session. Errors are
// returned raw for the caller to map.
func (s *Session) send(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	req.SessionID = s.id
	opCtx, cancel := s.bind(ctx)
	defer cancel()
	return s.ch.Send(opCtx, req)
}

// call is send for non-XA operations.
func (s *Session) call(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	resp, err := s.send(ctx, req)
	if err != nil {
		return nil, s.mapErr(ctx, err)
	}
	return resp, nil
}

func (s *Session) register(h handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrSessionClosed
	}
	s.handles[h.handleID()] = h
	return nil
}

func (s *Session) deregister(id string) {
	s.mu.Lock()
	delete(s.handles, id)
	s.mu.Unlock()
}

// Start begins message delivery to the session's consumers.
func (s *Session) Start(ctx context.Context) error {
	if _, err := s.call(ctx, &transport.Request{Op: transport.OpSessionStart}); err != nil {
		return err
	}
	s.started.Store(true)
	return nil
}

// Stop pauses message delivery. Receives in progress keep waiting.
func (s *Session) Stop(ctx context.Context) error {
	if _, err := s.call(ctx, &transport.Request{Op: transport.OpSessionStop}); err != nil {
		return err
	}
	s.started.Store(false)
	return nil
}

// CreateProducer opens a producer that can send to any address.
func (s *Session) CreateProducer(ctx context.Context) (*Producer, error) {
	resp, err := s.call(ctx, &transport.Request{Op: transport.OpProducerCreate})
	if err != nil {
		return nil, err
	}
	p := &Producer{id: resp.HandleID, s: s}
	if err := s.register(p); err != nil {
		p.closed.Store(true)
		return nil, err
	}
	return p, nil
}

// ConsumerOption configures CreateConsumer.
type ConsumerOption func(*transport.Request)

// WithFilter restricts a consumer to messages matching a CEL expression over
// the message properties.
func WithFilter(expr string) ConsumerOption {
	return func(r *transport.Request) { r.Filter = expr }
}

// CreateConsumer opens a consumer on queue.
func (s *Session) CreateConsumer(ctx context.Context, queue string, opts ...ConsumerOption) (*Consumer, error) {
	req := &transport.Request{Op: transport.OpConsumerCreate, Name: queue}
	for _, o := range opts {
		o(req)
	}
	resp, err := s.call(ctx, req)
	if err != nil {
		return nil, err
	}
	c := newConsumer(s, resp.HandleID, queue, req.Filter)
	if err := s.register(c); err != nil {
		c.markClosed()
		return nil, err
	}
	return c, nil
}

// CreateQueue creates a queue bound to cfg.Address, or to an address named
// after the queue when none is given.
func (s *Session) CreateQueue(ctx context.Context, cfg QueueConfig) error {
	_, err := s.call(ctx, &transport.Request{Op: transport.OpQueueCreate, Queue: &cfg})
	if err != nil {
		return fmt.Errorf("create queue %s: %w", cfg.Name, err)
	}
	return nil
}

// CreateTemporaryQueue creates a non-durable queue removed when the session closes.
func (s *Session) CreateTemporaryQueue(ctx context.Context, address, name string) error {
	return s.CreateQueue(ctx, QueueConfig{
		Name:      name,
		Address:   address,
		Routing:   Anycast,
		Temporary: true,
	})
}

// DeleteQueue removes a queue that has no consumers.
func (s *Session) DeleteQueue(ctx context.Context, name string) error {
	if _, err := s.call(ctx, &transport.Request{Op: transport.OpQueueDelete, Name: name}); err != nil {
		return fmt.Errorf("delete queue %s: %w", name, err)
	}
	return nil
}

// QueueQuery describes a queue. A missing queue reports Exists false.
func (s *Session) QueueQuery(ctx context.Context, name string) (*QueueInfo, error) {
	resp, err := s.call(ctx, &transport.Request{Op: transport.OpQueueQuery, Name: name})
	if err != nil {
		return nil, err
	}
	if resp.Queue == nil {
		return &QueueInfo{Name: name}, nil
	}
	return resp.Queue, nil
}

// AddressQuery describes an address. A missing address reports Exists false.
func (s *Session) AddressQuery(ctx context.Context, name string) (*AddressInfo, error) {
	resp, err := s.call(ctx, &transport.Request{Op: transport.OpAddressQuery, Name: name})
	if err != nil {
		return nil, err
	}
	if resp.Address == nil {
		return &AddressInfo{Name: name}, nil
	}
	return resp.Address, nil
}

// XAResource returns the session's resource manager handle.
func (s *Session) XAResource() *XAResource { return s.xa }

// Close closes the session's producers and consumers, then the session.
// It is idempotent and safe to call concurrently with other operations,
// which fail with ErrSessionClosed. Failures talking to the broker are
// logged and otherwise ignored; the returned error is always nil.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()

	op, _ := observability.StartOperation(context.Background(), s.metrics, "client.session.close",
		observability.SessionAttr(s.id))
	ctx, cancel := context.WithTimeout(context.Background(), s.closeTimeout)
	defer cancel()

	for _, h := range s.takeHandles() {
		if err := h.closeFromSession(ctx, true); err != nil {
			s.logger.Debug("close handle", "handle", h.handleID(), "error", err)
		}
	}
	if _, err := s.ch.Send(ctx, &transport.Request{Op: transport.OpSessionClose, SessionID: s.id}); err != nil {
		s.logger.Debug("close session on broker", "error", err)
	}
	s.finish()
	op.End(nil)
	s.logger.Debug("session closed")
	return nil
}

// abandon tears the session down locally after the broker has lost it.
func (s *Session) abandon(cause error) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.cancel()
	for _, h := range s.takeHandles() {
		h.closeFromSession(context.Background(), false)
	}
	s.finish()
	s.logger.Warn("session abandoned", "error", cause)
}

func (s *Session) takeHandles() []handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]handle, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, h)
	}
	clear(s.handles)
	return out
}

func (s *Session) finish() {
	s.mu.Lock()
	if s.local != nil {
		s.local = &localBranch{}
	}
	s.mu.Unlock()
	s.started.Store(false)
	s.conn.remove(s)
	s.metrics.SessionClosed()
}
