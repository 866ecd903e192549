// Package broker implements a small in-memory message broker that speaks the
// session protocol in pkg/transport. It backs the gRPC server and gives the
// client a real counterparty in tests.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gezibash/arc-session/internal/observability"
	"github.com/gezibash/arc-session/internal/txlog"
	"github.com/gezibash/arc-session/internal/txlog/memory"
	"github.com/gezibash/arc-session/pkg/transport"
	"github.com/gezibash/arc-session/pkg/xa"
)

// DefaultTxTimeout bounds XA branches that did not ask for a timeout.
const DefaultTxTimeout = 5 * time.Minute

// ErrBrokerClosed is returned by Handle after Close.
var ErrBrokerClosed = transport.Errorf(transport.KindClosed, "broker closed")

// Broker holds addresses, queues, sessions and transactions. All state is
// guarded by one mutex; blocked receivers wait on per-queue signals.
type Broker struct {
	mu        sync.Mutex
	addresses map[string]*address
	queues    map[string]*queue
	sessions  map[string]*session
	xa        map[string]*xaTx

	txlog     txlog.Backend
	ownsTxlog bool
	metrics   *observability.Metrics
	logger    *slog.Logger
	txTimeout time.Duration
	now       func() time.Time

	nextID atomic.Uint64
	closed bool
}

// Option configures a Broker.
type Option func(*Broker)

// WithTxLog persists prepared branches to backend. The broker does not
// close a backend it was given.
func WithTxLog(backend txlog.Backend) Option {
	return func(b *Broker) { b.txlog = backend }
}

// WithMetrics records broker metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

// WithLogger sets the broker logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithTxTimeout sets the timeout for XA branches that do not set their own.
func WithTxTimeout(d time.Duration) Option {
	return func(b *Broker) { b.txTimeout = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// New creates a broker and reloads in-doubt branches from the txlog.
func New(ctx context.Context, opts ...Option) (*Broker, error) {
	b := &Broker{
		addresses: make(map[string]*address),
		queues:    make(map[string]*queue),
		sessions:  make(map[string]*session),
		xa:        make(map[string]*xaTx),
		logger:    slog.Default(),
		txTimeout: DefaultTxTimeout,
		now:       time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	b.logger = b.logger.With("component", "broker")
	if b.txlog == nil {
		b.txlog = memory.New()
		b.ownsTxlog = true
	}

	records, err := b.txlog.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("load txlog: %w", err)
	}
	for _, r := range records {
		b.xa[r.Xid.Key()] = recoveredTx(r)
	}
	if len(records) > 0 {
		b.logger.Info("recovered in-doubt branches", "count", len(records))
	}
	return b, nil
}

// Close drops every session and rejects further requests.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, s := range b.sessions {
		b.closeSessionLocked(s)
	}
	b.mu.Unlock()

	if b.ownsTxlog {
		return b.txlog.Close()
	}
	return nil
}

// Handle executes one request. Broker verdicts are *transport.BrokerError.
func (b *Broker) Handle(ctx context.Context, req *transport.Request) (resp *transport.Response, err error) {
	op, ctx := observability.StartOperation(ctx, b.metrics, "broker."+string(req.Op),
		observability.SessionAttr(req.SessionID))
	defer func() { op.End(err) }()

	switch req.Op {
	case transport.OpSessionCreate:
		return b.createSession(req)
	case transport.OpReceive:
		return b.receive(ctx, req)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}

	switch req.Op {
	case transport.OpQueueQuery:
		return &transport.Response{Queue: b.queryQueue(req.Name)}, nil
	case transport.OpAddressQuery:
		return &transport.Response{Address: b.queryAddress(req.Name)}, nil
	case transport.OpXAHeuristic:
		if req.Xid == nil {
			return nil, transport.XAErrorf(xa.CodeInvalid, "missing xid")
		}
		return done(b.resolveLocked(ctx, *req.Xid, req.HeuristicCommit))
	}

	s, ok := b.sessions[req.SessionID]
	if !ok {
		// XA callers map this onto RMFAIL or RETRY themselves.
		return nil, transport.Errorf(transport.KindClosed, "session %s not found", req.SessionID)
	}

	switch req.Op {
	case transport.OpSessionClose:
		b.closeSessionLocked(s)
		return &transport.Response{}, nil
	case transport.OpSessionStart:
		s.start()
		return &transport.Response{}, nil
	case transport.OpSessionStop:
		s.stop()
		return &transport.Response{}, nil
	case transport.OpQueueCreate:
		return b.createQueueLocked(s, req.Queue)
	case transport.OpQueueDelete:
		return done(b.deleteQueueLocked(req.Name))
	case transport.OpProducerCreate:
		return b.createProducerLocked(s)
	case transport.OpProducerClose:
		delete(s.producers, req.HandleID)
		return &transport.Response{}, nil
	case transport.OpSend:
		return done(b.sendLocked(s, req))
	case transport.OpConsumerCreate:
		return b.createConsumerLocked(s, req)
	case transport.OpConsumerClose:
		b.closeConsumerLocked(s, req.HandleID)
		return &transport.Response{}, nil
	case transport.OpAck:
		return done(b.ackLocked(s, req))
	case transport.OpCommit:
		return done(b.commitLocalLocked(s))
	case transport.OpRollback:
		return done(b.rollbackLocalLocked(s))
	case transport.OpXAStart, transport.OpXAEnd, transport.OpXAPrepare, transport.OpXACommit,
		transport.OpXARollback, transport.OpXAForget, transport.OpXARecover:
		return b.handleXALocked(ctx, s, req)
	}
	return nil, transport.Errorf(transport.KindInvalid, "unknown operation %q", req.Op)
}

func done(err error) (*transport.Response, error) {
	if err != nil {
		return nil, err
	}
	return &transport.Response{}, nil
}

// InDoubt returns the xids of prepared and heuristically completed branches.
func (b *Broker) InDoubt() []xa.Xid {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inDoubtLocked()
}

func (b *Broker) inDoubtLocked() []xa.Xid {
	keys := make([]string, 0, len(b.xa))
	for k, tx := range b.xa {
		if tx.state == txPrepared || tx.state.heuristic() {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]xa.Xid, 0, len(keys))
	for _, k := range keys {
		out = append(out, b.xa[k].xid)
	}
	return out
}

// ResolveHeuristically completes a prepared branch without the transaction
// manager. The branch then reports a heuristic outcome until forgotten.
func (b *Broker) ResolveHeuristically(ctx context.Context, xid xa.Xid, commit bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resolveLocked(ctx, xid, commit)
}

// Sessions returns the number of open sessions.
func (b *Broker) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

func (b *Broker) createSession(req *transport.Request) (*transport.Response, error) {
	params := transport.SessionParams{AutoCommitSends: true, AutoCommitAcks: true}
	if req.Session != nil {
		params = *req.Session
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	s := newSession(uuid.NewString(), params)
	b.sessions[s.id] = s
	b.metrics.SessionOpened()
	b.logger.Debug("session created", "session", s.id, "xa", params.XA)
	return &transport.Response{SessionID: s.id}, nil
}

// closeSessionLocked releases everything the session holds.
func (b *Broker) closeSessionLocked(s *session) {
	if s.local != nil {
		b.rollbackWorkLocked(s.local)
		s.local = nil
	}
	if tx := s.xa; tx != nil {
		s.xa = nil
		tx.session = ""
		if tx.state == txActive {
			tx.rollbackOnly = true
			tx.state = txIdle
		}
	}
	for _, tx := range b.xa {
		if tx.session == s.id && tx.state == txSuspended {
			tx.rollbackOnly = true
			tx.state = txIdle
			tx.session = ""
		}
	}
	for id := range s.consumers {
		b.closeConsumerLocked(s, id)
	}
	for name := range s.tempQueues {
		if q, ok := b.queues[name]; ok {
			b.removeQueueLocked(q)
		}
	}
	s.close()
	delete(b.sessions, s.id)
	b.metrics.SessionClosed()
	b.logger.Debug("session closed", "session", s.id)
}

func (b *Broker) nextMessageID() uint64 {
	return b.nextID.Add(1)
}
