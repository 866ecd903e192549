// Package client implements the session layer of the message broker client:
// sessions and their producers and consumers, local transactions, and the
// XA resource used by an external transaction manager.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"

	"github.com/gezibash/arc-session/internal/observability"
	"github.com/gezibash/arc-session/pkg/logging"
	"github.com/gezibash/arc-session/pkg/transport"
	"github.com/gezibash/arc-session/pkg/xa"
)

// Connection owns a channel to the broker and the sessions created over it.
type Connection struct {
	ch     transport.Channel
	cfg    config
	logger *logging.Logger

	closed atomic.Bool
	stop   chan struct{}

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// NewConnection wraps an established channel. The connection abandons its
// sessions when the channel fails.
func NewConnection(ch transport.Channel, opts ...Option) *Connection {
	cfg := newConfig(opts)
	c := &Connection{
		ch:       ch,
		cfg:      cfg,
		logger:   cfg.logger.WithComponent("connection"),
		stop:     make(chan struct{}),
		sessions: make(map[*Session]struct{}),
	}
	go c.watch()
	return c
}

// Dial connects to the broker at addr over gRPC and waits until the
// connection is ready or ctx is done.
func Dial(ctx context.Context, addr string, opts ...Option) (*Connection, error) {
	cfg := newConfig(opts)
	dialOpts := append([]transport.DialOption{
		transport.WithGRPCDialOptions(grpc.WithChainUnaryInterceptor(observability.UnaryClientInterceptor())),
	}, cfg.dialOpts...)

	ch, err := transport.DialGRPC(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if err := ch.WaitReady(ctx); err != nil {
		ch.Close()
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewConnection(ch, opts...), nil
}

func (c *Connection) watch() {
	select {
	case <-c.ch.Done():
	case <-c.stop:
		return
	}
	cause := c.ch.Err()
	if cause == nil {
		cause = transport.ErrChannelClosed
	}
	sessions := c.Sessions()
	if len(sessions) > 0 {
		c.logger.Warn("channel failed, abandoning sessions", "sessions", len(sessions), "error", cause)
	}
	for _, s := range sessions {
		s.abandon(&transport.ChannelError{Err: cause})
	}
}

// CreateSession opens a session. xaMode selects a distributed session whose
// transactions are controlled through XAResource. For other sessions,
// clearing either auto-commit flag makes that kind of work transacted.
func (c *Connection) CreateSession(ctx context.Context, xaMode, autoCommitSends, autoCommitAcks bool) (s *Session, err error) {
	if c.closed.Load() {
		return nil, ErrConnectionClosed
	}
	op, ctx := observability.StartOperation(ctx, c.cfg.metrics, "client.session.create")
	defer func() { op.End(err) }()

	params := &transport.SessionParams{XA: xaMode, AutoCommitSends: autoCommitSends, AutoCommitAcks: autoCommitAcks}
	resp, err := c.ch.Send(ctx, &transport.Request{Op: transport.OpSessionCreate, Session: params})
	if err != nil {
		if transport.IsChannelError(err) {
			c.logger.Warn("session create failed", "error", err)
			return nil, ErrConnectionClosed
		}
		return nil, fmt.Errorf("create session: %w", err)
	}

	s = newSession(c, resp.SessionID, *params)
	c.cfg.metrics.SessionOpened()

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		s.Close()
		return nil, ErrConnectionClosed
	}
	// watch may already have taken its snapshot.
	select {
	case <-c.ch.Done():
		c.mu.Unlock()
		s.abandon(&transport.ChannelError{Op: transport.OpSessionCreate, Err: c.ch.Err()})
		return nil, ErrConnectionClosed
	default:
	}
	c.sessions[s] = struct{}{}
	c.mu.Unlock()

	s.logger.Debug("session created", "xa", xaMode, "auto_commit_sends", autoCommitSends, "auto_commit_acks", autoCommitAcks)
	return s, nil
}

// ResolveHeuristically asks the broker to complete a prepared branch
// without its transaction manager. The branch then reports a heuristic
// outcome to Commit and Rollback until it is forgotten.
func (c *Connection) ResolveHeuristically(ctx context.Context, xid xa.Xid, commit bool) (err error) {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	if err := xid.Validate(); err != nil {
		return err
	}
	op, ctx := observability.StartOperation(ctx, c.cfg.metrics, "client.xa.heuristic",
		observability.XidAttr(xid.Key()))
	defer func() { op.End(err) }()

	_, err = c.ch.Send(ctx, &transport.Request{Op: transport.OpXAHeuristic, Xid: &xid, HeuristicCommit: commit})
	if err != nil {
		if transport.IsChannelError(err) {
			c.logger.WithXid(xid).Warn("heuristic resolution failed", "error", err)
			return ErrConnectionClosed
		}
		return toXAError("heuristic", err)
	}
	c.logger.WithXid(xid).Info("branch resolved heuristically", "commit", commit)
	return nil
}

// Sessions returns the sessions currently open on the connection.
func (c *Connection) Sessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Session, 0, len(c.sessions))
	for s := range c.sessions {
		out = append(out, s)
	}
	return out
}

func (c *Connection) remove(s *Session) {
	c.mu.Lock()
	delete(c.sessions, s)
	c.mu.Unlock()
}

// Close closes every session and then the channel.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.stop)

	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	if err := c.ch.Close(); err != nil && !errors.Is(err, transport.ErrChannelClosed) {
		return fmt.Errorf("close channel: %w", err)
	}
	return nil
}
