package broker

import (
	"context"
	"sync"

	"github.com/gezibash/arc-session/pkg/transport"
)

// Channel is an in-process transport.Channel bound to a Broker. Sessions
// created through it are dropped by the broker when the channel fails, the
// way a connection loss would.
type Channel struct {
	broker *Broker

	mu       sync.Mutex
	err      error
	done     chan struct{}
	sessions map[string]struct{}
	inflight sync.WaitGroup
}

var _ transport.Channel = (*Channel)(nil)

// NewChannel returns a channel to b.
func NewChannel(b *Broker) *Channel {
	return &Channel{
		broker:   b,
		done:     make(chan struct{}),
		sessions: make(map[string]struct{}),
	}
}

// Send implements transport.Channel.
func (c *Channel) Send(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, &transport.ChannelError{Op: req.Op, Err: err}
	}
	c.inflight.Add(1)
	c.mu.Unlock()
	defer c.inflight.Done()

	// A failing channel aborts requests in flight.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	resp, err := c.broker.Handle(ctx, req)

	c.mu.Lock()
	if failed := c.err; failed != nil {
		c.mu.Unlock()
		if err == nil && req.Op == transport.OpSessionCreate {
			c.broker.dropSessions(map[string]struct{}{resp.SessionID: {}})
		}
		return nil, &transport.ChannelError{Op: req.Op, Err: failed}
	}
	if err == nil {
		switch req.Op {
		case transport.OpSessionCreate:
			c.sessions[resp.SessionID] = struct{}{}
		case transport.OpSessionClose:
			delete(c.sessions, req.SessionID)
		}
	}
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Fail breaks the channel with err and drops its sessions on the broker.
func (c *Channel) Fail(err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	close(c.done)
	sessions := c.sessions
	c.sessions = nil
	c.mu.Unlock()

	c.broker.dropSessions(sessions)
}

// Done implements transport.Channel.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err implements transport.Channel.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close implements transport.Channel.
func (c *Channel) Close() error {
	c.Fail(transport.ErrChannelClosed)
	c.inflight.Wait()
	return nil
}

// CloseSessions closes the named sessions as if their client had gone away.
// Unknown ids are ignored.
func (b *Broker) CloseSessions(ids ...string) {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	b.dropSessions(set)
}

func (b *Broker) dropSessions(ids map[string]struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id := range ids {
		if s, ok := b.sessions[id]; ok {
			b.closeSessionLocked(s)
		}
	}
}
