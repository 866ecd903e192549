package client

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gezibash/arc-session/pkg/transport"
)

// Consumer receives messages from one queue.
type Consumer struct {
	id     string
	queue  string
	filter string
	s      *Session
	closed atomic.Bool

	// ctx is canceled when the consumer closes.
	ctx    context.Context
	cancel context.CancelFunc
}

func newConsumer(s *Session, id, queue, filter string) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{id: id, queue: queue, filter: filter, s: s, ctx: ctx, cancel: cancel}
}

func (c *Consumer) handleID() string { return c.id }

// ID returns the broker-assigned consumer id.
func (c *Consumer) ID() string { return c.id }

// Queue returns the queue the consumer reads from.
func (c *Consumer) Queue() string { return c.queue }

// Filter returns the consumer's selector, if any.
func (c *Consumer) Filter() string { return c.filter }

// IsClosed reports whether the consumer or its session is closed.
func (c *Consumer) IsClosed() bool { return c.closed.Load() }

// Receive returns the next message, or nil when none arrives in time.
// A positive wait bounds the wait, NoWait polls once and a negative wait
// blocks until ctx is done. Closing the consumer or its session fails a
// blocked Receive at once.
func (c *Consumer) Receive(ctx context.Context, wait time.Duration) (*Message, error) {
	if c.s.closed.Load() {
		return nil, ErrSessionClosed
	}
	if c.closed.Load() {
		return nil, ErrConsumerClosed
	}

	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	resp, err := c.s.call(opCtx, &transport.Request{Op: transport.OpReceive, HandleID: c.id, Wait: wait})
	if err != nil {
		switch {
		case c.s.closed.Load():
			return nil, ErrSessionClosed
		case c.closed.Load():
			return nil, ErrConsumerClosed
		}
		return nil, err
	}
	return resp.Message, nil
}

// Acknowledge confirms msg was processed. Inside a transaction the
// acknowledgement takes effect on commit.
func (c *Consumer) Acknowledge(ctx context.Context, msg *Message) error {
	if c.s.closed.Load() {
		return ErrSessionClosed
	}
	if c.closed.Load() {
		return ErrConsumerClosed
	}
	if msg == nil {
		return fmt.Errorf("acknowledge: %w", errMissingMessage)
	}
	_, err := c.s.call(ctx, &transport.Request{Op: transport.OpAck, HandleID: c.id, MessageID: msg.ID})
	if err != nil {
		return err
	}
	c.s.enlistAck()
	return nil
}

// Close closes the consumer. Unacknowledged messages return to the queue.
func (c *Consumer) Close() error {
	if !c.markClosed() {
		return nil
	}
	c.s.deregister(c.id)
	if c.s.closed.Load() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.s.closeTimeout)
	defer cancel()
	if _, err := c.s.call(ctx, &transport.Request{Op: transport.OpConsumerClose, HandleID: c.id}); err != nil {
		return fmt.Errorf("close consumer %s: %w", c.id, err)
	}
	return nil
}

func (c *Consumer) markClosed() bool {
	if !c.closed.CompareAndSwap(false, true) {
		return false
	}
	c.cancel()
	return true
}

func (c *Consumer) closeFromSession(ctx context.Context, remote bool) error {
	if !c.markClosed() || !remote {
		return nil
	}
	_, err := c.s.ch.Send(ctx, &transport.Request{Op: transport.OpConsumerClose, SessionID: c.s.id, HandleID: c.id})
	return err
}
