package client

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/gezibash/arc-session/pkg/props"
	"github.com/gezibash/arc-session/pkg/transport"
)

// Producer sends messages on behalf of its session.
type Producer struct {
	id     string
	s      *Session
	closed atomic.Bool
}

func (p *Producer) handleID() string { return p.id }

// ID returns the broker-assigned producer id.
func (p *Producer) ID() string { return p.id }

// IsClosed reports whether the producer or its session is closed.
func (p *Producer) IsClosed() bool { return p.closed.Load() }

// Send routes msg to msg.Address. The broker assigns ID and Timestamp.
// Property values must be string, int64, float64 or bool.
// Inside a transaction the message becomes visible on commit.
func (p *Producer) Send(ctx context.Context, msg Message) error {
	if p.s.closed.Load() {
		return ErrSessionClosed
	}
	if p.closed.Load() {
		return ErrProducerClosed
	}
	if msg.Address == "" {
		return fmt.Errorf("send: %w", errMissingAddress)
	}
	if err := props.Validate(msg.Properties); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	_, err := p.s.call(ctx, &transport.Request{Op: transport.OpSend, HandleID: p.id, Message: &msg})
	if err != nil {
		return err
	}
	p.s.enlistSend()
	return nil
}

// Close closes the producer. It is idempotent.
func (p *Producer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.s.deregister(p.id)
	if p.s.closed.Load() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.s.closeTimeout)
	defer cancel()
	if _, err := p.s.call(ctx, &transport.Request{Op: transport.OpProducerClose, HandleID: p.id}); err != nil {
		return fmt.Errorf("close producer %s: %w", p.id, err)
	}
	return nil
}

func (p *Producer) closeFromSession(ctx context.Context, remote bool) error {
	if !p.closed.CompareAndSwap(false, true) || !remote {
		return nil
	}
	_, err := p.s.ch.Send(ctx, &transport.Request{Op: transport.OpProducerClose, SessionID: p.s.id, HandleID: p.id})
	return err
}
