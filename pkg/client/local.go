package client

import (
	"context"

	"github.com/gezibash/arc-session/pkg/transport"
)

// BranchPhase is the state of a local transaction.
type BranchPhase int

const (
	// PhaseNone means no transacted work since the last commit or rollback.
	PhaseNone BranchPhase = iota
	// PhaseActive means transacted work is pending.
	PhaseActive
)

func (p BranchPhase) String() string {
	if p == PhaseActive {
		return "active"
	}
	return "none"
}

// localBranch tracks the pending work of a transacted local session. It is
// replaced wholesale on commit and rollback.
type localBranch struct {
	phase BranchPhase
	sends int
	acks  int
}

// LocalTransaction reports the phase and pending work of the current local
// transaction. Auto-commit and XA sessions always report PhaseNone.
func (s *Session) LocalTransaction() (phase BranchPhase, sends, acks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local == nil {
		return PhaseNone, 0, 0
	}
	return s.local.phase, s.local.sends, s.local.acks
}

func (s *Session) enlistSend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.params.XA:
		s.xa.enlistLocked()
	case s.local != nil && !s.params.AutoCommitSends:
		s.local.phase = PhaseActive
		s.local.sends++
	}
}

func (s *Session) enlistAck() {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.params.XA:
		s.xa.enlistLocked()
	case s.local != nil && !s.params.AutoCommitAcks:
		s.local.phase = PhaseActive
		s.local.acks++
	}
}

// Commit makes the session's transacted sends and acknowledgements
// permanent. On an auto-commit session it still round-trips to the broker.
func (s *Session) Commit(ctx context.Context) error {
	return s.endLocal(ctx, transport.OpCommit)
}

// Rollback discards the session's transacted sends and redelivers its
// transacted acknowledgements.
func (s *Session) Rollback(ctx context.Context) error {
	return s.endLocal(ctx, transport.OpRollback)
}

func (s *Session) endLocal(ctx context.Context, op transport.Op) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if s.params.XA {
		return ErrXASession
	}
	if _, err := s.call(ctx, &transport.Request{Op: op}); err != nil {
		return err
	}
	s.mu.Lock()
	if s.local != nil {
		s.local = &localBranch{}
	}
	s.mu.Unlock()
	return nil
}
