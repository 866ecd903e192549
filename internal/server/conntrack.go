package server

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc/stats"

	"github.com/gezibash/arc-session/internal/broker"
)

type connIDKey struct{}

// connTracker is a stats.Handler that closes a client's broker sessions when
// its transport connection ends.
type connTracker struct {
	broker *broker.Broker
	logger *slog.Logger
	next   atomic.Uint64

	mu    sync.Mutex
	conns map[uint64]map[string]struct{}
}

var _ stats.Handler = (*connTracker)(nil)

func newConnTracker(b *broker.Broker, logger *slog.Logger) *connTracker {
	return &connTracker{
		broker: b,
		logger: logger,
		conns:  make(map[uint64]map[string]struct{}),
	}
}

func (t *connTracker) TagConn(ctx context.Context, _ *stats.ConnTagInfo) context.Context {
	id := t.next.Add(1)
	t.mu.Lock()
	t.conns[id] = make(map[string]struct{})
	t.mu.Unlock()
	return context.WithValue(ctx, connIDKey{}, id)
}

func (t *connTracker) HandleConn(ctx context.Context, s stats.ConnStats) {
	if _, ok := s.(*stats.ConnEnd); !ok {
		return
	}
	id, ok := ctx.Value(connIDKey{}).(uint64)
	if !ok {
		return
	}
	t.mu.Lock()
	sessions := t.conns[id]
	delete(t.conns, id)
	t.mu.Unlock()

	if len(sessions) == 0 {
		return
	}
	ids := make([]string, 0, len(sessions))
	for sid := range sessions {
		ids = append(ids, sid)
	}
	t.logger.Info("client connection ended, closing sessions", "sessions", len(ids))
	t.broker.CloseSessions(ids...)
}

func (t *connTracker) TagRPC(ctx context.Context, _ *stats.RPCTagInfo) context.Context { return ctx }

func (t *connTracker) HandleRPC(context.Context, stats.RPCStats) {}

func (t *connTracker) add(ctx context.Context, session string) {
	id, ok := ctx.Value(connIDKey{}).(uint64)
	if !ok {
		return
	}
	t.mu.Lock()
	sessions, live := t.conns[id]
	if live {
		sessions[session] = struct{}{}
	}
	t.mu.Unlock()
	if !live {
		// The connection ended while the session was being created.
		t.broker.CloseSessions(session)
	}
}

func (t *connTracker) remove(ctx context.Context, session string) {
	id, ok := ctx.Value(connIDKey{}).(uint64)
	if !ok {
		return
	}
	t.mu.Lock()
	if sessions, live := t.conns[id]; live {
		delete(sessions, session)
	}
	t.mu.Unlock()
}

// sessions reports how many sessions are tracked across live connections.
func (t *connTracker) sessions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.conns {
		n += len(s)
	}
	return n
}
