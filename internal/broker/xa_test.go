package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gezibash/arc-session/internal/txlog"
	"github.com/gezibash/arc-session/internal/txlog/memory"
	"github.com/gezibash/arc-session/pkg/transport"
	"github.com/gezibash/arc-session/pkg/xa"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func xaCode(t *testing.T, err error) xa.Code {
	t.Helper()
	var be *transport.BrokerError
	if !errors.As(err, &be) || be.Kind != transport.KindXA {
		t.Fatalf("expected XA broker error, got %v", err)
	}
	return be.XACode
}

func xaCall(b *Broker, session string, op transport.Op, xid xa.Xid, mutate ...func(*transport.Request)) (*transport.Response, error) {
	req := &transport.Request{Op: op, SessionID: session, Xid: &xid}
	for _, m := range mutate {
		m(req)
	}
	return b.Handle(context.Background(), req)
}

func withFlags(f xa.Flags) func(*transport.Request) {
	return func(r *transport.Request) { r.Flags = f }
}

func onePhase(r *transport.Request) { r.OnePhase = true }

func mustXA(t *testing.T, b *Broker, session string, op transport.Op, xid xa.Xid, mutate ...func(*transport.Request)) *transport.Response {
	t.Helper()
	resp, err := xaCall(b, session, op, xid, mutate...)
	if err != nil {
		t.Fatalf("%s: %v", op, err)
	}
	return resp
}

func wantXA(t *testing.T, code xa.Code, b *Broker, session string, op transport.Op, xid xa.Xid, mutate ...func(*transport.Request)) {
	t.Helper()
	_, err := xaCall(b, session, op, xid, mutate...)
	if got := xaCode(t, err); got != code {
		t.Fatalf("%s = %s, want %s", op, got, code)
	}
}

type xaFixture struct {
	b        *Broker
	admin    string
	watcher  string
	s        string
	producer string
}

func newXAFixture(t *testing.T, opts ...Option) *xaFixture {
	t.Helper()
	b := newTestBroker(t, opts...)
	admin := openSession(t, b, autoCommit())
	createQueue(t, b, admin, transport.QueueConfig{Name: "q"})
	s := openSession(t, b, transport.SessionParams{XA: true})
	return &xaFixture{
		b:        b,
		admin:    admin,
		watcher:  consumerOn(t, b, admin, "q", ""),
		s:        s,
		producer: producer(t, b, s),
	}
}

func (f *xaFixture) visible(t *testing.T) int {
	t.Helper()
	return call(t, f.b, &transport.Request{Op: transport.OpQueueQuery, Name: "q"}).Queue.Messages
}

func TestXATwoPhaseCommit(t *testing.T) {
	f := newXAFixture(t)
	xid := xa.Random()

	mustXA(t, f.b, f.s, transport.OpXAStart, xid)
	send(t, f.b, f.s, f.producer, "q", "in-branch", nil)
	mustXA(t, f.b, f.s, transport.OpXAEnd, xid, withFlags(xa.TMSuccess))
	if f.visible(t) != 0 {
		t.Fatal("branch work visible before commit")
	}

	if vote := mustXA(t, f.b, f.s, transport.OpXAPrepare, xid).Vote; vote != xa.VoteOK {
		t.Fatalf("vote = %s, want XA_OK", vote)
	}
	if got := f.b.InDoubt(); len(got) != 1 || !got[0].Equal(xid) {
		t.Fatalf("InDoubt = %v", got)
	}
	recovered := mustXA(t, f.b, f.s, transport.OpXARecover, xid).Xids
	if len(recovered) != 1 {
		t.Fatalf("recover = %v", recovered)
	}

	mustXA(t, f.b, f.s, transport.OpXACommit, xid)
	if f.visible(t) != 1 {
		t.Fatal("committed work not visible")
	}
	if len(f.b.InDoubt()) != 0 {
		t.Fatal("branch still in doubt after commit")
	}
	wantXA(t, xa.CodeNotA, f.b, f.s, transport.OpXACommit, xid)
}

func TestXAOnePhaseCommit(t *testing.T) {
	f := newXAFixture(t)
	xid := xa.Random()
	mustXA(t, f.b, f.s, transport.OpXAStart, xid)
	send(t, f.b, f.s, f.producer, "q", "fast", nil)
	mustXA(t, f.b, f.s, transport.OpXAEnd, xid, withFlags(xa.TMSuccess))
	mustXA(t, f.b, f.s, transport.OpXACommit, xid, onePhase)
	if f.visible(t) != 1 {
		t.Fatal("one-phase commit not visible")
	}
}

func TestXACommitWrongPhase(t *testing.T) {
	f := newXAFixture(t)
	xid := xa.Random()
	mustXA(t, f.b, f.s, transport.OpXAStart, xid)
	send(t, f.b, f.s, f.producer, "q", "x", nil)
	mustXA(t, f.b, f.s, transport.OpXAEnd, xid, withFlags(xa.TMSuccess))

	wantXA(t, xa.CodeProtocol, f.b, f.s, transport.OpXACommit, xid)
	mustXA(t, f.b, f.s, transport.OpXAPrepare, xid)
	wantXA(t, xa.CodeProtocol, f.b, f.s, transport.OpXACommit, xid, onePhase)
	wantXA(t, xa.CodeProtocol, f.b, f.s, transport.OpXAPrepare, xid)
}

func TestXAPrepareReadOnly(t *testing.T) {
	f := newXAFixture(t)
	xid := xa.Random()
	mustXA(t, f.b, f.s, transport.OpXAStart, xid)
	mustXA(t, f.b, f.s, transport.OpXAEnd, xid, withFlags(xa.TMSuccess))
	if vote := mustXA(t, f.b, f.s, transport.OpXAPrepare, xid).Vote; vote != xa.VoteReadOnly {
		t.Fatalf("vote = %s, want XA_RDONLY", vote)
	}
	wantXA(t, xa.CodeNotA, f.b, f.s, transport.OpXACommit, xid)
}

func TestXARollbackRequeuesAcks(t *testing.T) {
	f := newXAFixture(t)
	send(t, f.b, f.admin, producer(t, f.b, f.admin), "q", "m", nil)
	c := consumerOn(t, f.b, f.s, "q", "")

	xid := xa.Random()
	mustXA(t, f.b, f.s, transport.OpXAStart, xid)
	m := receive(t, f.b, f.s, c, 0)
	ack(t, f.b, f.s, c, m.ID)
	mustXA(t, f.b, f.s, transport.OpXAEnd, xid, withFlags(xa.TMSuccess))
	mustXA(t, f.b, f.s, transport.OpXAPrepare, xid)
	mustXA(t, f.b, f.s, transport.OpXARollback, xid)

	again := receive(t, f.b, f.s, c, 0)
	if again == nil || again.ID != m.ID {
		t.Fatalf("rolled back ack not redelivered: %+v", again)
	}
}

func TestXAStartErrors(t *testing.T) {
	f := newXAFixture(t)
	xid := xa.Random()
	mustXA(t, f.b, f.s, transport.OpXAStart, xid)

	wantXA(t, xa.CodeProtocol, f.b, f.s, transport.OpXAStart, xa.Random())
	other := openSession(t, f.b, transport.SessionParams{XA: true})
	wantXA(t, xa.CodeDupID, f.b, other, transport.OpXAStart, xid)
	wantXA(t, xa.CodeNotA, f.b, other, transport.OpXAStart, xa.Random(), withFlags(xa.TMJoin))
	wantXA(t, xa.CodeProtocol, f.b, other, transport.OpXAStart, xid, withFlags(xa.TMJoin))
	wantXA(t, xa.CodeInvalid, f.b, other, transport.OpXAStart, xa.Random(), withFlags(xa.TMSuccess))
	wantXA(t, xa.CodeInvalid, f.b, other, transport.OpXAStart, xa.Xid{FormatID: 1})
}

func TestXAJoin(t *testing.T) {
	f := newXAFixture(t)
	xid := xa.Random()
	mustXA(t, f.b, f.s, transport.OpXAStart, xid)
	mustXA(t, f.b, f.s, transport.OpXAEnd, xid, withFlags(xa.TMSuccess))

	other := openSession(t, f.b, transport.SessionParams{XA: true})
	mustXA(t, f.b, other, transport.OpXAStart, xid, withFlags(xa.TMJoin))
	send(t, f.b, other, producer(t, f.b, other), "q", "joined", nil)
	mustXA(t, f.b, other, transport.OpXAEnd, xid, withFlags(xa.TMSuccess))
	mustXA(t, f.b, f.s, transport.OpXACommit, xid, onePhase)
	if f.visible(t) != 1 {
		t.Fatal("joined work not committed")
	}
}

func TestXASuspendResume(t *testing.T) {
	f := newXAFixture(t)
	xid := xa.Random()
	mustXA(t, f.b, f.s, transport.OpXAStart, xid)
	mustXA(t, f.b, f.s, transport.OpXAEnd, xid, withFlags(xa.TMSuspend))

	// Outside the branch sends go straight through.
	send(t, f.b, f.s, f.producer, "q", "outside", nil)
	if f.visible(t) != 1 {
		t.Fatal("send outside branch not visible")
	}
	wantXA(t, xa.CodeProtocol, f.b, f.s, transport.OpXAEnd, xid, withFlags(xa.TMSuspend))
	wantXA(t, xa.CodeProtocol, f.b, f.s, transport.OpXAPrepare, xid)

	mustXA(t, f.b, f.s, transport.OpXAStart, xid, withFlags(xa.TMResume))
	send(t, f.b, f.s, f.producer, "q", "inside", nil)
	mustXA(t, f.b, f.s, transport.OpXAEnd, xid, withFlags(xa.TMSuccess))
	mustXA(t, f.b, f.s, transport.OpXACommit, xid, onePhase)
	if f.visible(t) != 2 {
		t.Fatal("resumed work not committed")
	}
}

func TestXAEndFailMarksRollbackOnly(t *testing.T) {
	f := newXAFixture(t)
	xid := xa.Random()
	mustXA(t, f.b, f.s, transport.OpXAStart, xid)
	send(t, f.b, f.s, f.producer, "q", "doomed", nil)
	mustXA(t, f.b, f.s, transport.OpXAEnd, xid, withFlags(xa.TMFail))
	wantXA(t, xa.CodeRollback, f.b, f.s, transport.OpXAPrepare, xid)
	wantXA(t, xa.CodeNotA, f.b, f.s, transport.OpXARollback, xid)
	if f.visible(t) != 0 {
		t.Fatal("rollback-only work visible")
	}
}

func TestXASessionCloseMarksRollbackOnly(t *testing.T) {
	f := newXAFixture(t)
	xid := xa.Random()
	mustXA(t, f.b, f.s, transport.OpXAStart, xid)
	send(t, f.b, f.s, f.producer, "q", "orphan", nil)
	call(t, f.b, &transport.Request{Op: transport.OpSessionClose, SessionID: f.s})

	tm := openSession(t, f.b, transport.SessionParams{XA: true})
	wantXA(t, xa.CodeRollback, f.b, tm, transport.OpXACommit, xid, onePhase)
}

func TestXAOpsOnClosedSession(t *testing.T) {
	f := newXAFixture(t)
	xid := xa.Random()
	mustXA(t, f.b, f.s, transport.OpXAStart, xid)
	mustXA(t, f.b, f.s, transport.OpXAEnd, xid, withFlags(xa.TMSuccess))
	mustXA(t, f.b, f.s, transport.OpXAPrepare, xid)
	call(t, f.b, &transport.Request{Op: transport.OpSessionClose, SessionID: f.s})

	for _, op := range []transport.Op{transport.OpXAStart, transport.OpXACommit, transport.OpXARecover} {
		_, err := xaCall(f.b, f.s, op, xid)
		var be *transport.BrokerError
		if !errors.As(err, &be) || be.Kind != transport.KindClosed {
			t.Fatalf("%s on closed session = %v, want closed verdict", op, err)
		}
	}
	if got := f.b.InDoubt(); len(got) != 1 || !got[0].Equal(xid) {
		t.Fatalf("InDoubt = %v, prepared branch lost", got)
	}
}

func TestXAOnNonXASession(t *testing.T) {
	f := newXAFixture(t)
	wantXA(t, xa.CodeProtocol, f.b, f.admin, transport.OpXAStart, xa.Random())
}

func TestXATimeout(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	f := newXAFixture(t, WithClock(clock.Now), WithTxTimeout(time.Minute))
	xid := xa.Random()
	mustXA(t, f.b, f.s, transport.OpXAStart, xid)
	send(t, f.b, f.s, f.producer, "q", "slow", nil)

	clock.Advance(2 * time.Minute)
	_, err := f.b.Handle(context.Background(), &transport.Request{
		Op: transport.OpSend, SessionID: f.s, HandleID: f.producer,
		Message: &transport.Message{Address: "q"},
	})
	if got := xaCode(t, err); got != xa.CodeRollbackTimeout {
		t.Fatalf("send on timed-out branch = %s", got)
	}
	wantXA(t, xa.CodeRollbackTimeout, f.b, f.s, transport.OpXAEnd, xid, withFlags(xa.TMSuccess))
	wantXA(t, xa.CodeNotA, f.b, f.s, transport.OpXAPrepare, xid)

	// The session is free for a new branch.
	mustXA(t, f.b, f.s, transport.OpXAStart, xa.Random())
}

func TestXAPerBranchTimeout(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	f := newXAFixture(t, WithClock(clock.Now))
	xid := xa.Random()
	mustXA(t, f.b, f.s, transport.OpXAStart, xid, func(r *transport.Request) { r.Timeout = time.Second })
	mustXA(t, f.b, f.s, transport.OpXAEnd, xid, withFlags(xa.TMSuccess))
	clock.Advance(2 * time.Second)
	wantXA(t, xa.CodeRollbackTimeout, f.b, f.s, transport.OpXACommit, xid, onePhase)
}

func TestXAHeuristicOutcome(t *testing.T) {
	f := newXAFixture(t)
	xid := xa.Random()
	mustXA(t, f.b, f.s, transport.OpXAStart, xid)
	send(t, f.b, f.s, f.producer, "q", "decided", nil)
	mustXA(t, f.b, f.s, transport.OpXAEnd, xid, withFlags(xa.TMSuccess))
	mustXA(t, f.b, f.s, transport.OpXAPrepare, xid)

	wantXA(t, xa.CodeProtocol, f.b, f.s, transport.OpXAForget, xid)
	if err := f.b.ResolveHeuristically(context.Background(), xid, true); err != nil {
		t.Fatalf("ResolveHeuristically: %v", err)
	}
	if f.visible(t) != 1 {
		t.Fatal("heuristic commit did not deliver")
	}

	wantXA(t, xa.CodeHeurCommit, f.b, f.s, transport.OpXACommit, xid)
	wantXA(t, xa.CodeHeurCommit, f.b, f.s, transport.OpXARollback, xid)
	if len(f.b.InDoubt()) != 1 {
		t.Fatal("heuristic branch not reported by recover")
	}
	mustXA(t, f.b, f.s, transport.OpXAForget, xid)
	if len(f.b.InDoubt()) != 0 {
		t.Fatal("forgotten branch still reported")
	}
}

func TestXARecoveryAfterRestart(t *testing.T) {
	ctx := context.Background()
	log := memory.New()
	f := newXAFixture(t, WithTxLog(log))
	xid := xa.Random()
	mustXA(t, f.b, f.s, transport.OpXAStart, xid)
	send(t, f.b, f.s, f.producer, "q", "durable", nil)
	mustXA(t, f.b, f.s, transport.OpXAEnd, xid, withFlags(xa.TMSuccess))
	mustXA(t, f.b, f.s, transport.OpXAPrepare, xid)

	rec, err := log.Get(ctx, xid)
	if err != nil || rec.State != txlog.StatePrepared || len(rec.Sends) != 1 {
		t.Fatalf("txlog record = %+v, %v", rec, err)
	}
	f.b.Close()

	restarted := newTestBroker(t, WithTxLog(log))
	if got := restarted.InDoubt(); len(got) != 1 || !got[0].Equal(xid) {
		t.Fatalf("InDoubt after restart = %v", got)
	}
	admin := openSession(t, restarted, autoCommit())
	createQueue(t, restarted, admin, transport.QueueConfig{Name: "q"})
	tm := openSession(t, restarted, transport.SessionParams{XA: true})
	mustXA(t, restarted, tm, transport.OpXACommit, xid)

	if n := call(t, restarted, &transport.Request{Op: transport.OpQueueQuery, Name: "q"}).Queue.Messages; n != 1 {
		t.Fatalf("recovered commit delivered %d messages", n)
	}
	if _, err := log.Get(ctx, xid); !errors.Is(err, txlog.ErrNotFound) {
		t.Fatalf("txlog record after commit: %v", err)
	}
}
