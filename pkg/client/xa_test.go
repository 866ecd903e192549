package client_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gezibash/arc-session/internal/broker"
	"github.com/gezibash/arc-session/pkg/client"
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

func wantCode(t *testing.T, err error, code xa.Code) {
	t.Helper()
	got, ok := xa.CodeOf(err)
	if !ok || got != code {
		t.Fatalf("err = %v, want %s", err, code)
	}
}

func mustXA(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("xa: %v", err)
	}
}

type xaFixture struct {
	b        *broker.Broker
	conn     *client.Connection
	ch       *recordingChannel
	s        *client.Session
	r        *client.XAResource
	p        *client.Producer
	observer *client.Consumer
}

func newXAFixture(t *testing.T, opts ...broker.Option) *xaFixture {
	t.Helper()
	b := newBroker(t, opts...)
	conn, ch := connect(t, b)
	s := openSession(t, conn, true, false, false)
	obs := openSession(t, conn, false, true, true)
	createQueue(t, obs, "q")
	return &xaFixture{
		b:        b,
		conn:     conn,
		ch:       ch,
		s:        s,
		r:        s.XAResource(),
		p:        newProducer(t, s),
		observer: newConsumer(t, obs, "q"),
	}
}

// work starts xid, sends one message and ends the association.
func (f *xaFixture) work(t *testing.T, xid xa.Xid, body string) {
	t.Helper()
	ctx := context.Background()
	mustXA(t, f.r.Start(ctx, xid, xa.TMNoFlags))
	sendBody(t, f.p, "q", body)
	mustXA(t, f.r.End(ctx, xid, xa.TMSuccess))
}

func TestXATwoPhaseCommit(t *testing.T) {
	f := newXAFixture(t)
	ctx := context.Background()
	xid := xa.Random()

	mustXA(t, f.r.Start(ctx, xid, xa.TMNoFlags))
	if got := f.r.Phase(xid); got != client.XAActive {
		t.Fatalf("Phase after start = %v", got)
	}
	sendBody(t, f.p, "q", "2pc")
	if st, _ := f.r.Branch(xid); !st.HasWork {
		t.Error("branch has no work after send")
	}
	mustXA(t, f.r.End(ctx, xid, xa.TMSuccess))
	if got := f.r.Phase(xid); got != client.XANotAssociated {
		t.Fatalf("Phase after end = %v", got)
	}

	vote, err := f.r.Prepare(ctx, xid)
	mustXA(t, err)
	if vote != xa.VoteOK {
		t.Fatalf("vote = %v", vote)
	}
	if got := f.r.Phase(xid); got != client.XAPrepared {
		t.Fatalf("Phase after prepare = %v", got)
	}
	if m := receiveNow(t, f.observer); m != nil {
		t.Fatalf("prepared work visible: %+v", m)
	}

	mustXA(t, f.r.Commit(ctx, xid, false))
	if _, ok := f.r.Branch(xid); ok {
		t.Error("branch still tracked after commit")
	}
	if m := receiveNow(t, f.observer); m == nil || string(m.Body) != "2pc" {
		t.Fatalf("Receive after commit = %+v", m)
	}
}

func TestXAOnePhaseCommit(t *testing.T) {
	f := newXAFixture(t)
	xid := xa.Random()
	f.work(t, xid, "1pc")
	mustXA(t, f.r.Commit(context.Background(), xid, true))
	if m := receiveNow(t, f.observer); m == nil || string(m.Body) != "1pc" {
		t.Fatalf("Receive after commit = %+v", m)
	}
}

func TestXARollbackDiscardsWork(t *testing.T) {
	f := newXAFixture(t)
	ctx := context.Background()
	xid := xa.Random()

	mustXA(t, f.r.Start(ctx, xid, xa.TMNoFlags))
	sendBody(t, f.p, "q", "gone")
	mustXA(t, f.r.Rollback(ctx, xid))
	if m := receiveNow(t, f.observer); m != nil {
		t.Fatalf("rolled back work visible: %+v", m)
	}
	// The association is gone, so a new branch can start.
	mustXA(t, f.r.Start(ctx, xa.Random(), xa.TMNoFlags))
}

func TestXAReadOnlyPrepare(t *testing.T) {
	f := newXAFixture(t)
	ctx := context.Background()
	xid := xa.Random()
	mustXA(t, f.r.Start(ctx, xid, xa.TMNoFlags))
	mustXA(t, f.r.End(ctx, xid, xa.TMSuccess))

	vote, err := f.r.Prepare(ctx, xid)
	mustXA(t, err)
	if vote != xa.VoteReadOnly {
		t.Fatalf("vote = %v, want read-only", vote)
	}
	if _, ok := f.r.Branch(xid); ok {
		t.Error("read-only branch still tracked")
	}
	wantCode(t, f.r.Commit(ctx, xid, false), xa.CodeNotA)
}

func TestXAStartErrors(t *testing.T) {
	f := newXAFixture(t)
	ctx := context.Background()
	xid := xa.Random()
	mustXA(t, f.r.Start(ctx, xid, xa.TMNoFlags))

	wantCode(t, f.r.Start(ctx, xa.Random(), xa.TMNoFlags), xa.CodeProtocol)
	mustXA(t, f.r.End(ctx, xid, xa.TMSuccess))
	wantCode(t, f.r.Start(ctx, xid, xa.TMNoFlags), xa.CodeDupID)
	wantCode(t, f.r.Start(ctx, xa.Random(), xa.TMResume), xa.CodeNotA)
	wantCode(t, f.r.Start(ctx, xa.Random(), xa.TMSuspend), xa.CodeInvalid)
	wantCode(t, f.r.Start(ctx, xa.Xid{FormatID: 1}, xa.TMNoFlags), xa.CodeInvalid)
	wantCode(t, f.r.End(ctx, xid, xa.TMSuccess), xa.CodeProtocol)
	wantCode(t, f.r.End(ctx, xid, xa.TMJoin), xa.CodeInvalid)
}

func TestXAJoinFromAnotherSession(t *testing.T) {
	f := newXAFixture(t)
	ctx := context.Background()
	xid := xa.Random()
	f.work(t, xid, "first")

	other := openSession(t, f.conn, true, false, false)
	r2 := other.XAResource()
	mustXA(t, r2.Start(ctx, xid, xa.TMJoin))
	sendBody(t, newProducer(t, other), "q", "second")
	mustXA(t, r2.End(ctx, xid, xa.TMSuccess))

	mustXA(t, f.r.Commit(ctx, xid, true))
	for _, want := range []string{"first", "second"} {
		if m := receiveNow(t, f.observer); m == nil || string(m.Body) != want {
			t.Fatalf("Receive = %+v, want %s", m, want)
		}
	}
	if !f.r.IsSameRM(r2) {
		t.Error("resources on one connection are not the same RM")
	}
}

func TestXASuspendResume(t *testing.T) {
	f := newXAFixture(t)
	ctx := context.Background()
	xid := xa.Random()

	mustXA(t, f.r.Start(ctx, xid, xa.TMNoFlags))
	mustXA(t, f.r.End(ctx, xid, xa.TMSuspend))
	if got := f.r.Phase(xid); got != client.XASuspended {
		t.Fatalf("Phase = %v, want suspended", got)
	}
	wantCode(t, f.r.End(ctx, xid, xa.TMSuspend), xa.CodeProtocol)
	_, err := f.r.Prepare(ctx, xid)
	wantCode(t, err, xa.CodeProtocol)

	mustXA(t, f.r.Start(ctx, xid, xa.TMResume))
	sendBody(t, f.p, "q", "resumed")
	mustXA(t, f.r.End(ctx, xid, xa.TMSuccess))
	mustXA(t, f.r.Commit(ctx, xid, true))
	if m := receiveNow(t, f.observer); m == nil {
		t.Fatal("resumed work not committed")
	}
}

func TestXAEndFailForcesRollback(t *testing.T) {
	f := newXAFixture(t)
	ctx := context.Background()
	xid := xa.Random()

	mustXA(t, f.r.Start(ctx, xid, xa.TMNoFlags))
	sendBody(t, f.p, "q", "doomed")
	mustXA(t, f.r.End(ctx, xid, xa.TMFail))
	if st, _ := f.r.Branch(xid); !st.RollbackOnly {
		t.Fatal("branch not rollback-only after TMFAIL")
	}

	_, err := f.r.Prepare(ctx, xid)
	wantCode(t, err, xa.CodeRollback)
	if _, ok := f.r.Branch(xid); ok {
		t.Error("rolled back branch still tracked")
	}
	if m := receiveNow(t, f.observer); m != nil {
		t.Fatalf("failed work visible: %+v", m)
	}
}

func TestXACommitWrongPhase(t *testing.T) {
	f := newXAFixture(t)
	ctx := context.Background()
	xid := xa.Random()

	mustXA(t, f.r.Start(ctx, xid, xa.TMNoFlags))
	wantCode(t, f.r.Commit(ctx, xid, true), xa.CodeProtocol)
	mustXA(t, f.r.End(ctx, xid, xa.TMSuccess))
	wantCode(t, f.r.Commit(ctx, xid, false), xa.CodeProtocol)
	wantCode(t, f.r.Forget(ctx, xid), xa.CodeProtocol)

	sendBody(t, f.p, "q", "outside")
	mustXA(t, f.r.Start(ctx, xid, xa.TMJoin))
	sendBody(t, f.p, "q", "inside")
	mustXA(t, f.r.End(ctx, xid, xa.TMSuccess))
	if _, err := f.r.Prepare(ctx, xid); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	wantCode(t, f.r.Commit(ctx, xid, true), xa.CodeProtocol)
	mustXA(t, f.r.Commit(ctx, xid, false))
}

func TestXAClosedSessionPolicy(t *testing.T) {
	f := newXAFixture(t)
	ctx := context.Background()
	prepared := xa.Random()
	f.work(t, prepared, "p")
	if _, err := f.r.Prepare(ctx, prepared); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	active := xa.Random()
	mustXA(t, f.r.Start(ctx, active, xa.TMNoFlags))

	f.s.Close()
	before := f.ch.count()

	tests := []struct {
		name string
		op   func() error
		want xa.Code
	}{
		{"commit one-phase", func() error { return f.r.Commit(ctx, prepared, true) }, xa.CodeRMFail},
		{"commit two-phase", func() error { return f.r.Commit(ctx, prepared, false) }, xa.CodeRetry},
		{"end", func() error { return f.r.End(ctx, active, xa.TMSuccess) }, xa.CodeRMFail},
		{"forget", func() error { return f.r.Forget(ctx, prepared) }, xa.CodeRMFail},
		{"prepare", func() error {
			_, err := f.r.Prepare(ctx, active)
			return err
		}, xa.CodeRMFail},
		{"recover", func() error {
			_, err := f.r.Recover(ctx, xa.TMStartRScan|xa.TMEndRScan)
			return err
		}, xa.CodeRMFail},
		{"rollback", func() error { return f.r.Rollback(ctx, prepared) }, xa.CodeRMFail},
		{"start", func() error { return f.r.Start(ctx, xa.Random(), xa.TMNoFlags) }, xa.CodeRMFail},
		{"start invalid xid", func() error { return f.r.Start(ctx, xa.Xid{}, xa.TMNoFlags) }, xa.CodeRMFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wantCode(t, tt.op(), tt.want)
		})
	}
	if after := f.ch.count(); after != before {
		t.Errorf("closed session sent %d requests", after-before)
	}
	if !xa.IsRetryable(f.r.Commit(ctx, prepared, false)) {
		t.Error("two-phase commit on closed session is not retryable")
	}
}

func TestXACommitAfterBrokerDropsSession(t *testing.T) {
	f := newXAFixture(t)
	ctx := context.Background()
	xid := xa.Random()
	f.work(t, xid, "kept")
	if _, err := f.r.Prepare(ctx, xid); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	// Drop the session behind the client's back.
	if _, err := f.ch.Channel.Send(ctx, &transport.Request{Op: transport.OpSessionClose, SessionID: f.s.ID()}); err != nil {
		t.Fatalf("session.close: %v", err)
	}

	err := f.r.Commit(ctx, xid, false)
	wantCode(t, err, xa.CodeRetry)
	if !f.s.IsClosed() {
		t.Fatal("session not closed after the broker dropped it")
	}
	wantCode(t, f.r.Commit(ctx, xid, false), xa.CodeRetry)
	wantCode(t, f.r.Rollback(ctx, xid), xa.CodeRMFail)

	tm := openSession(t, f.conn, true, false, false)
	mustXA(t, tm.XAResource().Commit(ctx, xid, false))
	if m := receiveNow(t, f.observer); m == nil || string(m.Body) != "kept" {
		t.Fatalf("Receive after retried commit = %+v", m)
	}
}

func TestXACloseCascadesToHandlesCreatedInsideBranch(t *testing.T) {
	f := newXAFixture(t)
	ctx := context.Background()
	xid := xa.Random()
	mustXA(t, f.r.Start(ctx, xid, xa.TMNoFlags))
	p := newProducer(t, f.s)
	c := newConsumer(t, f.s, "q")
	sendBody(t, p, "q", "inside")
	f.s.Close()

	if !p.IsClosed() || !c.IsClosed() || !f.p.IsClosed() {
		t.Fatalf("closed: producer=%v consumer=%v early producer=%v", p.IsClosed(), c.IsClosed(), f.p.IsClosed())
	}
	other := openSession(t, f.conn, true, false, false)
	wantCode(t, other.XAResource().Commit(ctx, xid, true), xa.CodeRollback)
}

func TestXASessionCloseMarksActiveBranchRollbackOnly(t *testing.T) {
	f := newXAFixture(t)
	ctx := context.Background()
	xid := xa.Random()
	mustXA(t, f.r.Start(ctx, xid, xa.TMNoFlags))
	sendBody(t, f.p, "q", "orphan")
	f.s.Close()

	other := openSession(t, f.conn, true, false, false)
	wantCode(t, other.XAResource().Commit(ctx, xid, true), xa.CodeRollback)
	if m := receiveNow(t, f.observer); m != nil {
		t.Fatalf("orphaned work visible: %+v", m)
	}
}

func TestXAOnLocalSession(t *testing.T) {
	b := newBroker(t)
	conn, ch := connect(t, b)
	s := openSession(t, conn, false, false, false)
	r := s.XAResource()
	before := ch.count()

	wantCode(t, r.Start(context.Background(), xa.Random(), xa.TMNoFlags), xa.CodeProtocol)
	_, err := r.Recover(context.Background(), xa.TMStartRScan)
	wantCode(t, err, xa.CodeProtocol)
	if ch.count() != before {
		t.Error("XA call on local session reached the broker")
	}
	s.Close()
	wantCode(t, r.Start(context.Background(), xa.Random(), xa.TMNoFlags), xa.CodeRMFail)
}

func TestXARecoverScan(t *testing.T) {
	f := newXAFixture(t)
	ctx := context.Background()
	xid := xa.Random()
	f.work(t, xid, "in doubt")
	if _, err := f.r.Prepare(ctx, xid); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	tm := openSession(t, f.conn, true, false, false).XAResource()
	_, err := tm.Recover(ctx, xa.TMNoFlags)
	wantCode(t, err, xa.CodeProtocol)

	xids, err := tm.Recover(ctx, xa.TMStartRScan)
	mustXA(t, err)
	if len(xids) != 1 || !xids[0].Equal(xid) {
		t.Fatalf("Recover = %v, want [%s]", xids, xid)
	}
	more, err := tm.Recover(ctx, xa.TMNoFlags)
	mustXA(t, err)
	if len(more) != 0 {
		t.Fatalf("continued scan = %v, want empty", more)
	}
	if _, err := tm.Recover(ctx, xa.TMEndRScan); err != nil {
		t.Fatalf("end scan: %v", err)
	}
	_, err = tm.Recover(ctx, xa.TMEndRScan)
	wantCode(t, err, xa.CodeProtocol)
	_, err = tm.Recover(ctx, xa.TMJoin)
	wantCode(t, err, xa.CodeInvalid)

	// Recovery completes a branch the recovering session never saw.
	mustXA(t, tm.Commit(ctx, xid, false))
	if m := receiveNow(t, f.observer); m == nil {
		t.Fatal("recovered commit not visible")
	}
}

func TestXAHeuristicOutcome(t *testing.T) {
	f := newXAFixture(t)
	ctx := context.Background()
	xid := xa.Random()
	f.work(t, xid, "h")
	if _, err := f.r.Prepare(ctx, xid); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := f.b.ResolveHeuristically(ctx, xid, true); err != nil {
		t.Fatalf("ResolveHeuristically: %v", err)
	}

	err := f.r.Commit(ctx, xid, false)
	wantCode(t, err, xa.CodeHeurCommit)
	if !xa.IsHeuristic(err) {
		t.Error("IsHeuristic = false")
	}
	if got := f.r.Phase(xid); got != client.XAHeuristic {
		t.Fatalf("Phase = %v, want heuristic", got)
	}
	mustXA(t, f.r.Forget(ctx, xid))
	if _, ok := f.r.Branch(xid); ok {
		t.Error("forgotten branch still tracked")
	}
	wantCode(t, f.r.Forget(ctx, xid), xa.CodeNotA)
}

func TestXAHeuristicFromConnection(t *testing.T) {
	f := newXAFixture(t)
	ctx := context.Background()

	wantCode(t, f.conn.ResolveHeuristically(ctx, xa.Random(), false), xa.CodeNotA)

	xid := xa.Random()
	f.work(t, xid, "h")
	wantCode(t, f.conn.ResolveHeuristically(ctx, xid, false), xa.CodeProtocol)
	if _, err := f.r.Prepare(ctx, xid); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	mustXA(t, f.conn.ResolveHeuristically(ctx, xid, false))

	wantCode(t, f.r.Rollback(ctx, xid), xa.CodeHeurRollback)
	if got := f.r.Phase(xid); got != client.XAHeuristic {
		t.Fatalf("Phase = %v, want heuristic", got)
	}
	if m := receiveNow(t, f.observer); m != nil {
		t.Fatalf("heuristically rolled back message delivered: %q", m.Body)
	}
	mustXA(t, f.r.Forget(ctx, xid))
}

func TestXATransactionTimeout(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	f := newXAFixture(t, broker.WithClock(clock.Now), broker.WithTxTimeout(time.Hour))
	ctx := context.Background()

	if f.r.SetTransactionTimeout(-time.Second) {
		t.Fatal("negative timeout accepted")
	}
	if !f.r.SetTransactionTimeout(time.Minute) {
		t.Fatal("SetTransactionTimeout rejected")
	}
	if got := f.r.TransactionTimeout(); got != time.Minute {
		t.Fatalf("TransactionTimeout = %v", got)
	}

	xid := xa.Random()
	mustXA(t, f.r.Start(ctx, xid, xa.TMNoFlags))
	clock.Advance(2 * time.Minute)
	wantCode(t, f.r.End(ctx, xid, xa.TMSuccess), xa.CodeRollbackTimeout)
	if _, ok := f.r.Branch(xid); ok {
		t.Error("timed out branch still tracked")
	}
	mustXA(t, f.r.Start(ctx, xa.Random(), xa.TMNoFlags))
}

func TestXAChannelFailure(t *testing.T) {
	f := newXAFixture(t)
	ctx := context.Background()
	xid := xa.Random()
	f.work(t, xid, "lost")
	if _, err := f.r.Prepare(ctx, xid); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	f.ch.Fail(errors.New("connection reset"))
	err := f.r.Commit(ctx, xid, false)
	wantCode(t, err, xa.CodeRetry)
	wantCode(t, f.r.Rollback(ctx, xid), xa.CodeRMFail)
	if !f.s.IsClosed() {
		t.Error("session not closed after channel failure")
	}
}
