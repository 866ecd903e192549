package client

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gezibash/arc-session/internal/observability"
	"github.com/gezibash/arc-session/pkg/transport"
	"github.com/gezibash/arc-session/pkg/xa"
)

// XAPhase is the session's view of one transaction branch.
type XAPhase int

const (
	// XANotAssociated: the branch is unknown here or ended and awaiting prepare.
	XANotAssociated XAPhase = iota
	// XAActive means the session's work is enlisted in the branch.
	XAActive
	// XASuspended means the branch was ended with TMSUSPEND and may be resumed.
	XASuspended
	// XAPrepared means the branch voted OK and awaits commit or rollback.
	XAPrepared
	// XAHeuristic means the broker completed the branch without the
	// transaction manager; only Forget clears it.
	XAHeuristic
)

func (p XAPhase) String() string {
	switch p {
	case XAActive:
		return "active"
	case XASuspended:
		return "suspended"
	case XAPrepared:
		return "prepared"
	case XAHeuristic:
		return "heuristic"
	default:
		return "not_associated"
	}
}

type xaBranch struct {
	xid          xa.Xid
	phase        XAPhase
	rollbackOnly bool
	hasWork      bool
}

// XAResource is the resource manager interface of a session. Only
// distributed sessions accept XA operations; others fail with XAER_PROTO.
// Every method fails with XAER_RMFAIL once the session is closed, except a
// two-phase Commit, which fails with XA_RETRY.
//
// Branch state lives under the session mutex.
type XAResource struct {
	s *Session

	branches map[string]*xaBranch
	// active is the branch currently associated with the session.
	active   *xaBranch
	scanning bool
	timeout  time.Duration
}

func newXAResource(s *Session) *XAResource {
	return &XAResource{s: s, branches: make(map[string]*xaBranch)}
}

func (r *XAResource) enlistLocked() {
	if r.active != nil {
		r.active.hasWork = true
	}
}

// Phase reports the session's view of xid. Branches the session has never
// seen report XANotAssociated.
func (r *XAResource) Phase(xid xa.Xid) XAPhase {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if b, ok := r.branches[xid.Key()]; ok {
		return b.phase
	}
	return XANotAssociated
}

// BranchState is a snapshot of one branch as the session sees it.
type BranchState struct {
	Phase        XAPhase
	RollbackOnly bool
	// HasWork reports whether sends or acknowledgements were made while
	// the branch was associated with this session.
	HasWork bool
}

// Branch returns the session's view of xid and whether it is tracked at all.
func (r *XAResource) Branch(xid xa.Xid) (BranchState, bool) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.branches[xid.Key()]
	if !ok {
		return BranchState{}, false
	}
	return BranchState{Phase: b.phase, RollbackOnly: b.rollbackOnly, HasWork: b.hasWork}, true
}

// SetTransactionTimeout sets the timeout applied to branches started after
// the call. Zero restores the broker default. It reports false for a
// negative duration.
func (r *XAResource) SetTransactionTimeout(d time.Duration) bool {
	if d < 0 {
		return false
	}
	r.s.mu.Lock()
	r.timeout = d
	r.s.mu.Unlock()
	return true
}

// TransactionTimeout returns the timeout set by SetTransactionTimeout.
func (r *XAResource) TransactionTimeout() time.Duration {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.timeout
}

// IsSameRM reports whether other talks to the same broker connection.
func (r *XAResource) IsSameRM(other *XAResource) bool {
	if r == nil || other == nil {
		return false
	}
	return r.s.conn == other.s.conn
}

func (r *XAResource) precheck(op string, xid *xa.Xid) error {
	if r.s.closed.Load() {
		return closedXAError(op, false, nil)
	}
	if !r.s.params.XA {
		return xaErr(xa.CodeProtocol, op, "session "+r.s.id+" is not an XA session")
	}
	if xid != nil {
		if err := xid.Validate(); err != nil {
			return &xa.Error{Code: xa.CodeInvalid, Op: op, Cause: err}
		}
	}
	return nil
}

func (r *XAResource) call(ctx context.Context, op string, twoPhaseCommit bool, req *transport.Request) (resp *transport.Response, err error) {
	attrs := []attribute.KeyValue{observability.SessionAttr(r.s.id)}
	if req.Xid != nil {
		attrs = append(attrs, observability.XidAttr(req.Xid.Key()))
	}
	o, ctx := observability.StartOperation(ctx, r.s.metrics, "client.xa."+op, attrs...)
	defer func() { o.End(err) }()

	resp, err = r.s.send(ctx, req)
	if err != nil {
		return nil, r.s.mapXAErr(ctx, op, twoPhaseCommit, err)
	}
	return resp, nil
}

func xaErr(code xa.Code, op, msg string) error {
	return xa.NewError(code, op, msg)
}

// Start associates the session with xid. flags is TMNOFLAGS for a new
// branch, TMJOIN to join an ended branch or TMRESUME to resume a branch
// this session suspended.
func (r *XAResource) Start(ctx context.Context, xid xa.Xid, flags xa.Flags) error {
	const op = "start"
	if err := r.precheck(op, &xid); err != nil {
		return err
	}
	if flags != xa.TMNoFlags && flags != xa.TMJoin && flags != xa.TMResume {
		return xaErr(xa.CodeInvalid, op, "unsupported flags "+flags.String())
	}

	r.s.mu.Lock()
	if r.active != nil {
		r.s.mu.Unlock()
		return xaErr(xa.CodeProtocol, op, "session already associated with "+r.active.xid.String())
	}
	b := r.branches[xid.Key()]
	switch {
	case flags == xa.TMNoFlags && b != nil:
		r.s.mu.Unlock()
		return xaErr(xa.CodeDupID, op, "branch "+xid.String()+" already exists")
	case flags == xa.TMResume && b == nil:
		r.s.mu.Unlock()
		return xaErr(xa.CodeNotA, op, "branch "+xid.String()+" not found")
	case flags == xa.TMResume && b.phase != XASuspended:
		r.s.mu.Unlock()
		return xaErr(xa.CodeProtocol, op, "branch "+xid.String()+" is "+b.phase.String())
	case flags == xa.TMJoin && b != nil && b.phase != XANotAssociated:
		r.s.mu.Unlock()
		return xaErr(xa.CodeProtocol, op, "branch "+xid.String()+" is "+b.phase.String())
	}
	timeout := r.timeout
	r.s.mu.Unlock()

	_, err := r.call(ctx, op, false, &transport.Request{
		Op:      transport.OpXAStart,
		Xid:     &xid,
		Flags:   flags,
		Timeout: timeout,
	})
	if err != nil {
		r.forgetOnRollback(xid, err)
		return err
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b = r.branches[xid.Key()]
	if b == nil {
		b = &xaBranch{xid: xid}
		r.branches[xid.Key()] = b
	}
	b.phase = XAActive
	r.active = b
	return nil
}

// End dissociates the session from xid. TMSUSPEND keeps the branch resumable
// on this session, TMFAIL marks it rollback-only and TMSUCCESS completes the
// association.
func (r *XAResource) End(ctx context.Context, xid xa.Xid, flags xa.Flags) error {
	const op = "end"
	if err := r.precheck(op, &xid); err != nil {
		return err
	}
	if flags != xa.TMSuccess && flags != xa.TMFail && flags != xa.TMSuspend {
		return xaErr(xa.CodeInvalid, op, "unsupported flags "+flags.String())
	}

	r.s.mu.Lock()
	b := r.branches[xid.Key()]
	switch {
	case b == nil:
		r.s.mu.Unlock()
		return xaErr(xa.CodeNotA, op, "branch "+xid.String()+" not found")
	case b.phase == XASuspended && flags == xa.TMSuspend,
		b.phase != XAActive && b.phase != XASuspended:
		r.s.mu.Unlock()
		return xaErr(xa.CodeProtocol, op, "branch "+xid.String()+" is "+b.phase.String())
	}
	r.s.mu.Unlock()

	_, err := r.call(ctx, op, false, &transport.Request{Op: transport.OpXAEnd, Xid: &xid, Flags: flags})
	if err != nil {
		r.forgetOnRollback(xid, err)
		return err
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.active == b {
		r.active = nil
	}
	switch flags {
	case xa.TMSuspend:
		b.phase = XASuspended
	case xa.TMFail:
		b.rollbackOnly = true
		b.phase = XANotAssociated
	default:
		b.phase = XANotAssociated
	}
	return nil
}

// Prepare asks the broker to vote on xid. A branch that did no work votes
// read-only and is already complete.
func (r *XAResource) Prepare(ctx context.Context, xid xa.Xid) (xa.Vote, error) {
	const op = "prepare"
	if err := r.precheck(op, &xid); err != nil {
		return 0, err
	}
	if err := r.requireEnded(op, xid); err != nil {
		return 0, err
	}

	resp, err := r.call(ctx, op, false, &transport.Request{Op: transport.OpXAPrepare, Xid: &xid})
	if err != nil {
		r.settle(xid, err)
		return 0, err
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if resp.Vote == xa.VoteReadOnly {
		delete(r.branches, xid.Key())
		return resp.Vote, nil
	}
	b := r.branches[xid.Key()]
	if b == nil {
		b = &xaBranch{xid: xid}
		r.branches[xid.Key()] = b
	}
	b.phase = XAPrepared
	return resp.Vote, nil
}

// Commit completes xid. With onePhase the branch must be ended but not
// prepared; otherwise it must be prepared. On a closed session a one-phase
// commit fails with XAER_RMFAIL and a two-phase commit with XA_RETRY.
func (r *XAResource) Commit(ctx context.Context, xid xa.Xid, onePhase bool) error {
	const op = "commit"
	if r.s.closed.Load() {
		return closedXAError(op, !onePhase, nil)
	}
	if err := r.precheck(op, &xid); err != nil {
		return err
	}

	r.s.mu.Lock()
	if b := r.branches[xid.Key()]; b != nil {
		bad := b.phase == XAActive || b.phase == XASuspended ||
			(onePhase && b.phase == XAPrepared) ||
			(!onePhase && b.phase == XANotAssociated)
		if bad {
			r.s.mu.Unlock()
			return xaErr(xa.CodeProtocol, op, "branch "+xid.String()+" is "+b.phase.String())
		}
	}
	r.s.mu.Unlock()

	_, err := r.call(ctx, op, !onePhase, &transport.Request{Op: transport.OpXACommit, Xid: &xid, OnePhase: onePhase})
	if err != nil {
		r.settle(xid, err)
		return err
	}
	r.drop(xid)
	return nil
}

// Rollback discards the work of xid. An associated branch is dissociated.
func (r *XAResource) Rollback(ctx context.Context, xid xa.Xid) error {
	const op = "rollback"
	if err := r.precheck(op, &xid); err != nil {
		return err
	}
	_, err := r.call(ctx, op, false, &transport.Request{Op: transport.OpXARollback, Xid: &xid})
	if err != nil {
		r.settle(xid, err)
		return err
	}
	r.drop(xid)
	return nil
}

// Forget discards a heuristically completed branch.
func (r *XAResource) Forget(ctx context.Context, xid xa.Xid) error {
	const op = "forget"
	if err := r.precheck(op, &xid); err != nil {
		return err
	}
	r.s.mu.Lock()
	if b := r.branches[xid.Key()]; b != nil && b.phase != XAHeuristic {
		r.s.mu.Unlock()
		return xaErr(xa.CodeProtocol, op, "branch "+xid.String()+" is "+b.phase.String())
	}
	r.s.mu.Unlock()

	if _, err := r.call(ctx, op, false, &transport.Request{Op: transport.OpXAForget, Xid: &xid}); err != nil {
		return err
	}
	r.drop(xid)
	return nil
}

// Recover lists the prepared and heuristically completed branches known to
// the broker. TMSTARTRSCAN opens a scan and returns every branch,
// TMENDRSCAN closes it, and TMNOFLAGS continues an open scan, which has
// nothing left to return.
func (r *XAResource) Recover(ctx context.Context, flags xa.Flags) ([]xa.Xid, error) {
	const op = "recover"
	if err := r.precheck(op, nil); err != nil {
		return nil, err
	}
	if flags&^(xa.TMStartRScan|xa.TMEndRScan) != 0 {
		return nil, xaErr(xa.CodeInvalid, op, "unsupported flags "+flags.String())
	}

	if !flags.Has(xa.TMStartRScan) {
		r.s.mu.Lock()
		defer r.s.mu.Unlock()
		if !r.scanning {
			return nil, xaErr(xa.CodeProtocol, op, "no recovery scan in progress")
		}
		if flags.Has(xa.TMEndRScan) {
			r.scanning = false
		}
		return nil, nil
	}

	resp, err := r.call(ctx, op, false, &transport.Request{Op: transport.OpXARecover, Flags: flags})
	if err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	r.scanning = !flags.Has(xa.TMEndRScan)
	r.s.mu.Unlock()
	return resp.Xids, nil
}

// requireEnded refuses to prepare a branch the session still holds or has
// already prepared.
func (r *XAResource) requireEnded(op string, xid xa.Xid) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b := r.branches[xid.Key()]
	if b == nil || b.phase == XANotAssociated {
		return nil
	}
	return xaErr(xa.CodeProtocol, op, "branch "+xid.String()+" is "+b.phase.String())
}

// settle updates the branch table after a failed completion.
func (r *XAResource) settle(xid xa.Xid, err error) {
	code, ok := xa.CodeOf(err)
	if !ok {
		return
	}
	switch {
	case code.IsRollback(), code == xa.CodeNotA:
		r.drop(xid)
	case code.IsHeuristic():
		r.s.mu.Lock()
		b := r.branches[xid.Key()]
		if b == nil {
			b = &xaBranch{xid: xid}
			r.branches[xid.Key()] = b
		}
		b.phase = XAHeuristic
		if r.active == b {
			r.active = nil
		}
		r.s.mu.Unlock()
	}
}

// forgetOnRollback drops a branch the broker already rolled back, such as
// one that timed out.
func (r *XAResource) forgetOnRollback(xid xa.Xid, err error) {
	if code, ok := xa.CodeOf(err); ok && code.IsRollback() {
		r.drop(xid)
	}
}

func (r *XAResource) drop(xid xa.Xid) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b := r.branches[xid.Key()]
	if b == nil {
		return
	}
	if r.active == b {
		r.active = nil
	}
	delete(r.branches, xid.Key())
}
