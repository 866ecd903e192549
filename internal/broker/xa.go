package broker

import (
	"context"

	"github.com/gezibash/arc-session/internal/txlog"
	"github.com/gezibash/arc-session/pkg/transport"
	"github.com/gezibash/arc-session/pkg/xa"
)

type txState int

const (
	txActive txState = iota
	txIdle
	txSuspended
	txPrepared
	txHeuristicCommit
	txHeuristicRollback
	// txTimedOut is a rolled-back branch kept until its owner is told.
	txTimedOut
)

func (s txState) heuristic() bool {
	return s == txHeuristicCommit || s == txHeuristicRollback
}

func (s txState) String() string {
	switch s {
	case txActive:
		return "active"
	case txIdle:
		return "idle"
	case txSuspended:
		return "suspended"
	case txPrepared:
		return "prepared"
	case txHeuristicCommit:
		return "heuristic-commit"
	case txHeuristicRollback:
		return "heuristic-rollback"
	case txTimedOut:
		return "timed-out"
	}
	return "unknown"
}

type xaTx struct {
	xid          xa.Xid
	state        txState
	session      string
	rollbackOnly bool
	work         work
	deadline     int64 // unix millis, 0 means none
	preparedAt   int64
}

func recoveredTx(r *txlog.Record) *xaTx {
	tx := &xaTx{
		xid:        r.Xid,
		state:      txPrepared,
		work:       work{sends: r.Sends, acks: r.Acks},
		preparedAt: r.PreparedAt,
	}
	switch r.State {
	case txlog.StateHeuristicCommit:
		tx.state = txHeuristicCommit
	case txlog.StateHeuristicRollback:
		tx.state = txHeuristicRollback
	}
	return tx
}

func (b *Broker) handleXALocked(ctx context.Context, s *session, req *transport.Request) (*transport.Response, error) {
	if !s.params.XA {
		return nil, transport.XAErrorf(xa.CodeProtocol, "session %s is not an XA session", s.id)
	}
	b.sweepExpiredLocked()

	if req.Op == transport.OpXARecover {
		return &transport.Response{Xids: b.inDoubtLocked()}, nil
	}
	if req.Xid == nil {
		return nil, transport.XAErrorf(xa.CodeInvalid, "missing xid")
	}
	xid := *req.Xid
	if err := xid.Validate(); err != nil {
		return nil, transport.XAErrorf(xa.CodeInvalid, "%v", err)
	}

	switch req.Op {
	case transport.OpXAStart:
		return done(b.xaStartLocked(s, xid, req.Flags, req.Timeout.Milliseconds()))
	case transport.OpXAEnd:
		return done(b.xaEndLocked(s, xid, req.Flags))
	case transport.OpXAPrepare:
		vote, err := b.xaPrepareLocked(ctx, xid)
		if err != nil {
			return nil, err
		}
		return &transport.Response{Vote: vote}, nil
	case transport.OpXACommit:
		return done(b.xaCommitLocked(ctx, xid, req.OnePhase))
	case transport.OpXARollback:
		return done(b.xaRollbackLocked(ctx, xid))
	case transport.OpXAForget:
		return done(b.xaForgetLocked(ctx, xid))
	}
	return nil, transport.XAErrorf(xa.CodeInvalid, "unknown operation %q", req.Op)
}

func (b *Broker) xaStartLocked(s *session, xid xa.Xid, flags xa.Flags, timeoutMillis int64) error {
	if s.xa != nil {
		return transport.XAErrorf(xa.CodeProtocol, "session already associated with %s", s.xa.xid)
	}
	key := xid.Key()
	tx := b.xa[key]

	switch flags {
	case xa.TMNoFlags:
		if tx != nil {
			return transport.XAErrorf(xa.CodeDupID, "branch %s already exists", xid)
		}
		if timeoutMillis <= 0 {
			timeoutMillis = b.txTimeout.Milliseconds()
		}
		tx = &xaTx{xid: xid, deadline: b.now().UnixMilli() + timeoutMillis}
		b.xa[key] = tx
	case xa.TMJoin:
		if tx == nil {
			return transport.XAErrorf(xa.CodeNotA, "branch %s not found", xid)
		}
		if err := b.checkTimedOutLocked(tx); err != nil {
			return err
		}
		if tx.state != txIdle {
			return transport.XAErrorf(xa.CodeProtocol, "cannot join %s branch %s", tx.state, xid)
		}
	case xa.TMResume:
		if tx == nil {
			return transport.XAErrorf(xa.CodeNotA, "branch %s not found", xid)
		}
		if err := b.checkTimedOutLocked(tx); err != nil {
			return err
		}
		if tx.state != txSuspended || tx.session != s.id {
			return transport.XAErrorf(xa.CodeProtocol, "branch %s is %s, not suspended on this session", xid, tx.state)
		}
	default:
		return transport.XAErrorf(xa.CodeInvalid, "unsupported start flags %s", flags)
	}

	tx.state = txActive
	tx.session = s.id
	s.xa = tx
	return nil
}

func (b *Broker) xaEndLocked(s *session, xid xa.Xid, flags xa.Flags) error {
	if flags != xa.TMSuccess && flags != xa.TMFail && flags != xa.TMSuspend {
		return transport.XAErrorf(xa.CodeInvalid, "unsupported end flags %s", flags)
	}
	tx := b.xa[xid.Key()]
	if tx == nil {
		return transport.XAErrorf(xa.CodeNotA, "branch %s not found", xid)
	}
	if err := b.checkTimedOutLocked(tx); err != nil {
		return err
	}
	switch {
	case tx.state == txActive && tx.session == s.id:
	case tx.state == txSuspended && tx.session == s.id && flags != xa.TMSuspend:
	default:
		return transport.XAErrorf(xa.CodeProtocol, "branch %s is %s, not associated with this session", xid, tx.state)
	}

	if s.xa == tx {
		s.xa = nil
	}
	switch flags {
	case xa.TMSuspend:
		tx.state = txSuspended
	case xa.TMFail:
		tx.rollbackOnly = true
		fallthrough
	default:
		tx.state = txIdle
		tx.session = ""
	}
	return nil
}

func (b *Broker) xaPrepareLocked(ctx context.Context, xid xa.Xid) (xa.Vote, error) {
	tx := b.xa[xid.Key()]
	if tx == nil {
		return 0, transport.XAErrorf(xa.CodeNotA, "branch %s not found", xid)
	}
	if err := b.checkTimedOutLocked(tx); err != nil {
		return 0, err
	}
	if tx.state != txIdle {
		return 0, transport.XAErrorf(xa.CodeProtocol, "cannot prepare %s branch %s", tx.state, xid)
	}
	if tx.rollbackOnly {
		b.rollbackTxLocked(ctx, tx, "rollback")
		return 0, transport.XAErrorf(xa.CodeRollback, "branch %s marked rollback-only", xid)
	}
	if tx.work.empty() {
		delete(b.xa, xid.Key())
		b.metrics.XAOutcome("read-only")
		return xa.VoteReadOnly, nil
	}

	preparedAt := b.now().UnixMilli()
	rec := &txlog.Record{
		Xid:        xid,
		State:      txlog.StatePrepared,
		Sends:      tx.work.sends,
		Acks:       tx.work.acks,
		PreparedAt: preparedAt,
	}
	if err := b.txlog.Put(ctx, rec); err != nil {
		b.rollbackTxLocked(ctx, tx, "rollback")
		return 0, transport.XAErrorf(xa.CodeRMError, "persist prepared branch %s: %v", xid, err)
	}
	tx.state = txPrepared
	tx.preparedAt = preparedAt
	return xa.VoteOK, nil
}

func (b *Broker) xaCommitLocked(ctx context.Context, xid xa.Xid, onePhase bool) error {
	tx := b.xa[xid.Key()]
	if tx == nil {
		return transport.XAErrorf(xa.CodeNotA, "branch %s not found", xid)
	}
	if tx.state.heuristic() {
		return heuristicError(tx)
	}
	if err := b.checkTimedOutLocked(tx); err != nil {
		return err
	}

	if onePhase {
		if tx.state != txIdle {
			return transport.XAErrorf(xa.CodeProtocol, "one-phase commit of %s branch %s", tx.state, xid)
		}
		if tx.rollbackOnly {
			b.rollbackTxLocked(ctx, tx, "rollback")
			return transport.XAErrorf(xa.CodeRollback, "branch %s marked rollback-only", xid)
		}
	} else if tx.state != txPrepared {
		return transport.XAErrorf(xa.CodeProtocol, "two-phase commit of %s branch %s", tx.state, xid)
	}

	wasPrepared := tx.state == txPrepared
	b.applyWorkLocked(&tx.work)
	delete(b.xa, xid.Key())
	if wasPrepared {
		b.forgetRecordLocked(ctx, xid)
	}
	b.metrics.XAOutcome("commit")
	return nil
}

func (b *Broker) xaRollbackLocked(ctx context.Context, xid xa.Xid) error {
	tx := b.xa[xid.Key()]
	if tx == nil {
		return transport.XAErrorf(xa.CodeNotA, "branch %s not found", xid)
	}
	if tx.state.heuristic() {
		return heuristicError(tx)
	}
	if err := b.checkTimedOutLocked(tx); err != nil {
		return err
	}
	b.rollbackTxLocked(ctx, tx, "rollback")
	return nil
}

func (b *Broker) xaForgetLocked(ctx context.Context, xid xa.Xid) error {
	tx := b.xa[xid.Key()]
	if tx == nil {
		return transport.XAErrorf(xa.CodeNotA, "branch %s not found", xid)
	}
	if !tx.state.heuristic() {
		return transport.XAErrorf(xa.CodeProtocol, "branch %s is %s, not heuristically completed", xid, tx.state)
	}
	delete(b.xa, xid.Key())
	b.forgetRecordLocked(ctx, xid)
	b.metrics.XAOutcome("forget")
	return nil
}

func (b *Broker) resolveLocked(ctx context.Context, xid xa.Xid, commit bool) error {
	tx := b.xa[xid.Key()]
	if tx == nil {
		return transport.XAErrorf(xa.CodeNotA, "branch %s not found", xid)
	}
	if tx.state != txPrepared {
		return transport.XAErrorf(xa.CodeProtocol, "branch %s is %s, not prepared", xid, tx.state)
	}

	state, outcome := txlog.StateHeuristicRollback, "heuristic-rollback"
	if commit {
		state, outcome = txlog.StateHeuristicCommit, "heuristic-commit"
		b.applyWorkLocked(&tx.work)
		tx.state = txHeuristicCommit
	} else {
		b.rollbackWorkLocked(&tx.work)
		tx.state = txHeuristicRollback
	}
	tx.work = work{}

	rec := &txlog.Record{Xid: xid, State: state, PreparedAt: tx.preparedAt}
	if err := b.txlog.Put(ctx, rec); err != nil {
		b.logger.Warn("persist heuristic outcome failed", "xid", xid.String(), "error", err)
	}
	b.metrics.XAOutcome(outcome)
	b.logger.Info("branch completed heuristically", "xid", xid.String(), "commit", commit)
	return nil
}

func heuristicError(tx *xaTx) error {
	if tx.state == txHeuristicCommit {
		return transport.XAErrorf(xa.CodeHeurCommit, "branch %s was heuristically committed", tx.xid)
	}
	return transport.XAErrorf(xa.CodeHeurRollback, "branch %s was heuristically rolled back", tx.xid)
}

// rollbackTxLocked discards the branch and detaches it from its session.
func (b *Broker) rollbackTxLocked(ctx context.Context, tx *xaTx, outcome string) {
	wasPrepared := tx.state == txPrepared
	b.detachLocked(tx)
	b.rollbackWorkLocked(&tx.work)
	delete(b.xa, tx.xid.Key())
	if wasPrepared {
		b.forgetRecordLocked(ctx, tx.xid)
	}
	b.metrics.XAOutcome(outcome)
}

func (b *Broker) detachLocked(tx *xaTx) {
	if s, ok := b.sessions[tx.session]; ok && s.xa == tx {
		s.xa = nil
	}
	tx.session = ""
}

func (b *Broker) forgetRecordLocked(ctx context.Context, xid xa.Xid) {
	if err := b.txlog.Delete(ctx, xid); err != nil {
		b.logger.Warn("delete txlog record failed", "xid", xid.String(), "error", err)
	}
}

func (b *Broker) expiredLocked(tx *xaTx) bool {
	switch tx.state {
	case txActive, txIdle, txSuspended:
		return tx.deadline > 0 && b.now().UnixMilli() >= tx.deadline
	}
	return false
}

// sweepExpiredLocked rolls back every branch past its deadline. The branch
// stays behind as txTimedOut so its owner still learns the outcome.
func (b *Broker) sweepExpiredLocked() {
	for _, tx := range b.xa {
		if b.expiredLocked(tx) {
			b.timeoutLocked(tx)
		}
	}
}

func (b *Broker) timeoutLocked(tx *xaTx) {
	b.rollbackWorkLocked(&tx.work)
	tx.work = work{}
	tx.state = txTimedOut
	b.metrics.XAOutcome("timeout")
	b.logger.Info("branch timed out", "xid", tx.xid.String())
}

// checkTimedOutLocked reports XA_RBTIMEOUT once for a timed-out branch and
// then forgets it.
func (b *Broker) checkTimedOutLocked(tx *xaTx) error {
	if b.expiredLocked(tx) {
		b.timeoutLocked(tx)
	}
	if tx.state != txTimedOut {
		return nil
	}
	b.detachLocked(tx)
	delete(b.xa, tx.xid.Key())
	return transport.XAErrorf(xa.CodeRollbackTimeout, "branch %s timed out", tx.xid)
}

// checkAssociationLocked refuses work on an associated branch that has
// timed out; the work would otherwise vanish with the branch.
func (b *Broker) checkAssociationLocked(s *session) error {
	tx := s.xa
	if tx == nil {
		return nil
	}
	if b.expiredLocked(tx) {
		b.timeoutLocked(tx)
	}
	if tx.state == txTimedOut {
		return transport.XAErrorf(xa.CodeRollbackTimeout, "branch %s timed out", tx.xid)
	}
	return nil
}
