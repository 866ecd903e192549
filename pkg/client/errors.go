package client

import (
	"context"
	"errors"
	"fmt"

	arcerrors "github.com/gezibash/arc-session/pkg/errors"
	"github.com/gezibash/arc-session/pkg/transport"
	"github.com/gezibash/arc-session/pkg/xa"
)

var (
	// ErrSessionClosed is returned by every non-XA operation on a closed session.
	ErrSessionClosed = fmt.Errorf("session: %w", arcerrors.ErrClosed)
	// ErrProducerClosed is returned by Send on a closed producer.
	ErrProducerClosed = fmt.Errorf("producer: %w", arcerrors.ErrClosed)
	// ErrConsumerClosed is returned by Receive and Acknowledge on a closed consumer.
	ErrConsumerClosed = fmt.Errorf("consumer: %w", arcerrors.ErrClosed)
	// ErrConnectionClosed is returned when creating a session on a closed connection.
	ErrConnectionClosed = fmt.Errorf("connection: %w", arcerrors.ErrClosed)
	// ErrXASession is returned by local Commit and Rollback on an XA session.
	ErrXASession = errors.New("session: local transaction control on an XA session")

	errMissingAddress = fmt.Errorf("message address: %w", arcerrors.ErrInvalidInput)
	errMissingMessage = fmt.Errorf("message: %w", arcerrors.ErrInvalidInput)
)

// isCallerContextErr reports whether err is ctx's own cancellation.
func isCallerContextErr(ctx context.Context, err error) bool {
	ctxErr := ctx.Err()
	return ctxErr != nil && errors.Is(err, ctxErr)
}

// sessionLost reports whether err means the broker no longer has the
// session, either because the channel failed or the broker dropped it.
func sessionLost(err error) bool {
	if transport.IsChannelError(err) {
		return true
	}
	var be *transport.BrokerError
	return errors.As(err, &be) && be.Kind == transport.KindClosed
}

// mapErr translates a failed non-XA call. The caller's own context errors
// pass through unchanged. A lost session reports ErrSessionClosed alone; the
// cause is logged when the session is abandoned.
func (s *Session) mapErr(ctx context.Context, err error) error {
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}
	if isCallerContextErr(ctx, err) {
		return err
	}
	if sessionLost(err) {
		s.abandon(err)
		return ErrSessionClosed
	}
	return err
}

// closedXAError is the verdict for an XA operation on a session that is
// closed or whose channel is gone. A two-phase commit may succeed through
// another resource, so the transaction manager is told to retry.
func closedXAError(op string, twoPhaseCommit bool, cause error) error {
	code := xa.CodeRMFail
	if twoPhaseCommit {
		code = xa.CodeRetry
	}
	return &xa.Error{Code: code, Op: op, Message: "session closed", Cause: cause}
}

// mapXAErr translates a failed XA call into an *xa.Error.
func (s *Session) mapXAErr(ctx context.Context, op string, twoPhaseCommit bool, err error) error {
	if s.ctx.Err() != nil {
		return closedXAError(op, twoPhaseCommit, nil)
	}
	if isCallerContextErr(ctx, err) {
		return err
	}
	if sessionLost(err) {
		s.abandon(err)
		return closedXAError(op, twoPhaseCommit, err)
	}
	return toXAError(op, err)
}

// toXAError carries a broker XA verdict over as an *xa.Error. Anything else
// is a resource manager error.
func toXAError(op string, err error) error {
	var be *transport.BrokerError
	if errors.As(err, &be) && be.Kind == transport.KindXA {
		return &xa.Error{Code: be.XACode, Op: op, Message: be.Message}
	}
	return &xa.Error{Code: xa.CodeRMError, Op: op, Cause: err}
}
