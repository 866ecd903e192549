package transport

import (
	"errors"
	"fmt"

	arcerrors "github.com/gezibash/arc-session/pkg/errors"
	"github.com/gezibash/arc-session/pkg/xa"
)

// ErrChannelClosed is reported once a channel has been closed or lost.
var ErrChannelClosed = fmt.Errorf("channel: %w", arcerrors.ErrClosed)

// ChannelError is a failure of the transport itself rather than a broker verdict.
type ChannelError struct {
	Op  Op
	Err error
}

func (e *ChannelError) Error() string {
	if e.Op == "" {
		return "channel failure: " + e.Err.Error()
	}
	return fmt.Sprintf("channel failure during %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// IsChannelError reports whether err is a transport failure.
func IsChannelError(err error) bool {
	var ce *ChannelError
	return errors.As(err, &ce)
}

// ErrorKind classifies broker verdicts.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindNotFound
	KindAlreadyExists
	KindInvalid
	KindClosed
	KindXA
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindInvalid:
		return "invalid"
	case KindClosed:
		return "closed"
	case KindXA:
		return "xa"
	default:
		return "internal"
	}
}

// BrokerError is an operation the broker refused.
type BrokerError struct {
	Kind    ErrorKind
	XACode  xa.Code
	Message string
}

// Errorf builds a BrokerError of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) *BrokerError {
	return &BrokerError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// XAErrorf builds a BrokerError carrying an XA code.
func XAErrorf(code xa.Code, format string, args ...any) *BrokerError {
	return &BrokerError{Kind: KindXA, XACode: code, Message: fmt.Sprintf(format, args...)}
}

func (e *BrokerError) Error() string {
	if e.Kind == KindXA {
		return fmt.Sprintf("broker: %s: %s", e.XACode, e.Message)
	}
	return fmt.Sprintf("broker: %s: %s", e.Kind, e.Message)
}

// Is maps broker kinds onto the shared sentinels.
func (e *BrokerError) Is(target error) bool {
	switch target {
	case arcerrors.ErrNotFound:
		return e.Kind == KindNotFound
	case arcerrors.ErrAlreadyExists:
		return e.Kind == KindAlreadyExists
	case arcerrors.ErrInvalidInput:
		return e.Kind == KindInvalid
	case arcerrors.ErrClosed:
		return e.Kind == KindClosed
	}
	return false
}

// ErrorType labels the error for metrics.
func (e *BrokerError) ErrorType() string {
	if e.Kind == KindXA {
		return e.XACode.String()
	}
	return e.Kind.String()
}

// ErrorType labels channel failures for metrics.
func (e *ChannelError) ErrorType() string { return "channel" }
