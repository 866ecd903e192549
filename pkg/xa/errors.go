package xa

import (
	"errors"
	"fmt"
)

// Code is an XA return code as defined by the X/Open XA specification.
type Code int

const (
	CodeRollback        Code = 100 // XA_RBROLLBACK
	CodeRollbackTimeout Code = 106 // XA_RBTIMEOUT
	CodeHeurHazard      Code = 8   // XA_HEURHAZ
	CodeHeurCommit      Code = 7   // XA_HEURCOM
	CodeHeurRollback    Code = 6   // XA_HEURRB
	CodeHeurMixed       Code = 5   // XA_HEURMIX
	CodeRetry           Code = 4   // XA_RETRY
	CodeRMError         Code = -3  // XAER_RMERR
	CodeNotA            Code = -4  // XAER_NOTA
	CodeInvalid         Code = -5  // XAER_INVAL
	CodeProtocol        Code = -6  // XAER_PROTO
	CodeRMFail          Code = -7  // XAER_RMFAIL
	CodeDupID           Code = -8  // XAER_DUPID
	CodeOutside         Code = -9  // XAER_OUTSIDE
)

var codeNames = map[Code]string{
	CodeRollback:        "XA_RBROLLBACK",
	CodeRollbackTimeout: "XA_RBTIMEOUT",
	CodeHeurHazard:      "XA_HEURHAZ",
	CodeHeurCommit:      "XA_HEURCOM",
	CodeHeurRollback:    "XA_HEURRB",
	CodeHeurMixed:       "XA_HEURMIX",
	CodeRetry:           "XA_RETRY",
	CodeRMError:         "XAER_RMERR",
	CodeNotA:            "XAER_NOTA",
	CodeInvalid:         "XAER_INVAL",
	CodeProtocol:        "XAER_PROTO",
	CodeRMFail:          "XAER_RMFAIL",
	CodeDupID:           "XAER_DUPID",
	CodeOutside:         "XAER_OUTSIDE",
}

func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("XA(%d)", int(c))
}

// IsHeuristic reports whether c is a heuristic outcome.
func (c Code) IsHeuristic() bool {
	return c >= CodeHeurMixed && c <= CodeHeurHazard
}

// IsRollback reports whether c says the branch was rolled back.
func (c Code) IsRollback() bool {
	return c >= CodeRollback && c <= 107
}

// Error is a failed XA operation.
type Error struct {
	Code    Code
	Op      string
	Message string
	Cause   error
}

// NewError returns an Error for op with the given code.
func NewError(code Code, op, msg string) *Error {
	return &Error{Code: code, Op: op, Message: msg}
}

func (e *Error) Error() string {
	s := "xa"
	if e.Op != "" {
		s += " " + e.Op
	}
	s += ": " + e.Code.String()
	if e.Message != "" {
		s += ": " + e.Message
	}
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error with the same code, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Op == "" && t.Message == ""
}

// Sentinels for errors.Is comparisons.
var (
	ErrRMFail    = &Error{Code: CodeRMFail}
	ErrRetry     = &Error{Code: CodeRetry}
	ErrProtocol  = &Error{Code: CodeProtocol}
	ErrNotA      = &Error{Code: CodeNotA}
	ErrInvalid   = &Error{Code: CodeInvalid}
	ErrDupID     = &Error{Code: CodeDupID}
	ErrRollback  = &Error{Code: CodeRollback}
	ErrRMError   = &Error{Code: CodeRMError}
	ErrHeurMixed = &Error{Code: CodeHeurMixed}
)

// CodeOf extracts the XA code from err.
func CodeOf(err error) (Code, bool) {
	var xe *Error
	if errors.As(err, &xe) {
		return xe.Code, true
	}
	return 0, false
}

// IsResourceManagerFailure reports whether err is a non-retryable resource
// manager error (any XAER_* code).
func IsResourceManagerFailure(err error) bool {
	c, ok := CodeOf(err)
	return ok && c < 0
}

// IsRetryable reports whether a transaction manager should retry err against
// a fresh resource manager.
func IsRetryable(err error) bool {
	c, ok := CodeOf(err)
	return ok && c == CodeRetry
}

// IsHeuristic reports whether err carries a heuristic outcome.
func IsHeuristic(err error) bool {
	c, ok := CodeOf(err)
	return ok && c.IsHeuristic()
}

// ErrorType labels the error for metrics.
func (e *Error) ErrorType() string { return e.Code.String() }
