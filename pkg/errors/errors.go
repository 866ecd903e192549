// Package errors holds the sentinels that broker verdicts and client
// failures are matched against with errors.Is.
//
// Broker replies carry a kind rather than a Go error, so transport.BrokerError
// implements Is against these values. Callers never need to inspect kinds.
package errors

import stderrors "errors"

var (
	// ErrNotFound: no queue, address or session by that name.
	ErrNotFound = stderrors.New("not found")

	// ErrAlreadyExists is returned when creating a queue that is already declared.
	ErrAlreadyExists = stderrors.New("already exists")

	// ErrInvalidInput covers malformed names, filters, properties and xids.
	ErrInvalidInput = stderrors.New("invalid input")

	// ErrClosed means the session, connection or channel is gone. Session
	// and connection level errors wrap it.
	ErrClosed = stderrors.New("closed")
)
