// Package txlog persists prepared and heuristically completed XA branches so
// the broker can report them through recover after a restart.
package txlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/gezibash/arc-session/internal/codec"
	"github.com/gezibash/arc-session/pkg/transport"
	"github.com/gezibash/arc-session/pkg/xa"
)

var (
	// ErrNotFound indicates no record exists for the xid.
	ErrNotFound = errors.New("txlog record not found")

	// ErrClosed indicates the backend has been closed.
	ErrClosed = errors.New("txlog backend closed")
)

// State is the durable state of an in-doubt branch.
type State string

const (
	StatePrepared          State = "prepared"
	StateHeuristicCommit   State = "heuristic-commit"
	StateHeuristicRollback State = "heuristic-rollback"
)

// Heuristic reports whether the branch was completed outside TM control.
func (s State) Heuristic() bool {
	return s == StateHeuristicCommit || s == StateHeuristicRollback
}

// Ack is a message consumed within the branch, kept whole so a rollback
// after restart can put it back on its queue.
type Ack struct {
	Queue   string
	Message transport.Message
}

// Record is the persisted form of one branch.
type Record struct {
	Xid        xa.Xid
	State      State
	Sends      []transport.Message
	Acks       []Ack
	PreparedAt int64
}

// Encode serializes r.
func Encode(r *Record) ([]byte, error) {
	data, err := codec.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode txlog record %s: %w", r.Xid, err)
	}
	return data, nil
}

// Decode parses a record written by Encode.
func Decode(data []byte) (*Record, error) {
	var r Record
	if err := codec.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode txlog record: %w", err)
	}
	return &r, nil
}

// Backend stores records keyed by xid. Implementations must be thread-safe.
type Backend interface {
	Put(ctx context.Context, r *Record) error
	Get(ctx context.Context, xid xa.Xid) (*Record, error)
	Delete(ctx context.Context, xid xa.Xid) error
	List(ctx context.Context) ([]*Record, error)
	Close() error
}
