// Package transport defines the channel between a session and its broker.
package transport

import (
	"context"
	"time"

	"github.com/gezibash/arc-session/pkg/xa"
)

// Op names a broker operation.
type Op string

const (
	OpSessionCreate  Op = "session.create"
	OpSessionClose   Op = "session.close"
	OpSessionStart   Op = "session.start"
	OpSessionStop    Op = "session.stop"
	OpQueueCreate    Op = "queue.create"
	OpQueueDelete    Op = "queue.delete"
	OpQueueQuery     Op = "queue.query"
	OpAddressQuery   Op = "address.query"
	OpProducerCreate Op = "producer.create"
	OpProducerClose  Op = "producer.close"
	OpSend           Op = "producer.send"
	OpConsumerCreate Op = "consumer.create"
	OpConsumerClose  Op = "consumer.close"
	OpReceive        Op = "consumer.receive"
	OpAck            Op = "consumer.ack"
	OpCommit         Op = "tx.commit"
	OpRollback       Op = "tx.rollback"
	OpXAStart        Op = "xa.start"
	OpXAEnd          Op = "xa.end"
	OpXAPrepare      Op = "xa.prepare"
	OpXACommit       Op = "xa.commit"
	OpXARollback     Op = "xa.rollback"
	OpXAForget       Op = "xa.forget"
	OpXARecover      Op = "xa.recover"
	OpXAHeuristic    Op = "xa.heuristic"
)

// RoutingType selects how an address distributes messages to its queues.
type RoutingType string

const (
	// Anycast delivers each message to one queue bound to the address.
	Anycast RoutingType = "anycast"
	// Multicast delivers each message to every queue bound to the address.
	Multicast RoutingType = "multicast"
)

// SessionParams are fixed at session creation.
type SessionParams struct {
	XA              bool
	AutoCommitSends bool
	AutoCommitAcks  bool
}

// QueueConfig describes a queue to create.
type QueueConfig struct {
	Name      string
	Address   string
	Routing   RoutingType
	Durable   bool
	Temporary bool
	// Filter is a CEL selector; only matching messages are routed to the queue.
	Filter string
}

// QueueInfo is the result of a queue query.
type QueueInfo struct {
	Name      string
	Address   string
	Routing   RoutingType
	Exists    bool
	Durable   bool
	Temporary bool
	Filter    string
	Consumers int
	Messages  int
}

// AddressInfo is the result of an address query.
type AddressInfo struct {
	Name    string
	Exists  bool
	Routing RoutingType
	Queues  []string
}

// Message is a unit of data moved through the broker.
type Message struct {
	ID            uint64
	Address       string
	Body          []byte
	Properties    map[string]any
	Durable       bool
	Timestamp     int64
	DeliveryCount int
}

// Request is one operation sent to the broker.
type Request struct {
	Op        Op
	SessionID string
	HandleID  string

	Session *SessionParams
	Queue   *QueueConfig

	// Name is the queue or address the operation targets.
	Name    string
	Address string
	Filter  string

	Message   *Message
	MessageID uint64
	Wait      time.Duration

	Xid             *xa.Xid
	Flags           xa.Flags
	OnePhase        bool
	Timeout         time.Duration
	HeuristicCommit bool
}

// OperationName labels the request in traces and metrics.
func (r *Request) OperationName() string { return string(r.Op) }

// Response carries the broker's answer to a Request.
type Response struct {
	SessionID string
	HandleID  string
	Queue     *QueueInfo
	Address   *AddressInfo
	Message   *Message
	Vote      xa.Vote
	Xids      []xa.Xid
}

// Channel is an ordered request/response channel to a broker endpoint.
// Implementations must be safe for concurrent use.
type Channel interface {
	// Send performs one broker operation. Transport failures are returned as
	// *ChannelError, broker verdicts as *BrokerError.
	Send(ctx context.Context, req *Request) (*Response, error)
	// Done is closed once the channel has failed or been closed.
	Done() <-chan struct{}
	// Err reports why Done was closed.
	Err() error
	Close() error
}
