package client

import "github.com/gezibash/arc-session/pkg/transport"

type (
	// Message is a unit of data sent and received through a session.
	Message = transport.Message
	// QueueConfig describes a queue to create.
	QueueConfig = transport.QueueConfig
	// QueueInfo is the result of QueueQuery.
	QueueInfo = transport.QueueInfo
	// AddressInfo is the result of AddressQuery.
	AddressInfo = transport.AddressInfo
	// RoutingType selects anycast or multicast delivery.
	RoutingType = transport.RoutingType
)

const (
	Anycast   = transport.Anycast
	Multicast = transport.Multicast
)

// Wait values for Consumer.Receive.
const (
	// NoWait returns immediately when no message is available.
	NoWait = 0
	// WaitForever blocks until a message arrives or the context is done.
	WaitForever = -1
)
