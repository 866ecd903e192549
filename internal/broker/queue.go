package broker

import (
	"maps"
	"sort"

	"github.com/gezibash/arc-session/internal/cel"
	"github.com/gezibash/arc-session/pkg/transport"
)

type address struct {
	name    string
	routing transport.RoutingType
	queues  []string
	next    int // anycast cursor
}

type queue struct {
	name      string
	address   string
	routing   transport.RoutingType
	durable   bool
	temporary bool
	owner     string
	filter    *cel.Filter
	consumers int

	messages []*transport.Message
	// signal is closed and replaced whenever a message becomes available.
	signal chan struct{}
}

func (q *queue) info() *transport.QueueInfo {
	info := &transport.QueueInfo{
		Name:      q.name,
		Address:   q.address,
		Routing:   q.routing,
		Exists:    true,
		Durable:   q.durable,
		Temporary: q.temporary,
		Consumers: q.consumers,
		Messages:  len(q.messages),
	}
	if q.filter != nil {
		info.Filter = q.filter.String()
	}
	return info
}

func (q *queue) notify() {
	close(q.signal)
	q.signal = make(chan struct{})
}

func (q *queue) push(m *transport.Message) {
	q.messages = append(q.messages, m)
	q.notify()
}

// pushFront returns a message to the head of the queue.
func (q *queue) pushFront(m *transport.Message) {
	q.messages = append([]*transport.Message{m}, q.messages...)
	q.notify()
}

// take removes the first message matching f.
func (q *queue) take(f *cel.Filter) *transport.Message {
	for i, m := range q.messages {
		if f.Match(m) {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			return m
		}
	}
	return nil
}

func (b *Broker) createQueueLocked(s *session, cfg *transport.QueueConfig) (*transport.Response, error) {
	if cfg == nil || cfg.Name == "" {
		return nil, transport.Errorf(transport.KindInvalid, "queue name required")
	}
	if _, exists := b.queues[cfg.Name]; exists {
		return nil, transport.Errorf(transport.KindAlreadyExists, "queue %s already exists", cfg.Name)
	}
	addrName := cfg.Address
	if addrName == "" {
		addrName = cfg.Name
	}
	routing := cfg.Routing
	if routing == "" {
		routing = transport.Anycast
	}
	if routing != transport.Anycast && routing != transport.Multicast {
		return nil, transport.Errorf(transport.KindInvalid, "unknown routing type %q", routing)
	}
	if cfg.Temporary && cfg.Durable {
		return nil, transport.Errorf(transport.KindInvalid, "temporary queue %s cannot be durable", cfg.Name)
	}

	var filter *cel.Filter
	if cfg.Filter != "" {
		f, err := cel.Compile(cfg.Filter)
		if err != nil {
			return nil, transport.Errorf(transport.KindInvalid, "queue %s filter: %v", cfg.Name, err)
		}
		filter = f
	}

	addr, ok := b.addresses[addrName]
	if !ok {
		addr = &address{name: addrName, routing: routing}
		b.addresses[addrName] = addr
	} else if addr.routing != routing {
		return nil, transport.Errorf(transport.KindInvalid, "address %s is %s, not %s", addrName, addr.routing, routing)
	}

	q := &queue{
		name:      cfg.Name,
		address:   addrName,
		routing:   routing,
		durable:   cfg.Durable,
		temporary: cfg.Temporary,
		filter:    filter,
		signal:    make(chan struct{}),
	}
	if cfg.Temporary {
		q.owner = s.id
		s.tempQueues[q.name] = struct{}{}
	}
	b.queues[q.name] = q
	addr.queues = append(addr.queues, q.name)
	b.logger.Debug("queue created", "queue", q.name, "address", addrName, "routing", routing, "temporary", cfg.Temporary)
	return &transport.Response{Queue: q.info()}, nil
}

func (b *Broker) deleteQueueLocked(name string) error {
	q, ok := b.queues[name]
	if !ok {
		return transport.Errorf(transport.KindNotFound, "queue %s not found", name)
	}
	if q.consumers > 0 {
		return transport.Errorf(transport.KindInvalid, "queue %s has %d consumers", name, q.consumers)
	}
	b.removeQueueLocked(q)
	return nil
}

func (b *Broker) removeQueueLocked(q *queue) {
	delete(b.queues, q.name)
	if addr, ok := b.addresses[q.address]; ok {
		for i, n := range addr.queues {
			if n == q.name {
				addr.queues = append(addr.queues[:i], addr.queues[i+1:]...)
				break
			}
		}
	}
	if q.owner != "" {
		if s, ok := b.sessions[q.owner]; ok {
			delete(s.tempQueues, q.name)
		}
	}
	// Wake receivers so they notice the queue is gone.
	q.notify()
	b.logger.Debug("queue deleted", "queue", q.name)
}

func (b *Broker) queryQueue(name string) *transport.QueueInfo {
	q, ok := b.queues[name]
	if !ok {
		return &transport.QueueInfo{Name: name}
	}
	return q.info()
}

func (b *Broker) queryAddress(name string) *transport.AddressInfo {
	addr, ok := b.addresses[name]
	if !ok {
		return &transport.AddressInfo{Name: name}
	}
	queues := append([]string(nil), addr.queues...)
	sort.Strings(queues)
	return &transport.AddressInfo{Name: name, Exists: true, Routing: addr.routing, Queues: queues}
}

// routeLocked delivers m to the queues bound to its address. Anycast picks
// the next matching queue in turn, multicast copies to every match. A
// message nobody matches is dropped.
func (b *Broker) routeLocked(m transport.Message) int {
	addr, ok := b.addresses[m.Address]
	if !ok {
		return 0
	}
	var matches []*queue
	for _, name := range addr.queues {
		if q := b.queues[name]; q != nil && q.filter.Match(&m) {
			matches = append(matches, q)
		}
	}
	if len(matches) == 0 {
		return 0
	}
	if addr.routing == transport.Anycast {
		q := matches[addr.next%len(matches)]
		addr.next++
		msg := m
		q.push(&msg)
		return 1
	}
	for _, q := range matches {
		msg := m
		msg.Properties = maps.Clone(m.Properties)
		q.push(&msg)
	}
	return len(matches)
}

// requeueLocked puts an acknowledged-but-rolled-back message back on its
// queue. Messages whose queue is gone are dropped.
func (b *Broker) requeueLocked(queueName string, m transport.Message) {
	q, ok := b.queues[queueName]
	if !ok {
		b.logger.Debug("dropping requeue for deleted queue", "queue", queueName, "message", m.ID)
		return
	}
	msg := m
	q.pushFront(&msg)
	b.metrics.Delivery("requeued")
}
