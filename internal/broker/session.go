package broker

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/gezibash/arc-session/internal/cel"
	"github.com/gezibash/arc-session/internal/txlog"
	"github.com/gezibash/arc-session/pkg/transport"
)

// work is the set of sends and acks enlisted in a transaction.
type work struct {
	sends []transport.Message
	acks  []txlog.Ack
}

func (w *work) empty() bool {
	return w == nil || (len(w.sends) == 0 && len(w.acks) == 0)
}

type consumer struct {
	id      string
	queue   string
	filter  *cel.Filter
	unacked map[uint64]*transport.Message
	closed  chan struct{}
}

type session struct {
	id     string
	params transport.SessionParams

	started bool
	// startSignal is closed while the session is started.
	startSignal chan struct{}
	closed      chan struct{}

	local *work
	xa    *xaTx

	producers  map[string]struct{}
	consumers  map[string]*consumer
	tempQueues map[string]struct{}
}

func newSession(id string, params transport.SessionParams) *session {
	return &session{
		id:          id,
		params:      params,
		startSignal: make(chan struct{}),
		closed:      make(chan struct{}),
		producers:   make(map[string]struct{}),
		consumers:   make(map[string]*consumer),
		tempQueues:  make(map[string]struct{}),
	}
}

func (s *session) start() {
	if !s.started {
		s.started = true
		close(s.startSignal)
	}
}

func (s *session) stop() {
	if s.started {
		s.started = false
		s.startSignal = make(chan struct{})
	}
}

func (s *session) close() {
	close(s.closed)
}

// transactedSends reports whether sends are held until commit.
func (s *session) transactedSends() bool {
	if s.params.XA {
		return s.xa != nil
	}
	return !s.params.AutoCommitSends
}

func (s *session) transactedAcks() bool {
	if s.params.XA {
		return s.xa != nil
	}
	return !s.params.AutoCommitAcks
}

// pending returns the work the next send or ack enlists in.
func (s *session) pending() *work {
	if s.params.XA {
		return &s.xa.work
	}
	if s.local == nil {
		s.local = &work{}
	}
	return s.local
}

func (b *Broker) createProducerLocked(s *session) (*transport.Response, error) {
	id := uuid.NewString()
	s.producers[id] = struct{}{}
	return &transport.Response{HandleID: id}, nil
}

func (b *Broker) sendLocked(s *session, req *transport.Request) error {
	if _, ok := s.producers[req.HandleID]; !ok {
		return transport.Errorf(transport.KindNotFound, "producer %s not found", req.HandleID)
	}
	if req.Message == nil || req.Message.Address == "" {
		return transport.Errorf(transport.KindInvalid, "message address required")
	}
	if err := b.checkAssociationLocked(s); err != nil {
		return err
	}
	m := *req.Message
	m.ID = b.nextMessageID()
	m.Timestamp = b.now().UnixMilli()
	m.DeliveryCount = 0

	if s.transactedSends() {
		w := s.pending()
		w.sends = append(w.sends, m)
		return nil
	}
	b.routeLocked(m)
	return nil
}

func (b *Broker) createConsumerLocked(s *session, req *transport.Request) (*transport.Response, error) {
	q, ok := b.queues[req.Name]
	if !ok {
		return nil, transport.Errorf(transport.KindNotFound, "queue %s not found", req.Name)
	}
	var filter *cel.Filter
	if req.Filter != "" {
		f, err := cel.Compile(req.Filter)
		if err != nil {
			return nil, transport.Errorf(transport.KindInvalid, "consumer filter: %v", err)
		}
		filter = f
	}
	c := &consumer{
		id:      uuid.NewString(),
		queue:   q.name,
		filter:  filter,
		unacked: make(map[uint64]*transport.Message),
		closed:  make(chan struct{}),
	}
	s.consumers[c.id] = c
	q.consumers++
	return &transport.Response{HandleID: c.id, Queue: q.info()}, nil
}

// closeConsumerLocked returns unacknowledged deliveries to the queue.
func (b *Broker) closeConsumerLocked(s *session, id string) {
	c, ok := s.consumers[id]
	if !ok {
		return
	}
	delete(s.consumers, id)
	close(c.closed)
	q, ok := b.queues[c.queue]
	if !ok {
		return
	}
	q.consumers--
	ids := slices.Sorted(maps.Keys(c.unacked))
	for i := len(ids) - 1; i >= 0; i-- {
		q.pushFront(c.unacked[ids[i]])
		b.metrics.Delivery("requeued")
	}
}

// receive waits for a message. Wait == 0 polls once, Wait > 0 bounds the
// wait and Wait < 0 waits until ctx is done.
func (b *Broker) receive(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	var timeout <-chan time.Time
	if req.Wait > 0 {
		t := time.NewTimer(req.Wait)
		defer t.Stop()
		timeout = t.C
	}

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrBrokerClosed
		}
		s, ok := b.sessions[req.SessionID]
		if !ok {
			b.mu.Unlock()
			return nil, transport.Errorf(transport.KindClosed, "session %s not found", req.SessionID)
		}
		c, ok := s.consumers[req.HandleID]
		if !ok {
			b.mu.Unlock()
			return nil, transport.Errorf(transport.KindNotFound, "consumer %s not found", req.HandleID)
		}
		q, ok := b.queues[c.queue]
		if !ok {
			b.mu.Unlock()
			return nil, transport.Errorf(transport.KindNotFound, "queue %s deleted", c.queue)
		}

		var startSignal chan struct{}
		if s.started {
			if m := q.take(c.filter); m != nil {
				m.DeliveryCount++
				c.unacked[m.ID] = m
				out := *m
				b.mu.Unlock()
				b.metrics.Delivery("delivered")
				return &transport.Response{Message: &out}, nil
			}
		} else {
			startSignal = s.startSignal
		}
		signal, sessionClosed, consumerClosed := q.signal, s.closed, c.closed
		b.mu.Unlock()

		if req.Wait == 0 {
			return &transport.Response{}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			return &transport.Response{}, nil
		case <-signal:
		case <-startSignal:
		case <-sessionClosed:
		case <-consumerClosed:
		}
	}
}

func (b *Broker) ackLocked(s *session, req *transport.Request) error {
	c, ok := s.consumers[req.HandleID]
	if !ok {
		return transport.Errorf(transport.KindNotFound, "consumer %s not found", req.HandleID)
	}
	m, ok := c.unacked[req.MessageID]
	if !ok {
		return transport.Errorf(transport.KindNotFound, "message %d not delivered to consumer %s", req.MessageID, c.id)
	}
	if err := b.checkAssociationLocked(s); err != nil {
		return err
	}
	delete(c.unacked, req.MessageID)

	if s.transactedAcks() {
		w := s.pending()
		w.acks = append(w.acks, txlog.Ack{Queue: c.queue, Message: *m})
		return nil
	}
	b.metrics.Delivery("acked")
	return nil
}

func (b *Broker) commitLocalLocked(s *session) error {
	if s.params.XA {
		return transport.Errorf(transport.KindInvalid, "local commit on XA session")
	}
	w := s.local
	s.local = nil
	b.applyWorkLocked(w)
	return nil
}

func (b *Broker) rollbackLocalLocked(s *session) error {
	if s.params.XA {
		return transport.Errorf(transport.KindInvalid, "local rollback on XA session")
	}
	w := s.local
	s.local = nil
	b.rollbackWorkLocked(w)
	return nil
}

// applyWorkLocked makes enlisted sends visible and drops acked messages.
func (b *Broker) applyWorkLocked(w *work) {
	if w == nil {
		return
	}
	for _, m := range w.sends {
		b.routeLocked(m)
	}
	for range w.acks {
		b.metrics.Delivery("acked")
	}
}

// rollbackWorkLocked discards enlisted sends and redelivers acked messages.
func (b *Broker) rollbackWorkLocked(w *work) {
	if w == nil {
		return
	}
	// Reverse order keeps the original delivery order at the queue head.
	for i := len(w.acks) - 1; i >= 0; i-- {
		b.requeueLocked(w.acks[i].Queue, w.acks[i].Message)
	}
}
