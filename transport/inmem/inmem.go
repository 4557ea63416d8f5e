// Package inmem provides a process-local transport: one FIFO queue per
// topic, cooperative blocking delivery, and bookkeeping-only ack semantics.
// It backs unit tests and single-process deployments; nothing survives a
// restart.
package inmem

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"goa.design/paigeant/transport"
)

// DefaultMaxQueue bounds each topic's backlog. Publishing past the bound
// fails rather than buffering without limit.
const DefaultMaxQueue = 1024

type (
	// Option configures the transport.
	Option func(*Transport)

	// Transport is an in-memory transport.Transport. Safe for concurrent
	// use; topics are created on first touch and retained until the
	// process exits.
	Transport struct {
		mu        sync.Mutex
		connected bool
		topics    map[string]*topic
		maxQueue  int
	}

	queued struct {
		body []byte
	}

	topic struct {
		mu           sync.Mutex
		cond         *sync.Cond
		queue        []queued
		published    int
		pendingCount int
		closed       bool
	}

	subscription struct {
		tr       *Transport
		top      *topic
		ch       chan transport.Delivery
		mu       sync.Mutex
		inFlight map[string]queued
		closed   bool
		done     chan struct{}
		doneOnce sync.Once
	}
)

// WithMaxQueue overrides the per-topic backlog bound.
func WithMaxQueue(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.maxQueue = n
		}
	}
}

// New returns an in-memory transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		topics:   make(map[string]*topic),
		maxQueue: DefaultMaxQueue,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect implements transport.Transport. Idempotent.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	return nil
}

// Disconnect closes every open subscription and rejects further operations
// until Connect is called again. Idempotent.
func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return nil
	}
	t.connected = false
	for _, top := range t.topics {
		top.mu.Lock()
		top.closed = true
		top.cond.Broadcast()
		top.mu.Unlock()
	}
	return nil
}

// Publish appends body to the topic queue and wakes one waiting consumer.
func (t *Transport) Publish(ctx context.Context, name string, body []byte) error {
	if name == "" {
		return fmt.Errorf("publish: topic is required")
	}
	top, err := t.topic(name)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	top.mu.Lock()
	defer top.mu.Unlock()
	if top.closed {
		return fmt.Errorf("publish: %w", transport.ErrClosed)
	}
	if len(top.queue) >= t.maxQueue {
		return fmt.Errorf("publish: topic %q backlog is full (%d)", name, t.maxQueue)
	}
	top.queue = append(top.queue, queued{body: append([]byte(nil), body...)})
	top.published++
	top.cond.Signal()
	return nil
}

// Subscribe joins the topic's competing consumers. The returned subscription
// delivers one message at a time and closes with ctx, Close, or Disconnect.
func (t *Transport) Subscribe(ctx context.Context, name string) (transport.Subscription, error) {
	if name == "" {
		return nil, fmt.Errorf("subscribe: topic is required")
	}
	top, err := t.topic(name)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	sub := &subscription{
		tr:       t,
		top:      top,
		ch:       make(chan transport.Delivery),
		inFlight: make(map[string]queued),
		done:     make(chan struct{}),
	}
	go sub.pump()
	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close(context.Background())
		case <-sub.done:
		}
	}()
	return sub, nil
}

// Published reports how many messages were ever published to the topic.
func (t *Transport) Published(name string) int {
	t.mu.Lock()
	top, ok := t.topics[name]
	t.mu.Unlock()
	if !ok {
		return 0
	}
	top.mu.Lock()
	defer top.mu.Unlock()
	return top.published
}

// Unacked reports the number of live messages across all topics: queued
// plus delivered-but-unacknowledged.
func (t *Transport) Unacked() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, top := range t.topics {
		top.mu.Lock()
		n += len(top.queue) + top.pendingCount
		top.mu.Unlock()
	}
	return n
}

func (t *Transport) topic(name string) (*topic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return nil, transport.ErrClosed
	}
	top, ok := t.topics[name]
	if !ok {
		top = &topic{}
		top.cond = sync.NewCond(&top.mu)
		t.topics[name] = top
	} else if top.closed {
		// Reconnect reopens retained queues.
		top.mu.Lock()
		top.closed = false
		top.mu.Unlock()
	}
	return top, nil
}

// pump pops one queued message at a time and hands it to the consumer. The
// in-flight entry is recorded before the handoff so Ack is valid the moment
// the consumer receives the delivery.
func (s *subscription) pump() {
	defer func() {
		close(s.ch)
		s.markDone()
	}()
	for {
		s.top.mu.Lock()
		for len(s.top.queue) == 0 && !s.top.closed && !s.isClosed() {
			s.top.cond.Wait()
		}
		if s.top.closed || s.isClosed() {
			// Pass any pending wakeup on to a consumer that is still live.
			s.top.cond.Signal()
			s.top.mu.Unlock()
			return
		}
		item := s.top.queue[0]
		s.top.queue = s.top.queue[1:]
		s.top.pendingCount++
		s.top.mu.Unlock()

		tag := uuid.NewString()
		s.mu.Lock()
		s.inFlight[tag] = item
		s.mu.Unlock()

		select {
		case s.ch <- transport.Delivery{Tag: tag, Body: item.body}:
		case <-s.done:
			// Closed mid-handoff: put the message back for another consumer.
			s.requeue(tag, true)
			return
		}
	}
}

// Deliveries implements transport.Subscription.
func (s *subscription) Deliveries() <-chan transport.Delivery {
	return s.ch
}

// Ack drops the in-flight entry. Unknown tags are ignored, which makes Ack
// idempotent.
func (s *subscription) Ack(ctx context.Context, d transport.Delivery) error {
	s.mu.Lock()
	_, ok := s.inFlight[d.Tag]
	delete(s.inFlight, d.Tag)
	s.mu.Unlock()
	if ok {
		s.top.mu.Lock()
		s.top.pendingCount--
		s.top.mu.Unlock()
	}
	return nil
}

// Nack rejects the delivery. With requeue the message returns to the front
// of the queue so redelivery happens promptly; without it the message drops.
func (s *subscription) Nack(ctx context.Context, d transport.Delivery, requeue bool) error {
	s.requeue(d.Tag, requeue)
	return nil
}

func (s *subscription) requeue(tag string, requeue bool) {
	s.mu.Lock()
	item, ok := s.inFlight[tag]
	delete(s.inFlight, tag)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.top.mu.Lock()
	s.top.pendingCount--
	if requeue && !s.top.closed {
		s.top.queue = append([]queued{item}, s.top.queue...)
		s.top.cond.Signal()
	}
	s.top.mu.Unlock()
}

// Close leaves the group. In-flight deliveries that were never acked return
// to the queue for other consumers.
func (s *subscription) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	tags := make([]string, 0, len(s.inFlight))
	for tag := range s.inFlight {
		tags = append(tags, tag)
	}
	s.mu.Unlock()
	s.markDone()
	for _, tag := range tags {
		s.requeue(tag, true)
	}
	s.top.mu.Lock()
	s.top.cond.Broadcast()
	s.top.mu.Unlock()
	return nil
}

func (s *subscription) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
