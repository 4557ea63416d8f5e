// Package redis implements the durable transport on Redis streams via
// goa.design/pulse. Each topic is one stream named by the agent verbatim;
// subscribers on a topic join one Pulse sink (consumer group), which gives
// competing-consumer delivery with per-entry acknowledgement. A published
// message survives transport restarts until some consumer acks it.
//
// Streams cannot requeue in place, so Nack with requeue republishes the raw
// bytes to the end of the same stream and acks the original entry. This
// preserves at-least-once delivery at the cost of ordering, which the engine
// tolerates: retries target the same topic and workflows never have two live
// messages.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"goa.design/paigeant/transport"
	clientspulse "goa.design/paigeant/transport/redis/clients/pulse"
)

// DefaultGroup is the consumer-group name used when none is configured.
// Every worker instance joining a topic under the same group competes for
// its messages.
const DefaultGroup = "paigeant"

// eventName tags stream entries written by this transport.
const eventName = "paigeant.message"

type (
	// Option configures the transport.
	Option func(*Transport)

	// Transport is a durable transport.Transport on Redis streams.
	Transport struct {
		client   clientspulse.Client
		redis    *goredis.Client
		group    string
		buffer   int
		sinkOpts []streamopts.Sink

		mu        sync.Mutex
		connected bool
		subs      []*subscription
	}

	subscription struct {
		topic  string
		stream clientspulse.Stream
		sink   clientspulse.Sink
		ch     chan transport.Delivery
		cancel context.CancelFunc

		mu       sync.Mutex
		inFlight map[string]*streaming.Event
		closed   bool
	}
)

// WithGroup overrides the consumer-group name.
func WithGroup(name string) Option {
	return func(t *Transport) {
		if name != "" {
			t.group = name
		}
	}
}

// WithBuffer overrides the delivery channel capacity.
func WithBuffer(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.buffer = n
		}
	}
}

// WithSinkOptions appends Pulse sink options applied to every subscription,
// such as block duration or ack grace period.
func WithSinkOptions(opts ...streamopts.Sink) Option {
	return func(t *Transport) {
		t.sinkOpts = append(t.sinkOpts, opts...)
	}
}

// New builds a transport over the given Pulse client. The Redis client is
// optional and used only for health pings; pass nil when health checks are
// not wired.
func New(client clientspulse.Client, rdb *goredis.Client, opts ...Option) (*Transport, error) {
	if client == nil {
		return nil, errors.New("pulse client is required")
	}
	t := &Transport{
		client: client,
		redis:  rdb,
		group:  DefaultGroup,
		buffer: 16,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Connect implements transport.Transport. Idempotent; verifies connectivity
// when a Redis client is available.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return nil
	}
	if t.redis != nil {
		if err := t.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
	}
	t.connected = true
	return nil
}

// Disconnect implements transport.Transport. Closes every open subscription.
func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close(ctx)
	}
	return t.client.Close(ctx)
}

// Publish implements transport.Transport. The entry is durable once XADD
// returns: any group on the stream can recover it after a restart.
func (t *Transport) Publish(ctx context.Context, topic string, body []byte) error {
	if topic == "" {
		return errors.New("publish: topic is required")
	}
	if !t.isConnected() {
		return fmt.Errorf("publish: %w", transport.ErrClosed)
	}
	stream, err := t.client.Stream(topic)
	if err != nil {
		return fmt.Errorf("publish %q: %w", topic, err)
	}
	if _, err := stream.Add(ctx, eventName, body); err != nil {
		return fmt.Errorf("publish %q: %w", topic, err)
	}
	return nil
}

// Subscribe implements transport.Transport. The subscription joins the
// topic's consumer group; Pulse assigns this instance a unique consumer
// name within it.
func (t *Transport) Subscribe(ctx context.Context, topic string) (transport.Subscription, error) {
	if topic == "" {
		return nil, errors.New("subscribe: topic is required")
	}
	if !t.isConnected() {
		return nil, fmt.Errorf("subscribe: %w", transport.ErrClosed)
	}
	stream, err := t.client.Stream(topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %q: %w", topic, err)
	}
	sink, err := stream.NewSink(ctx, t.group, t.sinkOpts...)
	if err != nil {
		return nil, fmt.Errorf("subscribe %q: %w", topic, err)
	}
	pumpCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		topic:    topic,
		stream:   stream,
		sink:     sink,
		ch:       make(chan transport.Delivery, t.buffer),
		cancel:   cancel,
		inFlight: make(map[string]*streaming.Event),
	}
	go sub.pump(pumpCtx)
	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()
	return sub, nil
}

// Ping implements goa.design/clue/health.Pinger.
func (t *Transport) Ping(ctx context.Context) error {
	if t.redis == nil {
		return nil
	}
	return t.redis.Ping(ctx).Err()
}

// Name implements goa.design/clue/health.Pinger.
func (t *Transport) Name() string { return "redis-transport" }

func (t *Transport) isConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// pump forwards sink events as deliveries until the sink channel closes or
// the subscription is canceled. Events are tracked in-flight by Redis entry
// ID so Ack and Nack can resolve them later.
func (s *subscription) pump(ctx context.Context) {
	defer close(s.ch)
	events := s.sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			s.mu.Lock()
			s.inFlight[evt.ID] = evt
			s.mu.Unlock()
			select {
			case s.ch <- transport.Delivery{Tag: evt.ID, Body: evt.Payload}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Deliveries implements transport.Subscription.
func (s *subscription) Deliveries() <-chan transport.Delivery {
	return s.ch
}

// Ack implements transport.Subscription. Unknown tags are ignored so Ack is
// idempotent.
func (s *subscription) Ack(ctx context.Context, d transport.Delivery) error {
	evt := s.take(d.Tag)
	if evt == nil {
		return nil
	}
	if err := s.sink.Ack(ctx, evt); err != nil {
		return fmt.Errorf("ack %q: %w", d.Tag, err)
	}
	return nil
}

// Nack implements transport.Subscription. Redis streams cannot return an
// entry to the backlog, so requeue republishes the raw bytes to the end of
// the same stream before acking the original entry.
func (s *subscription) Nack(ctx context.Context, d transport.Delivery, requeue bool) error {
	evt := s.take(d.Tag)
	if evt == nil {
		return nil
	}
	if requeue {
		if _, err := s.stream.Add(ctx, eventName, evt.Payload); err != nil {
			// Leave the entry pending; the broker redelivers it after the
			// visibility timeout.
			s.mu.Lock()
			s.inFlight[d.Tag] = evt
			s.mu.Unlock()
			return fmt.Errorf("nack requeue %q: %w", d.Tag, err)
		}
	}
	if err := s.sink.Ack(ctx, evt); err != nil {
		return fmt.Errorf("nack ack original %q: %w", d.Tag, err)
	}
	return nil
}

// Close implements transport.Subscription. Idempotent.
func (s *subscription) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.sink.Close(ctx)
	return nil
}

func (s *subscription) take(tag string) *streaming.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	evt, ok := s.inFlight[tag]
	if !ok {
		return nil
	}
	delete(s.inFlight, tag)
	return evt
}
