package redis_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"goa.design/paigeant/transport"
	redistransport "goa.design/paigeant/transport/redis"
	clientspulse "goa.design/paigeant/transport/redis/clients/pulse"
)

// fakeClient implements the pulse client interfaces in memory. Each stream
// holds an append log; sinks share the log and a pending set, which is
// enough to verify the transport's ack, nack-republish, and competing
// consumer behavior without Redis.
type fakeClient struct {
	mu      sync.Mutex
	streams map[string]*fakeStream
}

type fakeStream struct {
	name string

	mu      sync.Mutex
	nextID  int
	added   [][]byte
	sinks   []*fakeSink
	destroy bool
}

type fakeSink struct {
	stream *fakeStream
	ch     chan *streaming.Event

	mu     sync.Mutex
	acked  []string
	closed bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{streams: make(map[string]*fakeStream)}
}

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	str, ok := c.streams[name]
	if !ok {
		str = &fakeStream{name: name}
		c.streams[name] = str
	}
	return str, nil
}

func (c *fakeClient) Close(context.Context) error { return nil }

func (s *fakeStream) Add(_ context.Context, _ string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := fmt.Sprintf("%d-0", s.nextID)
	body := append([]byte(nil), payload...)
	s.added = append(s.added, body)
	// Deliver to the first live sink, mimicking consumer-group semantics.
	for _, sink := range s.sinks {
		sink.mu.Lock()
		closed := sink.closed
		sink.mu.Unlock()
		if !closed {
			sink.ch <- &streaming.Event{ID: id, EventName: "paigeant.message", Payload: body}
			break
		}
	}
	return id, nil
}

func (s *fakeStream) NewSink(_ context.Context, _ string, _ ...streamopts.Sink) (clientspulse.Sink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sink := &fakeSink{stream: s, ch: make(chan *streaming.Event, 16)}
	s.sinks = append(s.sinks, sink)
	return sink, nil
}

func (s *fakeStream) Destroy(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroy = true
	return nil
}

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.ch }

func (s *fakeSink) Ack(_ context.Context, evt *streaming.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, evt.ID)
	return nil
}

func (s *fakeSink) Close(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func newTransport(t *testing.T, client clientspulse.Client) *redistransport.Transport {
	t.Helper()
	tr, err := redistransport.New(client, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { _ = tr.Disconnect(context.Background()) })
	return tr
}

func receive(t *testing.T, sub transport.Subscription) transport.Delivery {
	t.Helper()
	select {
	case d, ok := <-sub.Deliveries():
		require.True(t, ok, "delivery channel closed")
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return transport.Delivery{}
	}
}

func TestPublishSubscribeAck(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	tr := newTransport(t, client)

	sub, err := tr.Subscribe(ctx, "echo")
	require.NoError(t, err)

	require.NoError(t, tr.Publish(ctx, "echo", []byte(`{"n":1}`)))
	d := receive(t, sub)
	assert.Equal(t, `{"n":1}`, string(d.Body))
	require.NoError(t, sub.Ack(ctx, d))
	// Ack is idempotent.
	require.NoError(t, sub.Ack(ctx, d))

	str, _ := client.Stream("echo")
	fs := str.(*fakeStream)
	fs.mu.Lock()
	sink := fs.sinks[0]
	fs.mu.Unlock()
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []string{"1-0"}, sink.acked)
}

func TestNackRequeueRepublishes(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	tr := newTransport(t, client)

	sub, err := tr.Subscribe(ctx, "echo")
	require.NoError(t, err)
	require.NoError(t, tr.Publish(ctx, "echo", []byte("payload")))

	d := receive(t, sub)
	require.NoError(t, sub.Nack(ctx, d, true))

	// The raw bytes come back as a new entry with a fresh tag.
	redelivered := receive(t, sub)
	assert.NotEqual(t, d.Tag, redelivered.Tag)
	assert.Equal(t, "payload", string(redelivered.Body))

	str, _ := client.Stream("echo")
	fs := str.(*fakeStream)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.Len(t, fs.added, 2, "requeue appends to the same stream")
}

func TestNackWithoutRequeueDrops(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	tr := newTransport(t, client)

	sub, err := tr.Subscribe(ctx, "echo")
	require.NoError(t, err)
	require.NoError(t, tr.Publish(ctx, "echo", []byte("poison")))

	d := receive(t, sub)
	require.NoError(t, sub.Nack(ctx, d, false))

	str, _ := client.Stream("echo")
	fs := str.(*fakeStream)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.Len(t, fs.added, 1, "dropped deliveries are not republished")
}

func TestDisconnectClosesSubscriptions(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	tr, err := redistransport.New(client, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Connect(ctx))

	sub, err := tr.Subscribe(ctx, "echo")
	require.NoError(t, err)
	require.NoError(t, tr.Disconnect(ctx))

	select {
	case _, ok := <-sub.Deliveries():
		assert.False(t, ok, "delivery channel closes on disconnect")
	case <-time.After(2 * time.Second):
		t.Fatal("delivery channel did not close")
	}

	err = tr.Publish(ctx, "echo", []byte("x"))
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestCustomGroupName(t *testing.T) {
	tr, err := redistransport.New(newFakeClient(), nil, redistransport.WithGroup("workers"))
	require.NoError(t, err)
	require.NotNil(t, tr)
}
