package livefeed

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainrun/brains/event"
)

type fakeClient struct {
	streams map[string]*fakeStream
	err     error
}

func newFakeClient() *fakeClient { return &fakeClient{streams: map[string]*fakeStream{}} }

func (c *fakeClient) Stream(name string) (Stream, error) {
	if c.err != nil {
		return nil, c.err
	}
	if s, ok := c.streams[name]; ok {
		return s, nil
	}
	s := &fakeStream{name: name}
	c.streams[name] = s
	return s, nil
}

func (c *fakeClient) Close(context.Context) error { return nil }

type fakeStream struct {
	name     string
	added    [][]byte
	addedIDs []string
	sink     *fakeSink
	addErr   error
}

func (s *fakeStream) Add(_ context.Context, name string, payload []byte) (string, error) {
	if s.addErr != nil {
		return "", s.addErr
	}
	s.added = append(s.added, payload)
	id := string(rune('0' + len(s.added)))
	s.addedIDs = append(s.addedIDs, id)
	return id, nil
}

func (s *fakeStream) NewSink(context.Context, string, ...streamopts.Sink) (Sink, error) {
	if s.sink == nil {
		s.sink = &fakeSink{ch: make(chan *streaming.Event, 16)}
	}
	return s.sink, nil
}

type fakeSink struct {
	ch     chan *streaming.Event
	acked  []*streaming.Event
	closed bool
}

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.ch }
func (s *fakeSink) Ack(_ context.Context, e *streaming.Event) error {
	s.acked = append(s.acked, e)
	return nil
}
func (s *fakeSink) Close(context.Context) { s.closed = true }

func TestNewRejectsNilRedis(t *testing.T) {
	_, err := New(ClientOptions{})
	assert.Error(t, err)
}

func TestStreamNameIsStablePerRun(t *testing.T) {
	assert.Equal(t, StreamName("run-1"), StreamName("run-1"))
	assert.NotEqual(t, StreamName("run-1"), StreamName("run-2"))
}

func TestPublisherPublishesMarshaledEvent(t *testing.T) {
	client := newFakeClient()
	pub, err := NewPublisher(client, "run-1")
	require.NoError(t, err)

	e := event.Event{Type: event.TypeStart, RunID: "run-1", At: time.Now()}
	require.NoError(t, pub.Publish(context.Background(), e))

	str := client.streams[StreamName("run-1")]
	require.Len(t, str.added, 1)

	var decoded event.Event
	require.NoError(t, json.Unmarshal(str.added[0], &decoded))
	assert.Equal(t, event.TypeStart, decoded.Type)
	assert.Equal(t, "run-1", decoded.RunID)
}

func TestSubscribeDecodesPublishedEvents(t *testing.T) {
	client := newFakeClient()
	pub, err := NewPublisher(client, "run-2")
	require.NoError(t, err)

	sub := NewSubscriber(client, SubscriberOptions{Buffer: 4})
	events, errs, cancel, err := sub.Subscribe(context.Background(), "run-2")
	require.NoError(t, err)
	defer cancel()

	e := event.Event{Type: event.TypeComplete, RunID: "run-2", At: time.Now()}
	require.NoError(t, pub.Publish(context.Background(), e))

	str := client.streams[StreamName("run-2")]
	str.sink.ch <- &streaming.Event{ID: "1-0", Payload: str.added[0]}

	select {
	case got := <-events:
		assert.Equal(t, event.TypeComplete, got.Type)
		assert.Equal(t, "run-2", got.RunID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for decoded event")
	}

	select {
	case err := <-errs:
		t.Fatalf("unexpected error: %v", err)
	default:
	}
}

func TestSubscribeSurfacesDecodeErrors(t *testing.T) {
	client := newFakeClient()
	_, err := client.Stream(StreamName("run-3"))
	require.NoError(t, err)

	sub := NewSubscriber(client, SubscriberOptions{})
	events, errs, cancel, err := sub.Subscribe(context.Background(), "run-3")
	require.NoError(t, err)
	defer cancel()

	str := client.streams[StreamName("run-3")]
	str.sink.ch <- &streaming.Event{ID: "1-0", Payload: []byte("not json")}

	select {
	case e, ok := <-errs:
		require.True(t, ok)
		assert.Error(t, e)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for decode error")
	}

	_, ok := <-events
	assert.False(t, ok, "events channel should be closed after a decode error")
}

func TestSubscribeCancelStopsConsumptionAndClosesSink(t *testing.T) {
	client := newFakeClient()
	_, err := client.Stream(StreamName("run-4"))
	require.NoError(t, err)

	sub := NewSubscriber(client, SubscriberOptions{})
	events, _, cancel, err := sub.Subscribe(context.Background(), "run-4")
	require.NoError(t, err)

	cancel()

	_, ok := <-events
	assert.False(t, ok)

	str := client.streams[StreamName("run-4")]
	assert.Eventually(t, func() bool { return str.sink.closed }, time.Second, 10*time.Millisecond)
}

func TestStreamRejectsEmptyName(t *testing.T) {
	c := &client{}
	_, err := c.Stream("")
	assert.Error(t, err)
}

func TestClientStreamPropagatesError(t *testing.T) {
	client := newFakeClient()
	client.err = errors.New("redis down")
	_, err := client.Stream("x")
	assert.Error(t, err)
}
