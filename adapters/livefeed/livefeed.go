// Package livefeed publishes a run's event log to a Pulse stream and lets
// other processes subscribe to it, the cross-process analogue of
// supervisor.Supervisor.Subscribe. A single process owns the run (and its
// in-memory fan-out); any process — including the owner — can watch it live
// by subscribing to the Pulse stream instead.
package livefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/brainrun/brains/event"
)

type (
	// Client exposes the subset of Pulse operations this package needs. It
	// mirrors goa-ai's own clients/pulse.Client, narrowed to what Publisher
	// and Subscriber use.
	Client interface {
		// Stream returns a handle on the named Pulse stream, creating it if
		// it doesn't already exist.
		Stream(name string) (Stream, error)
		// Close releases client-owned resources. Callers that own the
		// underlying Redis connection may no-op this.
		Close(ctx context.Context) error
	}

	// Stream is the subset of a Pulse stream handle this package needs.
	Stream interface {
		Add(ctx context.Context, name string, payload []byte) (string, error)
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
	}

	// Sink is the subset of a Pulse consumer-group sink this package needs.
	Sink interface {
		Subscribe() <-chan *streaming.Event
		Ack(context.Context, *streaming.Event) error
		Close(context.Context)
	}

	// ClientOptions configures New.
	ClientOptions struct {
		// Redis is the connection backing every Pulse stream. Required.
		Redis *redis.Client
		// StreamMaxLen bounds the number of entries retained per stream.
		// Zero uses Pulse's own default.
		StreamMaxLen int
	}

	client struct {
		redis  *redis.Client
		maxLen int
	}

	streamHandle struct {
		stream *streaming.Stream
	}

	sinkAdapter struct {
		*streaming.Sink
	}
)

// New constructs a Pulse-backed Client from a Redis connection.
func New(opts ClientOptions) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("livefeed: redis client is required")
	}
	return &client{redis: opts.Redis, maxLen: opts.StreamMaxLen}, nil
}

func (c *client) Stream(name string) (Stream, error) {
	if name == "" {
		return nil, errors.New("livefeed: stream name is required")
	}
	var opts []streamopts.Stream
	if c.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(c.maxLen))
	}
	str, err := streaming.NewStream(name, c.redis, opts...)
	if err != nil {
		return nil, fmt.Errorf("livefeed: create stream: %w", err)
	}
	return &streamHandle{stream: str}, nil
}

func (c *client) Close(ctx context.Context) error { return nil }

func (h *streamHandle) Add(ctx context.Context, name string, payload []byte) (string, error) {
	id, err := h.stream.Add(ctx, name, payload)
	if err != nil {
		return "", fmt.Errorf("livefeed: publish: %w", err)
	}
	return id, nil
}

func (h *streamHandle) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	sink, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, fmt.Errorf("livefeed: open sink: %w", err)
	}
	return &sinkAdapter{Sink: sink}, nil
}

func (s *sinkAdapter) Close(ctx context.Context) { s.Sink.Close(ctx) }

// StreamName derives the Pulse stream name for a run's live feed.
func StreamName(runID string) string {
	return "brains/run/" + runID
}

// Publisher fans a run's events out onto a Pulse stream. Constructed per
// run, typically from an EventLog wrapper whose Append the supervisor calls
// for every event the run emits.
type Publisher struct {
	stream Stream
}

// NewPublisher opens (creating if needed) the Pulse stream for runID.
func NewPublisher(c Client, runID string) (*Publisher, error) {
	str, err := c.Stream(StreamName(runID))
	if err != nil {
		return nil, err
	}
	return &Publisher{stream: str}, nil
}

// Publish serializes e as JSON and appends it to the run's stream.
func (p *Publisher) Publish(ctx context.Context, e event.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("livefeed: marshal event: %w", err)
	}
	_, err = p.stream.Add(ctx, string(e.Type), payload)
	return err
}

// Subscriber consumes a run's Pulse stream and decodes it back into
// event.Event values for a remote watcher (e.g. an httpapi SSE handler
// running in a different process than the one executing the run).
type Subscriber struct {
	client Client
	buffer int
	group  string
}

// SubscriberOptions configures NewSubscriber.
type SubscriberOptions struct {
	// Group names the Pulse consumer group. Defaults to "brains_livefeed".
	Group string
	// Buffer sizes the returned event channel. Defaults to 64.
	Buffer int
}

// NewSubscriber builds a Subscriber over c.
func NewSubscriber(c Client, opts SubscriberOptions) *Subscriber {
	group := opts.Group
	if group == "" {
		group = "brains_livefeed"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{client: c, buffer: buffer, group: group}
}

// Subscribe opens a consumer group on runID's stream and returns a channel
// of decoded events, an error channel, and a cancel function that stops
// consumption and releases the sink. Mirrors supervisor.Subscribe's
// channel + cancel-func shape so callers can treat either source the same
// way.
func (s *Subscriber) Subscribe(ctx context.Context, runID string) (<-chan event.Event, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(StreamName(runID))
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.group)
	if err != nil {
		return nil, nil, nil, err
	}

	events := make(chan event.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go consume(runCtx, sink, events, errs)

	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return events, errs, cancelFunc, nil
}

func consume(ctx context.Context, sink Sink, out chan<- event.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			var e event.Event
			if err := json.Unmarshal(raw.Payload, &e); err != nil {
				errs <- fmt.Errorf("livefeed: decode event: %w", err)
				return
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, raw); err != nil {
				errs <- fmt.Errorf("livefeed: ack event: %w", err)
				return
			}
		}
	}
}
