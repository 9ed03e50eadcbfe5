package client

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/eventsync/internal/ir"
)

// Client is the dispatch entry point handed to the UI layer. It forwards
// bare events unchanged and creates sequences that stamp ordering metadata.
//
// Thread-safety: all methods are safe for concurrent use.
type Client struct {
	dispatcher Dispatcher
	ids        IDGenerator

	mu   sync.Mutex
	live map[*Sequence]struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithIDGenerator replaces the UUIDv7 sequence id generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(c *Client) {
		c.ids = g
	}
}

// New creates a client sending events through d.
func New(d Dispatcher, opts ...Option) *Client {
	c := &Client{
		dispatcher: d,
		ids:        UUIDv7Generator{},
		live:       make(map[*Sequence]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dispatch sends a bare event. Nothing is stamped.
func (c *Client) Dispatch(ctx context.Context, ev ir.Event) error {
	return c.dispatcher.Dispatch(ctx, ev)
}

// CreateSequence starts a new sequence with a fresh id and counter 0.
func (c *Client) CreateSequence() *Sequence {
	s := &Sequence{client: c, id: c.ids.Generate()}
	c.track(s)
	return s
}

// Sequences returns the ids of live sequences, sorted.
func (c *Client) Sequences() []string {
	c.mu.Lock()
	ids := make([]string, 0, len(c.live))
	for s := range c.live {
		ids = append(ids, s.ID())
	}
	c.mu.Unlock()

	slices.Sort(ids)
	return ids
}

func (c *Client) track(s *Sequence) {
	c.mu.Lock()
	c.live[s] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) release(s *Sequence) {
	c.mu.Lock()
	delete(c.live, s)
	c.mu.Unlock()
}

// Sequence stamps outgoing events with its id and an auto-incremented
// counter starting at 1.
//
// Once a dispatch fails, the sequence latches: every later Dispatch returns
// nil without contacting the server, until Reset.
//
// Dispatches on one Sequence are serialized; each send completes before the
// next is stamped.
type Sequence struct {
	client *Client

	mu      sync.Mutex
	id      string
	counter int64
	failed  bool
	ended   bool
}

// ID returns the sequence id.
func (s *Sequence) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Counter returns the counter of the last stamped event.
func (s *Sequence) Counter() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter
}

// Failed reports whether a dispatch on this sequence failed.
func (s *Sequence) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// Ended reports whether End was called.
func (s *Sequence) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Dispatch stamps ev with the sequence id and the next counter and sends it.
// The caller's revert point and end flags are kept.
func (s *Sequence) Dispatch(ctx context.Context, ev ir.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatchLocked(ctx, ev)
}

// End dispatches ev marked as the last event of the sequence and releases
// the sequence from its client.
func (s *Sequence) End(ctx context.Context, ev ir.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev.SequenceEnd = true
	err := s.dispatchLocked(ctx, ev)
	s.ended = true
	s.client.release(s)
	return err
}

// Reset starts the sequence over: new id, counter 0, failure cleared.
func (s *Sequence) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.id = s.client.ids.Generate()
	s.counter = 0
	s.failed = false
	s.ended = false
	s.client.track(s)
}

func (s *Sequence) dispatchLocked(ctx context.Context, ev ir.Event) error {
	if s.failed {
		slog.Debug("dispatch skipped: sequence failed",
			"type", ev.Type,
			"sequence_id", s.id,
		)
		return nil
	}

	s.counter++
	stamped := ev.WithSequence(s.id, s.counter)
	if err := s.client.dispatcher.Dispatch(ctx, stamped); err != nil {
		s.failed = true
		return fmt.Errorf("sequence %s counter %d: %w", s.id, s.counter, err)
	}
	return nil
}
