package client

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/roach88/eventsync/internal/ir"
)

// JitterDispatcher delays every dispatch by a random duration in
// [min, max) before forwarding it. It adds latency, never reordering: each
// call waits for its own delay and then for the wrapped dispatcher.
type JitterDispatcher struct {
	next     Dispatcher
	min, max time.Duration
	delay    func() time.Duration
}

// NewJitterDispatcher wraps next with a random delay in [min, max).
func NewJitterDispatcher(next Dispatcher, min, max time.Duration) *JitterDispatcher {
	if max < min {
		max = min
	}
	j := &JitterDispatcher{next: next, min: min, max: max}
	j.delay = j.random
	return j
}

func (j *JitterDispatcher) random() time.Duration {
	span := j.max - j.min
	if span <= 0 {
		return j.min
	}
	return j.min + rand.N(span)
}

// Dispatch waits for the jitter delay, then forwards ev. A cancelled ctx
// aborts the wait and the event is not sent.
func (j *JitterDispatcher) Dispatch(ctx context.Context, ev ir.Event) error {
	if d := j.delay(); d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return j.next.Dispatch(ctx, ev)
}
