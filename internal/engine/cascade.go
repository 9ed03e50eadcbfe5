package engine

import (
	"github.com/roach88/eventsync/internal/ir"
)

// DefaultMaxCascade is the default maximum follow-up dispatch depth.
// This prevents reducers that dispatch each other from looping forever.
const DefaultMaxCascade = 64

// cascadeLimit bounds how deep reducer-dispatched follow-ups may chain.
//
// An external event has depth 0; an event dispatched by a reducer while
// processing an event of depth d has depth d+1. Follow-ups beyond the limit
// are dropped with a CascadeError. The event that dispatched them is
// unaffected.
type cascadeLimit struct {
	max int
}

// Check validates the depth a follow-up would have.
// A non-positive limit disables follow-up dispatch entirely.
func (c cascadeLimit) Check(ev ir.Event, depth int) error {
	if depth > c.max {
		return &CascadeError{
			EventType: ev.Type,
			Depth:     depth,
			Limit:     c.max,
		}
	}
	return nil
}
