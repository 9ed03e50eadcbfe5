package engine

import (
	"errors"
	"fmt"
)

// ErrStopped is returned by Submit once the processor has been stopped.
var ErrStopped = errors.New("engine stopped")

// ReducerError reports a reducer failure while processing an event.
//
// It is the only processing error that propagates to the caller of
// Process. When the event belonged to a sequence, that sequence is marked
// failed before the error is returned.
type ReducerError struct {
	// Reducer is the name of the failing reducer.
	Reducer string

	// EventType is the type of the event being reduced.
	EventType string

	// SequenceID and SequenceCounter identify the event within its
	// sequence. Empty/zero for bare events.
	SequenceID      string
	SequenceCounter int64

	// Panicked is true when the reducer panicked rather than returning an error.
	Panicked bool

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *ReducerError) Error() string {
	verb := "failed"
	if e.Panicked {
		verb = "panicked"
	}
	if e.SequenceID != "" {
		return fmt.Sprintf("reducer %s %s on %s (sequence=%s, counter=%d): %v",
			e.Reducer, verb, e.EventType, e.SequenceID, e.SequenceCounter, e.Err)
	}
	return fmt.Sprintf("reducer %s %s on %s: %v", e.Reducer, verb, e.EventType, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ReducerError) Unwrap() error {
	return e.Err
}

// IsReducerError returns true if the error is a ReducerError.
// Uses errors.As to handle wrapped errors.
func IsReducerError(err error) bool {
	var re *ReducerError
	return errors.As(err, &re)
}

// CascadeError is reported when a follow-up event would exceed the
// maximum dispatch depth. The follow-up is dropped.
type CascadeError struct {
	EventType string // Type of the dropped follow-up
	Depth     int    // Depth the follow-up would have had
	Limit     int    // Configured maximum depth
}

// Error implements the error interface.
func (e *CascadeError) Error() string {
	return fmt.Sprintf("follow-up %s exceeded max cascade depth: %d > %d",
		e.EventType, e.Depth, e.Limit)
}

// IsCascadeError returns true if the error is a CascadeError.
// Uses errors.As to handle wrapped errors.
func IsCascadeError(err error) bool {
	var ce *CascadeError
	return errors.As(err, &ce)
}
