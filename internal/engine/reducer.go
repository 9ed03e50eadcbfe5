package engine

import (
	"context"
	"fmt"
	"maps"

	"github.com/roach88/eventsync/internal/doc"
	"github.com/roach88/eventsync/internal/ir"
)

// Reducer is a registered unit of business logic. Every reducer runs for
// every event, in registration order, inside one document transaction.
//
// A reducer must return nil for event types it does not recognize. It may
// mutate args.Doc only during the call, and may call args.Dispatch to queue
// follow-up events; those run after the current event, never inside its
// transaction.
type Reducer interface {
	Reduce(ctx context.Context, args ReduceArgs) error
}

// ReducerFunc adapts a function to the Reducer interface.
type ReducerFunc func(ctx context.Context, args ReduceArgs) error

// Reduce calls f.
func (f ReducerFunc) Reduce(ctx context.Context, args ReduceArgs) error {
	return f(ctx, args)
}

// Named gives a reducer a name used in logs and ReducerError.
func Named(name string, r Reducer) Reducer {
	return namedReducer{name: name, Reducer: r}
}

type namedReducer struct {
	name string
	Reducer
}

func (n namedReducer) Name() string { return n.name }

// reducerName returns the reducer's Name() if it has one, else a
// positional name.
func reducerName(r Reducer, index int) string {
	if n, ok := r.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("reducer[%d]", index)
}

// DispatchFunc queues a follow-up event. It reports false when the event
// was refused (cascade limit reached or processor stopped).
type DispatchFunc func(ev ir.Event, extra ExtraArgs) bool

// ReduceArgs is everything a reducer receives for one event.
type ReduceArgs struct {
	// Doc is the shared document. Writes are part of the open transaction.
	Doc *doc.Document

	// Event is a private copy of the event being processed.
	Event ir.Event

	// Sequence is the tracker state after admission, or nil for bare events.
	Sequence *SequenceInfo

	// Dispatch queues follow-up events.
	Dispatch DispatchFunc

	// ExtraArgs is the processor-wide defaults merged with the per-dispatch
	// arguments (request data such as ip and user_id). Read-only.
	ExtraArgs ExtraArgs

	// ExtraContext is the process-wide bound context. Read-only.
	ExtraContext ExtraArgs
}

// ExtraArgs carries auxiliary values alongside an event: request metadata
// at the HTTP boundary, or process-wide capabilities bound at startup.
type ExtraArgs map[string]any

// Merge returns a new map with a's entries overlaid by over's.
func (a ExtraArgs) Merge(over ExtraArgs) ExtraArgs {
	out := make(ExtraArgs, len(a)+len(over))
	maps.Copy(out, a)
	maps.Copy(out, over)
	return out
}

// String returns a string value or "".
func (a ExtraArgs) String(key string) string {
	s, _ := a[key].(string)
	return s
}

// InternalExtraArgs marks events generated inside the server (ticks).
var InternalExtraArgs = ExtraArgs{"ip": "internal", "user_id": "internal"}
