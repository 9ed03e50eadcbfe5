package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/eventsync/internal/doc"
	"github.com/roach88/eventsync/internal/engine"
	"github.com/roach88/eventsync/internal/ir"
	"github.com/roach88/eventsync/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s", event.Step, event.Kind, event.Type)
			if event.SequenceID != "" {
				fmt.Fprintf(&buf, " %s#%d", event.SequenceID, event.SequenceCounter)
			}
			fmt.Fprintf(&buf, " -> %s", event.Outcome)
			if event.Reason != "" {
				fmt.Fprintf(&buf, " (%s)", event.Reason)
			}
			buf.WriteByte('\n')
		}
	}

	return buf.String()
}

// AssertionContext provides what assertions inspect besides the trace.
type AssertionContext struct {
	Ctx       context.Context
	Store     *store.Store
	Doc       *doc.Document
	Processor *engine.Processor

	// Sequences maps client step names to sequence ids.
	Sequences map[string]string
}

// assertSequence checks a tracker's counter, failed and ended fields
// (subset match).
func assertSequence(actx *AssertionContext, assertion Assertion) error {
	id := assertion.Sequence
	if mapped, ok := actx.Sequences[id]; ok {
		id = mapped
	}

	info, ok := actx.Processor.Sequence(id)
	if !ok {
		return &AssertionError{
			Type:     AssertSequence,
			Expected: fmt.Sprintf("tracker for sequence %s", id),
			Actual:   "no such tracker",
		}
	}

	actual := map[string]any{
		"counter": info.Counter,
		"failed":  info.Failed,
		"ended":   info.Ended,
	}
	for _, key := range []string{"counter", "failed", "ended"} {
		want, ok := assertion.Expect[key]
		if !ok {
			continue
		}
		if !nativeEqual(want, actual[key]) {
			return &AssertionError{
				Type:     AssertSequence,
				Expected: fmt.Sprintf("sequence %s %s = %v", id, key, want),
				Actual:   fmt.Sprintf("%s = %v", key, actual[key]),
			}
		}
	}
	return nil
}

// assertContainer compares a live document container with the expected
// value.
func assertContainer(actx *AssertionContext, assertion Assertion) error {
	got, ok := actx.Doc.Snapshot(assertion.Container)
	if !ok {
		return &AssertionError{
			Type:     AssertContainer,
			Expected: fmt.Sprintf("container %s", assertion.Container),
			Actual:   "container not found",
		}
	}
	return compareValue(AssertContainer, assertion, got)
}

// assertStored compares the container as persisted to SQLite.
func assertStored(actx *AssertionContext, assertion Assertion) error {
	c, err := actx.Store.ReadContainer(actx.Ctx, assertion.Container)
	if err != nil {
		return &AssertionError{
			Type:     AssertStored,
			Expected: fmt.Sprintf("stored container %s", assertion.Container),
			Actual:   err.Error(),
		}
	}
	return compareValue(AssertStored, assertion, c.Data)
}

func compareValue(kind string, assertion Assertion, got ir.IRValue) error {
	want, err := ir.FromNative(assertion.Value)
	if err != nil {
		return fmt.Errorf("%s %s: expected value: %w", kind, assertion.Container, err)
	}
	if !ir.Equal(want, got) {
		return &AssertionError{
			Type:     kind,
			Expected: fmt.Sprintf("%s = %s", assertion.Container, formatValue(want)),
			Actual:   formatValue(got),
		}
	}
	return nil
}

// assertTraceCount checks how many trace entries have the event type and,
// if given, the outcome.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Type != assertion.Event {
			continue
		}
		if assertion.Outcome != "" && event.Outcome != assertion.Outcome {
			continue
		}
		count++
	}

	if count != assertion.Count {
		what := assertion.Event
		if assertion.Outcome != "" {
			what += " " + assertion.Outcome
		}
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, what),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// nativeEqual compares a YAML-decoded value with a Go value through the
// IR value model, so int and int64 compare equal.
func nativeEqual(want, got any) bool {
	w, err := ir.FromNative(want)
	if err != nil {
		return false
	}
	g, err := ir.FromNative(got)
	if err != nil {
		return false
	}
	return ir.Equal(w, g)
}

func formatValue(v ir.IRValue) string {
	data, err := ir.MarshalValue(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertSequence:
			if actx == nil || actx.Processor == nil {
				err = fmt.Errorf("assertion[%d]: sequence requires a processor", i)
			} else {
				err = assertSequence(actx, assertion)
			}
		case AssertContainer:
			if actx == nil || actx.Doc == nil {
				err = fmt.Errorf("assertion[%d]: container requires a document", i)
			} else {
				err = assertContainer(actx, assertion)
			}
		case AssertStored:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: stored requires database context", i)
			} else {
				err = assertStored(actx, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
