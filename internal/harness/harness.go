package harness

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/eventsync/internal/client"
	"github.com/roach88/eventsync/internal/doc"
	"github.com/roach88/eventsync/internal/engine"
	"github.com/roach88/eventsync/internal/ir"
	"github.com/roach88/eventsync/internal/reducers"
	"github.com/roach88/eventsync/internal/schema"
	"github.com/roach88/eventsync/internal/store"
	"github.com/roach88/eventsync/internal/testutil"
)

// LogContainer is the list the log reducer appends to.
const LogContainer = "log"

// failKey is the extra arg that makes the fault reducer fail.
const failKey = "harness.fail"

// ErrInjected is the error returned by the fault reducer.
var ErrInjected = errors.New("injected failure")

var builtinReducers = map[string]func() engine.Reducer{
	"log":   func() engine.Reducer { return engine.Named("log", engine.ReducerFunc(logReducer)) },
	"graph": func() engine.Reducer { return reducers.Graph{} },
}

func logReducer(ctx context.Context, args engine.ReduceArgs) error {
	if x, ok := args.Event.Get("x"); ok {
		args.Doc.List(LogContainer).Push(x)
	}
	return nil
}

func faultReducer(ctx context.Context, args engine.ReduceArgs) error {
	if fail, _ := args.ExtraArgs[failKey].(bool); fail {
		return ErrInjected
	}
	return nil
}

// Harness is the test execution engine.
// It runs scenarios with a manual clock and fixed sequence ids.
type Harness struct {
	store  *store.Store
	doc    *doc.Document
	proc   *engine.Processor
	clock  *testutil.ManualClock
	client *client.Client

	// sequences maps client step names to their sequences.
	sequences map[string]*client.Sequence

	// Set by the client dispatcher for the step being run.
	stepExtra engine.ExtraArgs
	sent      *engine.Result
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
//
// Execution flow:
// 1. Create fresh in-memory database and document
// 2. Register the fault reducer, then the scenario's reducers
// 3. Execute steps, checking each step's expect clause
// 4. Evaluate assertions
// 5. Return result with pass/fail, trace, state and errors
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h, err := newHarness(scenario, st)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	detach := st.Persist(ctx, h.doc, h.proc.Seq)
	defer detach()

	result := NewResult()
	for i, step := range scenario.Steps {
		te, err := h.runStep(ctx, i, step)
		if err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
		result.AddTrace(te)
		if msg := checkExpect(i, step.Expect, te); msg != "" {
			result.AddError(msg)
		}
	}

	for _, name := range h.doc.Names() {
		if v, ok := h.doc.Snapshot(name); ok {
			result.State[name] = v
		}
	}

	actx := &AssertionContext{
		Ctx:       ctx,
		Store:     st,
		Doc:       h.doc,
		Processor: h.proc,
		Sequences: h.sequenceIDs(),
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}

	return result, nil
}

func newHarness(scenario *Scenario, st *store.Store) (*Harness, error) {
	h := &Harness{
		store:     st,
		doc:       doc.New(),
		clock:     testutil.NewManualClock(time.Time{}),
		sequences: make(map[string]*client.Sequence),
	}

	opts := []engine.Option{engine.WithNow(h.clock.Now)}
	if scenario.Schema != "" {
		v, err := schema.Load(scenario.Schema)
		if err != nil {
			return nil, fmt.Errorf("failed to load schema: %w", err)
		}
		opts = append(opts, engine.WithValidator(v))
	}
	h.proc = engine.New(h.doc, opts...)

	h.proc.AddReducer(engine.Named("fault", engine.ReducerFunc(faultReducer)))
	names := scenario.Reducers
	if len(names) == 0 {
		names = []string{"log"}
	}
	for _, name := range names {
		newReducer, ok := builtinReducers[name]
		if !ok {
			return nil, fmt.Errorf("unknown reducer %q", name)
		}
		h.proc.AddReducer(newReducer())
	}

	// Client sequence ids are the client step names, in order of first use.
	var clientNames []string
	for _, step := range scenario.Steps {
		if step.Client != "" && !slices.Contains(clientNames, step.Client) {
			clientNames = append(clientNames, step.Client)
		}
	}
	h.client = client.New(client.DispatcherFunc(h.clientDispatch),
		client.WithIDGenerator(client.NewFixedGenerator(scenario.Name, clientNames...)))

	return h, nil
}

func (h *Harness) clientDispatch(ctx context.Context, ev ir.Event) error {
	res, err := h.proc.Process(ctx, ev, h.stepExtra)
	h.sent = &res
	return err
}

func (h *Harness) sequenceIDs() map[string]string {
	ids := make(map[string]string, len(h.sequences))
	for name, seq := range h.sequences {
		ids[name] = seq.ID()
	}
	return ids
}

func (h *Harness) runStep(ctx context.Context, index int, step Step) (TraceEvent, error) {
	if step.Advance != "" {
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return TraceEvent{}, err
		}
		h.clock.Advance(d)
	}

	if step.Tick {
		h.proc.Tick(ctx)
		return TraceEvent{
			Step: index,
			Kind: KindTick,
			Type: engine.PeriodicEventType,
			Seq:  h.proc.Seq(),
		}, nil
	}

	extra := engine.ExtraArgs{}
	for k, v := range step.Extra {
		extra[k] = v
	}
	if step.Fail {
		extra[failKey] = true
	}

	te := TraceEvent{Step: index, Kind: KindEvent}
	if t, ok := step.Event["type"].(string); ok {
		te.Type = t
	}

	ev, err := decodeEvent(step.Event)
	if err != nil {
		te.Outcome = OutcomeInvalid
		te.Error = err.Error()
		return te, nil
	}
	te.Type = ev.Type
	te.RevertPoint = ev.SequenceRevertPoint

	if step.Client != "" {
		return h.runClientStep(ctx, te, step, ev, extra)
	}

	te.SequenceID = ev.SequenceID
	te.SequenceCounter = ev.SequenceCounter
	res, err := h.proc.Process(ctx, ev, extra)
	recordResult(&te, res, err)
	return te, nil
}

func (h *Harness) runClientStep(ctx context.Context, te TraceEvent, step Step, ev ir.Event, extra engine.ExtraArgs) (TraceEvent, error) {
	te.Kind = KindClient
	if ev.SequenceID != "" || ev.SequenceCounter != 0 {
		te.Outcome = OutcomeInvalid
		te.Error = "client events must not carry a sequence id or counter"
		return te, nil
	}

	seq, ok := h.sequences[step.Client]
	if !ok {
		seq = h.client.CreateSequence()
		h.sequences[step.Client] = seq
	}
	te.SequenceID = seq.ID()

	h.stepExtra = extra
	h.sent = nil
	var err error
	if step.End {
		err = seq.End(ctx, ev)
	} else {
		err = seq.Dispatch(ctx, ev)
	}

	if h.sent == nil {
		te.Outcome = OutcomeSkipped
		return te, nil
	}
	te.SequenceCounter = h.sent.SequenceCounter
	recordResult(&te, *h.sent, err)
	return te, nil
}

func recordResult(te *TraceEvent, res engine.Result, err error) {
	te.Seq = res.Seq
	te.Outcome = string(res.Outcome)
	te.Reason = string(res.Reason)
	if err != nil {
		te.Error = err.Error()
		var verr *ir.ValidationError
		if errors.As(err, &verr) {
			te.Outcome = OutcomeInvalid
		}
	}
}

func decodeEvent(wire map[string]any) (ir.Event, error) {
	v, err := ir.FromNative(wire)
	if err != nil {
		return ir.Event{}, &ir.ValidationError{Message: err.Error()}
	}
	obj, ok := v.(ir.IRObject)
	if !ok {
		return ir.Event{}, &ir.ValidationError{Message: "event must be an object"}
	}
	return ir.EventFromObject(obj)
}

func checkExpect(index int, want *StepExpect, got TraceEvent) string {
	if want == nil {
		return ""
	}
	if want.Outcome != got.Outcome {
		msg := fmt.Sprintf("steps[%d]: expected outcome %s, got %s", index, want.Outcome, got.Outcome)
		if got.Error != "" {
			msg += " (" + got.Error + ")"
		}
		return msg
	}
	if want.Reason != "" && want.Reason != got.Reason {
		return fmt.Sprintf("steps[%d]: expected reason %s, got %s", index, want.Reason, got.Reason)
	}
	return ""
}
