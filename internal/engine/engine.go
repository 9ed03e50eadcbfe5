package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/roach88/eventsync/internal/doc"
	"github.com/roach88/eventsync/internal/ir"
)

// PeriodicEventType is the type of the synthetic tick event.
const PeriodicEventType = "periodic"

// DefaultTickInterval is the default period of the tick event.
const DefaultTickInterval = 5 * time.Second

// Validator checks an event before it is admitted. Implemented by the
// schema package.
type Validator interface {
	Validate(ev ir.Event) error
}

// Outcome is what happened to a processed event.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeDropped Outcome = "dropped"
	OutcomeFailed  Outcome = "failed"
)

// Result describes one processed event.
type Result struct {
	// ID is a unique, time-sortable processing id (ULID).
	ID string

	// Seq is the logical clock value stamped on the event.
	Seq int64

	Outcome Outcome

	// Reason is set when Outcome is OutcomeDropped.
	Reason DropReason

	EventType       string
	SequenceID      string
	SequenceCounter int64
}

// Applied reports whether the event's reducers ran successfully.
func (r Result) Applied() bool { return r.Outcome == OutcomeApplied }

// Processor is the server-side event processor.
//
// It resolves each event's sequence tracker, then runs every registered
// reducer, in registration order, inside one document transaction.
//
// Thread-safety model:
//   - Process, Batch, Tick, Drain: safe from any goroutine; reduction is
//     single-flight behind an internal lock
//   - Submit: safe from any goroutine; the event joins the FIFO and the
//     caller waits for its result
//   - Run: must be called from exactly ONE goroutine
//
// INVARIANTS:
//   - reducers order NEVER changes once registered (append-only)
//   - per sequence, accepted counters are strictly increasing except for
//     revert points
//   - follow-up events never run inside the transaction that queued them
type Processor struct {
	doc   *doc.Document
	clock *Clock
	queue *eventQueue

	mu       sync.Mutex // serializes reduction and guards trackers
	reducers []Reducer
	trackers *trackerSet

	cascade      cascadeLimit
	tickInterval time.Duration
	sequenceTTL  time.Duration
	maxSequences uint64
	extraArgs    ExtraArgs
	extraContext ExtraArgs
	validator    Validator
	now          func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithMaxCascade sets the maximum follow-up dispatch depth.
//
// Default: 64 (DefaultMaxCascade)
func WithMaxCascade(depth int) Option {
	return func(p *Processor) {
		p.cascade = cascadeLimit{max: depth}
	}
}

// WithTickInterval sets the period of the synthetic tick event.
// Zero disables ticks.
//
// Default: 5s (DefaultTickInterval)
func WithTickInterval(d time.Duration) Option {
	return func(p *Processor) {
		p.tickInterval = d
	}
}

// WithSequenceTTL sets how long an idle sequence tracker is kept.
//
// Default: 30m (DefaultSequenceTTL)
func WithSequenceTTL(d time.Duration) Option {
	return func(p *Processor) {
		p.sequenceTTL = d
	}
}

// WithMaxSequences bounds the number of live trackers. Zero means unbounded.
//
// Default: 100000 (DefaultMaxSequences)
func WithMaxSequences(n uint64) Option {
	return func(p *Processor) {
		p.maxSequences = n
	}
}

// WithExtraArgs sets default extra args merged under every dispatch's own.
func WithExtraArgs(args ExtraArgs) Option {
	return func(p *Processor) {
		p.extraArgs = ExtraArgs(nil).Merge(args)
	}
}

// WithExtraContext binds the process-wide context handed to every reducer.
func WithExtraContext(extra ExtraArgs) Option {
	return func(p *Processor) {
		p.extraContext = ExtraArgs(nil).Merge(extra)
	}
}

// WithValidator installs a payload validator run before admission.
func WithValidator(v Validator) Option {
	return func(p *Processor) {
		p.validator = v
	}
}

// WithClock replaces the logical clock, e.g. to resume after a persisted seq.
func WithClock(c *Clock) Option {
	return func(p *Processor) {
		p.clock = c
	}
}

// WithNow replaces the wall clock used for tick event dates.
func WithNow(now func() time.Time) Option {
	return func(p *Processor) {
		p.now = now
	}
}

// New creates a Processor reducing into d.
func New(d *doc.Document, opts ...Option) *Processor {
	p := &Processor{
		doc:          d,
		clock:        NewClock(),
		queue:        newEventQueue(),
		cascade:      cascadeLimit{max: DefaultMaxCascade},
		tickInterval: DefaultTickInterval,
		sequenceTTL:  DefaultSequenceTTL,
		maxSequences: DefaultMaxSequences,
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(p)
	}

	p.trackers = newTrackerSet(p.sequenceTTL, p.maxSequences)
	return p
}

// AddReducer appends a reducer. Registration order is semantically
// significant: later reducers observe earlier reducers' writes.
func (p *Processor) AddReducer(r Reducer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reducers = append(p.reducers, r)
}

// Document returns the shared document the processor reduces into.
func (p *Processor) Document() *doc.Document {
	return p.doc
}

// Seq returns the current logical clock value.
func (p *Processor) Seq() int64 {
	return p.clock.Current()
}

// Process reduces one event and returns once it is fully applied.
//
// Stale, duplicate and failed-sequence events are dropped: they return a
// Result with OutcomeDropped and a nil error. A reducer failure marks the
// event's sequence failed and returns a *ReducerError. Malformed events
// return an *ir.ValidationError without touching any tracker.
func (p *Processor) Process(ctx context.Context, ev ir.Event, extra ExtraArgs) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processLocked(ctx, ev, extra, 0)
}

// Batch processes events strictly in order, each fully applied before the
// next starts. It stops at the first error and returns the results so far.
func (p *Processor) Batch(ctx context.Context, events []ir.Event, extra ExtraArgs) ([]Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	results := make([]Result, 0, len(events))
	for i, ev := range events {
		res, err := p.processLocked(ctx, ev, extra, 0)
		results = append(results, res)
		if err != nil {
			return results, fmt.Errorf("batch event %d: %w", i, err)
		}
	}
	return results, nil
}

// Submit queues an external event behind any pending follow-ups and waits
// for its result. The event is processed by Run (or Drain).
func (p *Processor) Submit(ctx context.Context, ev ir.Event, extra ExtraArgs) (Result, error) {
	reply := make(chan submitResult, 1)
	if !p.queue.Enqueue(queued{event: ev, extra: extra, reply: reply}) {
		return Result{}, ErrStopped
	}

	select {
	case r := <-reply:
		return r.result, r.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Drain processes queued events until the queue is empty, including
// follow-ups queued along the way. Returns how many events were processed.
// Follow-up failures are logged, not returned.
func (p *Processor) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		item, ok := p.queue.TryDequeue()
		if !ok {
			return n, nil
		}
		p.handle(ctx, item)
		n++
	}
}

// Tick injects one periodic event and sweeps expired trackers.
// Failures are logged and never returned.
func (p *Processor) Tick(ctx context.Context) {
	p.mu.Lock()
	p.trackers.sweep()
	p.mu.Unlock()

	ev := ir.NewEvent(PeriodicEventType, ir.IRObject{
		"date":     ir.IRString(p.now().UTC().Format(time.RFC3339)),
		"interval": ir.IRInt(p.tickInterval.Milliseconds()),
	})
	if _, err := p.Process(ctx, ev, InternalExtraArgs); err != nil {
		slog.Error("periodic event failed",
			"error", err,
		)
	}
}

// Run processes queued events and emits ticks until ctx is cancelled or
// Stop is called.
//
// CRITICAL: Must be called from exactly ONE goroutine.
//
// ERROR HANDLING: failures of follow-up events are logged with full event
// context and processing continues; there is no caller to return them to.
func (p *Processor) Run(ctx context.Context) error {
	slog.Info("engine starting",
		"tick_interval", p.tickInterval,
		"reducers", p.reducerCount(),
	)

	var tick <-chan time.Time
	if p.tickInterval > 0 {
		ticker := time.NewTicker(p.tickInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		if item, ok := p.queue.TryDequeue(); ok {
			p.handle(ctx, item)
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("engine stopping: context cancelled")
			p.queue.Close()
			p.failPending(ctx.Err())
			return ctx.Err()

		case <-tick:
			p.Tick(ctx)

		case <-p.queue.Wait():
			if p.queue.Closed() && p.queue.Len() == 0 {
				slog.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the queue. Run returns once already queued events are done.
func (p *Processor) Stop() {
	p.queue.Close()
}

// Sequence returns the state of a live sequence tracker.
func (p *Processor) Sequence(id string) (SequenceInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tr := p.trackers.peek(id)
	if tr == nil {
		return SequenceInfo{}, false
	}
	return tr.Info(), true
}

// SequenceHistory returns the recent accepted events of a live sequence.
func (p *Processor) SequenceHistory(id string) []HistoryEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	tr := p.trackers.peek(id)
	if tr == nil {
		return nil
	}
	return tr.History()
}

// SequenceCount returns the number of live sequence trackers.
func (p *Processor) SequenceCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trackers.len()
}

func (p *Processor) reducerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reducers)
}

// handle processes one dequeued item and routes its outcome.
func (p *Processor) handle(ctx context.Context, item queued) {
	p.mu.Lock()
	res, err := p.processLocked(ctx, item.event, item.extra, item.depth)
	p.mu.Unlock()

	if item.reply != nil {
		item.reply <- submitResult{result: res, err: err}
		return
	}
	if err != nil {
		logEventError(item, err)
	}
}

// failPending answers every waiting Submit after shutdown.
func (p *Processor) failPending(err error) {
	for {
		item, ok := p.queue.TryDequeue()
		if !ok {
			return
		}
		if item.reply != nil {
			item.reply <- submitResult{err: err}
		}
	}
}

// processLocked is the processing algorithm. Caller must hold p.mu.
func (p *Processor) processLocked(ctx context.Context, ev ir.Event, extra ExtraArgs, depth int) (Result, error) {
	res := Result{
		EventType:       ev.Type,
		SequenceID:      ev.SequenceID,
		SequenceCounter: ev.SequenceCounter,
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}
	if err := ev.Validate(); err != nil {
		return res, err
	}
	if p.validator != nil {
		if err := p.validator.Validate(ev); err != nil {
			return res, err
		}
	}

	res.Seq = p.clock.Next()
	res.ID = ulid.Make().String()

	var (
		tracker *SequenceTracker
		info    *SequenceInfo
	)
	if ev.Sequenced() {
		tracker = p.trackers.fetchOrCreate(ev.SequenceID, res.Seq)
		if ok, reason := tracker.Admit(ev, res.Seq); !ok {
			res.Outcome = OutcomeDropped
			res.Reason = reason
			slog.Debug("event dropped",
				"type", ev.Type,
				"sequence_id", ev.SequenceID,
				"sequence_counter", ev.SequenceCounter,
				"tracker_counter", tracker.Counter(),
				"reason", reason,
				"seq", res.Seq,
			)
			return res, nil
		}
		snapshot := tracker.Info()
		info = &snapshot
	}

	args := ReduceArgs{
		Doc:          p.doc,
		Sequence:     info,
		Dispatch:     p.dispatcher(depth),
		ExtraArgs:    p.extraArgs.Merge(extra),
		ExtraContext: p.extraContext,
	}

	err := p.doc.Transaction(ctx, func(ctx context.Context) error {
		for i, r := range p.reducers {
			args.Event = ev.Clone()
			if err := runReducer(ctx, r, i, args); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if tracker != nil {
			tracker.SetFailed()
		}
		res.Outcome = OutcomeFailed
		slog.Error("event failed",
			"type", ev.Type,
			"sequence_id", ev.SequenceID,
			"sequence_counter", ev.SequenceCounter,
			"seq", res.Seq,
			"error", err,
		)
		return res, err
	}

	res.Outcome = OutcomeApplied
	slog.Debug("event applied",
		"type", ev.Type,
		"sequence_id", ev.SequenceID,
		"sequence_counter", ev.SequenceCounter,
		"seq", res.Seq,
		"id", res.ID,
	)
	return res, nil
}

// dispatcher returns the follow-up dispatch capability for an event at depth.
func (p *Processor) dispatcher(depth int) DispatchFunc {
	return func(ev ir.Event, extra ExtraArgs) bool {
		next := depth + 1
		if err := p.cascade.Check(ev, next); err != nil {
			slog.Error("follow-up dropped",
				"type", ev.Type,
				"error", err,
			)
			return false
		}
		return p.queue.Enqueue(queued{event: ev.Clone(), extra: extra, depth: next})
	}
}

// runReducer calls one reducer, converting errors and panics into
// *ReducerError.
func runReducer(ctx context.Context, r Reducer, index int, args ReduceArgs) (err error) {
	name := reducerName(r, index)
	wrap := func(cause error, panicked bool) error {
		return &ReducerError{
			Reducer:         name,
			EventType:       args.Event.Type,
			SequenceID:      args.Event.SequenceID,
			SequenceCounter: args.Event.SequenceCounter,
			Panicked:        panicked,
			Err:             cause,
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = wrap(fmt.Errorf("%v", rec), true)
		}
	}()

	if rerr := r.Reduce(ctx, args); rerr != nil {
		return wrap(rerr, false)
	}
	return nil
}

// logEventError logs a failed follow-up with enough context to replay it
// by hand.
func logEventError(item queued, err error) {
	slog.Error("follow-up event failed",
		"type", item.event.Type,
		"sequence_id", item.event.SequenceID,
		"sequence_counter", item.event.SequenceCounter,
		"depth", item.depth,
		"error", err,
	)
}
