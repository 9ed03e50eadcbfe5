package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/eventsync/internal/doc"
	"github.com/roach88/eventsync/internal/ir"
)

// recorder is a reducer that appends every event it sees to the "log"
// list and fails on demand.
type recorder struct {
	mu     sync.Mutex
	seen   []ir.Event
	failOn func(ir.Event) error
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) Reduce(ctx context.Context, args ReduceArgs) error {
	r.mu.Lock()
	r.seen = append(r.seen, args.Event)
	r.mu.Unlock()

	if r.failOn != nil {
		if err := r.failOn(args.Event); err != nil {
			return err
		}
	}

	switch args.Event.Type {
	case "move":
		x, _ := args.Event.Int("x")
		args.Doc.List("log").Push(ir.IRInt(x))
	default:
	}
	return nil
}

func (r *recorder) events() []ir.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ir.Event(nil), r.seen...)
}

func move(x int64) ir.Event {
	return ir.NewEvent("move", ir.IRObject{"x": ir.IRInt(x)})
}

func logValues(t *testing.T, d *doc.Document) ir.IRArray {
	t.Helper()
	return d.List("log").Snapshot()
}

func newTestProcessor(t *testing.T, opts ...Option) (*Processor, *doc.Document) {
	t.Helper()
	d := doc.New()
	opts = append([]Option{WithTickInterval(0)}, opts...)
	return New(d, opts...), d
}

func TestProcessor_BareEvent(t *testing.T) {
	ctx := context.Background()
	p, d := newTestProcessor(t)
	rec := &recorder{}
	p.AddReducer(rec)

	res, err := p.Process(ctx, move(1), nil)
	require.NoError(t, err)

	assert.True(t, res.Applied())
	assert.Equal(t, int64(1), res.Seq)
	assert.Len(t, res.ID, 26, "processing id is a ULID")
	assert.Equal(t, ir.IRArray{ir.IRInt(1)}, logValues(t, d))
	assert.Equal(t, 0, p.SequenceCount(), "bare events create no tracker")
}

func TestProcessor_ExampleScenario(t *testing.T) {
	ctx := context.Background()
	p, d := newTestProcessor(t)
	rec := &recorder{failOn: func(ev ir.Event) error {
		if ev.SequenceCounter == 3 {
			return errors.New("forced failure")
		}
		return nil
	}}
	p.AddReducer(rec)

	// counter 1 accepted
	res, err := p.Process(ctx, move(1).WithSequence("S", 1), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	// replay rejected
	res, err = p.Process(ctx, move(1).WithSequence("S", 1), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDropped, res.Outcome)
	assert.Equal(t, DropStale, res.Reason)

	// counter 2 accepted
	res, err = p.Process(ctx, move(2).WithSequence("S", 2), nil)
	require.NoError(t, err)
	assert.True(t, res.Applied())

	info, ok := p.Sequence("S")
	require.True(t, ok)
	assert.Equal(t, int64(2), info.Counter)

	// counter 3 fails in the reducer
	res, err = p.Process(ctx, move(99).WithSequence("S", 3), nil)
	require.Error(t, err)
	assert.True(t, IsReducerError(err))
	assert.Equal(t, OutcomeFailed, res.Outcome)
	info, _ = p.Sequence("S")
	assert.True(t, info.Failed)

	// counter 4 dropped: sequence failed, not a revert point
	res, err = p.Process(ctx, move(3).WithSequence("S", 4), nil)
	require.NoError(t, err)
	assert.Equal(t, DropSequenceFailed, res.Reason)

	// counter 5 revert point accepted
	revert := move(4).WithSequence("S", 5)
	revert.SequenceRevertPoint = true
	res, err = p.Process(ctx, revert, nil)
	require.NoError(t, err)
	assert.True(t, res.Applied())

	info, _ = p.Sequence("S")
	assert.Equal(t, int64(5), info.Counter)
	assert.True(t, info.Failed, "revert point leaves the failure flag set")

	assert.Equal(t, ir.IRArray{ir.IRInt(1), ir.IRInt(2), ir.IRInt(4)}, logValues(t, d))
}

func TestProcessor_ReducerErrorDetails(t *testing.T) {
	p, _ := newTestProcessor(t)
	cause := errors.New("bad move")
	p.AddReducer(Named("mover", ReducerFunc(func(ctx context.Context, args ReduceArgs) error {
		return cause
	})))

	_, err := p.Process(context.Background(), move(1).WithSequence("S", 7), nil)

	var re *ReducerError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "mover", re.Reducer)
	assert.Equal(t, "move", re.EventType)
	assert.Equal(t, "S", re.SequenceID)
	assert.Equal(t, int64(7), re.SequenceCounter)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "reducer mover failed on move (sequence=S, counter=7)")
}

func TestProcessor_ReducerPanicIsRecovered(t *testing.T) {
	p, _ := newTestProcessor(t)
	p.AddReducer(ReducerFunc(func(ctx context.Context, args ReduceArgs) error {
		panic("nil map")
	}))

	_, err := p.Process(context.Background(), move(1).WithSequence("S", 1), nil)

	var re *ReducerError
	require.ErrorAs(t, err, &re)
	assert.True(t, re.Panicked)
	assert.Equal(t, "reducer[0]", re.Reducer)

	info, _ := p.Sequence("S")
	assert.True(t, info.Failed)

	// The processor keeps working after a panic.
	p2Res, err := p.Process(context.Background(), ir.NewEvent("noop", nil), nil)
	assert.Error(t, err, "panicking reducer panics on every event")
	assert.Equal(t, OutcomeFailed, p2Res.Outcome)
}

func TestProcessor_FailureIsolation(t *testing.T) {
	ctx := context.Background()
	p, d := newTestProcessor(t)
	p.AddReducer(&recorder{failOn: func(ev ir.Event) error {
		if ev.SequenceID == "A" {
			return errors.New("A is broken")
		}
		return nil
	}})

	_, err := p.Process(ctx, move(1).WithSequence("A", 1), nil)
	require.Error(t, err)

	res, err := p.Process(ctx, move(2).WithSequence("B", 1), nil)
	require.NoError(t, err)
	assert.True(t, res.Applied())

	res, err = p.Process(ctx, move(3), nil)
	require.NoError(t, err)
	assert.True(t, res.Applied())

	assert.Equal(t, ir.IRArray{ir.IRInt(2), ir.IRInt(3)}, logValues(t, d))
}

func TestProcessor_ReducersRunInRegistrationOrder(t *testing.T) {
	p, d := newTestProcessor(t)

	p.AddReducer(ReducerFunc(func(ctx context.Context, args ReduceArgs) error {
		args.Doc.Map("state").Set("first", ir.IRInt(1))
		return nil
	}))
	p.AddReducer(ReducerFunc(func(ctx context.Context, args ReduceArgs) error {
		v, ok := args.Doc.Map("state").Get("first")
		if !ok {
			return errors.New("second reducer must see the first one's write")
		}
		args.Doc.Map("state").Set("second", v.(ir.IRInt)+1)
		return nil
	}))

	_, err := p.Process(context.Background(), ir.NewEvent("any", nil), nil)
	require.NoError(t, err)

	v, _ := d.Map("state").Get("second")
	assert.Equal(t, ir.IRInt(2), v)
}

func TestProcessor_OneCommitPerEvent(t *testing.T) {
	p, d := newTestProcessor(t)
	var commits []doc.Commit
	d.OnCommit(func(c doc.Commit) { commits = append(commits, c) })

	for i := 0; i < 3; i++ {
		p.AddReducer(ReducerFunc(func(ctx context.Context, args ReduceArgs) error {
			args.Doc.List("log").Push(ir.IRInt(1))
			return nil
		}))
	}

	_, err := p.Process(context.Background(), ir.NewEvent("any", nil), nil)
	require.NoError(t, err)
	assert.Len(t, commits, 1)
	assert.Equal(t, 3, d.List("log").Len())
}

func TestProcessor_BatchOrder(t *testing.T) {
	p, d := newTestProcessor(t)
	p.AddReducer(&recorder{})

	results, err := p.Batch(context.Background(), []ir.Event{move(1), move(2), move(3)}, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, ir.IRArray{ir.IRInt(1), ir.IRInt(2), ir.IRInt(3)}, logValues(t, d))
	assert.Less(t, results[0].Seq, results[1].Seq)
	assert.Less(t, results[1].Seq, results[2].Seq)
}

func TestProcessor_BatchStopsAtFirstError(t *testing.T) {
	p, d := newTestProcessor(t)
	p.AddReducer(&recorder{failOn: func(ev ir.Event) error {
		if x, _ := ev.Int("x"); x == 2 {
			return errors.New("no twos")
		}
		return nil
	}})

	results, err := p.Batch(context.Background(), []ir.Event{move(1), move(2), move(3)}, nil)
	require.Error(t, err)
	assert.True(t, IsReducerError(err))
	assert.Len(t, results, 2)
	assert.Equal(t, ir.IRArray{ir.IRInt(1)}, logValues(t, d))
}

func TestProcessor_InvalidEvent(t *testing.T) {
	p, _ := newTestProcessor(t)
	rec := &recorder{}
	p.AddReducer(rec)

	_, err := p.Process(context.Background(), ir.Event{Type: "move", SequenceID: "S"}, nil)

	var verr *ir.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Empty(t, rec.events())
	assert.Equal(t, 0, p.SequenceCount())
}

type rejectAll struct{}

func (rejectAll) Validate(ev ir.Event) error {
	return &ir.ValidationError{Field: "x", Message: "rejected"}
}

func TestProcessor_Validator(t *testing.T) {
	p, _ := newTestProcessor(t, WithValidator(rejectAll{}))

	_, err := p.Process(context.Background(), move(1), nil)
	var verr *ir.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestProcessor_ExtraArgsMerge(t *testing.T) {
	p, _ := newTestProcessor(t,
		WithExtraArgs(ExtraArgs{"ip": "0.0.0.0", "tenant": "t1"}),
		WithExtraContext(ExtraArgs{"http": "client"}),
	)

	var got ReduceArgs
	p.AddReducer(ReducerFunc(func(ctx context.Context, args ReduceArgs) error {
		got = args
		return nil
	}))

	_, err := p.Process(context.Background(), move(1), ExtraArgs{"ip": "10.0.0.1", "user_id": "u1"})
	require.NoError(t, err)

	assert.Equal(t, ExtraArgs{"ip": "10.0.0.1", "tenant": "t1", "user_id": "u1"}, got.ExtraArgs)
	assert.Equal(t, "client", got.ExtraContext.String("http"))
	assert.Nil(t, got.Sequence)
}

func TestProcessor_ReducerSeesSequenceInfo(t *testing.T) {
	p, _ := newTestProcessor(t)

	var info *SequenceInfo
	p.AddReducer(ReducerFunc(func(ctx context.Context, args ReduceArgs) error {
		info = args.Sequence
		return nil
	}))

	_, err := p.Process(context.Background(), move(1).WithSequence("S", 3), nil)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "S", info.ID)
	assert.Equal(t, int64(3), info.Counter)
}

func TestProcessor_ReducerCannotMutateCallerEvent(t *testing.T) {
	p, _ := newTestProcessor(t)
	p.AddReducer(ReducerFunc(func(ctx context.Context, args ReduceArgs) error {
		args.Event.Payload["x"] = ir.IRInt(42)
		return nil
	}))

	ev := move(1)
	_, err := p.Process(context.Background(), ev, nil)
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(1), ev.Payload["x"])
}

func TestProcessor_FollowUpsRunAfterCurrentEvent(t *testing.T) {
	ctx := context.Background()
	p, d := newTestProcessor(t)

	p.AddReducer(ReducerFunc(func(ctx context.Context, args ReduceArgs) error {
		switch args.Event.Type {
		case "spawn":
			ok := args.Dispatch(move(2), ExtraArgs{"origin": "spawn"})
			if !ok {
				return errors.New("dispatch refused")
			}
			// The follow-up must not have run yet.
			if args.Doc.List("log").Len() != 0 {
				return errors.New("follow-up ran inside the transaction")
			}
			args.Doc.Map("state").Set("spawned", ir.IRBool(true))
		}
		return nil
	}))
	p.AddReducer(&recorder{})

	_, err := p.Process(ctx, ir.NewEvent("spawn", nil), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, d.List("log").Len())

	n, err := p.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, ir.IRArray{ir.IRInt(2)}, logValues(t, d))
}

func TestProcessor_CascadeLimit(t *testing.T) {
	ctx := context.Background()
	p, d := newTestProcessor(t, WithMaxCascade(3))

	var refused int
	p.AddReducer(ReducerFunc(func(ctx context.Context, args ReduceArgs) error {
		args.Doc.List("log").Push(ir.IRString(args.Event.Type))
		if !args.Dispatch(ir.NewEvent("bounce", nil), nil) {
			refused++
		}
		return nil
	}))

	_, err := p.Process(ctx, ir.NewEvent("bounce", nil), nil)
	require.NoError(t, err)
	n, err := p.Drain(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, n, "depths 1..3 run")
	assert.Equal(t, 4, d.List("log").Len())
	assert.Equal(t, 1, refused)
}

func TestProcessor_SubmitAndRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, d := newTestProcessor(t)
	p.AddReducer(&recorder{})

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	for i := int64(1); i <= 3; i++ {
		res, err := p.Submit(ctx, move(i).WithSequence("S", i), nil)
		require.NoError(t, err)
		assert.True(t, res.Applied())
	}

	res, err := p.Submit(ctx, move(1).WithSequence("S", 2), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDropped, res.Outcome)

	p.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	assert.Equal(t, ir.IRArray{ir.IRInt(1), ir.IRInt(2), ir.IRInt(3)}, logValues(t, d))

	_, err = p.Submit(ctx, move(9), nil)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestProcessor_RunContextCancel(t *testing.T) {
	p, _ := newTestProcessor(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestProcessor_ConcurrentProcessIsSerialized(t *testing.T) {
	p, d := newTestProcessor(t)

	var inFlight, maxInFlight int
	var mu sync.Mutex
	p.AddReducer(ReducerFunc(func(ctx context.Context, args ReduceArgs) error {
		mu.Lock()
		inFlight++
		maxInFlight = max(maxInFlight, inFlight)
		mu.Unlock()

		time.Sleep(time.Millisecond)
		args.Doc.List("log").Push(ir.IRInt(1))

		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = p.Process(context.Background(), move(1), nil)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInFlight)
	assert.Equal(t, 20, d.List("log").Len())
	assert.Equal(t, int64(20), p.Seq())
}

func TestProcessor_TickEmitsPeriodicEvent(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p, _ := newTestProcessor(t,
		WithTickInterval(5*time.Second),
		WithNow(func() time.Time { return now }),
	)

	var got ReduceArgs
	p.AddReducer(ReducerFunc(func(ctx context.Context, args ReduceArgs) error {
		got = args
		return nil
	}))

	p.Tick(context.Background())

	assert.Equal(t, PeriodicEventType, got.Event.Type)
	date, _ := got.Event.String("date")
	assert.Equal(t, "2026-01-02T03:04:05Z", date)
	interval, _ := got.Event.Int("interval")
	assert.Equal(t, int64(5000), interval)
	assert.Equal(t, "internal", got.ExtraArgs.String("user_id"))
}

func TestProcessor_TickFailureIsSwallowed(t *testing.T) {
	p, _ := newTestProcessor(t)
	p.AddReducer(ReducerFunc(func(ctx context.Context, args ReduceArgs) error {
		return errors.New("housekeeping broke")
	}))

	assert.NotPanics(t, func() { p.Tick(context.Background()) })
}

func TestProcessor_EvictedSequenceStartsOver(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProcessor(t, WithMaxSequences(1))
	p.AddReducer(&recorder{})

	res, _ := p.Process(ctx, move(1).WithSequence("A", 1), nil)
	require.True(t, res.Applied())
	res, _ = p.Process(ctx, move(1).WithSequence("B", 1), nil)
	require.True(t, res.Applied())

	_, ok := p.Sequence("A")
	assert.False(t, ok, "A evicted by capacity")
	assert.Equal(t, 1, p.SequenceCount())

	res, _ = p.Process(ctx, move(1).WithSequence("A", 1), nil)
	assert.True(t, res.Applied(), "an evicted sequence has no memory of old counters")
}

func TestProcessor_ResumeClock(t *testing.T) {
	p, _ := newTestProcessor(t, WithClock(NewClockAt(41)))
	res, err := p.Process(context.Background(), move(1), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(42), res.Seq)
}

func TestProcessor_CancelledContext(t *testing.T) {
	p, _ := newTestProcessor(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Process(ctx, move(1).WithSequence("S", 1), nil)
	assert.ErrorIs(t, err, context.Canceled)
	_, ok := p.Sequence("S")
	assert.False(t, ok)
}

func TestProcessor_InspectingSequenceKeepsExpiry(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProcessor(t, WithSequenceTTL(100*time.Millisecond))
	p.AddReducer(&recorder{})

	_, err := p.Process(ctx, move(1).WithSequence("drag", 1), nil)
	require.NoError(t, err)

	time.Sleep(70 * time.Millisecond)
	_, ok := p.Sequence("drag")
	require.True(t, ok)
	require.Len(t, p.SequenceHistory("drag"), 1)

	time.Sleep(70 * time.Millisecond)
	_, ok = p.Sequence("drag")
	assert.False(t, ok, "only events refresh a tracker's TTL")
}
