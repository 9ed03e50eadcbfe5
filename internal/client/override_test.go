package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/eventsync/internal/doc"
	"github.com/roach88/eventsync/internal/engine"
	"github.com/roach88/eventsync/internal/ir"
)

// movePosition predicts a "move" by writing x under the node id.
func movePosition(snap Snapshot, ev ir.Event) {
	id, _ := ev.String("id")
	x, _ := ev.Int("x")
	snap.Map("positions")[id] = ir.IRInt(x)
}

func moveNode(id string, x int64) ir.Event {
	return ir.NewEvent("move", ir.IRObject{"id": ir.IRString(id), "x": ir.IRInt(x)})
}

// overrideFixture wires a processor, a client and an overrider over the
// processor's own document.
type overrideFixture struct {
	doc    *doc.Document
	proc   *engine.Processor
	client *Client
	lo     *LocalOverrider
}

func newOverrideFixture(t *testing.T, failX int64) *overrideFixture {
	t.Helper()
	d := doc.New()
	d.Map("positions").Set("n1", ir.IRInt(0))

	p := engine.New(d, engine.WithTickInterval(0))
	p.AddReducer(engine.ReducerFunc(func(ctx context.Context, args engine.ReduceArgs) error {
		if args.Event.Type != "move" {
			return nil
		}
		x, _ := args.Event.Int("x")
		if x == failX {
			return errors.New("rejected move")
		}
		id, _ := args.Event.String("id")
		args.Doc.Map("positions").Set(id, ir.IRInt(x))
		return nil
	}))

	lo := NewLocalOverrider(d)
	t.Cleanup(lo.Close)

	return &overrideFixture{
		doc:    d,
		proc:   p,
		client: New(NewLocalDispatcher(p, nil)),
		lo:     lo,
	}
}

func (f *overrideFixture) visible(id string) ir.IRValue {
	return f.lo.Map("positions")[id]
}

func TestLocalOverrider_InitialCopy(t *testing.T) {
	f := newOverrideFixture(t, -1)

	assert.Equal(t, []string{"positions"}, f.lo.Keys())
	assert.Equal(t, ir.IRInt(0), f.visible("n1"))

	_, ok := f.lo.Get("missing")
	assert.False(t, ok)
}

func TestOverrideSequence_AppliesBeforeSending(t *testing.T) {
	d := doc.New()
	lo := NewLocalOverrider(d)
	defer lo.Close()

	var seenAtSend ir.IRValue
	c := New(DispatcherFunc(func(ctx context.Context, ev ir.Event) error {
		seenAtSend = lo.Map("positions")["n1"]
		return nil
	}))

	o := c.CreateOverrideSequence(lo, movePosition, []string{"positions"}, WithLinger(0))
	require.NoError(t, o.Dispatch(context.Background(), moveNode("n1", 7)))

	assert.Equal(t, ir.IRInt(7), seenAtSend, "local reduce runs before the network call")
	assert.Equal(t, ir.IRInt(7), lo.Map("positions")["n1"])
	assert.Nil(t, d.Map("positions").Snapshot()["n1"], "overrides never write the document")
}

func TestOverrideSequence_SurvivesAuthoritativeUpdates(t *testing.T) {
	d := doc.New()
	d.Map("positions").Set("n1", ir.IRInt(0))
	lo := NewLocalOverrider(d)
	defer lo.Close()

	c := New(DispatcherFunc(func(ctx context.Context, ev ir.Event) error { return nil }))
	o := c.CreateOverrideSequence(lo, movePosition, []string{"positions"}, WithLinger(0))
	require.NoError(t, o.Dispatch(context.Background(), moveNode("n1", 5)))

	// Another user writes a different key of the same container.
	d.Map("positions").Set("n2", ir.IRInt(3))

	view := lo.Map("positions")
	assert.Equal(t, ir.IRInt(5), view["n1"], "override re-applied on top of the new copy")
	assert.Equal(t, ir.IRInt(3), view["n2"])

	o.Cleanup()
	view = lo.Map("positions")
	assert.Equal(t, ir.IRInt(0), view["n1"], "authoritative value once the override is gone")
	assert.Equal(t, 0, lo.Overrides())
}

func TestOverrideSequence_EndToEnd(t *testing.T) {
	f := newOverrideFixture(t, -1)
	o := f.client.CreateOverrideSequence(f.lo, movePosition, []string{"positions"}, WithLinger(0))
	ctx := context.Background()

	for x := int64(1); x <= 3; x++ {
		require.NoError(t, o.Dispatch(ctx, moveNode("n1", x)))
		assert.Equal(t, ir.IRInt(x), f.visible("n1"))
	}
	assert.Equal(t, int64(3), o.Counter())

	o.Cleanup()
	assert.True(t, o.Done())
	assert.Equal(t, ir.IRInt(3), f.visible("n1"), "authoritative state caught up")

	require.NoError(t, o.Dispatch(ctx, moveNode("n1", 9)), "dispatch after cleanup is a no-op")
	assert.Equal(t, ir.IRInt(3), f.visible("n1"))
	assert.Equal(t, int64(3), f.proc.Seq())
}

func TestOverrideSequence_FailureResyncs(t *testing.T) {
	f := newOverrideFixture(t, 99)
	o := f.client.CreateOverrideSequence(f.lo, movePosition, []string{"positions"}, WithLinger(0))
	ctx := context.Background()

	require.NoError(t, o.Dispatch(ctx, moveNode("n1", 4)))
	err := o.Dispatch(ctx, moveNode("n1", 99))
	require.Error(t, err)
	assert.True(t, engine.IsReducerError(err))

	assert.True(t, o.Failed())
	assert.Equal(t, 0, f.lo.Overrides(), "failed override dropped")
	assert.Equal(t, ir.IRInt(4), f.visible("n1"), "view resynced from the document, not the failed guess")

	require.NoError(t, o.Dispatch(ctx, moveNode("n1", 5)))
	assert.Equal(t, ir.IRInt(4), f.visible("n1"), "latched sequence applies nothing")
}

func TestOverrideSequence_KeepOnFailure(t *testing.T) {
	f := newOverrideFixture(t, 99)
	o := f.client.CreateOverrideSequence(f.lo, movePosition, []string{"positions"},
		WithLinger(0), KeepOnFailure())

	require.Error(t, o.Dispatch(context.Background(), moveNode("n1", 99)))
	assert.Equal(t, ir.IRInt(99), f.visible("n1"), "last guess stays visible")
	assert.Equal(t, 1, f.lo.Overrides())

	o.Cleanup()
	assert.Equal(t, ir.IRInt(0), f.visible("n1"))
}

func TestOverrideSequence_CleanupLinger(t *testing.T) {
	d := doc.New()
	lo := NewLocalOverrider(d)
	defer lo.Close()

	c := New(DispatcherFunc(func(ctx context.Context, ev ir.Event) error { return nil }))
	o := c.CreateOverrideSequence(lo, movePosition, []string{"positions"}, WithLinger(20*time.Millisecond))
	require.NoError(t, o.Dispatch(context.Background(), moveNode("n1", 1)))

	o.Cleanup()
	o.Cleanup()
	assert.Equal(t, 1, lo.Overrides(), "override lingers after cleanup")
	assert.Empty(t, c.Sequences())

	assert.Eventually(t, func() bool { return lo.Overrides() == 0 }, time.Second, 5*time.Millisecond)
	assert.Nil(t, lo.Map("positions")["n1"])
}

func TestOverrideSequence_NoPatchAfterCleanup(t *testing.T) {
	f := newOverrideFixture(t, -1)

	o := f.client.CreateOverrideSequence(f.lo, movePosition, []string{"positions"}, WithLinger(0))
	o.Cleanup()
	require.Equal(t, 0, f.lo.Overrides())

	var notified int
	f.lo.Observe([]string{"positions"}, func(string) { notified++ })

	// Cleanup lands between Dispatch's done check and the local patch.
	f.lo.apply(o, moveNode("n1", 9))

	assert.Equal(t, ir.IRInt(0), f.visible("n1"), "an unregistered override must not patch the view")
	assert.Zero(t, notified)
}

func TestLocalOverrider_Observe(t *testing.T) {
	d := doc.New()
	lo := NewLocalOverrider(d)
	defer lo.Close()

	var (
		mu    sync.Mutex
		names []string
	)
	unobserve := lo.Observe([]string{"positions"}, func(name string) {
		mu.Lock()
		names = append(names, name)
		mu.Unlock()
	})

	c := New(DispatcherFunc(func(ctx context.Context, ev ir.Event) error { return nil }))
	o := c.CreateOverrideSequence(lo, movePosition, []string{"positions"}, WithLinger(0))
	require.NoError(t, o.Dispatch(context.Background(), moveNode("n1", 1)))
	d.Map("positions").Set("n2", ir.IRInt(2))
	d.Map("other").Set("k", ir.IRInt(1))

	unobserve()
	d.Map("positions").Set("n3", ir.IRInt(3))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"positions", "positions"}, names)
}

func TestLocalOverrider_Close(t *testing.T) {
	d := doc.New()
	lo := NewLocalOverrider(d)
	lo.Close()
	lo.Close()

	d.Map("positions").Set("n1", ir.IRInt(1))
	assert.Empty(t, lo.Keys(), "closed overrider no longer follows commits")

	lo.Resync()
	assert.Equal(t, []string{"positions"}, lo.Keys())
}
