package doc

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/eventsync/internal/ir"
)

func TestMapSetGetDelete(t *testing.T) {
	d := New()
	nodes := d.Map("nodes")

	nodes.Set("n1", ir.IRObject{"x": ir.IRInt(1)})
	v, ok := nodes.Get("n1")
	require.True(t, ok)
	assert.Equal(t, ir.IRObject{"x": ir.IRInt(1)}, v)

	assert.True(t, nodes.Delete("n1"))
	assert.False(t, nodes.Delete("n1"))
	_, ok = nodes.Get("n1")
	assert.False(t, ok)
	assert.Equal(t, 0, nodes.Len())
}

func TestMapValuesAreCopied(t *testing.T) {
	d := New()
	m := d.Map("nodes")

	in := ir.IRObject{"x": ir.IRInt(1)}
	m.Set("n1", in)
	in["x"] = ir.IRInt(2)

	out, _ := m.Get("n1")
	out.(ir.IRObject)["x"] = ir.IRInt(3)

	again, _ := m.Get("n1")
	assert.Equal(t, ir.IRObject{"x": ir.IRInt(1)}, again)
}

func TestListDeleteClampsLargeCount(t *testing.T) {
	d := New()
	l := d.List("log")
	l.Push(ir.IRString("a"), ir.IRString("b"), ir.IRString("c"))

	assert.Equal(t, 2, l.Delete(1, math.MaxInt))
	assert.Equal(t, ir.IRArray{ir.IRString("a")}, l.Snapshot())
	assert.Equal(t, 1, l.Delete(-3, math.MaxInt))
	assert.Equal(t, 0, l.Len())
	assert.Equal(t, 0, l.Delete(0, math.MaxInt))
}

func TestSameNameReturnsSameContainer(t *testing.T) {
	d := New()
	assert.Same(t, d.Map("a"), d.Map("a"))
	assert.Same(t, d.List("b"), d.List("b"))
	assert.Equal(t, []string{"a", "b"}, d.Names())

	assert.Panics(t, func() { d.List("a") })
	assert.Panics(t, func() { d.Map("b") })
}

func TestListOperations(t *testing.T) {
	d := New()
	l := d.List("log")

	l.Push(ir.IRString("a"), ir.IRString("c"))
	l.Insert(1, ir.IRString("b"))
	l.Insert(99, ir.IRString("d"))
	assert.Equal(t, ir.IRArray{ir.IRString("a"), ir.IRString("b"), ir.IRString("c"), ir.IRString("d")}, l.Snapshot())

	assert.Equal(t, 2, l.Delete(1, 2))
	assert.Equal(t, ir.IRArray{ir.IRString("a"), ir.IRString("d")}, l.Snapshot())
	assert.Equal(t, 0, l.Delete(5, 1))

	v, ok := l.Get(1)
	require.True(t, ok)
	assert.Equal(t, ir.IRString("d"), v)
	_, ok = l.Get(2)
	assert.False(t, ok)
}

func TestTransactionGroupsNotifications(t *testing.T) {
	d := New()
	nodes := d.Map("nodes")
	edges := d.List("edges")

	var keyCalls [][]string
	nodes.Observe(func(keys []string) { keyCalls = append(keyCalls, keys) })

	var commits []Commit
	d.OnCommit(func(c Commit) { commits = append(commits, c) })

	err := d.Transaction(context.Background(), func(ctx context.Context) error {
		nodes.Set("b", ir.IRInt(1))
		nodes.Set("a", ir.IRInt(2))
		nodes.Set("b", ir.IRInt(3))
		edges.Push(ir.IRString("a-b"))

		assert.Empty(t, keyCalls, "observers must not fire before the transaction ends")
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"a", "b"}}, keyCalls)
	require.Len(t, commits, 1)
	assert.Equal(t, []Change{
		{Container: "edges", Kind: KindList},
		{Container: "nodes", Kind: KindMap, Keys: []string{"a", "b"}},
	}, commits[0].Changes)
	assert.Equal(t, []string{"edges", "nodes"}, commits[0].Containers())
}

func TestTransactionErrorKeepsWrites(t *testing.T) {
	d := New()
	nodes := d.Map("nodes")

	var commits int
	d.OnCommit(func(Commit) { commits++ })

	boom := errors.New("boom")
	err := d.Transaction(context.Background(), func(ctx context.Context) error {
		nodes.Set("n1", ir.IRInt(1))
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.True(t, nodes.Has("n1"))
	assert.Equal(t, 1, commits)
}

func TestTransactionWithoutWritesDoesNotNotify(t *testing.T) {
	d := New()
	called := false
	d.OnCommit(func(Commit) { called = true })

	require.NoError(t, d.Transaction(context.Background(), func(ctx context.Context) error { return nil }))
	assert.False(t, called)
}

func TestTransactionCancelledContext(t *testing.T) {
	d := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	err := d.Transaction(ctx, func(ctx context.Context) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran)
}

func TestTransactionPanicReleasesLock(t *testing.T) {
	d := New()
	assert.Panics(t, func() {
		_ = d.Transaction(context.Background(), func(ctx context.Context) error {
			panic("reducer bug")
		})
	})

	require.NoError(t, d.Transaction(context.Background(), func(ctx context.Context) error {
		d.Map("nodes").Set("n1", ir.IRInt(1))
		return nil
	}))
}

func TestWriteOutsideTransactionCommitsImmediately(t *testing.T) {
	d := New()
	var commits []Commit
	d.OnCommit(func(c Commit) { commits = append(commits, c) })

	d.Map("nodes").Set("n1", ir.IRInt(1))
	d.Map("nodes").Set("n2", ir.IRInt(2))

	require.Len(t, commits, 2)
	assert.Equal(t, []string{"n2"}, commits[1].Changes[0].Keys)
}

func TestObserverUnsubscribe(t *testing.T) {
	d := New()
	m := d.Map("nodes")

	calls := 0
	unsubscribe := m.Observe(func([]string) { calls++ })
	m.Set("a", ir.IRInt(1))
	unsubscribe()
	m.Set("b", ir.IRInt(1))

	assert.Equal(t, 1, calls)
}

func TestObserverMayReadDocument(t *testing.T) {
	d := New()
	m := d.Map("nodes")

	var seen ir.IRValue
	m.Observe(func(keys []string) {
		seen, _ = m.Get(keys[0])
	})
	m.Set("a", ir.IRInt(7))

	assert.Equal(t, ir.IRInt(7), seen)
}

func TestSnapshotAndRestore(t *testing.T) {
	src := New()
	src.Map("nodes").Set("n1", ir.IRObject{"x": ir.IRInt(1)})
	src.List("log").Push(ir.IRString("created"))

	dst := New()
	for _, name := range src.Names() {
		kind, ok := src.Kind(name)
		require.True(t, ok)
		snap, ok := src.Snapshot(name)
		require.True(t, ok)
		require.NoError(t, dst.Restore(name, kind, snap))
	}

	assert.Equal(t, src.Map("nodes").Snapshot(), dst.Map("nodes").Snapshot())
	assert.Equal(t, src.List("log").Snapshot(), dst.List("log").Snapshot())

	_, ok := dst.Snapshot("missing")
	assert.False(t, ok)
}

func TestRestoreReplacesAndReportsRemovedKeys(t *testing.T) {
	d := New()
	d.Map("nodes").Set("old", ir.IRInt(1))

	var keys []string
	d.Map("nodes").Observe(func(k []string) { keys = k })

	require.NoError(t, d.Restore("nodes", KindMap, ir.IRObject{"new": ir.IRInt(2)}))
	assert.Equal(t, []string{"new", "old"}, keys)
	assert.Equal(t, []string{"new"}, d.Map("nodes").Keys())
}

func TestRestoreRejectsMismatches(t *testing.T) {
	d := New()
	d.List("log")

	assert.Error(t, d.Restore("log", KindMap, ir.IRObject{}))
	assert.Error(t, d.Restore("x", KindMap, ir.IRArray{}))
	assert.Error(t, d.Restore("y", KindList, ir.IRObject{}))
	assert.Error(t, d.Restore("z", Kind("set"), ir.IRArray{}))
}

func TestConcurrentTransactionsAreSerialized(t *testing.T) {
	d := New()
	counter := d.Map("counter")
	counter.Set("n", ir.IRInt(0))

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = d.Transaction(context.Background(), func(ctx context.Context) error {
				v, _ := counter.Get("n")
				counter.Set("n", v.(ir.IRInt)+1)
				return nil
			})
		}()
	}
	wg.Wait()

	v, _ := counter.Get("n")
	assert.Equal(t, ir.IRInt(50), v)
}
