package client

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/roach88/eventsync/internal/doc"
	"github.com/roach88/eventsync/internal/ir"
)

// DefaultLinger is how long a cleaned-up override stays visible, so the
// authoritative update has time to arrive before the optimistic view goes
// away.
const DefaultLinger = 2 * time.Second

// Snapshot is the read model handed to local reducers: container name to a
// private copy of its value. Local reducers mutate it in place.
type Snapshot map[string]ir.IRValue

// Map returns the named map container, creating an empty one if it is
// missing or not a map. The returned object aliases the snapshot.
func (s Snapshot) Map(name string) ir.IRObject {
	if obj, ok := s[name].(ir.IRObject); ok && obj != nil {
		return obj
	}
	obj := ir.IRObject{}
	s[name] = obj
	return obj
}

// List returns the named list container, or nil.
func (s Snapshot) List(name string) ir.IRArray {
	arr, _ := s[name].(ir.IRArray)
	return arr
}

// SetList replaces the named list container.
func (s Snapshot) SetList(name string, arr ir.IRArray) {
	s[name] = arr
}

// LocalReduceFunc predicts the effect of ev on snap. It runs synchronously,
// before the event is sent, and again whenever an authoritative update
// re-copies one of its keys, so it must be idempotent for a given event.
// It must not call back into the LocalOverrider.
type LocalReduceFunc func(snap Snapshot, ev ir.Event)

// LocalOverrider is the UI-facing read model: a copy of the authoritative
// document with the last event of every live override sequence applied on
// top. Overrides are read-time patches and are never written back into the
// document.
//
// On every authoritative commit the touched containers are re-copied and
// every override registered for them is re-applied. Observers are notified
// per container name.
//
// Thread-safety: all methods are safe for concurrent use. Observers run
// outside the internal lock but may run on the goroutine that committed to
// the document; they must not block on dispatching.
type LocalOverrider struct {
	doc *doc.Document

	mu        sync.Mutex
	view      Snapshot
	overrides []*OverrideSequence // registration order
	observers map[string]*observerSet
	unhook    func()
	closeOnce sync.Once
}

type observerSet struct {
	next int
	fns  map[int]func(name string)
}

// NewLocalOverrider copies every container of d and follows its commits
// until Close.
func NewLocalOverrider(d *doc.Document) *LocalOverrider {
	lo := &LocalOverrider{
		doc:       d,
		view:      Snapshot{},
		observers: make(map[string]*observerSet),
	}
	lo.unhook = d.OnCommit(func(c doc.Commit) {
		lo.Resync(c.Containers()...)
	})

	lo.mu.Lock()
	for _, name := range d.Names() {
		lo.copyLocked(name)
	}
	lo.mu.Unlock()
	return lo
}

// Get returns a copy of the named container as currently visible.
func (lo *LocalOverrider) Get(name string) (ir.IRValue, bool) {
	lo.mu.Lock()
	defer lo.mu.Unlock()

	v, ok := lo.view[name]
	if !ok {
		if v, ok = lo.doc.Snapshot(name); !ok {
			return nil, false
		}
		lo.view[name] = v
	}
	return ir.Clone(v), true
}

// Map returns a copy of the named map container as currently visible, or
// an empty object.
func (lo *LocalOverrider) Map(name string) ir.IRObject {
	v, _ := lo.Get(name)
	obj, _ := v.(ir.IRObject)
	if obj == nil {
		obj = ir.IRObject{}
	}
	return obj
}

// Keys returns the visible container names, sorted.
func (lo *LocalOverrider) Keys() []string {
	lo.mu.Lock()
	names := make([]string, 0, len(lo.view))
	for name := range lo.view {
		names = append(names, name)
	}
	lo.mu.Unlock()

	slices.Sort(names)
	return names
}

// Observe calls fn with the container name whenever one of names changes,
// either authoritatively or through an override. The returned function
// unregisters fn.
func (lo *LocalOverrider) Observe(names []string, fn func(name string)) func() {
	lo.mu.Lock()
	defer lo.mu.Unlock()

	type reg struct {
		name string
		id   int
	}
	regs := make([]reg, 0, len(names))
	for _, name := range names {
		set := lo.observers[name]
		if set == nil {
			set = &observerSet{fns: make(map[int]func(string))}
			lo.observers[name] = set
		}
		set.next++
		set.fns[set.next] = fn
		regs = append(regs, reg{name: name, id: set.next})
	}

	return func() {
		lo.mu.Lock()
		defer lo.mu.Unlock()
		for _, r := range regs {
			if set := lo.observers[r.name]; set != nil {
				delete(set.fns, r.id)
			}
		}
	}
}

// Resync re-copies the named containers (all of them when names is empty)
// from the authoritative document, re-applies the live overrides touching
// them and notifies observers.
func (lo *LocalOverrider) Resync(names ...string) {
	lo.mu.Lock()
	if len(names) == 0 {
		names = lo.doc.Names()
		for name := range lo.view {
			if !slices.Contains(names, name) {
				names = append(names, name)
			}
		}
	}

	for _, name := range names {
		lo.copyLocked(name)
	}

	changed := slices.Clone(names)
	for _, o := range lo.overrides {
		if !o.touchesAny(names) {
			continue
		}
		lo.applyLocked(o)
		for _, k := range o.keys {
			if !slices.Contains(changed, k) {
				changed = append(changed, k)
			}
		}
	}
	calls := lo.observerCallsLocked(changed)
	lo.mu.Unlock()

	runObservers(calls)
}

// Overrides returns the number of registered override sequences.
func (lo *LocalOverrider) Overrides() int {
	lo.mu.Lock()
	defer lo.mu.Unlock()
	return len(lo.overrides)
}

// Close stops following the document. Close is idempotent.
func (lo *LocalOverrider) Close() {
	lo.closeOnce.Do(func() {
		lo.unhook()
	})
}

func (lo *LocalOverrider) copyLocked(name string) {
	if v, ok := lo.doc.Snapshot(name); ok {
		lo.view[name] = v
		return
	}
	delete(lo.view, name)
}

func (lo *LocalOverrider) applyLocked(o *OverrideSequence) {
	if o.last == nil {
		return
	}
	o.reduce(lo.view, o.last.Clone())
}

// apply records ev as o's latest event, patches the view and notifies.
// An override already unregistered by Cleanup is not applied.
func (lo *LocalOverrider) apply(o *OverrideSequence, ev ir.Event) {
	lo.mu.Lock()
	if !slices.Contains(lo.overrides, o) {
		lo.mu.Unlock()
		return
	}
	last := ev.Clone()
	o.last = &last
	lo.applyLocked(o)
	calls := lo.observerCallsLocked(o.keys)
	lo.mu.Unlock()

	runObservers(calls)
}

func (lo *LocalOverrider) register(o *OverrideSequence) {
	lo.mu.Lock()
	lo.overrides = append(lo.overrides, o)
	lo.mu.Unlock()
}

// unregister removes o and re-syncs its keys so its patch disappears.
func (lo *LocalOverrider) unregister(o *OverrideSequence) {
	lo.mu.Lock()
	i := slices.Index(lo.overrides, o)
	if i < 0 {
		lo.mu.Unlock()
		return
	}
	lo.overrides = slices.Delete(lo.overrides, i, i+1)
	lo.mu.Unlock()

	lo.Resync(o.keys...)
}

type observerCall struct {
	name string
	fns  []func(string)
}

func (lo *LocalOverrider) observerCallsLocked(names []string) []observerCall {
	var calls []observerCall
	for _, name := range names {
		set := lo.observers[name]
		if set == nil || len(set.fns) == 0 {
			continue
		}
		ids := make([]int, 0, len(set.fns))
		for id := range set.fns {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		call := observerCall{name: name}
		for _, id := range ids {
			call.fns = append(call.fns, set.fns[id])
		}
		calls = append(calls, call)
	}
	return calls
}

func runObservers(calls []observerCall) {
	for _, c := range calls {
		for _, fn := range c.fns {
			fn(c.name)
		}
	}
}

// OverrideSequence is a client sequence paired with a local override.
// Every Dispatch first patches the visible read model with the local
// reducer, then sends the event through the sequence.
//
// When a dispatch fails the override is dropped and its keys re-copied
// from the authoritative document, unless KeepOnFailure was given, in which
// case the last guess stays visible until Cleanup.
type OverrideSequence struct {
	seq           *Sequence
	lo            *LocalOverrider
	reduce        LocalReduceFunc
	keys          []string
	linger        time.Duration
	keepOnFailure bool

	last *ir.Event // guarded by lo.mu

	mu   sync.Mutex
	done bool
}

// OverrideOption configures an OverrideSequence.
type OverrideOption func(*OverrideSequence)

// WithLinger sets how long the override stays visible after Cleanup.
// Zero removes it at once.
//
// Default: 2s (DefaultLinger)
func WithLinger(d time.Duration) OverrideOption {
	return func(o *OverrideSequence) {
		o.linger = d
	}
}

// KeepOnFailure leaves the last optimistic guess visible after a failed
// dispatch until Cleanup.
func KeepOnFailure() OverrideOption {
	return func(o *OverrideSequence) {
		o.keepOnFailure = true
	}
}

// CreateOverrideSequence starts a sequence whose events are predicted by
// reduce on lo. keys names the containers reduce can affect.
func (c *Client) CreateOverrideSequence(lo *LocalOverrider, reduce LocalReduceFunc, keys []string, opts ...OverrideOption) *OverrideSequence {
	o := &OverrideSequence{
		seq:    c.CreateSequence(),
		lo:     lo,
		reduce: reduce,
		keys:   slices.Clone(keys),
		linger: DefaultLinger,
	}
	for _, opt := range opts {
		opt(o)
	}
	lo.register(o)
	return o
}

// ID returns the sequence id.
func (o *OverrideSequence) ID() string { return o.seq.ID() }

// Counter returns the counter of the last stamped event.
func (o *OverrideSequence) Counter() int64 { return o.seq.Counter() }

// Failed reports whether a dispatch failed.
func (o *OverrideSequence) Failed() bool { return o.seq.Failed() }

// Done reports whether Cleanup was called.
func (o *OverrideSequence) Done() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.done
}

// Dispatch applies ev locally, then sends it. After a failure or Cleanup
// it is a no-op.
func (o *OverrideSequence) Dispatch(ctx context.Context, ev ir.Event) error {
	if o.Done() || o.seq.Failed() {
		return nil
	}

	o.lo.apply(o, ev)

	err := o.seq.Dispatch(ctx, ev)
	if err != nil && !o.keepOnFailure {
		o.lo.unregister(o)
	}
	return err
}

// Cleanup marks the sequence done and removes the override after the
// linger delay. Cleanup is idempotent.
func (o *OverrideSequence) Cleanup() {
	o.mu.Lock()
	if o.done {
		o.mu.Unlock()
		return
	}
	o.done = true
	o.mu.Unlock()

	o.seq.client.release(o.seq)
	if o.linger <= 0 {
		o.lo.unregister(o)
		return
	}
	time.AfterFunc(o.linger, func() {
		o.lo.unregister(o)
	})
}

func (o *OverrideSequence) touchesAny(names []string) bool {
	for _, k := range o.keys {
		if slices.Contains(names, k) {
			return true
		}
	}
	return false
}
