// Package doc implements the shared document facade the engine reduces into.
//
// A Document holds named containers (key/value maps and ordered lists) of
// ir values. Writes are grouped by Transaction: observers and commit hooks
// fire once per transaction, after it ends, with the set of containers and
// keys it touched. Writes made while no transaction is open commit
// immediately as their own single-write transaction.
//
// The document does not roll back. If a transaction function returns an
// error, the writes it already made stay applied and are still reported.
//
// Values are deep-copied on the way in and on the way out, so callers can
// never alias the document's internal state.
package doc

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/eventsync/internal/ir"
)

// Kind identifies a container type.
type Kind string

const (
	KindMap  Kind = "map"
	KindList Kind = "list"
)

// Change describes the writes one transaction made to one container.
// Keys lists the touched map keys in sorted order; it is empty for lists.
type Change struct {
	Container string
	Kind      Kind
	Keys      []string
}

// Commit is the set of changes made by one transaction, ordered by
// container name.
type Commit struct {
	Changes []Change
}

// Containers returns the names of all containers the commit touched.
func (c Commit) Containers() []string {
	names := make([]string, len(c.Changes))
	for i, ch := range c.Changes {
		names[i] = ch.Container
	}
	return names
}

// Empty reports whether the commit carries no changes.
func (c Commit) Empty() bool {
	return len(c.Changes) == 0
}

// Document is an in-memory collection of named containers.
//
// Thread-safety: all methods are safe for concurrent use. Transactions are
// serialized; a write issued from any goroutine while a transaction is open
// is attributed to that transaction.
type Document struct {
	txMu sync.Mutex // serializes transactions

	mu      sync.RWMutex // guards everything below and all container data
	maps    map[string]*Map
	lists   map[string]*List
	inTx    bool
	pending map[string]map[string]struct{}
	hooks   registry[func(Commit)]
}

// New creates an empty document.
func New() *Document {
	return &Document{
		maps:  make(map[string]*Map),
		lists: make(map[string]*List),
	}
}

// Map returns the named map container, creating it on first use.
// Panics if name is already used by a list.
func (d *Document) Map(name string) *Map {
	d.mu.Lock()
	defer d.mu.Unlock()

	if m, ok := d.maps[name]; ok {
		return m
	}
	if _, ok := d.lists[name]; ok {
		panic(fmt.Sprintf("doc: container %q is a list, not a map", name))
	}
	m := &Map{doc: d, name: name, data: make(map[string]ir.IRValue)}
	d.maps[name] = m
	return m
}

// List returns the named list container, creating it on first use.
// Panics if name is already used by a map.
func (d *Document) List(name string) *List {
	d.mu.Lock()
	defer d.mu.Unlock()

	if l, ok := d.lists[name]; ok {
		return l
	}
	if _, ok := d.maps[name]; ok {
		panic(fmt.Sprintf("doc: container %q is a map, not a list", name))
	}
	l := &List{doc: d, name: name}
	d.lists[name] = l
	return l
}

// Names returns every container name in sorted order.
func (d *Document) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.maps)+len(d.lists))
	for n := range d.maps {
		names = append(names, n)
	}
	for n := range d.lists {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Kind returns the kind of the named container.
func (d *Document) Kind(name string) (Kind, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.kindLocked(name)
}

func (d *Document) kindLocked(name string) (Kind, bool) {
	if _, ok := d.maps[name]; ok {
		return KindMap, true
	}
	if _, ok := d.lists[name]; ok {
		return KindList, true
	}
	return "", false
}

// Snapshot returns a deep copy of the named container: an ir.IRObject for
// maps, an ir.IRArray for lists. Returns false if the container does not exist.
func (d *Document) Snapshot(name string) (ir.IRValue, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if m, ok := d.maps[name]; ok {
		return m.snapshotLocked(), true
	}
	if l, ok := d.lists[name]; ok {
		return l.snapshotLocked(), true
	}
	return nil, false
}

// Restore replaces the contents of the named container with value, creating
// the container if needed. value must be an ir.IRObject for KindMap and an
// ir.IRArray for KindList. The replacement is reported as a change.
func (d *Document) Restore(name string, kind Kind, value ir.IRValue) error {
	switch kind {
	case KindMap:
		obj, ok := value.(ir.IRObject)
		if !ok {
			return fmt.Errorf("restore %q: map container needs an object, got %T", name, value)
		}
		if k, exists := d.Kind(name); exists && k != KindMap {
			return fmt.Errorf("restore %q: container is a %s", name, k)
		}
		d.Map(name).replace(obj)
	case KindList:
		arr, ok := value.(ir.IRArray)
		if !ok {
			return fmt.Errorf("restore %q: list container needs an array, got %T", name, value)
		}
		if k, exists := d.Kind(name); exists && k != KindList {
			return fmt.Errorf("restore %q: container is a %s", name, k)
		}
		d.List(name).replace(arr)
	default:
		return fmt.Errorf("restore %q: unknown container kind %q", name, kind)
	}
	return nil
}

// OnCommit registers fn to be called after every transaction that changed
// something. Hooks run synchronously, outside all document locks, in
// registration order. The returned function unregisters the hook.
func (d *Document) OnCommit(fn func(Commit)) func() {
	d.mu.Lock()
	id := d.hooks.add(fn)
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		d.hooks.remove(id)
		d.mu.Unlock()
	}
}

// Transaction runs fn with a transaction open. All writes made before fn
// returns are grouped into one commit; observers and commit hooks fire after
// the transaction ends, even when fn returns an error.
//
// Transactions do not nest: calling Transaction from inside fn deadlocks.
func (d *Document) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var (
		commit Commit
		err    error
	)
	func() {
		d.txMu.Lock()
		d.mu.Lock()
		d.inTx = true
		d.pending = make(map[string]map[string]struct{})
		d.mu.Unlock()

		defer func() {
			d.mu.Lock()
			commit = d.takePendingLocked()
			d.inTx = false
			d.mu.Unlock()
			d.txMu.Unlock()
		}()

		err = fn(ctx)
	}()

	d.notify(commit)
	return err
}

// mutate applies a write under the data lock and records which keys it
// touched. Outside a transaction the write is committed at once.
// Caller must not hold d.mu.
func (d *Document) mutate(name string, keys []string, apply func()) {
	d.mu.Lock()
	apply()

	if d.pending == nil {
		d.pending = make(map[string]map[string]struct{})
	}
	touched, ok := d.pending[name]
	if !ok {
		touched = make(map[string]struct{})
		d.pending[name] = touched
	}
	for _, k := range keys {
		touched[k] = struct{}{}
	}

	if d.inTx {
		d.mu.Unlock()
		return
	}
	commit := d.takePendingLocked()
	d.mu.Unlock()

	d.notify(commit)
}

// takePendingLocked converts pending writes into a Commit and resets them.
// Caller must hold d.mu.
func (d *Document) takePendingLocked() Commit {
	names := make([]string, 0, len(d.pending))
	for n := range d.pending {
		names = append(names, n)
	}
	slices.Sort(names)

	var commit Commit
	for _, n := range names {
		kind, _ := d.kindLocked(n)
		var keys []string
		if kind == KindMap {
			for k := range d.pending[n] {
				keys = append(keys, k)
			}
			slices.Sort(keys)
		}
		commit.Changes = append(commit.Changes, Change{Container: n, Kind: kind, Keys: keys})
	}
	d.pending = nil
	return commit
}

// notify fires container observers, then commit hooks.
// Caller must not hold d.mu.
func (d *Document) notify(commit Commit) {
	if commit.Empty() {
		return
	}

	type call struct {
		fns  []func([]string)
		keys []string
	}
	d.mu.RLock()
	calls := make([]call, 0, len(commit.Changes))
	for _, ch := range commit.Changes {
		switch ch.Kind {
		case KindMap:
			calls = append(calls, call{fns: d.maps[ch.Container].observers.list(), keys: ch.Keys})
		case KindList:
			calls = append(calls, call{fns: d.lists[ch.Container].observers.list()})
		}
	}
	hooks := d.hooks.list()
	d.mu.RUnlock()

	for _, c := range calls {
		for _, fn := range c.fns {
			fn(c.keys)
		}
	}
	for _, fn := range hooks {
		fn(commit)
	}
}

// registry is an ordered set of callbacks with stable removal ids.
type registry[F any] struct {
	next    int
	entries []registryEntry[F]
}

type registryEntry[F any] struct {
	id int
	fn F
}

func (r *registry[F]) add(fn F) int {
	r.next++
	r.entries = append(r.entries, registryEntry[F]{id: r.next, fn: fn})
	return r.next
}

func (r *registry[F]) remove(id int) {
	r.entries = slices.DeleteFunc(r.entries, func(e registryEntry[F]) bool {
		return e.id == id
	})
}

func (r *registry[F]) list() []F {
	out := make([]F, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.fn
	}
	return out
}
