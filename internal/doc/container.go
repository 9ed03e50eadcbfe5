package doc

import (
	"slices"

	"github.com/roach88/eventsync/internal/ir"
)

// Map is a named key/value container.
type Map struct {
	doc       *Document
	name      string
	data      map[string]ir.IRValue
	observers registry[func([]string)]
}

// Name returns the container name.
func (m *Map) Name() string { return m.name }

// Get returns a copy of the value stored under key.
func (m *Map) Get(key string) (ir.IRValue, bool) {
	m.doc.mu.RLock()
	defer m.doc.mu.RUnlock()

	v, ok := m.data[key]
	if !ok {
		return nil, false
	}
	return ir.Clone(v), true
}

// Has reports whether key is present.
func (m *Map) Has(key string) bool {
	m.doc.mu.RLock()
	defer m.doc.mu.RUnlock()
	_, ok := m.data[key]
	return ok
}

// Set stores a copy of v under key.
func (m *Map) Set(key string, v ir.IRValue) {
	v = ir.Clone(v)
	m.doc.mutate(m.name, []string{key}, func() {
		m.data[key] = v
	})
}

// Delete removes key. Reports whether the key was present; deleting a
// missing key is not a change.
func (m *Map) Delete(key string) bool {
	if !m.Has(key) {
		return false
	}
	m.doc.mutate(m.name, []string{key}, func() {
		delete(m.data, key)
	})
	return true
}

// Keys returns all keys in sorted order.
func (m *Map) Keys() []string {
	m.doc.mu.RLock()
	defer m.doc.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Len returns the number of entries.
func (m *Map) Len() int {
	m.doc.mu.RLock()
	defer m.doc.mu.RUnlock()
	return len(m.data)
}

// Snapshot returns a deep copy of the whole map.
func (m *Map) Snapshot() ir.IRObject {
	m.doc.mu.RLock()
	defer m.doc.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *Map) snapshotLocked() ir.IRObject {
	out := make(ir.IRObject, len(m.data))
	for k, v := range m.data {
		out[k] = ir.Clone(v)
	}
	return out
}

// Observe registers fn to receive the sorted keys changed by each commit
// touching this map. The returned function unregisters it.
func (m *Map) Observe(fn func(keys []string)) func() {
	m.doc.mu.Lock()
	id := m.observers.add(fn)
	m.doc.mu.Unlock()

	return func() {
		m.doc.mu.Lock()
		m.observers.remove(id)
		m.doc.mu.Unlock()
	}
}

func (m *Map) replace(obj ir.IRObject) {
	obj = obj.Clone()
	m.doc.mu.RLock()
	keys := make([]string, 0, len(m.data)+len(obj))
	for k := range m.data {
		keys = append(keys, k)
	}
	m.doc.mu.RUnlock()
	for k := range obj {
		keys = append(keys, k)
	}

	m.doc.mutate(m.name, keys, func() {
		m.data = make(map[string]ir.IRValue, len(obj))
		for k, v := range obj {
			m.data[k] = v
		}
	})
}

// List is a named ordered container.
type List struct {
	doc       *Document
	name      string
	items     []ir.IRValue
	observers registry[func([]string)]
}

// Name returns the container name.
func (l *List) Name() string { return l.name }

// Len returns the number of items.
func (l *List) Len() int {
	l.doc.mu.RLock()
	defer l.doc.mu.RUnlock()
	return len(l.items)
}

// Get returns a copy of the item at index i.
func (l *List) Get(i int) (ir.IRValue, bool) {
	l.doc.mu.RLock()
	defer l.doc.mu.RUnlock()

	if i < 0 || i >= len(l.items) {
		return nil, false
	}
	return ir.Clone(l.items[i]), true
}

// Push appends copies of vs.
func (l *List) Push(vs ...ir.IRValue) {
	if len(vs) == 0 {
		return
	}
	copies := cloneAll(vs)
	l.doc.mutate(l.name, nil, func() {
		l.items = append(l.items, copies...)
	})
}

// Insert inserts copies of vs before index i. An out-of-range index is
// clamped to the list bounds.
func (l *List) Insert(i int, vs ...ir.IRValue) {
	if len(vs) == 0 {
		return
	}
	copies := cloneAll(vs)
	l.doc.mutate(l.name, nil, func() {
		i = max(0, min(i, len(l.items)))
		l.items = slices.Insert(l.items, i, copies...)
	})
}

// Delete removes n items starting at index i. The range is clamped to the
// list bounds. Returns the number of items removed.
func (l *List) Delete(i, n int) int {
	l.doc.mu.RLock()
	size := len(l.items)
	l.doc.mu.RUnlock()

	i = max(0, i)
	if n <= 0 || i >= size {
		return 0
	}
	end := i + min(n, size-i)
	l.doc.mutate(l.name, nil, func() {
		end = min(end, len(l.items))
		if i < end {
			l.items = slices.Delete(l.items, i, end)
		}
	})
	return end - i
}

// Snapshot returns a deep copy of the whole list.
func (l *List) Snapshot() ir.IRArray {
	l.doc.mu.RLock()
	defer l.doc.mu.RUnlock()
	return l.snapshotLocked()
}

func (l *List) snapshotLocked() ir.IRArray {
	return cloneAll(l.items)
}

// Observe registers fn to be called after each commit touching this list.
// The keys argument is always nil for lists. The returned function
// unregisters it.
func (l *List) Observe(fn func(keys []string)) func() {
	l.doc.mu.Lock()
	id := l.observers.add(fn)
	l.doc.mu.Unlock()

	return func() {
		l.doc.mu.Lock()
		l.observers.remove(id)
		l.doc.mu.Unlock()
	}
}

func (l *List) replace(arr ir.IRArray) {
	copies := cloneAll(arr)
	l.doc.mutate(l.name, nil, func() {
		l.items = copies
	})
}

func cloneAll(vs []ir.IRValue) ir.IRArray {
	out := make(ir.IRArray, len(vs))
	for i, v := range vs {
		out[i] = ir.Clone(v)
	}
	return out
}
