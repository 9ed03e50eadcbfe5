package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/roach88/eventsync/internal/ir"
)

const (
	// DefaultSequenceTTL is how long a sequence tracker survives without
	// receiving an event.
	DefaultSequenceTTL = 30 * time.Minute

	// DefaultMaxSequences bounds the number of live trackers. The least
	// recently used tracker is evicted when the bound is reached.
	DefaultMaxSequences = 100_000

	// maxHistory bounds the accepted-event history kept per tracker.
	maxHistory = 128
)

// DropReason explains why an event was not reduced.
type DropReason string

const (
	// DropStale means the counter was not greater than the highest accepted
	// counter: a duplicate, replay or reordering.
	DropStale DropReason = "stale"

	// DropSequenceFailed means the sequence already failed and the event is
	// not a revert point.
	DropSequenceFailed DropReason = "sequence_failed"
)

// HistoryEntry records one accepted event of a sequence.
type HistoryEntry struct {
	Counter     int64
	Seq         int64
	Type        string
	RevertPoint bool
	End         bool
}

// SequenceTracker is the server-side ordering state of one sequence.
//
// States: ACTIVE (initial) and FAILED. FAILED is terminal: accepting a
// revert point advances the counter but never clears the failure flag.
//
// SequenceTracker is not safe for concurrent use; the Processor only
// touches trackers while holding its processing lock.
type SequenceTracker struct {
	id        string
	counter   int64
	hasError  bool
	ended     bool
	history   []HistoryEntry
	accepted  int
	createdAt int64 // seq of the first event seen
}

// NewSequenceTracker creates an ACTIVE tracker with counter 0.
func NewSequenceTracker(id string, seq int64) *SequenceTracker {
	return &SequenceTracker{id: id, createdAt: seq}
}

// ID returns the sequence id.
func (t *SequenceTracker) ID() string { return t.id }

// Counter returns the highest accepted sequence counter.
func (t *SequenceTracker) Counter() int64 { return t.counter }

// Failed reports whether a reducer ever failed on this sequence.
func (t *SequenceTracker) Failed() bool { return t.hasError }

// SetFailed moves the tracker to FAILED. There is no way back.
func (t *SequenceTracker) SetFailed() { t.hasError = true }

// Ended reports whether an accepted event carried sequenceEnd.
func (t *SequenceTracker) Ended() bool { return t.ended }

// AddEvent accepts ev iff its counter is strictly greater than the current
// counter, advancing the counter and recording the event. Otherwise it
// returns false without mutating anything.
func (t *SequenceTracker) AddEvent(ev ir.Event, seq int64) bool {
	if ev.SequenceCounter <= t.counter {
		return false
	}
	t.counter = ev.SequenceCounter
	t.record(ev, seq)
	return true
}

// Admit applies the acceptance rule:
//
//	accepted ⇔ revertPoint ∨ (¬failed ∧ counter > current)
//
// A revert point is accepted unconditionally and advances the counter when
// its own counter is higher. The failure flag is checked before AddEvent so
// a failed sequence never consumes counters of non-revert events.
func (t *SequenceTracker) Admit(ev ir.Event, seq int64) (bool, DropReason) {
	if ev.SequenceRevertPoint {
		t.counter = max(t.counter, ev.SequenceCounter)
		t.record(ev, seq)
		return true, ""
	}
	if t.hasError {
		return false, DropSequenceFailed
	}
	if !t.AddEvent(ev, seq) {
		return false, DropStale
	}
	return true, ""
}

func (t *SequenceTracker) record(ev ir.Event, seq int64) {
	t.accepted++
	if ev.SequenceEnd {
		t.ended = true
	}
	if len(t.history) == maxHistory {
		copy(t.history, t.history[1:])
		t.history = t.history[:maxHistory-1]
	}
	t.history = append(t.history, HistoryEntry{
		Counter:     ev.SequenceCounter,
		Seq:         seq,
		Type:        ev.Type,
		RevertPoint: ev.SequenceRevertPoint,
		End:         ev.SequenceEnd,
	})
}

// History returns a copy of the most recent accepted events, oldest first.
func (t *SequenceTracker) History() []HistoryEntry {
	out := make([]HistoryEntry, len(t.history))
	copy(out, t.history)
	return out
}

// Info returns a point-in-time copy of the tracker state.
func (t *SequenceTracker) Info() SequenceInfo {
	return SequenceInfo{
		ID:        t.id,
		Counter:   t.counter,
		Failed:    t.hasError,
		Ended:     t.ended,
		Accepted:  t.accepted,
		CreatedAt: t.createdAt,
	}
}

// SequenceInfo is a read-only view of a sequence tracker handed to
// reducers and callers.
type SequenceInfo struct {
	ID        string
	Counter   int64
	Failed    bool
	Ended     bool
	Accepted  int   // total accepted events, including evicted history
	CreatedAt int64 // seq of the first event seen
}

// trackerSet owns every live SequenceTracker, keyed by sequence id.
//
// Trackers expire after ttl without events (each event refreshes the TTL)
// and the least recently used tracker is evicted once capacity is reached.
// An evicted sequence starts over: a replay of an old counter after
// eviction is accepted again.
type trackerSet struct {
	cache *ttlcache.Cache[string, *SequenceTracker]
}

func newTrackerSet(ttl time.Duration, capacity uint64) *trackerSet {
	opts := []ttlcache.Option[string, *SequenceTracker]{
		ttlcache.WithTTL[string, *SequenceTracker](ttl),
	}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, *SequenceTracker](capacity))
	}
	cache := ttlcache.New[string, *SequenceTracker](opts...)

	cache.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *SequenceTracker]) {
		if reason == ttlcache.EvictionReasonDeleted {
			return
		}
		// Runs on its own goroutine: only the key is safe to read here.
		slog.Debug("sequence tracker evicted",
			"sequence_id", item.Key(),
			"reason", evictionReasonString(reason),
		)
	})

	return &trackerSet{cache: cache}
}

// get returns the tracker for id, refreshing its TTL, or nil.
func (s *trackerSet) get(id string) *SequenceTracker {
	item := s.cache.Get(id)
	if item == nil {
		return nil
	}
	return item.Value()
}

// peek returns the tracker for id without refreshing its TTL, or nil.
// Inspection must not keep an idle sequence alive.
func (s *trackerSet) peek(id string) *SequenceTracker {
	item := s.cache.Get(id, ttlcache.WithDisableTouchOnHit[string, *SequenceTracker]())
	if item == nil {
		return nil
	}
	return item.Value()
}

// fetchOrCreate returns the tracker for id, creating it lazily.
func (s *trackerSet) fetchOrCreate(id string, seq int64) *SequenceTracker {
	if tr := s.get(id); tr != nil {
		return tr
	}
	tr := NewSequenceTracker(id, seq)
	s.cache.Set(id, tr, ttlcache.DefaultTTL)
	return tr
}

// len returns the number of live trackers after dropping expired ones.
func (s *trackerSet) len() int {
	s.cache.DeleteExpired()
	return s.cache.Len()
}

// sweep removes expired trackers.
func (s *trackerSet) sweep() {
	s.cache.DeleteExpired()
}

func evictionReasonString(r ttlcache.EvictionReason) string {
	switch r {
	case ttlcache.EvictionReasonExpired:
		return "expired"
	case ttlcache.EvictionReasonCapacityReached:
		return "capacity"
	default:
		return "deleted"
	}
}
