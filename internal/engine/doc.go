// Package engine implements the server-side event processor.
//
// The processor receives events one at a time, resolves the sequence each
// event belongs to, and runs every registered reducer inside a single
// document transaction.
//
// ARCHITECTURE:
//
// Single-Flight Reduction:
// Process, Batch and the Run loop all reduce under one lock, so at most one
// event is being reduced at any time and reducers never run in parallel.
//
// Event Processing Flow:
// 1. The event is validated (wire shape, then the optional payload schema)
// 2. It is stamped with the next logical seq and a ULID processing id
// 3. Sequenced events go through their SequenceTracker (fetched or created)
// 4. Stale, duplicate and failed-sequence events are dropped and logged
// 5. Reducers run in registration order inside doc.Transaction
// 6. A reducer error marks the sequence failed and is returned to the caller
//
// Follow-up events dispatched by reducers join a FIFO queue and are
// processed after the current event, by Run or Drain. Their depth is
// bounded by the cascade limit.
//
// Sequence trackers live in a TTL cache with an LRU capacity bound, so
// abandoned sequences do not grow memory forever.
//
// CRITICAL PATTERNS:
//
// Logical Clock:
// All events stamped with a monotonic seq from Clock.Next().
// NEVER use wall-clock timestamps for ordering.
//
// Failure Latch:
// A sequence that saw a reducer failure stays failed. Only revert points
// are accepted after that, and they do not clear the flag.
//
// Periodic Tick:
// Run injects a "periodic" event every tick interval through the same
// processing path. Tick failures are logged and never returned.
package engine
