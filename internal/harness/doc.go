// Package harness runs event scenarios against a real Processor and
// compares their traces with golden files.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	reducers: [log]          # built-in reducers, in registration order
//	schema: graph.cue        # optional, relative to the scenario file
//	steps:
//	  - event: { type: move, x: 1, sequenceId: S, sequenceCounter: 1 }
//	    expect: { outcome: applied }
//	  - event: { type: move, x: 2, sequenceId: S, sequenceCounter: 2 }
//	    fail: true           # inject a reducer failure
//	    expect: { outcome: failed }
//	  - client: drag         # dispatch through a client sequence
//	    event: { type: move, x: 3 }
//	  - tick: true
//	    advance: 5s          # move the manual clock first
//	assertions:
//	  - type: sequence
//	    sequence: S
//	    expect: { counter: 2, failed: true }
//	  - type: container
//	    container: log
//	    value: [1]
//
// Event steps carry the full wire shape, sequence fields included, and go
// straight to Processor.Process. Client steps go through a client Sequence
// named by the step, which stamps the id and counter itself and latches on
// failure; a latched dispatch shows up in the trace as "skipped".
//
// # Built-in Reducers
//
//   - log: appends the payload field x of every event that has one to the
//     "log" list
//   - graph: the sample graph domain (reducers.Graph)
//
// A fault reducer is always registered first. It fails the events of steps
// marked fail, so no other reducer writes for them.
//
// # Assertion Types
//
//   - sequence: the tracker of a sequence has the expected counter/failed/ended
//   - container: a document container equals the expected value
//   - stored: the container as persisted to SQLite equals the expected value
//   - trace_count: the number of trace entries of an event type and outcome
//
// # Deterministic Testing
//
// Every run uses a fresh in-memory SQLite store, a manual wall clock for
// periodic events and sequential client sequence ids, so the trace of a
// scenario is byte-identical across runs.
package harness
