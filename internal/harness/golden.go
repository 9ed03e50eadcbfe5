package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/eventsync/internal/ir"
)

// GoldenDir is where golden traces live, relative to the test's package.
const GoldenDir = "testdata/golden"

// TraceSnapshot captures the trace and final state of a scenario run.
// It is serialized as canonical JSON for deterministic comparison.
type TraceSnapshot struct {
	ScenarioName string
	Trace        []TraceEvent
	State        map[string]any
}

// Snapshot builds the golden snapshot of a result.
func Snapshot(name string, result *Result) TraceSnapshot {
	return TraceSnapshot{ScenarioName: name, Trace: result.Trace, State: result.State}
}

// toCanonicalMap converts the snapshot to plain maps for
// ir.MarshalCanonical. Zero-valued optional fields and error texts are
// left out.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, event := range s.Trace {
		eventMap := map[string]any{
			"step": event.Step,
			"kind": event.Kind,
			"type": event.Type,
		}
		if event.SequenceID != "" {
			eventMap["sequence_id"] = event.SequenceID
		}
		if event.SequenceCounter != 0 {
			eventMap["sequence_counter"] = event.SequenceCounter
		}
		if event.RevertPoint {
			eventMap["revert_point"] = true
		}
		if event.Seq != 0 {
			eventMap["seq"] = event.Seq
		}
		if event.Outcome != "" {
			eventMap["outcome"] = event.Outcome
		}
		if event.Reason != "" {
			eventMap["reason"] = event.Reason
		}
		traceList[i] = eventMap
	}

	state := make(map[string]any, len(s.State))
	for name, v := range s.State {
		state[name] = v
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         traceList,
		"state":         state,
	}
}

// MarshalCanonical serializes the snapshot as canonical JSON.
func (s *TraceSnapshot) MarshalCanonical() ([]byte, error) {
	return ir.MarshalCanonical(s.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if the snapshot doesn't match.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against its golden file
// without re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshot := Snapshot(scenarioName, result)
	data, err := snapshot.MarshalCanonical()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir(GoldenDir),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
