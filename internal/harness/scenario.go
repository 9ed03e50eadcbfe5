package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario defines an event scenario: a list of steps run against a fresh
// processor, then assertions on the trace and final state.
type Scenario struct {
	// Name uniquely identifies this scenario. Also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Reducers lists built-in reducers in registration order.
	// Defaults to [log].
	Reducers []string `yaml:"reducers,omitempty"`

	// Schema is an optional CUE payload schema. Relative paths are resolved
	// against the scenario file by LoadScenarioWithBasePath.
	Schema string `yaml:"schema,omitempty"`

	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step is one thing that happens to the processor. Exactly one of Event
// (optionally with Client) or Tick is set.
type Step struct {
	// Event is the wire shape of the event.
	Event map[string]any `yaml:"event,omitempty"`

	// Client names a client sequence to dispatch Event through. The event
	// must then carry no sequence fields.
	Client string `yaml:"client,omitempty"`

	// End marks a client dispatch as the last of its sequence.
	End bool `yaml:"end,omitempty"`

	// Tick injects one periodic event.
	Tick bool `yaml:"tick,omitempty"`

	// Advance moves the manual clock before the step, e.g. "5s".
	Advance string `yaml:"advance,omitempty"`

	// Fail makes the fault reducer fail this step's event.
	Fail bool `yaml:"fail,omitempty"`

	// Extra is passed as per-dispatch extra args.
	Extra map[string]any `yaml:"extra,omitempty"`

	// Expect checks the step's trace entry. Optional.
	Expect *StepExpect `yaml:"expect,omitempty"`
}

// StepExpect is the expected outcome of one step.
type StepExpect struct {
	Outcome string `yaml:"outcome"`
	Reason  string `yaml:"reason,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Sequence is a sequence id, or a client step name (sequence).
	Sequence string `yaml:"sequence,omitempty"`

	// Expect holds counter, failed and ended (sequence). Subset match.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Container is the document container (container, stored).
	Container string `yaml:"container,omitempty"`

	// Value is the expected container content (container, stored).
	Value any `yaml:"value,omitempty"`

	// Event, Outcome and Count describe a trace_count assertion.
	Event   string `yaml:"event,omitempty"`
	Outcome string `yaml:"outcome,omitempty"`
	Count   int    `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertSequence   = "sequence"
	AssertContainer  = "container"
	AssertStored     = "stored"
	AssertTraceCount = "trace_count"
)

var validOutcomes = []string{"applied", "dropped", "failed", OutcomeInvalid, OutcomeSkipped}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
// A relative schema path is resolved against the scenario's directory.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving the schema path relative to basePath.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}

	if scenario.Schema != "" && !filepath.IsAbs(scenario.Schema) && basePath != "" {
		scenario.Schema = filepath.Join(basePath, scenario.Schema)
	}
	if scenario.Schema != "" {
		if _, err := os.Stat(scenario.Schema); err != nil {
			return nil, fmt.Errorf("invalid scenario: schema not found: %s", scenario.Schema)
		}
	}
	return scenario, nil
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for _, name := range s.Reducers {
		if _, ok := builtinReducers[name]; !ok {
			return fmt.Errorf("unknown reducer %q", name)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step *Step) error {
	switch {
	case step.Tick && step.Event != nil:
		return fmt.Errorf("steps[%d]: tick and event are exclusive", index)
	case !step.Tick && step.Event == nil:
		return fmt.Errorf("steps[%d]: event or tick is required", index)
	case step.Tick && step.Client != "":
		return fmt.Errorf("steps[%d]: tick cannot use a client sequence", index)
	case step.Tick && step.Fail:
		return fmt.Errorf("steps[%d]: tick cannot be failed", index)
	case step.End && step.Client == "":
		return fmt.Errorf("steps[%d]: end requires client", index)
	}

	if step.Advance != "" {
		if _, err := time.ParseDuration(step.Advance); err != nil {
			return fmt.Errorf("steps[%d]: advance: %w", index, err)
		}
	}
	if step.Expect != nil && !slices.Contains(validOutcomes, step.Expect.Outcome) {
		return fmt.Errorf("steps[%d].expect: unknown outcome %q", index, step.Expect.Outcome)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertSequence:
		if a.Sequence == "" {
			return fmt.Errorf("assertions[%d]: sequence is required for sequence", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for sequence", index)
		}
		for k := range a.Expect {
			if !slices.Contains([]string{"counter", "failed", "ended"}, k) {
				return fmt.Errorf("assertions[%d]: unknown sequence field %q", index, k)
			}
		}
	case AssertContainer, AssertStored:
		if a.Container == "" {
			return fmt.Errorf("assertions[%d]: container is required for %s", index, a.Type)
		}
		if a.Value == nil {
			return fmt.Errorf("assertions[%d]: value is required for %s", index, a.Type)
		}
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
		if a.Outcome != "" && !slices.Contains(validOutcomes, a.Outcome) {
			return fmt.Errorf("assertions[%d]: unknown outcome %q", index, a.Outcome)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
