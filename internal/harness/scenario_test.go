package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScenario(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadScenario_ValidFile(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "sequence_lifecycle.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "sequence_lifecycle", scenario.Name)
	assert.Equal(t, []string{"log"}, scenario.Reducers)
	assert.Len(t, scenario.Steps, 8)
	assert.Len(t, scenario.Assertions, 5)

	step := scenario.Steps[3]
	assert.True(t, step.Fail)
	assert.Equal(t, "move", step.Event["type"])
	assert.Equal(t, 99, step.Event["x"])
	require.NotNil(t, step.Expect)
	assert.Equal(t, "failed", step.Expect.Outcome)
}

func TestLoadScenario_ResolvesSchemaPath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "events.cue"), []byte(`events: {}`), 0644))
	path := writeScenario(t, dir, `
name: with_schema
description: "schema next to the scenario"
schema: events.cue
steps:
  - event: { type: move, x: 1 }
`)

	scenario, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "events.cue"), scenario.Schema)
}

func TestLoadScenario_MissingSchema(t *testing.T) {
	path := writeScenario(t, t.TempDir(), `
name: missing_schema
description: "schema does not exist"
schema: nope.cue
steps:
  - event: { type: move }
`)

	_, err := LoadScenario(path)
	assert.ErrorContains(t, err, "schema not found")
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_UnknownField(t *testing.T) {
	_, err := ParseScenario([]byte(`
name: typo
description: "assertion instead of assertions"
steps:
  - event: { type: move }
assertion: []
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing name",
			content: "description: d\nsteps:\n  - tick: true\n",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			content: "name: n\nsteps:\n  - tick: true\n",
			wantErr: "description is required",
		},
		{
			name:    "no steps",
			content: "name: n\ndescription: d\n",
			wantErr: "steps list is required",
		},
		{
			name:    "unknown reducer",
			content: "name: n\ndescription: d\nreducers: [chat]\nsteps:\n  - tick: true\n",
			wantErr: `unknown reducer "chat"`,
		},
		{
			name:    "empty step",
			content: "name: n\ndescription: d\nsteps:\n  - fail: true\n",
			wantErr: "steps[0]: event or tick is required",
		},
		{
			name:    "tick with event",
			content: "name: n\ndescription: d\nsteps:\n  - tick: true\n    event: { type: move }\n",
			wantErr: "tick and event are exclusive",
		},
		{
			name:    "failed tick",
			content: "name: n\ndescription: d\nsteps:\n  - tick: true\n    fail: true\n",
			wantErr: "tick cannot be failed",
		},
		{
			name:    "end without client",
			content: "name: n\ndescription: d\nsteps:\n  - event: { type: move }\n    end: true\n",
			wantErr: "end requires client",
		},
		{
			name:    "bad advance",
			content: "name: n\ndescription: d\nsteps:\n  - tick: true\n    advance: soon\n",
			wantErr: "steps[0]: advance",
		},
		{
			name:    "bad outcome",
			content: "name: n\ndescription: d\nsteps:\n  - tick: true\n    expect: { outcome: maybe }\n",
			wantErr: `unknown outcome "maybe"`,
		},
		{
			name:    "unknown assertion",
			content: "name: n\ndescription: d\nsteps:\n  - tick: true\nassertions:\n  - type: final_state\n",
			wantErr: `unknown assertion type "final_state"`,
		},
		{
			name:    "sequence without expect",
			content: "name: n\ndescription: d\nsteps:\n  - tick: true\nassertions:\n  - type: sequence\n    sequence: S\n",
			wantErr: "expect is required for sequence",
		},
		{
			name:    "unknown sequence field",
			content: "name: n\ndescription: d\nsteps:\n  - tick: true\nassertions:\n  - type: sequence\n    sequence: S\n    expect: { count: 1 }\n",
			wantErr: `unknown sequence field "count"`,
		},
		{
			name:    "container without value",
			content: "name: n\ndescription: d\nsteps:\n  - tick: true\nassertions:\n  - type: container\n    container: log\n",
			wantErr: "value is required for container",
		},
		{
			name:    "trace count without event",
			content: "name: n\ndescription: d\nsteps:\n  - tick: true\nassertions:\n  - type: trace_count\n    count: 1\n",
			wantErr: "event is required for trace_count",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
