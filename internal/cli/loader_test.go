package cli

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/eventsync/internal/ir"
)

func TestReadEvents_Lines(t *testing.T) {
	input := `{"type":"new-node","id":"n1","x":0,"y":0}

{"type":"move-node","id":"n1","x":3,"y":4,"sequenceId":"S","sequenceCounter":1}
`
	events, err := ReadEvents(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "new-node", events[0].Type)
	assert.Equal(t, "S", events[1].SequenceID)
	assert.Equal(t, int64(1), events[1].SequenceCounter)
	x, ok := events[1].Int("x")
	require.True(t, ok)
	assert.Equal(t, int64(3), x)
}

func TestReadEvents_Array(t *testing.T) {
	input := `  [{"type":"a"}, {"type":"b","n":1}]`
	events, err := ReadEvents(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "b", events[1].Type)
}

func TestReadEvents_Empty(t *testing.T) {
	events, err := ReadEvents(strings.NewReader("\n  \n"))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestReadEvents_Errors(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantLine int
		wantItem int
		wantMsg  string
	}{
		{
			name:     "missing type",
			input:    "{\"type\":\"a\"}\n{\"x\":1}\n",
			wantLine: 2,
			wantItem: 1,
			wantMsg:  "event type is required",
		},
		{
			name:     "counter without id",
			input:    `{"type":"a","sequenceCounter":2}`,
			wantLine: 1,
			wantMsg:  "sequence counter without sequence id",
		},
		{
			name:     "array item",
			input:    `[{"type":"a"},{"type":"b","sequenceId":"S","sequenceCounter":0}]`,
			wantItem: 1,
			wantMsg:  "must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadEvents(strings.NewReader(tt.input))
			require.Error(t, err)

			var lerr *EventLoadError
			require.True(t, errors.As(err, &lerr))
			assert.Equal(t, tt.wantLine, lerr.Line)
			assert.Equal(t, tt.wantItem, lerr.Item)
			assert.Contains(t, err.Error(), tt.wantMsg)

			var verr *ir.ValidationError
			assert.True(t, errors.As(err, &verr))
		})
	}
}

func TestLoadEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"type":"a"}`+"\n"), 0644))

	events, err := LoadEvents(path, nil)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	events, err = LoadEvents("-", strings.NewReader(`{"type":"stdin"}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "stdin", events[0].Type)

	_, err = LoadEvents(filepath.Join(t.TempDir(), "missing.jsonl"), nil)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
