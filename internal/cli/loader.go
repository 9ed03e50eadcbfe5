package cli

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/roach88/eventsync/internal/ir"
)

// maxEventLine bounds one JSONL line.
const maxEventLine = 1 << 20

// EventLoadError reports a malformed event in an events file.
type EventLoadError struct {
	Line int // 1-based line, or 0 for JSON array input
	Item int // 0-based position in the file
	Err  error
}

func (e *EventLoadError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("event %d: %v", e.Item, e.Err)
}

func (e *EventLoadError) Unwrap() error {
	return e.Err
}

// LoadEvents reads events from path; "-" reads stdin.
func LoadEvents(path string, stdin io.Reader) ([]ir.Event, error) {
	if path == "-" {
		return ReadEvents(stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadEvents(f)
}

// ReadEvents decodes either a JSON array of events or one event per line
// (JSONL). Blank lines are skipped. Every event is validated as it is
// decoded.
func ReadEvents(r io.Reader) ([]ir.Event, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if errors.Is(err, io.EOF) {
		return []ir.Event{}, nil
	}
	if err != nil {
		return nil, err
	}
	if first == '[' {
		return readEventArray(br)
	}
	return readEventLines(br)
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}

func readEventArray(r io.Reader) ([]ir.Event, error) {
	var raw []json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode event array: %w", err)
	}
	events := make([]ir.Event, 0, len(raw))
	for i, msg := range raw {
		var ev ir.Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			return nil, &EventLoadError{Item: i, Err: err}
		}
		events = append(events, ev)
	}
	return events, nil
}

func readEventLines(r io.Reader) ([]ir.Event, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxEventLine)

	events := []ir.Event{}
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var ev ir.Event
		if err := json.Unmarshal(text, &ev); err != nil {
			return nil, &EventLoadError{Line: line, Item: len(events), Err: err}
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return events, nil
}
