package ir

import (
	"encoding/json"
	"fmt"
)

// Reserved wire field names. Every other top-level field is payload.
const (
	FieldType                = "type"
	FieldSequenceID          = "sequenceId"
	FieldSequenceCounter     = "sequenceCounter"
	FieldSequenceRevertPoint = "sequenceRevertPoint"
	FieldSequenceEnd         = "sequenceEnd"
)

var reservedFields = map[string]bool{
	FieldType:                true,
	FieldSequenceID:          true,
	FieldSequenceCounter:     true,
	FieldSequenceRevertPoint: true,
	FieldSequenceEnd:         true,
}

// IsReservedField reports whether name is one of the sequence/type fields.
func IsReservedField(name string) bool {
	return reservedFields[name]
}

// Event is a tagged record with a type discriminator, optional sequence
// metadata and an arbitrary payload.
//
// On the wire the payload is flattened next to the reserved fields:
//
//	{"type":"move-node","sequenceId":"...","sequenceCounter":3,"id":"n1","x":10}
//
// Events are values. Payload maps must not be mutated after dispatch; use
// Clone when an independent copy is needed.
type Event struct {
	Type string

	// SequenceID correlates events of one multi-step interaction.
	// Empty for bare events.
	SequenceID string

	// SequenceCounter is strictly increasing per sequence, starting at 1.
	SequenceCounter int64

	// SequenceRevertPoint re-anchors the sequence: the event is accepted
	// even after the sequence failed or when its counter is stale.
	SequenceRevertPoint bool

	// SequenceEnd marks the logical end of the sequence. Informational.
	SequenceEnd bool

	Payload IRObject
}

// NewEvent creates a bare event.
func NewEvent(eventType string, payload IRObject) Event {
	if payload == nil {
		payload = IRObject{}
	}
	return Event{Type: eventType, Payload: payload}
}

// Sequenced reports whether the event belongs to a sequence.
func (e Event) Sequenced() bool {
	return e.SequenceID != ""
}

// WithSequence returns a copy stamped with sequence id and counter.
func (e Event) WithSequence(id string, counter int64) Event {
	e.SequenceID = id
	e.SequenceCounter = counter
	return e
}

// Clone returns a copy with a deep-copied payload.
func (e Event) Clone() Event {
	e.Payload = e.Payload.Clone()
	return e
}

// Get returns a payload field.
func (e Event) Get(key string) (IRValue, bool) {
	v, ok := e.Payload[key]
	return v, ok
}

// String returns a string payload field.
func (e Event) String(key string) (string, bool) {
	v, ok := e.Payload[key].(IRString)
	return string(v), ok
}

// Int returns an integer payload field.
func (e Event) Int(key string) (int64, bool) {
	v, ok := e.Payload[key].(IRInt)
	return int64(v), ok
}

// Bool returns a boolean payload field.
func (e Event) Bool(key string) (bool, bool) {
	v, ok := e.Payload[key].(IRBool)
	return bool(v), ok
}

// Validate checks the structural rules of the wire shape.
func (e Event) Validate() error {
	if e.Type == "" {
		return &ValidationError{Field: FieldType, Message: "event type is required"}
	}
	for k := range e.Payload {
		if reservedFields[k] {
			return &ValidationError{Field: k, Message: "reserved field used as payload"}
		}
	}
	if e.SequenceID == "" {
		switch {
		case e.SequenceCounter != 0:
			return &ValidationError{Field: FieldSequenceCounter, Message: "sequence counter without sequence id"}
		case e.SequenceRevertPoint:
			return &ValidationError{Field: FieldSequenceRevertPoint, Message: "revert point without sequence id"}
		case e.SequenceEnd:
			return &ValidationError{Field: FieldSequenceEnd, Message: "sequence end without sequence id"}
		}
		return nil
	}
	if e.SequenceCounter < 1 {
		return &ValidationError{
			Field:   FieldSequenceCounter,
			Message: fmt.Sprintf("sequence counter must be positive, got %d", e.SequenceCounter),
		}
	}
	return nil
}

// Object returns the flattened wire object for the event.
func (e Event) Object() IRObject {
	obj := make(IRObject, len(e.Payload)+5)
	for k, v := range e.Payload {
		obj[k] = v
	}
	obj[FieldType] = IRString(e.Type)
	if e.SequenceID != "" {
		obj[FieldSequenceID] = IRString(e.SequenceID)
		obj[FieldSequenceCounter] = IRInt(e.SequenceCounter)
	}
	if e.SequenceRevertPoint {
		obj[FieldSequenceRevertPoint] = IRBool(true)
	}
	if e.SequenceEnd {
		obj[FieldSequenceEnd] = IRBool(true)
	}
	return obj
}

// MarshalJSON implements json.Marshaler using the flattened wire shape.
func (e Event) MarshalJSON() ([]byte, error) {
	for k := range e.Payload {
		if reservedFields[k] {
			return nil, &ValidationError{Field: k, Message: "reserved field used as payload"}
		}
	}
	return e.Object().MarshalJSON()
}

// UnmarshalJSON implements json.Unmarshaler for the flattened wire shape.
func (e *Event) UnmarshalJSON(data []byte) error {
	var obj IRObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return &ValidationError{Message: err.Error()}
	}
	ev, err := EventFromObject(obj)
	if err != nil {
		return err
	}
	*e = ev
	return nil
}

// EventFromObject splits a flattened wire object into reserved fields and payload.
func EventFromObject(obj IRObject) (Event, error) {
	var ev Event
	ev.Payload = make(IRObject, len(obj))

	for k, v := range obj {
		switch k {
		case FieldType:
			s, ok := v.(IRString)
			if !ok {
				return Event{}, &ValidationError{Field: k, Message: "must be a string"}
			}
			ev.Type = string(s)
		case FieldSequenceID:
			switch s := v.(type) {
			case IRString:
				ev.SequenceID = string(s)
			case IRNull:
			default:
				return Event{}, &ValidationError{Field: k, Message: "must be a string"}
			}
		case FieldSequenceCounter:
			switch n := v.(type) {
			case IRInt:
				ev.SequenceCounter = int64(n)
			case IRNull:
			default:
				return Event{}, &ValidationError{Field: k, Message: "must be an integer"}
			}
		case FieldSequenceRevertPoint, FieldSequenceEnd:
			var flag bool
			switch b := v.(type) {
			case IRBool:
				flag = bool(b)
			case IRNull:
			default:
				return Event{}, &ValidationError{Field: k, Message: "must be a boolean"}
			}
			if k == FieldSequenceEnd {
				ev.SequenceEnd = flag
			} else {
				ev.SequenceRevertPoint = flag
			}
		default:
			ev.Payload[k] = v
		}
	}

	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// ValidationError reports a malformed event.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid event: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("invalid event: %s", e.Message)
}
