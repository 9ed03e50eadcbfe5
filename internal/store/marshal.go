package store

import (
	"fmt"

	"github.com/roach88/eventsync/internal/doc"
	"github.com/roach88/eventsync/internal/ir"
)

// marshalContainer converts a container snapshot to JSON TEXT for storage.
// Keys are sorted so identical contents produce identical rows. Nulls are
// allowed here, unlike in canonical JSON.
func marshalContainer(v ir.IRValue) (string, error) {
	data, err := ir.MarshalValue(v)
	if err != nil {
		return "", fmt.Errorf("marshal container: %w", err)
	}
	return string(data), nil
}

// unmarshalContainer parses JSON TEXT back into the value type for kind.
// Uses the ir decoders so large integers never pass through float64.
func unmarshalContainer(kind doc.Kind, data string) (ir.IRValue, error) {
	v, err := ir.UnmarshalValue([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal container: %w", err)
	}

	switch kind {
	case doc.KindMap:
		obj, ok := v.(ir.IRObject)
		if !ok {
			return nil, fmt.Errorf("unmarshal container: map data is %T", v)
		}
		return obj, nil
	case doc.KindList:
		arr, ok := v.(ir.IRArray)
		if !ok {
			return nil, fmt.Errorf("unmarshal container: list data is %T", v)
		}
		return arr, nil
	default:
		return nil, fmt.Errorf("unmarshal container: unknown kind %q", kind)
	}
}
