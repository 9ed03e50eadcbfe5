package schema

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"

	"github.com/roach88/eventsync/internal/ir"
)

const eventsField = "events"

// Validator checks event payloads against per-type CUE schemas.
// It implements engine.Validator.
type Validator struct {
	// CUE values are not safe for concurrent use.
	mu     sync.Mutex
	ctx    *cue.Context
	events cue.Value
}

// Compile builds a validator from CUE source. filename is only used in
// error positions.
func Compile(src, filename string) (*Validator, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src, cue.Filename(filename))
	return newValidator(ctx, v)
}

// Load builds a validator from a .cue file, or from the CUE package in a
// directory.
func Load(path string) (*Validator, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	if !info.IsDir() {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load schema: %w", err)
		}
		return Compile(string(src), path)
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: path})
	if len(instances) == 0 {
		return nil, fmt.Errorf("load schema: no CUE package in %s", path)
	}
	if err := instances[0].Err; err != nil {
		return nil, fmt.Errorf("load schema: %w", formatCUEError(err))
	}
	ctx := cuecontext.New()
	return newValidator(ctx, ctx.BuildInstance(instances[0]))
}

func newValidator(ctx *cue.Context, v cue.Value) (*Validator, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	events := v.LookupPath(cue.ParsePath(eventsField))
	if events.Exists() {
		if err := events.Err(); err != nil {
			return nil, formatCUEError(err)
		}
		if _, err := events.Fields(); err != nil {
			return nil, fmt.Errorf("schema: %s must be a struct: %w", eventsField, formatCUEError(err))
		}
	}
	return &Validator{ctx: ctx, events: events}, nil
}

// Types returns the event types that have a schema, sorted.
func (v *Validator) Types() []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.events.Exists() {
		return nil
	}
	iter, err := v.events.Fields()
	if err != nil {
		return nil
	}
	var types []string
	for iter.Next() {
		types = append(types, iter.Selector().Unquoted())
	}
	slices.Sort(types)
	return types
}

// Has reports whether eventType has a schema.
func (v *Validator) Has(eventType string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lookup(eventType).Exists()
}

func (v *Validator) lookup(eventType string) cue.Value {
	if !v.events.Exists() {
		return cue.Value{}
	}
	return v.events.LookupPath(cue.MakePath(cue.Str(eventType)))
}

// Validate unifies the event payload with the schema of its type. Failures
// are returned as *ir.ValidationError naming the offending field.
func (v *Validator) Validate(ev ir.Event) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	schema := v.lookup(ev.Type)
	if !schema.Exists() {
		return nil
	}

	payload := ev.Payload
	if payload == nil {
		payload = ir.IRObject{}
	}
	data := v.ctx.Encode(ir.ToNative(payload))
	if err := data.Err(); err != nil {
		return &ir.ValidationError{Message: fmt.Sprintf("encode payload: %v", err)}
	}

	unified := schema.Unify(data)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return validationError(ev.Type, err)
	}
	return nil
}

// validationError converts the first CUE error into a ValidationError. The
// field is the error path relative to the event's schema.
func validationError(eventType string, err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &ir.ValidationError{Message: err.Error()}
	}
	first := errs[0]
	format, args := first.Msg()
	return &ir.ValidationError{
		Field:   fieldPath(eventType, first.Path()),
		Message: fmt.Sprintf("%s: %s", eventType, fmt.Sprintf(format, args...)),
	}
}

func fieldPath(eventType string, path []string) string {
	if len(path) > 0 && path[0] == eventsField {
		path = path[1:]
		if len(path) > 0 && strings.Trim(path[0], `"`) == eventType {
			path = path[1:]
		}
	}
	return strings.Join(path, ".")
}

// SchemaError is a schema source that failed to compile.
type SchemaError struct {
	Message string
	Pos     string
}

func (e *SchemaError) Error() string {
	if e.Pos != "" {
		return fmt.Sprintf("%s: schema: %s", e.Pos, e.Message)
	}
	return "schema: " + e.Message
}

// IsSchemaError reports whether err is a *SchemaError.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}

func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &SchemaError{Message: err.Error()}
	}

	first := errs[0]
	se := &SchemaError{Message: first.Error()}
	if positions := errors.Positions(first); len(positions) > 0 && positions[0].IsValid() {
		se.Pos = positions[0].String()
	}
	return se
}
