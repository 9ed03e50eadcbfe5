package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/eventsync/internal/ir"
	"github.com/roach88/eventsync/internal/schema"
)

// EventError is one event rejected by the schema.
type EventError struct {
	Item    int    `json:"item"`
	Type    string `json:"type"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool         `json:"valid"`
	Types  []string     `json:"types"`
	Events int          `json:"events,omitempty"`
	Errors []EventError `json:"errors,omitempty"`
}

// WriteText renders the result for text output.
func (r ValidationResult) WriteText(w io.Writer) {
	if !r.Valid {
		fmt.Fprintf(w, "✗ %d of %d event(s) invalid\n\n", len(r.Errors), r.Events)
		for _, e := range r.Errors {
			fmt.Fprintf(w, "event %d (%s)\n", e.Item, e.Type)
			if e.Field != "" {
				fmt.Fprintf(w, "  %s: %s\n\n", e.Field, e.Message)
			} else {
				fmt.Fprintf(w, "  %s\n\n", e.Message)
			}
		}
		return
	}

	fmt.Fprintf(w, "✓ Schema valid: %d event type(s)", len(r.Types))
	if len(r.Types) > 0 {
		fmt.Fprintf(w, " (%s)", strings.Join(r.Types, ", "))
	}
	fmt.Fprintln(w)
	if r.Events > 0 {
		fmt.Fprintf(w, "✓ All %d event(s) valid\n", r.Events)
	}
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <schema> [events-file]",
		Short: "Validate an event schema and optionally events against it",
		Long: `Validate a CUE event schema (a .cue file or a package directory).

The schema declares one payload constraint per event type under
"events". Given an events file (JSONL or a JSON array, "-" for stdin),
every event is also checked against its type's schema; types without a
schema are accepted.

Exit codes:
  0 - Schema (and events) valid
  1 - Schema does not compile, or an event is invalid
  2 - Command error (missing file, malformed events file)

Examples:
  eventsync validate ./schema
  eventsync validate ./schema/graph.cue recorded.jsonl --format json`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			eventsFile := ""
			if len(args) == 2 {
				eventsFile = args[1]
			}
			return runValidate(rootOpts, args[0], eventsFile, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, schemaPath, eventsFile string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	v, err := schema.Load(schemaPath)
	if err != nil {
		if schema.IsSchemaError(err) {
			_ = formatter.Error(ErrCodeSchema, err.Error(), nil)
			return WrapExitError(ExitFailure, "invalid schema", err)
		}
		return formatter.Fail(ExitCommandError, ErrCodeInput, "failed to load schema", err)
	}

	result := ValidationResult{Valid: true, Types: v.Types()}
	formatter.VerboseLog("Schema %s declares %d event type(s)", schemaPath, len(result.Types))
	if eventsFile == "" {
		return formatter.Success(result)
	}

	events, err := LoadEvents(eventsFile, cmd.InOrStdin())
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeInput, "failed to read events", err)
	}
	result.Events = len(events)
	result.Errors = validateEvents(v, events, formatter)

	if len(result.Errors) > 0 {
		result.Valid = false
		return formatter.Failure(ExitFailure, ErrCodeInvalid,
			fmt.Sprintf("%d event(s) invalid", len(result.Errors)), result)
	}
	return formatter.Success(result)
}

func validateEvents(v *schema.Validator, events []ir.Event, f *OutputFormatter) []EventError {
	var errs []EventError
	for i, ev := range events {
		if !v.Has(ev.Type) {
			f.VerboseLog("event %d: no schema for %s", i, ev.Type)
		}
		err := v.Validate(ev)
		if err == nil {
			continue
		}
		e := EventError{Item: i, Type: ev.Type, Message: err.Error()}
		var verr *ir.ValidationError
		if errors.As(err, &verr) {
			e.Field = verr.Field
			e.Message = verr.Message
		}
		errs = append(errs, e)
	}
	return errs
}
