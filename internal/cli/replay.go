package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/eventsync/internal/config"
	"github.com/roach88/eventsync/internal/doc"
	"github.com/roach88/eventsync/internal/engine"
	"github.com/roach88/eventsync/internal/ir"
	"github.com/roach88/eventsync/internal/reducers"
	"github.com/roach88/eventsync/internal/schema"
	"github.com/roach88/eventsync/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
	Schema   string
	DryRun   bool
	Strict   bool
	Verify   bool
}

// ReplayResult holds the outcome counts of a replay.
type ReplayResult struct {
	Events   int    `json:"events"`
	Applied  int    `json:"applied"`
	Dropped  int    `json:"dropped"`
	Failed   int    `json:"failed"`
	Invalid  int    `json:"invalid"`
	Seq      int64  `json:"seq"`
	Hash     string `json:"hash"`
	Saved    bool   `json:"saved"`
	Verified *bool  `json:"deterministic,omitempty"`
}

// WriteText renders the result for text output.
func (r ReplayResult) WriteText(w io.Writer) {
	fmt.Fprintf(w, "Replay Summary: %d event(s)\n", r.Events)
	fmt.Fprintf(w, "  applied: %d, dropped: %d, failed: %d, invalid: %d\n",
		r.Applied, r.Dropped, r.Failed, r.Invalid)
	fmt.Fprintf(w, "  seq: %d\n  document: %s\n", r.Seq, r.Hash)
	if r.Verified != nil {
		if *r.Verified {
			fmt.Fprintln(w, "✓ Replay verified deterministic")
		} else {
			fmt.Fprintln(w, "✗ Determinism verification failed")
		}
	}
	if !r.Saved {
		fmt.Fprintln(w, "  (dry run, nothing saved)")
	}
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay <events-file>",
		Short: "Apply recorded events to the stored document",
		Long: `Apply a file of recorded events (JSONL or a JSON array, "-" for stdin)
to the document in the SQLite store, through the same reducers and
sequence rules as the server, then save the result.

Failed and invalid events are counted and skipped. With --strict the
events run as one batch that stops at the first failure. With --verify
the events are also replayed against a second copy of the stored
document and both results must be identical.

Exit codes:
  0 - Replay complete (and deterministic with --verify)
  1 - Strict replay stopped at a failure, or verification failed
  2 - Command error (database or events file unreadable, bad schema)

Examples:
  eventsync replay recorded.jsonl --db ./graph.db
  eventsync replay recorded.jsonl --dry-run --verify --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides store.path)")
	cmd.Flags().StringVar(&opts.Schema, "schema", "", "CUE event schema file or directory (overrides schema.path)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "do not save the resulting document")
	cmd.Flags().BoolVar(&opts.Strict, "strict", false, "stop at the first failed or invalid event")
	cmd.Flags().BoolVar(&opts.Verify, "verify", false, "replay twice and check the results match")

	return cmd
}

func runReplay(opts *ReplayOptions, eventsFile string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := context.Background()

	dbPath, schemaPath := opts.Database, opts.Schema
	if dbPath == "" || (schemaPath == "" && !cmd.Flags().Changed("schema")) {
		cfg, err := config.Load(opts.Config)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
		}
		if dbPath == "" {
			dbPath = cfg.Store.Path
		}
		if !cmd.Flags().Changed("schema") {
			schemaPath = cfg.Schema.Path
		}
	}

	events, err := LoadEvents(eventsFile, cmd.InOrStdin())
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeInput, "failed to read events", err)
	}

	var validator engine.Validator
	if schemaPath != "" {
		v, err := schema.Load(schemaPath)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeSchema, "failed to load schema", err)
		}
		validator = v
	}

	// Open database
	st, err := store.Open(dbPath)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, "failed to open database", err)
	}
	defer st.Close()

	// The verification copy is loaded before the first replay saves.
	var check *doc.Document
	if opts.Verify {
		check = doc.New()
		if _, err := st.LoadDocument(ctx, check); err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeStore, "failed to load document", err)
		}
	}

	d := doc.New()
	lastSeq, err := st.LoadDocument(ctx, d)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, "failed to load document", err)
	}
	formatter.VerboseLog("Loaded %d container(s) at seq %d from %s", len(d.Names()), lastSeq, dbPath)

	proc := newReplayProcessor(d, lastSeq, validator)
	if !opts.DryRun {
		detach := st.Persist(ctx, d, proc.Seq)
		defer detach()
	}

	result, replayErr := replayEvents(ctx, proc, events, opts.Strict, formatter)
	if !opts.DryRun {
		// Records the final seq even when the last events changed nothing.
		if err := st.SaveDocument(ctx, d, proc.Seq()); err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeStore, "failed to save document", err)
		}
		result.Saved = true
	}
	if result.Hash, err = documentHash(d); err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, "failed to hash document", err)
	}

	if replayErr != nil {
		return formatter.Failure(ExitFailure, ErrCodeFailed, replayErr.Error(), result)
	}

	if check != nil {
		second, _ := replayEvents(ctx, newReplayProcessor(check, lastSeq, validator), events, opts.Strict, formatter)
		hash, err := documentHash(check)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeStore, "failed to hash document", err)
		}
		same := hash == result.Hash && second.Seq == result.Seq
		result.Verified = &same
		if !same {
			return formatter.Failure(ExitFailure, "E_DETERMINISM", "determinism verification failed", result)
		}
	}

	return formatter.Success(result)
}

func newReplayProcessor(d *doc.Document, lastSeq int64, v engine.Validator) *engine.Processor {
	opts := []engine.Option{engine.WithClock(engine.NewClockAt(lastSeq))}
	if v != nil {
		opts = append(opts, engine.WithValidator(v))
	}
	proc := engine.New(d, opts...)
	reducers.Register(proc)
	return proc
}

// replayEvents applies events to proc, draining follow-ups after each. In
// strict mode the events run as one Batch.
func replayEvents(ctx context.Context, proc *engine.Processor, events []ir.Event, strict bool, f *OutputFormatter) (ReplayResult, error) {
	result := ReplayResult{Events: len(events)}

	if strict {
		results, err := proc.Batch(ctx, events, engine.InternalExtraArgs)
		for _, res := range results {
			countOutcome(&result, res)
		}
		if err != nil {
			var verr *ir.ValidationError
			if errors.As(err, &verr) {
				result.Invalid++
			}
		}
		if _, derr := proc.Drain(ctx); derr != nil && err == nil {
			err = derr
		}
		result.Seq = proc.Seq()
		return result, err
	}

	for i, ev := range events {
		res, err := proc.Process(ctx, ev, engine.InternalExtraArgs)
		var verr *ir.ValidationError
		switch {
		case errors.As(err, &verr):
			f.VerboseLog("event %d (%s): invalid: %v", i, ev.Type, err)
			result.Invalid++
			continue
		case err != nil && !engine.IsReducerError(err):
			return result, fmt.Errorf("event %d: %w", i, err)
		case err != nil:
			f.VerboseLog("event %d (%s): %v", i, ev.Type, err)
		}
		countOutcome(&result, res)
		if _, err := proc.Drain(ctx); err != nil {
			return result, err
		}
	}
	result.Seq = proc.Seq()
	return result, nil
}

func countOutcome(r *ReplayResult, res engine.Result) {
	switch res.Outcome {
	case engine.OutcomeApplied:
		r.Applied++
	case engine.OutcomeDropped:
		r.Dropped++
	case engine.OutcomeFailed:
		r.Failed++
	}
}

// documentHash hashes every container of d as one object.
func documentHash(d *doc.Document) (string, error) {
	all := ir.IRObject{}
	for _, name := range d.Names() {
		if v, ok := d.Snapshot(name); ok {
			all[name] = v
		}
	}
	return ir.SnapshotHash(all)
}
