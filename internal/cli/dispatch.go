package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/eventsync/internal/client"
	"github.com/roach88/eventsync/internal/ir"
)

// DispatchOptions holds flags for the dispatch command.
type DispatchOptions struct {
	*RootOptions
	URL      string
	Token    string
	File     string
	Sequence bool
	End      bool
	Jitter   time.Duration
}

// DispatchResult reports what the dispatch command sent.
type DispatchResult struct {
	Sent       int    `json:"sent"`
	Skipped    int    `json:"skipped"`
	SequenceID string `json:"sequence_id,omitempty"`
	Counter    int64  `json:"counter,omitempty"`
	Failed     bool   `json:"failed"`
	Error      string `json:"error,omitempty"`
}

// WriteText renders the result for text output.
func (r DispatchResult) WriteText(w io.Writer) {
	mark := "✓"
	if r.Failed {
		mark = "✗"
	}
	fmt.Fprintf(w, "%s sent %d event(s)", mark, r.Sent)
	if r.SequenceID != "" {
		fmt.Fprintf(w, " in sequence %s (counter %d)", r.SequenceID, r.Counter)
	}
	fmt.Fprintln(w)
	if r.Skipped > 0 {
		fmt.Fprintf(w, "  %d event(s) skipped after the sequence failed\n", r.Skipped)
	}
	if r.Error != "" {
		fmt.Fprintf(w, "  %s\n", r.Error)
	}
}

// NewDispatchCommand creates the dispatch command.
func NewDispatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DispatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dispatch [event-json...]",
		Short: "Send events to a running server",
		Long: `Send events to a running server over HTTP.

Events are given as JSON arguments or read from --file (JSONL or a JSON
array, "-" for stdin). With --sequence they are sent as one client
sequence: each is stamped with a fresh sequence id and the next counter,
and once one fails the rest are skipped.

Exit codes:
  0 - All events accepted
  1 - The server rejected an event
  2 - Command error (bad event JSON, server unreachable)

Examples:
  eventsync dispatch '{"type":"new-node","id":"n1","x":0,"y":0}'
  eventsync dispatch --sequence --end --file drag.jsonl
  eventsync dispatch --url http://localhost:9090 --token $TOKEN --file -`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDispatch(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.URL, "url", "http://localhost:8080", "server base URL")
	cmd.Flags().StringVar(&opts.Token, "token", "", "bearer token")
	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "read events from a file (\"-\" for stdin)")
	cmd.Flags().BoolVar(&opts.Sequence, "sequence", false, "send the events as one client sequence")
	cmd.Flags().BoolVar(&opts.End, "end", false, "mark the last event as the end of the sequence")
	cmd.Flags().DurationVar(&opts.Jitter, "jitter", 0, "add a random delay up to this duration before each send")

	return cmd
}

func collectEvents(opts *DispatchOptions, args []string, cmd *cobra.Command) ([]ir.Event, error) {
	if opts.File != "" && len(args) > 0 {
		return nil, errors.New("give events as arguments or --file, not both")
	}
	if opts.File != "" {
		return LoadEvents(opts.File, cmd.InOrStdin())
	}

	events := make([]ir.Event, 0, len(args))
	for i, arg := range args {
		var ev ir.Event
		if err := json.Unmarshal([]byte(arg), &ev); err != nil {
			return nil, &EventLoadError{Item: i, Err: err}
		}
		events = append(events, ev)
	}
	return events, nil
}

func runDispatch(opts *DispatchOptions, args []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	if opts.End && !opts.Sequence {
		return formatter.Fail(ExitCommandError, ErrCodeInput, "--end requires --sequence", nil)
	}
	events, err := collectEvents(opts, args, cmd)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeInput, "invalid events", err)
	}
	if len(events) == 0 {
		return formatter.Fail(ExitCommandError, ErrCodeInput, "no events to dispatch", nil)
	}

	var httpOpts []client.HTTPOption
	if opts.Token != "" {
		httpOpts = append(httpOpts, client.WithBearerToken(opts.Token))
	}
	var d client.Dispatcher = client.NewHTTPDispatcher(opts.URL, httpOpts...)
	if opts.Jitter > 0 {
		d = client.NewJitterDispatcher(d, 0, opts.Jitter)
	}
	c := client.New(d)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var result DispatchResult
	var dispatchErr error
	if opts.Sequence {
		result, dispatchErr = dispatchSequence(ctx, c, events, opts.End, formatter)
	} else {
		result, dispatchErr = dispatchBare(ctx, c, events, formatter)
	}

	if dispatchErr == nil {
		return formatter.Success(result)
	}
	result.Failed = true
	result.Error = dispatchErr.Error()
	if client.IsRemoteError(dispatchErr) {
		return formatter.Failure(ExitFailure, ErrCodeDispatch, "server rejected event", result)
	}
	_ = formatter.Failure(ExitCommandError, ErrCodeDispatch, "dispatch failed", result)
	return WrapExitError(ExitCommandError, "dispatch failed", dispatchErr)
}

// dispatchBare sends each event on its own and stops at the first error.
func dispatchBare(ctx context.Context, c *client.Client, events []ir.Event, f *OutputFormatter) (DispatchResult, error) {
	var result DispatchResult
	for _, ev := range events {
		f.VerboseLog("dispatching %s", ev.Type)
		if err := c.Dispatch(ctx, ev); err != nil {
			return result, err
		}
		result.Sent++
	}
	return result, nil
}

// dispatchSequence sends every event through one sequence. After a failure
// the sequence latches and the remaining events count as skipped.
func dispatchSequence(ctx context.Context, c *client.Client, events []ir.Event, end bool, f *OutputFormatter) (DispatchResult, error) {
	seq := c.CreateSequence()
	result := DispatchResult{SequenceID: seq.ID()}

	var firstErr error
	for i, ev := range events {
		if seq.Failed() {
			result.Skipped++
			continue
		}

		f.VerboseLog("dispatching %s as %s#%d", ev.Type, seq.ID(), seq.Counter()+1)
		var err error
		if end && i == len(events)-1 {
			err = seq.End(ctx, ev)
		} else {
			err = seq.Dispatch(ctx, ev)
		}
		if err != nil {
			firstErr = err
			continue
		}
		result.Sent++
	}
	result.Counter = seq.Counter()
	return result, firstErr
}
