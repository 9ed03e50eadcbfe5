package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/eventsync/internal/config"
	"github.com/roach88/eventsync/internal/doc"
	"github.com/roach88/eventsync/internal/ir"
	"github.com/roach88/eventsync/internal/store"
)

// SnapshotOptions holds flags for the snapshot command.
type SnapshotOptions struct {
	*RootOptions
	Database string
	URL      string
	Token    string
}

// SnapshotEntry is one container of a snapshot.
type SnapshotEntry struct {
	Container string          `json:"container"`
	Kind      doc.Kind        `json:"kind"`
	Seq       int64           `json:"seq"`
	Value     json.RawMessage `json:"value"`
}

// SnapshotResult is the output of the snapshot command.
type SnapshotResult struct {
	Source     string          `json:"source"`
	Containers []SnapshotEntry `json:"containers"`
}

// WriteText renders the result for text output.
func (r SnapshotResult) WriteText(w io.Writer) {
	if len(r.Containers) == 0 {
		fmt.Fprintf(w, "No containers in %s.\n", r.Source)
		return
	}
	for _, c := range r.Containers {
		fmt.Fprintf(w, "%s (%s, seq %d)\n  %s\n", c.Container, c.Kind, c.Seq, c.Value)
	}
}

// NewSnapshotCommand creates the snapshot command.
func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SnapshotOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "snapshot [container...]",
		Short: "Print document containers",
		Long: `Print the containers of the shared document.

By default the containers are read from the SQLite store (--db, or
store.path from the config). With --url they are fetched from a running
server instead. Naming containers limits the output to them.

Examples:
  eventsync snapshot
  eventsync snapshot nodes edges --db ./graph.db
  eventsync snapshot --url http://localhost:8080 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshot(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides store.path)")
	cmd.Flags().StringVar(&opts.URL, "url", "", "read from a running server instead of the database")
	cmd.Flags().StringVar(&opts.Token, "token", "", "bearer token for --url")

	return cmd
}

func runSnapshot(opts *SnapshotOptions, names []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		result SnapshotResult
		err    error
	)
	if opts.URL != "" {
		result, err = fetchSnapshot(ctx, opts.URL, opts.Token)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeDispatch, "failed to fetch snapshot", err)
		}
	} else {
		path := opts.Database
		if path == "" {
			cfg, err := config.Load(opts.Config)
			if err != nil {
				return formatter.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
			}
			path = cfg.Store.Path
		}
		formatter.VerboseLog("reading %s", path)
		result, err = readSnapshot(ctx, path)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeStore, "failed to read snapshot", err)
		}
	}

	if len(names) > 0 {
		result.Containers = slices.DeleteFunc(result.Containers, func(e SnapshotEntry) bool {
			return !slices.Contains(names, e.Container)
		})
		for _, name := range names {
			if !slices.ContainsFunc(result.Containers, func(e SnapshotEntry) bool { return e.Container == name }) {
				return formatter.Fail(ExitFailure, ErrCodeStore, fmt.Sprintf("container %s not found", name), nil)
			}
		}
	}
	return formatter.Success(result)
}

// readSnapshot reads every container persisted at path. A missing
// database file is an error rather than a fresh empty store.
func readSnapshot(ctx context.Context, path string) (SnapshotResult, error) {
	st, err := store.Open(path, store.ReadOnly())
	if err != nil {
		return SnapshotResult{}, err
	}
	defer st.Close()

	containers, err := st.ReadContainers(ctx)
	if err != nil {
		return SnapshotResult{}, err
	}

	result := SnapshotResult{Source: path, Containers: make([]SnapshotEntry, 0, len(containers))}
	for _, c := range containers {
		value, err := ir.MarshalValue(c.Data)
		if err != nil {
			return SnapshotResult{}, fmt.Errorf("container %s: %w", c.Name, err)
		}
		result.Containers = append(result.Containers, SnapshotEntry{
			Container: c.Name,
			Kind:      c.Kind,
			Seq:       c.Seq,
			Value:     value,
		})
	}
	return result, nil
}

// fetchSnapshot reads GET /snapshot of the server at baseURL.
func fetchSnapshot(ctx context.Context, baseURL, token string) (SnapshotResult, error) {
	endpoint := strings.TrimRight(baseURL, "/") + "/snapshot"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return SnapshotResult{}, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return SnapshotResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return SnapshotResult{}, fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var updates []doc.Update
	if err := json.NewDecoder(resp.Body).Decode(&updates); err != nil {
		return SnapshotResult{}, fmt.Errorf("decode snapshot: %w", err)
	}

	result := SnapshotResult{Source: endpoint, Containers: make([]SnapshotEntry, 0, len(updates))}
	for _, u := range updates {
		result.Containers = append(result.Containers, SnapshotEntry{
			Container: u.Container,
			Kind:      u.Kind,
			Seq:       u.Seq,
			Value:     u.Value,
		})
	}
	return result, nil
}
