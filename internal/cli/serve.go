package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/roach88/eventsync/internal/config"
	"github.com/roach88/eventsync/internal/doc"
	"github.com/roach88/eventsync/internal/engine"
	"github.com/roach88/eventsync/internal/reducers"
	"github.com/roach88/eventsync/internal/schema"
	"github.com/roach88/eventsync/internal/server"
	"github.com/roach88/eventsync/internal/store"
)

// shutdownTimeout bounds how long in-flight requests may take on shutdown.
const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command. Set flags override the
// config file.
type ServeOptions struct {
	*RootOptions
	Addr     string
	Database string
	Schema   string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the event server",
		Long: `Start the event server.

The document is loaded from the SQLite store, the graph reducers are
registered, and events are accepted over HTTP until SIGINT or SIGTERM.
Every committed transaction is saved back to the store and pushed to
websocket subscribers.

Example:
  eventsync serve
  eventsync serve --addr :9090 --db ./graph.db --schema ./schema
  eventsync serve --config ./config/eventsync.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides store.path)")
	cmd.Flags().StringVar(&opts.Schema, "schema", "", "CUE event schema file or directory (overrides schema.path)")

	return cmd
}

func loadServeConfig(opts *ServeOptions, cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("addr") {
		cfg.Server.Addr = opts.Addr
	}
	if cmd.Flags().Changed("db") {
		cfg.Store.Path = opts.Database
	}
	if cmd.Flags().Changed("schema") {
		cfg.Schema.Path = opts.Schema
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := loadServeConfig(opts, cmd)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	// Configure logging from config; --verbose wins
	level, _ := cfg.LogLevel()
	if opts.Verbose {
		level = slog.LevelDebug
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	setupLogging(cmd.ErrOrStderr(), level, cfg.Log.Format)
	if cfg.File != "" {
		slog.Info("config loaded", "file", cfg.File)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	// Open database (create if not exists)
	slog.Info("opening database", "path", cfg.Store.Path)
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	d := doc.New()
	lastSeq, err := st.LoadDocument(parentCtx, d)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load document", err)
	}
	slog.Info("document loaded", "containers", len(d.Names()), "seq", lastSeq)

	engineOpts := []engine.Option{
		engine.WithClock(engine.NewClockAt(lastSeq)),
		engine.WithTickInterval(cfg.Engine.TickInterval),
		engine.WithSequenceTTL(cfg.Engine.SequenceTTL),
		engine.WithMaxSequences(cfg.Engine.MaxSequences),
		engine.WithMaxCascade(cfg.Engine.MaxCascade),
	}
	if cfg.Schema.Path != "" {
		v, err := schema.Load(cfg.Schema.Path)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load schema", err)
		}
		slog.Info("schema loaded", "path", cfg.Schema.Path, "types", v.Types())
		engineOpts = append(engineOpts, engine.WithValidator(v))
	}

	proc := engine.New(d, engineOpts...)
	reducers.Register(proc)

	// Saves must survive cancellation of the command context.
	detach := st.Persist(context.Background(), d, proc.Seq)
	defer detach()

	serverOpts := []server.Option{
		server.WithQueue(),
		server.WithJWTSecret(cfg.Auth.JWTSecret),
	}
	if len(cfg.Server.AllowedOrigins) > 0 {
		serverOpts = append(serverOpts, server.WithAllowedOrigins(cfg.Server.AllowedOrigins...))
	}
	srv := server.New(proc, serverOpts...)
	if cfg.Auth.JWTSecret == "" {
		slog.Warn("auth disabled: auth.jwt_secret is empty")
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		srv.Close()
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The processor outlives the HTTP server so queued requests finish.
	runDone := make(chan error, 1)
	go func() {
		runDone <- proc.Run(context.Background())
	}()

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- httpSrv.Serve(ln)
	}()

	slog.Info("server starting", "addr", ln.Addr().String(), "db", cfg.Store.Path)
	fmt.Fprintf(cmd.OutOrStdout(), "eventsync listening on %s\n", ln.Addr())

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down", "cause", context.Cause(ctx))
	case serveErr = <-serveDone:
		slog.Error("http server stopped", "error", serveErr)
	}

	srv.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", "error", err)
	}

	proc.Stop()
	if err := <-runDone; err != nil {
		slog.Error("engine stopped with error", "error", err)
	}

	if err := st.SaveDocument(context.Background(), d, proc.Seq()); err != nil {
		return WrapExitError(ExitFailure, "failed to save document", err)
	}
	slog.Info("server stopped gracefully", "seq", proc.Seq())

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return WrapExitError(ExitFailure, "http server error", serveErr)
	}
	return nil
}
