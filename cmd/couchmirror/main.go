package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/agentworkforce/couchmirror/internal/config"
	"github.com/agentworkforce/couchmirror/internal/couchdb"
	"github.com/agentworkforce/couchmirror/internal/httpapi"
	"github.com/agentworkforce/couchmirror/internal/mirror"
	"github.com/agentworkforce/couchmirror/internal/pgsink"
)

const adminShutdownTimeout = 5 * time.Second

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCommand(stdout, stderr, os.Getenv)
	root.SetArgs(args)
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(stderr, "couchmirror: %v\n", err)
		return 1
	}
	return 0
}

type rootOptions struct {
	configDir string
	env       string
	getenv    func(string) string
	stderr    io.Writer
}

type runOptions struct {
	resume             bool
	exitOnConfigChange bool
	adminAddr          string
}

func newRootCommand(stdout, stderr io.Writer, getenv func(string) string) *cobra.Command {
	opts := &rootOptions{getenv: getenv, stderr: stderr}
	runOpts := &runOptions{}

	root := &cobra.Command{
		Use:   "couchmirror",
		Short: "Mirror a CouchDB database into a PostgreSQL table",
		Long: `couchmirror waits for CouchDB and PostgreSQL to become reachable, copies
every document with a one-time bulk dump, then follows the continuous change
feed and upserts each change into a JSONB table keyed by document id.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return execute(cmd, opts, runOpts, mirror.ModeFull)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&opts.configDir, "config-dir", config.DefaultDir, "directory holding default.json and <env>.json profiles")
	root.PersistentFlags().StringVar(&opts.env, "env", "", "profile name (defaults to COUCHMIRROR_ENV, NODE_ENV, then development)")
	bindRunFlags(root, runOpts)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Health check, one-time sync, then follow the change feed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return execute(cmd, opts, runOpts, mirror.ModeFull)
		},
	}
	bindRunFlags(runCmd, runOpts)

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Verify and provision both endpoints, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return execute(cmd, opts, &runOptions{}, mirror.ModeCheckOnly)
		},
	}

	dumpCmd := &cobra.Command{
		Use:   "dump",
		Short: "Run the one-time sync only, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return execute(cmd, opts, &runOptions{}, mirror.ModeDumpOnly)
		},
	}

	root.AddCommand(runCmd, checkCmd, dumpCmd)
	return root
}

func bindRunFlags(cmd *cobra.Command, opts *runOptions) {
	flags := cmd.Flags()
	flags.BoolVar(&opts.resume, "resume", false, "skip the one-time sync and follow the feed from the saved checkpoint")
	flags.BoolVar(&opts.exitOnConfigChange, "exit-on-config-change", false, "shut down when a loaded profile file changes")
	flags.StringVar(&opts.adminAddr, "admin-addr", "", "listen address for the admin API (overrides admin.addr)")
}

func execute(cmd *cobra.Command, opts *rootOptions, runOpts *runOptions, mode mirror.Mode) error {
	cfg, sources, err := config.Load(opts.configDir, opts.env, opts.getenv)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.Log, opts.stderr)
	if err != nil {
		return err
	}
	for _, warning := range sources.Warnings {
		log.Warn().Msg(warning)
	}
	log.Info().Str("env", sources.Env).Strs("files", sources.Files).Str("database", cfg.CouchDB.DBName).Str("table", cfg.PostgreSQL.Table).Msg("configuration loaded")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, unix.SIGTERM)
	defer stop()

	p, err := buildPipeline(cfg, mode, runOpts.resume, log)
	if err != nil {
		return err
	}
	defer p.Close(log)

	if runOpts.exitOnConfigChange {
		err := config.Watch(ctx, sources.Files, func(path string) {
			log.Warn().Str("path", path).Msg("configuration changed, shutting down")
			stop()
		}, log)
		if err != nil {
			return fmt.Errorf("watch configuration: %w", err)
		}
	}

	adminAddr := strings.TrimSpace(runOpts.adminAddr)
	if adminAddr == "" {
		adminAddr = cfg.Admin.Addr
	}
	if adminAddr != "" {
		server := httpapi.NewServerWithConfig(p.orchestrator, p.progress, httpapi.ServerConfig{Token: cfg.Admin.Token}, log)
		adminCtx, stopAdmin := context.WithCancel(ctx)
		serveErrs := serveAdmin(adminCtx, adminAddr, server, log)
		defer func() {
			stopAdmin()
			if err := <-serveErrs; err != nil {
				log.Error().Err(err).Msg("admin server failed")
			}
		}()
	}

	runErr := p.orchestrator.Run(ctx)
	if mode == mirror.ModeCheckOnly {
		status := p.orchestrator.Status()
		cmd.Printf("source ready: %t, destination ready: %t, update_seq: %s\n",
			status.Readiness.SourceReady, status.Readiness.DestinationReady, status.Readiness.UpdateSeq)
	}
	if runErr != nil {
		log.Error().Err(runErr).Str("phase", p.orchestrator.Phase().String()).Msg("couchmirror stopped")
		return runErr
	}
	stats := p.orchestrator.Status()
	log.Info().
		Int64("applied", stats.Upserts.Applied).
		Int64("failed", stats.Upserts.Failed).
		Int64("malformed", stats.Malformed).
		Str("last_seq", stats.LastSeq).
		Msg("couchmirror stopped")
	return nil
}

type pipeline struct {
	sink         *pgsink.Sink
	checkpoints  mirror.CheckpointStore
	progress     *mirror.ProgressHub
	orchestrator *mirror.Orchestrator
}

func buildPipeline(cfg config.Config, mode mirror.Mode, resume bool, log zerolog.Logger) (*pipeline, error) {
	source, err := couchdb.NewClient(cfg.CouchDB.URL, cfg.CouchDB.DBName, couchdb.Options{
		Username:       cfg.CouchDB.Username,
		Password:       cfg.CouchDB.Password,
		RequestTimeout: cfg.CouchDB.RequestTimeout.Std(),
		Heartbeat:      cfg.CouchDB.Heartbeat.Std(),
		FeedRetryDelay: cfg.CouchDB.FeedRetryDelay.Std(),
		Logger:         log.With().Str("component", "couchdb").Logger(),
	})
	if err != nil {
		return nil, err
	}
	sink, err := pgsink.New(cfg.PostgreSQL.URI, pgsink.Options{
		Table:            cfg.PostgreSQL.Table,
		MaxOpenConns:     cfg.PostgreSQL.MaxOpenConns,
		OperationTimeout: cfg.PostgreSQL.OperationTimeout.Std(),
	})
	if err != nil {
		return nil, err
	}
	checkpoints, err := mirror.BuildCheckpointStoreFromDSN(cfg.Sync.CheckpointDSN)
	if err != nil {
		_ = sink.Close()
		return nil, fmt.Errorf("checkpoint store: %w", err)
	}
	if resume && checkpoints == nil {
		log.Warn().Msg("--resume has no effect without sync.checkpointDSN")
	}

	mirrorLog := log.With().Str("component", "mirror").Logger()
	gate := mirror.NewHealthGate(source, sink, &mirror.Retrier{
		MaxAttempts: cfg.Sync.HealthAttempts,
		Log:         mirrorLog,
	}, mirrorLog)
	upserter := mirror.NewUpserter(sink, mirror.UpserterOptions{
		Retrier:           &mirror.Retrier{MaxAttempts: cfg.Sync.WriteAttempts, Log: mirrorLog},
		WritesPerSecond:   cfg.Sync.WritesPerSecond,
		DedupeConsecutive: cfg.Sync.DedupeConsecutive,
	}, mirrorLog)
	progress := mirror.NewProgressHub()
	orchestrator := mirror.NewOrchestrator(gate, source, upserter, mirror.OrchestratorOptions{
		Database:    source.Database(),
		Mode:        mode,
		Resume:      resume,
		QueueSize:   cfg.Sync.QueueSize,
		Checkpoints: checkpoints,
		Progress:    progress,
	}, mirrorLog)
	return &pipeline{
		sink:         sink,
		checkpoints:  checkpoints,
		progress:     progress,
		orchestrator: orchestrator,
	}, nil
}

func (p *pipeline) Close(log zerolog.Logger) {
	p.progress.Close()
	if p.checkpoints != nil {
		if err := p.checkpoints.Close(); err != nil {
			log.Warn().Err(err).Msg("closing checkpoint store")
		}
	}
	if err := p.sink.Close(); err != nil {
		log.Warn().Err(err).Msg("closing postgres pool")
	}
}

// serveAdmin runs the admin API until ctx is done. The returned channel
// yields the server's terminal error once it has shut down.
func serveAdmin(ctx context.Context, addr string, handler http.Handler, log zerolog.Logger) <-chan error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("admin API listening")
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errs <- err
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), adminShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	return errs
}

func newLogger(cfg config.LogConfig, w io.Writer) (zerolog.Logger, error) {
	levelName := strings.ToLower(strings.TrimSpace(cfg.Level))
	if levelName == "" {
		levelName = "info"
	}
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("%w: log level %q", config.ErrInvalidConfig, cfg.Level)
	}
	var out io.Writer = w
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "json":
	case "console":
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), fmt.Errorf("%w: log format %q", config.ErrInvalidConfig, cfg.Format)
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "couchmirror").Logger(), nil
}
