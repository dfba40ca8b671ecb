package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/0x6d61/autoar/internal/api"
	"github.com/0x6d61/autoar/internal/config"
	"github.com/0x6d61/autoar/internal/engine"
	alog "github.com/0x6d61/autoar/internal/log"
	"github.com/0x6d61/autoar/internal/metrics"
	"github.com/0x6d61/autoar/internal/notify"
	"github.com/0x6d61/autoar/internal/orchestrator"
	"github.com/0x6d61/autoar/internal/runner"
	"github.com/0x6d61/autoar/internal/scan"
	"github.com/0x6d61/autoar/internal/session"
	"github.com/0x6d61/autoar/internal/transport"
)

// serveFlagKeys maps config keys to the serve flags that override them.
var serveFlagKeys = map[string]string{
	"server.listen":         "listen",
	"engine.script":         "script",
	"engine.workdir":        "workdir",
	"engine.pass_webhook":   "pass-webhook",
	"runner.grace_period":   "grace-period",
	"archive.path":          "archive",
	"limits.max_concurrent": "max-concurrent",
	"log.verbose":           "verbose",
	"log.format":            "log-format",
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scan orchestrator and its REST API",
		Long: `Serve runs the orchestrator behind the REST API used by the dashboard
and the client commands. SIGINT or SIGTERM stops all running scans, waits
for them to finish within the shutdown timeout, and exits.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	f := cmd.Flags()
	f.String("listen", "", "Listen address (default :5000)")
	f.String("script", "", "Scan engine script (default ./autoAr.sh)")
	f.String("workdir", "", "Scan engine working directory (default: script directory)")
	f.Bool("pass-webhook", false, "Forward per-scan webhooks to the script with -w")
	f.Duration("grace-period", 0, "Time a stopped scan gets to exit before it is killed (default 5s)")
	f.String("archive", "", "SQLite file for finished-scan history (disabled when empty)")
	f.Int("max-concurrent", 0, "Maximum concurrently running scans (0 = unlimited)")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	bindings := make(map[string]*pflag.Flag, len(serveFlagKeys))
	for key, name := range serveFlagKeys {
		bindings[key] = cmd.Flags().Lookup(name)
	}
	cfg, err := config.Load(cfgPath, bindings)
	if err != nil {
		return err
	}

	logger := alog.NewWriter(cmd.ErrOrStderr(), cfg.Log.Verbose, alog.ParseFormat(cfg.Log.Format))
	slog.SetDefault(logger)
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.Listen, err)
	}
	return serve(ctx, cfg, logger, ln)
}

// app is the wired orchestrator with everything it owns.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	orch       *orchestrator.Orchestrator
	server     *api.Server
	dispatcher *notify.Dispatcher
	sweeper    *session.Sweeper
	archive    *session.SQLiteArchive
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	m := metrics.New()

	eng, err := engine.NewExecEngine(engine.ExecConfig{
		Script:      cfg.Engine.Script,
		WorkDir:     cfg.Engine.WorkDir,
		Env:         cfg.Engine.Environ(),
		PassWebhook: cfg.Engine.PassWebhook,
		WaitDelay:   cfg.Engine.WaitDelay,
	}, logger)
	if err != nil {
		return nil, err
	}
	run := runner.New(eng, runner.Options{
		LaunchTimeout: cfg.Runner.LaunchTimeout,
		GracePeriod:   cfg.Runner.GracePeriod,
		Logger:        logger,
	})

	httpClient, err := transport.NewClient(transport.ClientOptions{
		Timeout: cfg.Notify.Timeout,
		MaxRPS:  cfg.Notify.RateLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook client: %w", err)
	}
	a.dispatcher = notify.NewDispatcher(notify.NewWebhookSender(httpClient), notify.Options{
		Workers:   cfg.Notify.Workers,
		QueueSize: cfg.Notify.QueueSize,
		Timeout:   cfg.Notify.Timeout,
		Endpoints: cfg.Notify.Endpoints(),
		Logger:    logger,
		Metrics:   m,
	})

	opts := []orchestrator.Option{
		orchestrator.WithNotifier(a.dispatcher),
		orchestrator.WithLimiter(orchestrator.NewLimiter(cfg.Limits.MaxConcurrent)),
		orchestrator.WithMetrics(m),
		orchestrator.WithLogger(logger),
	}
	if cfg.Archive.Path != "" {
		a.archive, err = session.NewSQLiteArchive(cfg.Archive.Path)
		if err != nil {
			a.close(ctx)
			return nil, err
		}
		opts = append(opts, orchestrator.WithArchive(a.archive))
		a.pruneArchive(ctx)
	}

	store := session.NewStore(session.Options{Retention: cfg.Store.Retention})
	a.orch = orchestrator.New(store, run, opts...)

	if cfg.Store.Retention > 0 {
		a.sweeper, err = session.NewSweeper(ctx, store, cfg.Store.SweepInterval, a.evicted)
		if err != nil {
			a.close(ctx)
			return nil, err
		}
		a.sweeper.Start()
	}

	a.server = api.NewServer(a.orch, api.ServerOptions{
		Listen:         cfg.Server.Listen,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		Defaults:       cfg.ScanDefaults.Options(),
		Metrics:        m,
		Logger:         logger,
	})
	return a, nil
}

// evicted runs after each sweep that removed sessions from memory.
func (a *app) evicted(ctx context.Context, snaps []scan.Snapshot) {
	a.logger.DebugContext(ctx, "finished sessions expired from memory", "count", len(snaps))
	a.pruneArchive(ctx)
}

func (a *app) pruneArchive(ctx context.Context) {
	if a.archive == nil || a.cfg.Archive.MaxAge <= 0 {
		return
	}
	n, err := a.archive.Cleanup(ctx, a.cfg.Archive.MaxAge)
	if err != nil {
		a.logger.WarnContext(ctx, "pruning session archive failed", "error", err)
		return
	}
	if n > 0 {
		a.logger.InfoContext(ctx, "pruned session archive", "deleted", n)
	}
}

// close stops running scans, drains notifications and releases storage.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.orch != nil {
		if err := a.orch.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.dispatcher != nil {
		if err := a.dispatcher.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.sweeper != nil {
		if err := a.sweeper.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// serve runs the API on ln until ctx is cancelled or the server fails, then
// shuts everything down within the configured timeout.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, ln net.Listener) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		ln.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.server.Serve(ln)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		return errors.Join(
			a.close(shutdownCtx),
			a.server.Shutdown(shutdownCtx),
		)
	})
	return g.Wait()
}
