// Command server runs the workbench HTTP API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fruitsalade/workbench/internal/api"
	"github.com/fruitsalade/workbench/internal/archive"
	"github.com/fruitsalade/workbench/internal/audit"
	"github.com/fruitsalade/workbench/internal/config"
	"github.com/fruitsalade/workbench/internal/events"
	"github.com/fruitsalade/workbench/internal/logging"
	"github.com/fruitsalade/workbench/internal/metrics"
	"github.com/fruitsalade/workbench/internal/quota"
	"github.com/fruitsalade/workbench/internal/runner"
	"github.com/fruitsalade/workbench/internal/storage"
	"github.com/fruitsalade/workbench/internal/watcher"
	"github.com/fruitsalade/workbench/internal/workspace"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("workbench server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("root", cfg.RootDir))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		logging.Fatal("server stopped with error", zap.Error(err))
	}
	logging.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config) (err error) {
	// closers run in reverse order on the way out.
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			err = multierr.Append(err, closers[i]())
		}
	}()

	broadcaster := events.NewBroadcaster()

	var wsOpts []workspace.Option
	mirror, err := storage.NewMirrorFromConfig(ctx, cfg)
	if err != nil {
		return err
	}
	if mirror != nil {
		closers = append(closers, mirror.Close)
		wsOpts = append(wsOpts, workspace.WithMirror(mirror))
		logging.Info("mirror backend enabled", zap.String("backend", mirror.Type()))
	}

	ws, err := workspace.New(cfg.RootDir, broadcaster, wsOpts...)
	if err != nil {
		return err
	}

	expander := archive.New(ws, broadcaster, archive.Config{
		AllowedExtensions: cfg.AllowedExtensions,
		MaxExtractSize:    cfg.MaxExtractSize,
		TempDir:           cfg.UploadTempDir,
	})

	deps := api.Deps{
		Workspace:     ws,
		Expander:      expander,
		Broadcaster:   broadcaster,
		MaxUploadSize: cfg.MaxUploadSize,
	}

	var recorder runner.Recorder
	if cfg.AuditDriver != "" {
		store, err := audit.Open(ctx, cfg.AuditDriver, cfg.AuditDSN)
		if err != nil {
			return err
		}
		closers = append(closers, store.Close)
		recorder = store
		deps.History = store
		logging.Info("command audit log enabled", zap.String("driver", cfg.AuditDriver))
	}

	deps.Runner = runner.New(runner.Config{
		Dir:             ws.Root(),
		Timeout:         cfg.CommandTimeout,
		AllowedCommands: cfg.AllowedCommands,
		MaxOutputBytes:  cfg.CommandMaxOutput,
	}, broadcaster, recorder)
	if !deps.Runner.Restricted() {
		logging.Warn("command execution is unrestricted; run only inside a trusted sandbox or set ALLOWED_COMMANDS")
	}

	if cfg.RateLimitRPM > 0 {
		deps.RateLimiter = quota.NewRateLimiter(cfg.RateLimitRPM)
		go deps.RateLimiter.RunCleanup(ctx, time.Hour, 24*time.Hour)
		logging.Info("rate limiter initialized", zap.Int("rpm", cfg.RateLimitRPM))
	}

	if cfg.WatchTree {
		w, err := watcher.New(ws.Root(), broadcaster, cfg.WatchDebounce)
		if err != nil {
			return err
		}
		closers = append(closers, w.Close)
	}

	srv := api.NewServer(deps)

	opsMux := http.NewServeMux()
	opsMux.Handle("/metrics", metrics.Handler())
	opsMux.Handle("/loglevel", logging.LevelHandler())

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           opsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 2)
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	go func() {
		logging.Info("server listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logging.Info("shutting down...")
	case err = <-serveErr:
		logging.Error("listener failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Push streams never finish on their own; close the broadcaster first so
	// their handlers return and Shutdown can drain.
	broadcaster.Close()
	err = multierr.Combine(err,
		httpServer.Shutdown(shutdownCtx),
		metricsServer.Shutdown(shutdownCtx),
	)
	return err
}
