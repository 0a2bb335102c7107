// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plexus Contributors

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/plexushq/plexus/internal/config"
	"github.com/plexushq/plexus/internal/control"
	"github.com/plexushq/plexus/internal/logging"
	"github.com/plexushq/plexus/internal/plugin"
	"github.com/plexushq/plexus/internal/plugin/goplugin"
	"github.com/plexushq/plexus/internal/plugin/gosrc"
	"github.com/plexushq/plexus/internal/plugin/lua"
	"github.com/plexushq/plexus/internal/xdg"
	"github.com/plexushq/plexus/pkg/errutil"
)

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the plugin host daemon",
		Long: `Serve loads the configured plugins, watches their sources for changes,
and keeps the registry hot: a settled source change, a SIGHUP, or a reload
request on the control socket runs a full reinitialization cycle. A failed
cycle never takes the daemon down; the previous plugin generation keeps
serving until a later cycle succeeds.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cmd, nil)
		},
	}
}

// newRuntimes builds the three plugin runtimes every command loads with.
func newRuntimes(log *slog.Logger) []plugin.Runtime {
	return []plugin.Runtime{
		lua.NewRuntime(log),
		gosrc.NewRuntime(log),
		goplugin.NewRuntime(log),
	}
}

// journalPath resolves where the journal database lives: the configured
// path, or journal.db under the XDG state directory.
func journalPath(cfg *config.Config) (string, error) {
	if cfg.Journal.Path != "" {
		return cfg.Journal.Path, nil
	}
	stateDir, err := xdg.StateDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve state directory: %w", err)
	}
	return filepath.Join(stateDir, "journal.db"), nil
}

// runServe starts the daemon with injectable dependencies.
// If deps is nil, default implementations are used.
func runServe(ctx context.Context, cmd *cobra.Command, deps *ServeDeps) error {
	if deps == nil {
		deps = &ServeDeps{}
	}
	deps.applyDefaults()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := logging.Setup("plexus", version, cfg.Log.Format, cfg.Log.Level, nil)
	slog.SetDefault(logger)

	logger.Info("starting plugin host",
		"version", cfg.HostVersion.String(),
		"config", cfg.Path,
		"plugins", len(cfg.Registration),
	)

	// Single-instance lock under the state directory.
	stateDir, err := xdg.StateDir()
	if err != nil {
		return fmt.Errorf("failed to resolve state directory: %w", err)
	}
	if err := xdg.EnsureDir(stateDir); err != nil {
		return err
	}
	lockPath := filepath.Join(stateDir, "plexus.lock")
	lock := deps.LockFactory(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire daemon lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another plexus daemon is already running (lock: %s)", lockPath)
	}
	defer func() {
		if unlockErr := lock.Unlock(); unlockErr != nil {
			logger.Warn("failed to release daemon lock", "error", unlockErr)
		}
	}()

	// Journal.
	var journalStore JournalStore
	if cfg.Journal.Enabled {
		path, err := journalPath(cfg)
		if err != nil {
			return err
		}
		journalStore, err = deps.JournalFactory(path)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer func() {
			if closeErr := journalStore.Close(); closeErr != nil {
				logger.Warn("failed to close journal", "error", closeErr)
			}
		}()
		logger.Info("journal open", "path", journalStore.Path())
	}

	// Reinit controller and dispatcher.
	loader := plugin.NewLoader(logger, newRuntimes(logger)...)
	registry := plugin.NewRegistry()

	var ctrlOpts []plugin.ControllerOption
	var dispOpts []plugin.DispatcherOption
	if journalStore != nil {
		ctrlOpts = append(ctrlOpts, plugin.WithJournal(journalStore))
		dispOpts = append(dispOpts, plugin.WithDispatchJournal(journalStore))
	}
	if cfg.Watch.Enabled {
		ctrlOpts = append(ctrlOpts, plugin.WithWatching(cfg.Watch.Quiet))
	}
	if cfg.Watch.Retries > 0 {
		ctrlOpts = append(ctrlOpts, plugin.WithRetry(uint64(cfg.Watch.Retries), 0))
	}

	controller, err := plugin.NewController(plugin.ControllerConfig{
		HostVersion: cfg.HostVersion,
		Tables:      cfg,
		Loader:      loader,
		Registry:    registry,
		Log:         logger,
	}, ctrlOpts...)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := controller.Close(); closeErr != nil {
			logger.Warn("error closing controller", "error", closeErr)
		}
	}()

	dispatcher := plugin.NewDispatcher(registry, cfg, logger, dispOpts...)

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Control socket.
	var controlServer ControlServer
	if cfg.Control.Enabled {
		controlServer = deps.ControlServerFactory(control.ServerConfig{
			Status: func() control.HostStatus {
				return hostStatus(cfg.HostVersion.String(), controller)
			},
			Reload: func(ctx context.Context) (*plugin.CycleReport, error) {
				return controller.Reinitialize(ctx, plugin.Trigger{Kind: plugin.TriggerControl, Detail: "reload"})
			},
			Dispatch: dispatcher.Dispatch,
			Shutdown: cancel,
			Log:      logger,
		})
		if err := controlServer.Start(); err != nil {
			return fmt.Errorf("failed to start control server: %w", err)
		}
		logger.Info("control socket listening", "path", controlServer.Path())
	}

	// Observability server.
	var obsServer ObservabilityServer
	if cfg.Observability.Enabled {
		// Ready once the first cycle has committed a generation.
		obsServer = deps.ObservabilityServerFactory(cfg.Observability.Addr, func() bool {
			gen, release := registry.Acquire()
			defer release()
			return gen.Seq() >= 1
		})
		obsErrChan, err := obsServer.Start()
		if err != nil {
			if controlServer != nil {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				if stopErr := controlServer.Stop(shutdownCtx); stopErr != nil {
					logger.Warn("failed to stop control server during cleanup", "error", stopErr)
				}
			}
			return fmt.Errorf("failed to start observability server: %w", err)
		}
		// Monitor observability server errors - cancel context on error
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
		logger.Info("observability server started", "addr", obsServer.Addr())
	}

	// Initial cycle. A failure here is not fatal: the daemon serves an empty
	// registry until a file change, SIGHUP, or control reload succeeds.
	if report, err := controller.Reinitialize(ctx, plugin.Trigger{Kind: plugin.TriggerStartup, Detail: cfg.Path}); err != nil {
		errutil.LogError(ctx, logger, err, "initial cycle failed; serving empty registry until a reload succeeds")
	} else {
		logger.Info("plugin host ready",
			"generation", report.Generation,
			"plugins", len(report.Plugins),
		)
	}

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	// Wait for shutdown signal or error; SIGHUP triggers a reload instead.
	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				logger.Info("received SIGHUP, reinitializing")
				controller.Trigger(ctx, plugin.Trigger{Kind: plugin.TriggerSignal, Detail: "SIGHUP"})
				continue
			}
			logger.Info("received shutdown signal", "signal", sig.String())
		case <-ctx.Done():
			logger.Info("context cancelled, shutting down")
		}
		break
	}

	// Graceful shutdown
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if controlServer != nil {
		if err := controlServer.Stop(shutdownCtx); err != nil {
			logger.Warn("error stopping control server", "error", err)
		}
	}
	if obsServer != nil {
		if err := obsServer.Stop(shutdownCtx); err != nil {
			logger.Warn("error stopping observability server", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// hostStatus snapshots the running host for the control socket.
func hostStatus(version string, controller *plugin.Controller) control.HostStatus {
	gen, release := controller.Registry().Acquire()
	defer release()

	hs := control.HostStatus{
		Version:    version,
		CycleState: controller.State().String(),
		Generation: gen.Seq(),
		Plugins:    gen.Names(),
	}
	if report := controller.LastReport(); report != nil {
		sum := control.SummarizeCycle(report)
		hs.LastCycle = &sum
	}
	return hs
}

// monitorServerErrors monitors a server's error channel and cancels the context on error.
// This ensures that server failures trigger graceful shutdown of the entire process.
// It exits when either an error is received, the channel is closed, or the context is cancelled.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			// Channel closed, server stopped gracefully
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
		// Context cancelled, exit monitoring
	}
}
