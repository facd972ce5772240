// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/plugdir/internal/config"
	"github.com/holomush/plugdir/internal/observability"
	"github.com/holomush/plugdir/internal/registry"
	"github.com/holomush/plugdir/internal/watcher"
	"github.com/holomush/plugdir/internal/xdg"
	"github.com/holomush/plugdir/pkg/errutil"
)

// NewWatchCmd creates the watch subcommand.
func NewWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch the plugins directory and keep the registry in sync",
		Long: `Watch the plugins directory until interrupted. Bundles that are added,
replaced or removed are logged as they settle, and identifier conflicts are
reported. With --metrics-addr, Prometheus metrics and health probes are served.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runWatchWithDeps(cmd.Context(), cfg, cmd, nil)
		},
	}
}

// runWatchWithDeps watches until ctx or a shutdown signal ends it.
// If deps is nil, default implementations are used.
func runWatchWithDeps(ctx context.Context, cfg *config.Config, cmd *cobra.Command, deps *WatchDeps) error {
	deps = deps.withDefaults()
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, stop := deps.SignalContext(ctx)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := xdg.EnsureDir(cfg.PluginsDir); err != nil {
		return oops.Code(watcher.CodeWatchUnavailable).Wrap(err)
	}

	var (
		reg       Registry
		obsServer ObservabilityServer
		metrics   *observability.Metrics
	)
	if cfg.MetricsAddr != "" {
		// Ready while the directory is being watched.
		obsServer = deps.ObservabilityServerFactory(cfg.MetricsAddr, func() bool {
			return reg != nil && reg.Watching()
		})
		metrics = obsServer.Metrics()
	}

	opts := append(cfg.RegistryOptions(),
		registry.WithStateStore(stateStore(cfg)),
		registry.WithLogger(slog.Default()),
		registry.WithMetrics(metrics),
	)
	r, err := deps.RegistryFactory(cfg.PluginsDir, opts...)
	if err != nil {
		return err
	}
	reg = r
	changes := reg.Subscribe()
	if err := reg.Start(ctx); err != nil {
		_ = reg.Close()
		return err
	}
	defer func() {
		if err := reg.Close(); err != nil {
			errutil.LogWarn(slog.Default(), "error closing registry", err)
		}
	}()

	if obsServer != nil {
		obsErrChan, err := obsServer.Start()
		if err != nil {
			return oops.Wrapf(err, "start observability server")
		}
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
		slog.Info("observability server started", "addr", obsServer.Addr())
	}

	cmd.Printf("Watching %s (%d bundles)\n", cfg.PluginsDir, len(reg.Snapshot()))
	slog.Info("watching plugins directory", "dir", cfg.PluginsDir, "quiescence", cfg.Quiescence)

	for {
		select {
		case c, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			reportChange(reg, c)
		case <-ctx.Done():
			slog.Info("shutting down...")
			if obsServer != nil {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				if err := obsServer.Stop(shutdownCtx); err != nil {
					slog.Warn("error stopping observability server", "error", err)
				}
			}
			slog.Info("shutdown complete")
			return nil
		}
	}
}

// reportChange logs conflicts so they are visible without polling list.
func reportChange(reg Registry, c registry.Change) {
	if c.Kind != registry.ChangeConflicts && c.Kind != registry.ChangeReloaded {
		return
	}
	for _, rec := range reg.Snapshot() {
		if rec.Conflicted && (c.Identifier == "" || rec.BundleIdentifier == c.Identifier) {
			slog.Warn("identifier conflict",
				"identifier", rec.BundleIdentifier,
				"location", rec.Location,
				"version", rec.BundleVersion,
			)
		}
	}
}

// monitorServerErrors monitors a server's error channel and cancels the context on error.
// It exits when either an error is received, the channel is closed, or the context is cancelled.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
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
	}
}
