// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"log/slog"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/plugdir/internal/config"
	"github.com/holomush/plugdir/internal/logging"
	"github.com/holomush/plugdir/internal/registry"
	"github.com/holomush/plugdir/internal/state"
	"github.com/holomush/plugdir/internal/watcher"
	"github.com/holomush/plugdir/internal/xdg"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the plugdir CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugdir",
		Short: "Manage a directory of plugin bundles",
		Long: `plugdir keeps track of the plugin bundles in a directory: which are
installed, which are enabled, and which share an identifier with another.
Run "plugdir watch" to follow the directory as bundles come and go.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (default $XDG_CONFIG_HOME/plugdir/config.yaml)")
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(NewWatchCmd())
	cmd.AddCommand(NewListCmd())
	cmd.AddCommand(NewInstallCmd())
	cmd.AddCommand(NewUninstallCmd())
	cmd.AddCommand(NewEnableCmd())
	cmd.AddCommand(NewDisableCmd())
	cmd.AddCommand(NewSchemaCmd())

	return cmd
}

// loadConfig resolves configuration for cmd and installs the default logger.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, err
	}
	logging.SetDefault(logging.Options{
		Service: "plugdir",
		Version: version,
		Format:  cfg.LogFormat,
		Level:   cfg.LogLevel,
	})
	return cfg, nil
}

// stateStore returns the store cfg asks for.
func stateStore(cfg *config.Config) state.Store {
	if cfg.NoPersist || cfg.StateFile == "" {
		return state.NewMemoryStore(nil)
	}
	return state.NewFileStore(cfg.StateFile)
}

// openRegistry builds a registry for one-shot commands and scans the
// directory without watching it. The caller closes it.
func openRegistry(ctx context.Context, cfg *config.Config, extra ...registry.Option) (*registry.Registry, error) {
	if err := xdg.EnsureDir(cfg.PluginsDir); err != nil {
		return nil, oops.Code(watcher.CodeWatchUnavailable).Wrap(err)
	}
	opts := append(cfg.RegistryOptions(),
		registry.WithStateStore(stateStore(cfg)),
		registry.WithLogger(slog.Default()),
	)
	reg, err := registry.New(cfg.PluginsDir, append(opts, extra...)...)
	if err != nil {
		return nil, err
	}
	if err := reg.Open(ctx); err != nil {
		_ = reg.Close()
		return nil, err
	}
	return reg, nil
}
