// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads plugdir settings from a YAML file, PLUGDIR_*
// environment variables, and command-line flags, in increasing precedence.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/holomush/plugdir/internal/logging"
	"github.com/holomush/plugdir/internal/registry"
	"github.com/holomush/plugdir/internal/watcher"
	"github.com/holomush/plugdir/internal/xdg"
)

// CodeConfigInvalid marks configuration errors.
const CodeConfigInvalid = "CONFIG_INVALID"

// EnvPrefix prefixes environment overrides: PLUGDIR_PLUGINS_DIR sets
// plugins-dir.
const EnvPrefix = "PLUGDIR_"

// Config is the resolved configuration.
type Config struct {
	PluginsDir         string        `koanf:"plugins-dir"`
	StateFile          string        `koanf:"state-file"`
	NoPersist          bool          `koanf:"no-persist"`
	Quiescence         time.Duration `koanf:"quiescence"`
	ScanInterval       time.Duration `koanf:"scan-interval"`
	Ignore             []string      `koanf:"ignore"`
	InstallMode        string        `koanf:"install-mode"`
	InstallOnConflict  string        `koanf:"install-on-conflict"`
	InstallConcurrency int           `koanf:"install-concurrency"`
	RestartBase        time.Duration `koanf:"restart-base"`
	RestartMax         time.Duration `koanf:"restart-max"`
	LogFormat          string        `koanf:"log-format"`
	LogLevel           string        `koanf:"log-level"`
	MetricsAddr        string        `koanf:"metrics-addr"`
	HostVersion        string        `koanf:"host-version"`
}

// Default returns the built-in defaults. Directory defaults are left empty
// and filled from XDG locations by Load.
func Default() Config {
	return Config{
		Quiescence:         watcher.DefaultQuiescence,
		Ignore:             watcher.DefaultIgnorePatterns,
		InstallMode:        registry.ModeCopy.String(),
		InstallOnConflict:  registry.ReplaceExisting.String(),
		InstallConcurrency: registry.DefaultInstallConcurrency,
		RestartBase:        registry.DefaultRestartBase,
		RestartMax:         registry.DefaultRestartMax,
		LogFormat:          "text",
		LogLevel:           "info",
	}
}

// RegisterFlags adds every setting to fs, with Default values.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("plugins-dir", d.PluginsDir, "plugins directory to watch (default $XDG_DATA_HOME/plugdir/plugins)")
	fs.String("state-file", d.StateFile, "enabled-state file (default $XDG_STATE_HOME/plugdir/state.yaml)")
	fs.Bool("no-persist", d.NoPersist, "keep enabled state in memory only")
	fs.Duration("quiescence", d.Quiescence, "how long an entry must be quiet before it is reported")
	fs.Duration("scan-interval", d.ScanInterval, "how often pending entries are checked (default quiescence/3)")
	fs.StringSlice("ignore", d.Ignore, "glob patterns of entry names to ignore")
	fs.String("install-mode", d.InstallMode, "install by copy or move")
	fs.String("install-on-conflict", d.InstallOnConflict, "when the destination exists: replace or keep")
	fs.Int("install-concurrency", d.InstallConcurrency, "bundles installed in parallel")
	fs.Duration("restart-base", d.RestartBase, "initial delay before restarting a lost watcher")
	fs.Duration("restart-max", d.RestartMax, "maximum delay between watcher restarts")
	fs.String("log-format", d.LogFormat, "log format (json or text)")
	fs.String("log-level", d.LogLevel, "log level (debug, info, warn, error)")
	fs.String("metrics-addr", d.MetricsAddr, "address for /metrics and health endpoints; empty disables")
	fs.String("host-version", d.HostVersion, "host version checked against bundle bounds")
}

// Load reads configuration. path names a YAML file that must exist; when
// empty, the XDG config file is used if present. fs supplies flag values
// and, for unset keys, defaults.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		if def, err := xdg.ConfigFile(); err == nil {
			if _, statErr := os.Stat(def); statErr == nil {
				path = def
			}
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code(CodeConfigInvalid).With("path", path).Wrapf(err, "load config file")
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, oops.Code(CodeConfigInvalid).Wrapf(err, "load environment")
	}

	if fs != nil {
		if err := k.Load(posflag.Provider(fs, ".", k), nil); err != nil {
			return nil, oops.Code(CodeConfigInvalid).Wrapf(err, "load flags")
		}
	}

	cfg := Default()
	// Slices decode element-wise over an existing value; start from nil so a
	// shorter list does not inherit default entries.
	cfg.Ignore = nil
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.Code(CodeConfigInvalid).Wrapf(err, "decode config")
	}
	if cfg.Ignore == nil {
		cfg.Ignore = watcher.DefaultIgnorePatterns
	}
	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps PLUGDIR_INSTALL_MODE to install-mode.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", "-")
}

func (c *Config) resolvePaths() error {
	if c.PluginsDir == "" {
		dir, err := xdg.PluginsDir()
		if err != nil {
			return oops.Code(CodeConfigInvalid).Wrapf(err, "default plugins directory")
		}
		c.PluginsDir = dir
	}
	if c.StateFile == "" && !c.NoPersist {
		f, err := xdg.StateFile()
		if err != nil {
			return oops.Code(CodeConfigInvalid).Wrapf(err, "default state file")
		}
		c.StateFile = f
	}
	return nil
}

// Validate checks values that flags and YAML cannot constrain.
func (c *Config) Validate() error {
	errb := oops.Code(CodeConfigInvalid)

	if c.PluginsDir == "" {
		return errb.Errorf("plugins-dir is required")
	}
	if c.Quiescence <= 0 {
		return errb.With("quiescence", c.Quiescence).Errorf("quiescence must be positive")
	}
	if c.ScanInterval < 0 {
		return errb.With("scan_interval", c.ScanInterval).Errorf("scan-interval must not be negative")
	}
	if c.ScanInterval > c.Quiescence {
		return errb.With("scan_interval", c.ScanInterval).With("quiescence", c.Quiescence).
			Errorf("scan-interval must not exceed quiescence")
	}
	if _, err := registry.ParseInstallMode(c.InstallMode); err != nil {
		return err
	}
	if _, err := registry.ParseInstallPolicy(c.InstallOnConflict); err != nil {
		return err
	}
	if c.InstallConcurrency < 1 {
		return errb.With("install_concurrency", c.InstallConcurrency).Errorf("install-concurrency must be at least 1")
	}
	if c.RestartBase <= 0 || c.RestartMax < c.RestartBase {
		return errb.With("restart_base", c.RestartBase).With("restart_max", c.RestartMax).
			Errorf("restart-base must be positive and no greater than restart-max")
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return errb.With("log_format", c.LogFormat).Errorf("log-format must be json or text")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.HostVersion != "" {
		if _, err := semver.NewVersion(c.HostVersion); err != nil {
			return errb.With("host_version", c.HostVersion).Wrapf(err, "host-version is not a semantic version")
		}
	}
	return nil
}

// WatcherOptions returns the watcher settings from c.
func (c *Config) WatcherOptions() []watcher.Option {
	return []watcher.Option{
		watcher.WithQuiescence(c.Quiescence),
		watcher.WithScanInterval(c.ScanInterval),
		watcher.WithIgnorePatterns(c.Ignore...),
	}
}

// RegistryOptions returns the registry settings from c. Validate must have
// passed.
func (c *Config) RegistryOptions() []registry.Option {
	mode, _ := registry.ParseInstallMode(c.InstallMode)
	policy, _ := registry.ParseInstallPolicy(c.InstallOnConflict)
	return []registry.Option{
		registry.WithWatcherOptions(c.WatcherOptions()...),
		registry.WithInstallMode(mode),
		registry.WithInstallPolicy(policy),
		registry.WithInstallConcurrency(c.InstallConcurrency),
		registry.WithRestartBackoff(c.RestartBase, c.RestartMax),
		registry.WithHostVersion(c.HostVersion),
	}
}
