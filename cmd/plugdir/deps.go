// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/holomush/plugdir/internal/observability"
	"github.com/holomush/plugdir/internal/registry"
)

// WatchDeps contains injectable dependencies for the watch command.
// All fields with nil values will use their default implementations.
type WatchDeps struct {
	// RegistryFactory creates the registry.
	// Default: registry.New
	RegistryFactory func(dir string, opts ...registry.Option) (Registry, error)

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer

	// SignalContext returns a context cancelled on shutdown signals.
	// Default: signal.NotifyContext for SIGINT and SIGTERM
	SignalContext func(parent context.Context) (context.Context, context.CancelFunc)
}

// Registry wraps the methods watch uses from registry.Registry.
type Registry interface {
	Start(ctx context.Context) error
	Close() error
	Watching() bool
	Snapshot() []registry.Record
	Subscribe() <-chan registry.Change
}

// ObservabilityServer wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Metrics() *observability.Metrics
}

func (d *WatchDeps) withDefaults() *WatchDeps {
	out := WatchDeps{}
	if d != nil {
		out = *d
	}
	if out.RegistryFactory == nil {
		out.RegistryFactory = func(dir string, opts ...registry.Option) (Registry, error) {
			return registry.New(dir, opts...)
		}
	}
	if out.ObservabilityServerFactory == nil {
		out.ObservabilityServerFactory = func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer {
			return observability.NewServer(addr, readinessChecker)
		}
	}
	if out.SignalContext == nil {
		out.SignalContext = func(parent context.Context) (context.Context, context.CancelFunc) {
			return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
		}
	}
	return &out
}
