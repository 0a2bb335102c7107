// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plexus Contributors

package main

import (
	"context"

	"github.com/gofrs/flock"

	"github.com/plexushq/plexus/internal/control"
	"github.com/plexushq/plexus/internal/journal"
	"github.com/plexushq/plexus/internal/observability"
	"github.com/plexushq/plexus/internal/plugin"
)

// ServeDeps contains injectable dependencies for the serve command.
// All fields with nil values will use their default implementations.
type ServeDeps struct {
	// LockFactory creates the single-instance lock. Default: flock.New.
	LockFactory func(path string) Locker

	// JournalFactory opens the cycle journal. Default: journal.Open.
	JournalFactory func(path string) (JournalStore, error)

	// ControlServerFactory creates the control socket server.
	// Default: control.NewServer.
	ControlServerFactory func(cfg control.ServerConfig) ControlServer

	// ObservabilityServerFactory creates the metrics/health server.
	// Default: observability.NewServer.
	ObservabilityServerFactory func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer
}

func (d *ServeDeps) applyDefaults() {
	if d.LockFactory == nil {
		d.LockFactory = func(path string) Locker {
			return flock.New(path)
		}
	}
	if d.JournalFactory == nil {
		d.JournalFactory = func(path string) (JournalStore, error) {
			return journal.Open(path)
		}
	}
	if d.ControlServerFactory == nil {
		d.ControlServerFactory = func(cfg control.ServerConfig) ControlServer {
			return control.NewServer(cfg)
		}
	}
	if d.ObservabilityServerFactory == nil {
		d.ObservabilityServerFactory = func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer {
			return observability.NewServer(addr, readinessChecker)
		}
	}
}

// Locker interface wraps the methods used from flock.Flock.
type Locker interface {
	TryLock() (bool, error)
	Unlock() error
}

// JournalStore interface wraps the methods used from journal.Store.
type JournalStore interface {
	plugin.Journal
	Path() string
	Close() error
}

// ControlServer interface wraps the methods used from control.Server.
type ControlServer interface {
	Start() error
	Path() string
	Stop(ctx context.Context) error
}

// ObservabilityServer interface wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
}
