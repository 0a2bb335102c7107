// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plexus Contributors

package plugin

import (
	"context"
	"log/slog"

	"github.com/samber/oops"
)

// Runtime loads plugin sources of one format into invocable handlers.
// Implementations live under internal/plugin/lua, gosrc and goplugin.
type Runtime interface {
	// Name identifies the runtime in logs and errors.
	Name() string
	// CanLoad reports whether this runtime handles the given source path.
	CanLoad(sourcePath string) bool
	// Load compiles or connects the source and returns an invocable
	// handler. Loading the same path again must yield a handler backed by
	// the current on-disk source, not a cached artifact.
	Load(ctx context.Context, name, sourcePath string) (Handler, error)
}

// Loader routes registration entries to the runtime that owns their source
// format and wraps every failure as a LoadError.
type Loader struct {
	runtimes []Runtime
	log      *slog.Logger
}

// NewLoader returns a loader that tries runtimes in the given order.
func NewLoader(log *slog.Logger, runtimes ...Runtime) *Loader {
	if log == nil {
		log = slog.Default()
	}
	return &Loader{runtimes: runtimes, log: log}
}

// RuntimeFor returns the first runtime claiming the source path.
func (l *Loader) RuntimeFor(sourcePath string) (Runtime, bool) {
	for _, rt := range l.runtimes {
		if rt.CanLoad(sourcePath) {
			return rt, true
		}
	}
	return nil, false
}

// Load resolves a registration entry into a live descriptor. Any failure,
// including an unrecognized source format or a runtime that yields no
// invocable handler, is a LoadError naming the plugin and path.
func (l *Loader) Load(ctx context.Context, name string, entry RegistrationEntry) (*Descriptor, error) {
	rt, ok := l.RuntimeFor(entry.SourcePath)
	if !ok {
		return nil, &LoadError{
			Plugin: name,
			Path:   entry.SourcePath,
			Err: oops.
				In("loader").
				With("plugin", name).
				Hint("supported formats: .lua, .go, executable binaries").
				New("no runtime accepts source path"),
		}
	}

	l.log.Debug("loading plugin",
		"plugin", name,
		"path", entry.SourcePath,
		"runtime", rt.Name())

	handler, err := rt.Load(ctx, name, entry.SourcePath)
	if err != nil {
		return nil, &LoadError{
			Plugin: name,
			Path:   entry.SourcePath,
			Err: oops.
				In("loader").
				With("plugin", name).
				With("runtime", rt.Name()).
				Wrap(err),
		}
	}
	if handler == nil {
		return nil, &LoadError{
			Plugin: name,
			Path:   entry.SourcePath,
			Err: oops.
				In("loader").
				With("runtime", rt.Name()).
				New("invalid plugin format: runtime returned no handler"),
		}
	}

	return NewDescriptor(name, entry.SourcePath, entry.DefaultArgs, handler), nil
}
