// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plexus Contributors

package plugin

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Generation is one complete, internally consistent snapshot of
// name→descriptor bindings. A generation is immutable once published.
// Generations are reference-counted: a dispatch acquires one for its full
// duration, and a superseded generation's descriptors are closed only after
// the last holder releases it.
type Generation struct {
	seq         uint64
	plugins     map[string]*Descriptor
	committedAt time.Time

	refs       atomic.Int64
	superseded atomic.Bool
	closeOnce  sync.Once
}

func newGeneration(seq uint64, plugins map[string]*Descriptor) *Generation {
	if plugins == nil {
		plugins = map[string]*Descriptor{}
	}
	return &Generation{seq: seq, plugins: plugins, committedAt: time.Now()}
}

// Seq returns the generation sequence number. Zero is the initial empty
// registry that exists before the first committed cycle.
func (g *Generation) Seq() uint64 { return g.seq }

// CommittedAt returns when this generation became active.
func (g *Generation) CommittedAt() time.Time { return g.committedAt }

// Lookup resolves a plugin by name within this generation.
func (g *Generation) Lookup(name string) (*Descriptor, bool) {
	d, ok := g.plugins[name]
	return d, ok
}

// Len returns the number of registered plugins.
func (g *Generation) Len() int { return len(g.plugins) }

// Names returns the registered plugin names, sorted.
func (g *Generation) Names() []string {
	names := make([]string, 0, len(g.plugins))
	for name := range g.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (g *Generation) release() {
	if g.refs.Add(-1) == 0 && g.superseded.Load() {
		g.close()
	}
}

func (g *Generation) close() {
	g.closeOnce.Do(func() {
		for name, d := range g.plugins {
			if err := d.Close(); err != nil {
				slog.Warn("failed to close plugin handler",
					"plugin", name,
					"error", err)
			}
		}
	})
}

// Registry is the process-wide mapping from plugin name to descriptor, with
// a single active generation at any time. Replacement is one atomic pointer
// swap: a reader always observes one whole generation, never a mix.
type Registry struct {
	active atomic.Pointer[Generation]
	seq    atomic.Uint64
}

// NewRegistry returns a registry holding an empty initial generation.
func NewRegistry() *Registry {
	r := &Registry{}
	r.active.Store(newGeneration(0, nil))
	return r
}

// Acquire returns the active generation and a release func. Callers must
// release when done. A dispatch holds the same generation for its entire
// run, so a commit landing mid-dispatch cannot change which plugins that
// dispatch resolves to.
func (r *Registry) Acquire() (*Generation, func()) {
	for {
		g := r.active.Load()
		g.refs.Add(1)
		if r.active.Load() == g {
			var once sync.Once
			return g, func() { once.Do(g.release) }
		}
		// Lost a race with a swap; drop the stale reference and retry.
		g.release()
	}
}

// Commit atomically publishes a new generation built from plugins and marks
// the previous one superseded. The previous generation's descriptors are
// closed once its last holder releases it.
func (r *Registry) Commit(plugins map[string]*Descriptor) *Generation {
	next := newGeneration(r.seq.Add(1), plugins)
	prev := r.active.Swap(next)
	prev.superseded.Store(true)
	if prev.refs.Load() == 0 {
		prev.close()
	}
	return next
}

// Close supersedes the active generation with an empty one so descriptor
// resources are released once in-flight holders drain.
func (r *Registry) Close() {
	r.Commit(nil)
}
