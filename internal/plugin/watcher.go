// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plexus Contributors

package plugin

import (
	"errors"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/samber/oops"
)

// DefaultQuietWindow is how long a source path must stay quiet after a
// change before the watcher fires. Editors commonly produce several events
// per save; the window collapses them into one trigger.
const DefaultQuietWindow = 500 * time.Millisecond

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	// Quiet is the debounce window. Zero means DefaultQuietWindow.
	Quiet time.Duration
	// OnChange is called with the changed source path once per settled
	// change. Required.
	OnChange func(path string)
	// Log receives watcher diagnostics. Nil means slog.Default.
	Log *slog.Logger
}

// Watcher observes registered plugin source paths and reports settled
// modifications and deletions. It watches parent directories rather than the
// files themselves: editors that save via rename replace the inode, which
// would silently detach a per-file watch.
type Watcher struct {
	fs       *fsnotify.Watcher
	onChange func(path string)
	quiet    time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	paths  map[string]struct{}
	dirs   map[string]int
	timers map[string]*time.Timer
	closed bool

	done chan struct{}
}

// NewWatcher returns a running watcher with no paths armed. Arm paths with
// Rearm after each committed reinitialization.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.OnChange == nil {
		panic("plugin: WatcherConfig.OnChange is required")
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, oops.In("watcher").Wrapf(err, "failed to create filesystem watcher")
	}
	if cfg.Quiet <= 0 {
		cfg.Quiet = DefaultQuietWindow
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	w := &Watcher{
		fs:       fs,
		onChange: cfg.OnChange,
		quiet:    cfg.Quiet,
		log:      cfg.Log,
		paths:    map[string]struct{}{},
		dirs:     map[string]int{},
		timers:   map[string]*time.Timer{},
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Rearm replaces the watched path set with sourcePaths. Paths no longer
// registered are dropped; newly registered ones are armed. Arming continues
// past individual failures and the joined error reports all of them.
func (w *Watcher) Rearm(sourcePaths []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWatcherClosed
	}

	next := make(map[string]struct{}, len(sourcePaths))
	for _, p := range sourcePaths {
		next[filepath.Clean(p)] = struct{}{}
	}

	var errs []error
	for p := range w.paths {
		if _, keep := next[p]; keep {
			continue
		}
		delete(w.paths, p)
		if t, ok := w.timers[p]; ok {
			t.Stop()
			delete(w.timers, p)
		}
		w.releaseDirLocked(filepath.Dir(p))
	}
	for p := range next {
		if _, have := w.paths[p]; have {
			continue
		}
		if err := w.acquireDirLocked(filepath.Dir(p)); err != nil {
			errs = append(errs, oops.In("watcher").With("path", p).Wrap(err))
			continue
		}
		w.paths[p] = struct{}{}
	}
	return errors.Join(errs...)
}

func (w *Watcher) acquireDirLocked(dir string) error {
	if w.dirs[dir] == 0 {
		if err := w.fs.Add(dir); err != nil {
			return err
		}
	}
	w.dirs[dir]++
	return nil
}

func (w *Watcher) releaseDirLocked(dir string) {
	w.dirs[dir]--
	if w.dirs[dir] > 0 {
		return
	}
	delete(w.dirs, dir)
	if err := w.fs.Remove(dir); err != nil {
		w.log.Debug("failed to remove directory watch", "dir", dir, "error", err)
	}
}

// Watched returns the currently armed source paths, sorted.
func (w *Watcher) Watched() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	paths := make([]string, 0, len(w.paths))
	for p := range w.paths {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Close stops the watcher and all pending debounce timers.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for _, t := range w.timers {
		t.Stop()
	}
	w.timers = map[string]*time.Timer{}
	w.mu.Unlock()

	err := w.fs.Close()
	<-w.done
	return err
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warn("filesystem watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) &&
		!ev.Op.Has(fsnotify.Remove) && !ev.Op.Has(fsnotify.Rename) {
		return
	}
	path := filepath.Clean(ev.Name)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if _, watched := w.paths[path]; !watched {
		return
	}

	w.log.Debug("source path changed", "path", path, "op", ev.Op.String())

	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.quiet, func() {
		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			return
		}
		delete(w.timers, path)
		w.mu.Unlock()
		w.onChange(path)
	})
}
