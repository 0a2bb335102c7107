// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plexus Contributors

package plugin

import (
	"errors"
	"fmt"
)

// Sentinel errors for programmatic error checking.
var (
	// ErrControllerClosed is returned when operations are attempted on a
	// closed controller.
	ErrControllerClosed = errors.New("controller is closed")
	// ErrWatcherClosed is returned when arming watches on a closed watcher.
	ErrWatcherClosed = errors.New("watcher is closed")
)

// LoadError reports a failure to resolve, compile, or shape-check a plugin.
// Load failures are cycle-fatal: the reinitialization cycle aborts and the
// previously committed registry stays active.
type LoadError struct {
	Plugin string
	Path   string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load plugin %q from %s: %v", e.Plugin, e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// IncompatibleVersionError reports a plugin whose declared minimum host
// version exceeds the running host version. Cycle-fatal.
type IncompatibleVersionError struct {
	Plugin         string
	MinHostVersion string
	HostVersion    string
	Err            error // non-nil when the declared version does not parse
}

func (e *IncompatibleVersionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("plugin %q declares unusable min host version %q: %v",
			e.Plugin, e.MinHostVersion, e.Err)
	}
	return fmt.Sprintf("plugin %q requires host >= %s, running %s",
		e.Plugin, e.MinHostVersion, e.HostVersion)
}

func (e *IncompatibleVersionError) Unwrap() error { return e.Err }

// ArgumentValidationError reports an argument payload rejected by a
// plugin's validate predicate. Cycle-fatal; carries the offending payload.
type ArgumentValidationError struct {
	Plugin string
	Args   any
	Err    error // non-nil when the predicate itself failed
}

func (e *ArgumentValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("plugin %q argument validation failed: %v (args: %v)",
			e.Plugin, e.Err, e.Args)
	}
	return fmt.Sprintf("plugin %q rejected arguments: %v", e.Plugin, e.Args)
}

func (e *ArgumentValidationError) Unwrap() error { return e.Err }

// InvocationError reports a plugin invocation that failed during event
// dispatch. Local to one route entry: the remaining entries in the same
// route sequence still run and the registry is unaffected.
type InvocationError struct {
	Plugin string
	Event  string
	Err    error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("plugin %q failed handling event %q: %v", e.Plugin, e.Event, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }
