// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plexus Contributors

// Package plugin implements the plexus plugin host: loading externally
// authored plugins, validating their compatibility and declared arguments,
// registering them under stable names, dispatching named events through
// them, and reloading the whole set when any plugin source changes on disk.
package plugin

import (
	"context"
	"io"
)

// Handler is the single required export of a plugin: a callable mapping an
// arbitrary input payload to an output payload. Payloads are JSON-compatible
// values (nil, bool, float64, string, []any, map[string]any).
type Handler interface {
	Invoke(ctx context.Context, payload any) (any, error)
}

// Optional plugin capabilities. Runtimes surface these on the Handler they
// return; presence is checked by type assertion when the descriptor is
// built, never assumed.

// VersionConstrained declares a minimum compatible host version.
type VersionConstrained interface {
	MinHostVersion() string
}

// ArgumentValidator vets an argument payload before it is ever dispatched.
type ArgumentValidator interface {
	ValidateArguments(ctx context.Context, args any) (bool, error)
}

// Describer carries informational plugin metadata. Not used in control flow.
type Describer interface {
	Describe() Info
}

// Info is informational plugin metadata.
type Info struct {
	Version        string
	Description    string
	Authors        []string
	DeclaredEvents []string
}

// Descriptor is one loaded plugin: identity, callable, and metadata.
// Descriptors are built by the Loader, owned by exactly one registry
// generation, and closed when that generation is superseded or when the
// cycle that built them fails.
type Descriptor struct {
	Name           string
	SourcePath     string
	Handler        Handler
	DefaultArgs    any
	MinHostVersion string // empty means compatible with any host version
	Info           Info

	validate ArgumentValidator // nil means accept any payload
}

// NewDescriptor builds a descriptor around a loaded handler, capturing the
// optional capabilities the handler exposes.
func NewDescriptor(name, sourcePath string, defaultArgs any, h Handler) *Descriptor {
	d := &Descriptor{
		Name:        name,
		SourcePath:  sourcePath,
		Handler:     h,
		DefaultArgs: defaultArgs,
	}
	if vc, ok := h.(VersionConstrained); ok {
		d.MinHostVersion = vc.MinHostVersion()
	}
	if av, ok := h.(ArgumentValidator); ok {
		d.validate = av
	}
	if desc, ok := h.(Describer); ok {
		d.Info = desc.Describe()
	}
	return d
}

// HasValidator reports whether the plugin supplied an argument predicate.
func (d *Descriptor) HasValidator() bool {
	return d.validate != nil
}

// Close releases handler resources (e.g. a plugin subprocess). Handlers
// without resources carry no Closer and Close is a no-op for them.
func (d *Descriptor) Close() error {
	if c, ok := d.Handler.(io.Closer); ok {
		//nolint:wrapcheck // closer errors are logged, not branched on
		return c.Close()
	}
	return nil
}
