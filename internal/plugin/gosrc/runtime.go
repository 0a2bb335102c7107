// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plexus Contributors

// Package gosrc loads plugins written as plain Go source files, evaluated by
// the yaegi interpreter.
package gosrc

import (
	"context"
	"go/parser"
	"go/token"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"github.com/samber/oops"
	"github.com/traefik/yaegi/interp"

	"github.com/plexushq/plexus/internal/plugin"
)

// Plugin contract. A Go plugin is a single ordinary source file (any package
// name, main included) that exports:
//
//	func Invoke(payload any) (any, error)    // required
//	func ValidateArguments(args any) bool    // optional predicate
//	var MinHostVersion string                // optional
//	var Version, Description string          // optional, informational
//	var Authors, DeclaredEvents []string     // optional, informational
//
// Invoke and ValidateArguments may take map[string]any instead of any; any
// other signature fails the load. Every load evaluates the source in a fresh
// interpreter, so package-level state lives exactly as long as one load and
// an edited file takes effect on the next load. Imports are limited to
// allowedPackages.

// Compile-time interface check.
var _ plugin.Runtime = (*Runtime)(nil)

// Runtime loads .go plugin sources.
type Runtime struct {
	log *slog.Logger
}

// NewRuntime returns the interpreted-Go runtime.
func NewRuntime(log *slog.Logger) *Runtime {
	if log == nil {
		log = slog.Default()
	}
	return &Runtime{log: log}
}

// Name implements plugin.Runtime.
func (r *Runtime) Name() string { return "gosrc" }

// CanLoad claims .go sources.
func (r *Runtime) CanLoad(sourcePath string) bool {
	return strings.EqualFold(filepath.Ext(sourcePath), ".go")
}

// Load reads the source at sourcePath, evaluates it in a fresh interpreter,
// and extracts the plugin contract from the file's exported symbols.
func (r *Runtime) Load(ctx context.Context, name, sourcePath string) (plugin.Handler, error) {
	errb := oops.In("gosrc").With("plugin", name).With("path", sourcePath)

	src, err := os.ReadFile(filepath.Clean(sourcePath))
	if err != nil {
		return nil, errb.Hint("failed to read plugin source").Wrap(err)
	}

	pkg, err := packageName(sourcePath, src)
	if err != nil {
		return nil, errb.Hint("syntax error").Wrap(err)
	}

	i := interp.New(interp.Options{})
	if err := i.Use(hostSymbols()); err != nil {
		return nil, errb.Hint("failed to seed interpreter symbols").Wrap(err)
	}
	if _, err := i.EvalWithContext(ctx, string(src)); err != nil {
		return nil, errb.Hint("failed to evaluate plugin source; imports are limited to the sandboxed standard library").Wrap(err)
	}

	qual := qualifier(pkg)

	v, err := i.Eval(qual + "Invoke")
	if err != nil {
		return nil, errb.New(`invalid plugin format: exported function "Invoke" is not defined`)
	}
	invoke, ok := adaptInvoke(v)
	if !ok {
		return nil, errb.Errorf("invalid plugin format: Invoke is %s, want func(payload any) (any, error)", v.Type())
	}

	h := &handler{
		name:   name,
		invoke: invoke,
	}
	if v, present := export(i, qual, "MinHostVersion"); present {
		s, isString := v.Interface().(string)
		if !isString {
			return nil, errb.Errorf("invalid plugin format: MinHostVersion is %s, want string", v.Type())
		}
		h.minHost = s
	}
	h.info = plugin.Info{
		Version:        stringExport(i, qual, "Version"),
		Description:    stringExport(i, qual, "Description"),
		Authors:        stringsExport(i, qual, "Authors"),
		DeclaredEvents: stringsExport(i, qual, "DeclaredEvents"),
	}

	v, hasValidator := export(i, qual, "ValidateArguments")
	r.log.Debug("evaluated go plugin",
		"plugin", name,
		"path", sourcePath,
		"package", pkg,
		"has_validator", hasValidator)

	if hasValidator {
		validate, ok := adaptValidator(v)
		if !ok {
			return nil, errb.Errorf("invalid plugin format: ValidateArguments is %s, want func(args any) bool", v.Type())
		}
		return &validatingHandler{handler: h, validate: validate}, nil
	}
	return h, nil
}

// packageName parses only the package clause; the interpreter surfaces
// everything past it.
func packageName(path string, src []byte) (string, error) {
	f, err := parser.ParseFile(token.NewFileSet(), path, src, parser.PackageClauseOnly)
	if err != nil {
		return "", err
	}
	return f.Name.Name, nil
}

// qualifier returns the prefix under which yaegi files the plugin's symbols.
// Symbols of package main land in the interpreter's root scope.
func qualifier(pkg string) string {
	if pkg == "main" {
		return ""
	}
	return pkg + "."
}

func export(i *interp.Interpreter, qual, name string) (reflect.Value, bool) {
	v, err := i.Eval(qual + name)
	if err != nil || !v.IsValid() {
		return reflect.Value{}, false
	}
	return v, true
}

func stringExport(i *interp.Interpreter, qual, name string) string {
	if v, ok := export(i, qual, name); ok {
		if s, isString := v.Interface().(string); isString {
			return s
		}
	}
	return ""
}

func stringsExport(i *interp.Interpreter, qual, name string) []string {
	if v, ok := export(i, qual, name); ok {
		if ss, isSlice := v.Interface().([]string); isSlice {
			return ss
		}
	}
	return nil
}

func adaptInvoke(v reflect.Value) (func(any) (any, error), bool) {
	switch fn := v.Interface().(type) {
	case func(any) (any, error):
		return fn, true
	case func(map[string]any) (any, error):
		return func(payload any) (any, error) {
			m, err := asObject(payload)
			if err != nil {
				return nil, err
			}
			return fn(m)
		}, true
	}
	return nil, false
}

func adaptValidator(v reflect.Value) (func(any) bool, bool) {
	switch fn := v.Interface().(type) {
	case func(any) bool:
		return fn, true
	case func(map[string]any) bool:
		return func(args any) bool {
			m, err := asObject(args)
			if err != nil {
				return false
			}
			return fn(m)
		}, true
	}
	return nil, false
}

func asObject(payload any) (map[string]any, error) {
	switch m := payload.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return m, nil
	}
	return nil, oops.Errorf("payload is %T, plugin accepts only objects", payload)
}

// handler is a loaded Go plugin. Calls into the interpreter are serialized:
// values extracted from yaegi are not safe for concurrent use.
type handler struct {
	name    string
	mu      sync.Mutex
	invoke  func(any) (any, error)
	minHost string
	info    plugin.Info
}

var _ interface {
	plugin.Handler
	plugin.VersionConstrained
	plugin.Describer
} = (*handler)(nil)

// Invoke calls the plugin's Invoke export.
func (h *handler) Invoke(ctx context.Context, payload any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	out, err := guarded(func() (any, error) { return h.invoke(payload) })
	if err != nil {
		return nil, oops.In("gosrc").With("plugin", h.name).With("operation", "invoke").Wrap(err)
	}
	return out, nil
}

// MinHostVersion implements plugin.VersionConstrained.
func (h *handler) MinHostVersion() string { return h.minHost }

// Describe implements plugin.Describer.
func (h *handler) Describe() plugin.Info { return h.info }

// validatingHandler is a loaded Go plugin that also exports
// ValidateArguments.
type validatingHandler struct {
	*handler
	validate func(any) bool
}

var _ plugin.ArgumentValidator = (*validatingHandler)(nil)

// ValidateArguments calls the plugin's ValidateArguments export.
func (h *validatingHandler) ValidateArguments(ctx context.Context, args any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	ok, err := guarded(func() (bool, error) { return h.validate(args), nil })
	if err != nil {
		return false, oops.In("gosrc").With("plugin", h.name).With("operation", "validate_arguments").Wrap(err)
	}
	return ok, nil
}

// guarded turns a panic inside interpreted code into an error.
func guarded[T any](fn func() (T, error)) (out T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = oops.With("panic", r).Errorf("plugin panicked: %v", r)
		}
	}()
	return fn()
}
