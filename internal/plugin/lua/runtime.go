// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plexus Contributors

package lua

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/plexushq/plexus/internal/plugin"
)

// Plugin contract. A Lua plugin is a single file that defines:
//
//	function invoke(payload)            -- required
//	function validate_arguments(args)   -- optional predicate
//	min_host_version = "1.2.0"          -- optional
//	plugin_version   = "0.3.1"          -- optional, informational
//	description      = "..."            -- optional, informational
//	authors          = { "..." }        -- optional, informational
//	declared_events  = { "..." }        -- optional, informational
//
// The chunk is compiled once per load; every invocation and every predicate
// call runs it in a fresh sandboxed state, so plugins cannot accumulate
// global state between calls.

// Compile-time interface check.
var _ plugin.Runtime = (*Runtime)(nil)

// Runtime loads .lua plugin sources.
type Runtime struct {
	log *slog.Logger
}

// NewRuntime returns the Lua runtime.
func NewRuntime(log *slog.Logger) *Runtime {
	if log == nil {
		log = slog.Default()
	}
	return &Runtime{log: log}
}

// Name implements plugin.Runtime.
func (r *Runtime) Name() string { return "lua" }

// CanLoad claims .lua sources.
func (r *Runtime) CanLoad(sourcePath string) bool {
	return strings.EqualFold(filepath.Ext(sourcePath), ".lua")
}

// Load reads the source at sourcePath, compiles it, and probes the plugin
// contract. The returned handler is bound to the compiled chunk, not the
// file: a later edit needs a fresh Load to take effect.
func (r *Runtime) Load(ctx context.Context, name, sourcePath string) (plugin.Handler, error) {
	errb := oops.In("lua").With("plugin", name).With("path", sourcePath)

	code, err := os.ReadFile(filepath.Clean(sourcePath))
	if err != nil {
		return nil, errb.Hint("failed to read plugin source").Wrap(err)
	}

	proto, err := compile(string(code), sourcePath)
	if err != nil {
		return nil, errb.Hint("syntax error").Wrap(err)
	}

	probe, err := runChunk(ctx, proto)
	if err != nil {
		return nil, errb.Hint("chunk failed during load").Wrap(err)
	}
	defer probe.Close()

	if probe.GetGlobal("invoke").Type() != lua.LTFunction {
		return nil, errb.New(`invalid plugin format: global function "invoke" is not defined`)
	}

	h := &handler{
		name:    name,
		proto:   proto,
		minHost: globalString(probe, "min_host_version"),
		info: plugin.Info{
			Version:        globalString(probe, "plugin_version"),
			Description:    globalString(probe, "description"),
			Authors:        globalStrings(probe, "authors"),
			DeclaredEvents: globalStrings(probe, "declared_events"),
		},
	}

	r.log.Debug("compiled lua plugin",
		"plugin", name,
		"path", sourcePath,
		"has_validator", probe.GetGlobal("validate_arguments").Type() == lua.LTFunction)

	if probe.GetGlobal("validate_arguments").Type() == lua.LTFunction {
		return &validatingHandler{handler: h}, nil
	}
	return h, nil
}

func compile(source, chunkName string) (*lua.FunctionProto, error) {
	chunk, err := parse.Parse(strings.NewReader(source), chunkName)
	if err != nil {
		return nil, err
	}
	return lua.Compile(chunk, chunkName)
}

// runChunk executes the compiled chunk in a fresh sandboxed state and hands
// the state to the caller, who must Close it.
func runChunk(ctx context.Context, proto *lua.FunctionProto) (*lua.LState, error) {
	L, err := newState(ctx)
	if err != nil {
		return nil, err
	}
	L.Push(L.NewFunctionFromProto(proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		L.Close()
		return nil, err
	}
	return L, nil
}

// handler is a loaded Lua plugin without an argument predicate.
type handler struct {
	name    string
	proto   *lua.FunctionProto
	minHost string
	info    plugin.Info
}

var _ interface {
	plugin.Handler
	plugin.VersionConstrained
	plugin.Describer
} = (*handler)(nil)

// Invoke runs invoke(payload) in a fresh state.
func (h *handler) Invoke(ctx context.Context, payload any) (any, error) {
	L, err := runChunk(ctx, h.proto)
	if err != nil {
		return nil, oops.In("lua").With("plugin", h.name).With("operation", "invoke").Wrap(err)
	}
	defer L.Close()

	if err := L.CallByParam(lua.P{
		Fn:      L.GetGlobal("invoke"),
		NRet:    1,
		Protect: true,
	}, toLua(L, payload)); err != nil {
		return nil, oops.In("lua").With("plugin", h.name).With("operation", "invoke").Wrap(err)
	}

	ret := L.Get(-1)
	L.Pop(1)
	return fromLua(ret), nil
}

// MinHostVersion implements plugin.VersionConstrained.
func (h *handler) MinHostVersion() string { return h.minHost }

// Describe implements plugin.Describer.
func (h *handler) Describe() plugin.Info { return h.info }

// validatingHandler is a loaded Lua plugin that also defines
// validate_arguments.
type validatingHandler struct {
	*handler
}

var _ plugin.ArgumentValidator = (*validatingHandler)(nil)

// ValidateArguments runs validate_arguments(args) in a fresh state and
// applies Lua truthiness to its result.
func (h *validatingHandler) ValidateArguments(ctx context.Context, args any) (bool, error) {
	L, err := runChunk(ctx, h.proto)
	if err != nil {
		return false, oops.In("lua").With("plugin", h.name).With("operation", "validate_arguments").Wrap(err)
	}
	defer L.Close()

	if err := L.CallByParam(lua.P{
		Fn:      L.GetGlobal("validate_arguments"),
		NRet:    1,
		Protect: true,
	}, toLua(L, args)); err != nil {
		return false, oops.In("lua").With("plugin", h.name).With("operation", "validate_arguments").Wrap(err)
	}

	ret := L.Get(-1)
	L.Pop(1)
	return lua.LVAsBool(ret), nil
}

func globalString(L *lua.LState, name string) string {
	if v := L.GetGlobal(name); v.Type() == lua.LTString {
		return v.String()
	}
	return ""
}

func globalStrings(L *lua.LState, name string) []string {
	tbl, ok := L.GetGlobal(name).(*lua.LTable)
	if !ok {
		return nil
	}
	var out []string
	tbl.ForEach(func(k, v lua.LValue) {
		if _, isIndex := k.(lua.LNumber); isIndex && v.Type() == lua.LTString {
			out = append(out, v.String())
		}
	})
	return out
}
