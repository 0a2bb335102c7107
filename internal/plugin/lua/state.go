// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plexus Contributors

// Package lua runs Lua plugin sources in sandboxed interpreter states.
package lua

import (
	"context"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// stdlib is one Lua standard library admitted into the sandbox.
type stdlib struct {
	name string
	open lua.LGFunction
}

// sandboxLibraries is the admitted set: base, table, string, math.
// os, io, debug and package stay out; plugins transform payloads, they do
// not touch the machine.
func sandboxLibraries() []stdlib {
	return []stdlib{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
}

// blockedBaseFunctions are base-library escapes that read the filesystem or
// evaluate arbitrary chunks. They are nil'd out after the base library opens.
var blockedBaseFunctions = []string{"dofile", "loadfile", "loadstring", "load"}

// newState returns a fresh sandboxed interpreter state carrying ctx.
func newState(ctx context.Context) (*lua.LState, error) {
	return newStateWith(ctx, sandboxLibraries())
}

func newStateWith(ctx context.Context, libs []stdlib) (*lua.LState, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})
	L.SetContext(ctx)

	for _, lib := range libs {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.open),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, fmt.Errorf("failed to open library %s: %w", lib.name, err)
		}
	}

	for _, fn := range blockedBaseFunctions {
		L.SetGlobal(fn, lua.LNil)
	}

	return L, nil
}
