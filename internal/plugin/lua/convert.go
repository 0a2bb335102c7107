// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plexus Contributors

package lua

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// toLua converts a JSON-compatible Go value into a Lua value owned by L.
func toLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := L.NewTable()
		for _, item := range val {
			tbl.Append(toLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			tbl.RawSetString(k, toLua(L, item))
		}
		return tbl
	default:
		// Payloads are JSON-compatible by contract; anything else degrades
		// to its string form rather than failing the invocation.
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// fromLua converts a Lua value back into a JSON-compatible Go value.
func fromLua(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		if isArray(val) {
			return tableToSlice(val)
		}
		return tableToMap(val)
	default:
		return val.String()
	}
}

// isArray reports whether tbl is sequence-like. Empty tables read as maps so
// they round-trip to JSON objects.
func isArray(tbl *lua.LTable) bool {
	return tbl.MaxN() > 0
}

func tableToSlice(tbl *lua.LTable) []any {
	maxN := tbl.MaxN()
	out := make([]any, 0, maxN)
	for i := 1; i <= maxN; i++ {
		out = append(out, fromLua(tbl.RawGetInt(i)))
	}
	return out
}

func tableToMap(tbl *lua.LTable) map[string]any {
	out := make(map[string]any)
	tbl.ForEach(func(k, v lua.LValue) {
		out[k.String()] = fromLua(v)
	})
	return out
}
