// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plexus Contributors

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// luaEcho is a well-formed plugin that accepts any arguments.
const luaEcho = `
plugin_version = "1.0.0"
description = "test echo"

function invoke(payload)
  return { ok = true }
end
`

// luaPicky rejects every argument payload.
const luaPicky = `
function invoke(payload)
  return payload
end

function validate_arguments(args)
  return false
end
`

// luaFromTheFuture demands a host newer than any test build.
const luaFromTheFuture = `
min_host_version = "99.0.0"

function invoke(payload)
  return payload
end
`

func writeLuaPlugin(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func writePlexusConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "plexus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// executeCommand runs the root command with args and returns stdout.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetGlobals()

	cmd := NewRootCmd()
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs(args)

	err := cmd.Execute()
	return out.String(), err
}
