// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plexus Contributors

package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plexushq/plexus/internal/control"
	"github.com/plexushq/plexus/internal/journal"
	"github.com/plexushq/plexus/internal/plugin"
)

// shortTempDir returns a directory under /tmp so unix socket paths stay
// within the sockaddr_un length limit.
func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "plexus-cmd-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func TestStatusCommand_DaemonNotRunning(t *testing.T) {
	dir := shortTempDir(t)
	t.Setenv("XDG_RUNTIME_DIR", dir)

	out, err := executeCommand(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "daemon:      stopped (socket not found)")
}

func TestStatusCommand_RunningDaemon(t *testing.T) {
	dir := shortTempDir(t)
	t.Setenv("XDG_RUNTIME_DIR", dir)

	cycleID := ulid.Make().String()
	server := control.NewServer(control.ServerConfig{
		Status: func() control.HostStatus {
			return control.HostStatus{
				Version:    "1.2.3",
				CycleState: "committed",
				Generation: 3,
				Plugins:    []string{"echo", "stamp"},
				LastCycle: &control.CycleSummary{
					ID:         cycleID,
					Trigger:    "control",
					State:      "committed",
					Generation: 3,
					Plugins:    []string{"echo", "stamp"},
					DurationMS: 42,
				},
			}
		},
	})
	require.NoError(t, server.Start())
	t.Cleanup(func() { _ = server.Stop(context.Background()) })

	out, err := executeCommand(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "running (pid")
	assert.Contains(t, out, "version:     1.2.3")
	assert.Contains(t, out, "state:       committed")
	assert.Contains(t, out, "generation:  3")
	assert.Contains(t, out, "plugins:     echo, stamp")
	assert.Contains(t, out, "last cycle:  committed (control, 42ms)")
}

func TestStatusCommand_JSON(t *testing.T) {
	dir := shortTempDir(t)
	t.Setenv("XDG_RUNTIME_DIR", dir)

	server := control.NewServer(control.ServerConfig{
		Status: func() control.HostStatus {
			return control.HostStatus{Version: "1.2.3", CycleState: "idle", Generation: 0}
		},
	})
	require.NoError(t, server.Start())
	t.Cleanup(func() { _ = server.Stop(context.Background()) })

	out, err := executeCommand(t, "status", "--json")
	require.NoError(t, err)

	var decoded struct {
		Daemon DaemonStatus `json:"daemon"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.True(t, decoded.Daemon.Running)
	assert.Greater(t, decoded.Daemon.PID, 0)
	assert.Equal(t, "1.2.3", decoded.Daemon.Version)
	assert.Equal(t, "idle", decoded.Daemon.CycleState)
}

func TestStatusCommand_RecentCycles(t *testing.T) {
	sockDir := shortTempDir(t)
	t.Setenv("XDG_RUNTIME_DIR", sockDir)

	dir := t.TempDir()
	cfgPath := writePlexusConfig(t, dir, `
journal:
  path: journal.db
`)

	goodID := ulid.Make().String()
	badID := ulid.Make().String()
	store, err := journal.Open(filepath.Join(dir, "journal.db"))
	require.NoError(t, err)
	started := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordCycle(context.Background(), plugin.CycleRecord{
		ID:       goodID,
		Trigger:  plugin.TriggerStartup,
		State:    "committed",
		Plugins:  2,
		Started:  started,
		Finished: started.Add(80 * time.Millisecond),
	}))
	require.NoError(t, store.RecordCycle(context.Background(), plugin.CycleRecord{
		ID:       badID,
		Trigger:  plugin.TriggerFileChange,
		Detail:   "/p/broken.lua",
		State:    "failed",
		Error:    "plugin load failed",
		Started:  started.Add(time.Minute),
		Finished: started.Add(time.Minute + 30*time.Millisecond),
	}))
	require.NoError(t, store.Close())

	out, err := executeCommand(t, "status", "--recent", "5", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "stopped (socket not found)")
	assert.Contains(t, out, goodID)
	assert.Contains(t, out, badID)
	assert.Contains(t, out, "plugin load failed")
	assert.Contains(t, out, "80ms")
}

func TestStatusCommand_RecentWithoutJournal(t *testing.T) {
	sockDir := shortTempDir(t)
	t.Setenv("XDG_RUNTIME_DIR", sockDir)
	t.Setenv("XDG_STATE_HOME", t.TempDir())

	_, err := executeCommand(t, "status", "--recent", "5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no journal at")
}

func TestFormatDaemonStatus_Stopped(t *testing.T) {
	out := formatDaemonStatus(DaemonStatus{Running: false, Error: "socket not found"})
	assert.Equal(t, "daemon:      stopped (socket not found)", out)

	out = formatDaemonStatus(DaemonStatus{Running: false})
	assert.Equal(t, "daemon:      stopped (not running)", out)
}

func TestFormatDaemonStatus_Running(t *testing.T) {
	out := formatDaemonStatus(DaemonStatus{
		Running:       true,
		PID:           4242,
		UptimeSeconds: 90,
		Version:       "1.2.3",
		CycleState:    "committed",
		Generation:    7,
		Plugins:       []string{"echo"},
		LastCycle: &control.CycleSummary{
			State:      "failed",
			Trigger:    "file-change",
			DurationMS: 15,
			Error:      "plugin load failed",
		},
	})
	assert.Contains(t, out, "running (pid 4242, up 1m 30s)")
	assert.Contains(t, out, "generation:  7")
	assert.Contains(t, out, "plugins:     echo")
	assert.Contains(t, out, "last cycle:  failed (file-change, 15ms, error: plugin load failed)")
}

func TestFormatDaemonStatus_NoPlugins(t *testing.T) {
	out := formatDaemonStatus(DaemonStatus{Running: true, CycleState: "idle"})
	assert.Contains(t, out, "plugins:     -")
}

func TestFormatCycleTable_Empty(t *testing.T) {
	assert.Equal(t, "no recorded cycles", formatCycleTable(nil, false))
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		seconds int64
		want    string
	}{
		{seconds: 0, want: "0s"},
		{seconds: 45, want: "45s"},
		{seconds: 90, want: "1m 30s"},
		{seconds: 3600, want: "1h 0m"},
		{seconds: 5400, want: "1h 30m"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatUptime(tt.seconds))
	}
}
