// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plexus Contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/plexushq/plexus/internal/control"
	"github.com/plexushq/plexus/internal/journal"
	"github.com/plexushq/plexus/internal/plugin"
)

// DaemonStatus holds what `plexus status` learned about the daemon.
type DaemonStatus struct {
	Running       bool     `json:"running"`
	Error         string   `json:"error,omitempty"`
	PID           int      `json:"pid,omitempty"`
	UptimeSeconds int64    `json:"uptime_seconds,omitempty"`
	Version       string   `json:"version,omitempty"`
	CycleState    string   `json:"cycle_state,omitempty"`
	Generation    uint64   `json:"generation,omitempty"`
	Plugins       []string `json:"plugins,omitempty"`

	LastCycle *control.CycleSummary `json:"last_cycle,omitempty"`
}

// statusConfig holds configuration for the status command.
type statusConfig struct {
	jsonOutput bool
	recent     int
}

// NewStatusCmd creates the status subcommand.
func NewStatusCmd() *cobra.Command {
	cfg := &statusConfig{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the running daemon's status",
		Long: `Status queries the daemon over its control socket: process liveness,
registry generation, loaded plugins, and the last reinitialization cycle.
With --recent it also lists recent cycles from the journal.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, cfg)
		},
	}

	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output status as JSON")
	cmd.Flags().IntVar(&cfg.recent, "recent", 0, "also list the N most recent cycles from the journal")

	return cmd
}

func runStatus(cmd *cobra.Command, cfg *statusConfig) error {
	status := queryDaemonStatus()

	var cycles []plugin.CycleRecord
	if cfg.recent > 0 {
		var err error
		cycles, err = recentCycles(cmd, cfg.recent)
		if err != nil {
			return err
		}
	}

	if cfg.jsonOutput {
		out := struct {
			Daemon       DaemonStatus         `json:"daemon"`
			RecentCycles []plugin.CycleRecord `json:"recent_cycles,omitempty"`
		}{Daemon: status, RecentCycles: cycles}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal status: %w", err)
		}
		cmd.Println(string(data))
		return nil
	}

	cmd.Println(formatDaemonStatus(status))
	if cfg.recent > 0 {
		cmd.Println()
		cmd.Println(formatCycleTable(cycles, colorizeOutput(cmd)))
	}
	return nil
}

// queryDaemonStatus fetches /status over the control socket.
func queryDaemonStatus() DaemonStatus {
	var status DaemonStatus

	socketPath, err := control.SocketPath()
	if err != nil {
		status.Error = fmt.Sprintf("failed to get socket path: %v", err)
		return status
	}

	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		status.Error = "socket not found"
		return status
	}

	client := createUnixHTTPClient(socketPath)

	resp, err := client.Get("http://localhost/status")
	if err != nil {
		status.Error = fmt.Sprintf("failed to connect: %v", err)
		return status
	}
	defer func() { _ = resp.Body.Close() }()

	var remote control.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&remote); err != nil {
		status.Error = fmt.Sprintf("failed to decode status response: %v", err)
		return status
	}

	status.Running = remote.Running
	status.PID = remote.PID
	status.UptimeSeconds = remote.UptimeSeconds
	status.Version = remote.Version
	status.CycleState = remote.CycleState
	status.Generation = remote.Generation
	status.Plugins = remote.Plugins
	status.LastCycle = remote.LastCycle
	return status
}

// recentCycles reads the newest cycle records from the journal.
func recentCycles(cmd *cobra.Command, limit int) ([]plugin.CycleRecord, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	path, err := journalPath(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("no journal at %s (has the daemon run?)", path)
	}

	store, err := journal.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer func() { _ = store.Close() }()

	cycles, err := store.RecentCycles(cmd.Context(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	return cycles, nil
}

// createUnixHTTPClient creates an HTTP client that connects via Unix socket.
func createUnixHTTPClient(socketPath string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", socketPath)
			},
		},
		Timeout: 2 * time.Second,
	}
}

// formatDaemonStatus renders the daemon half as key: value lines.
func formatDaemonStatus(status DaemonStatus) string {
	var b strings.Builder
	if !status.Running {
		reason := "not running"
		if status.Error != "" {
			reason = status.Error
		}
		fmt.Fprintf(&b, "daemon:      stopped (%s)", reason)
		return b.String()
	}

	fmt.Fprintf(&b, "daemon:      running (pid %d, up %s)\n", status.PID, formatUptime(status.UptimeSeconds))
	fmt.Fprintf(&b, "version:     %s\n", status.Version)
	fmt.Fprintf(&b, "state:       %s\n", status.CycleState)
	fmt.Fprintf(&b, "generation:  %d\n", status.Generation)
	fmt.Fprintf(&b, "plugins:     %s", joinOrDash(status.Plugins))
	if lc := status.LastCycle; lc != nil {
		fmt.Fprintf(&b, "\nlast cycle:  %s (%s, %dms", lc.State, lc.Trigger, lc.DurationMS)
		if lc.Error != "" {
			fmt.Fprintf(&b, ", error: %s", lc.Error)
		}
		b.WriteString(")")
	}
	return b.String()
}

// formatCycleTable renders journal records newest first.
func formatCycleTable(cycles []plugin.CycleRecord, colorize bool) string {
	if len(cycles) == 0 {
		return "no recorded cycles"
	}
	rows := make([][]string, 0, len(cycles))
	for _, c := range cycles {
		errCell := c.Error
		if errCell == "" {
			errCell = "-"
		}
		rows = append(rows, []string{
			c.ID,
			c.Trigger,
			statusCell(c.State, colorize),
			fmt.Sprintf("%d", c.Plugins),
			c.Started.Local().Format(time.RFC3339),
			fmt.Sprintf("%dms", c.Finished.Sub(c.Started).Milliseconds()),
			errCell,
		})
	}
	return renderTable(
		[]string{"CYCLE", "TRIGGER", "STATE", "PLUGINS", "STARTED", "DURATION", "ERROR"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignRight, alignLeft},
	)
}

func joinOrDash(names []string) string {
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, ", ")
}

// formatUptime formats seconds into a human-readable duration.
func formatUptime(seconds int64) string {
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	if seconds < 3600 {
		return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
	}
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	return fmt.Sprintf("%dh %dm", hours, minutes)
}
