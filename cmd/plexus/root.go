// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plexus Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/plexushq/plexus/internal/config"
)

// Global flags available to all subcommands.
var (
	configFile string
	logLevel   string
	logFormat  string
)

// NewRootCmd creates the root command for the plexus CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plexus",
		Short: "Plexus - a hot-reloading plugin host",
		Long: `Plexus hosts event-driven plugins written as Lua scripts, interpreted
Go source, or standalone binaries. Plugin sources are watched for changes
and reloaded without restarting the daemon: every cycle loads and validates
the full plugin table, then atomically swaps in the new registry generation.
A failed cycle leaves the previous generation serving.`,
	}

	// Global flags for config file path and log overrides
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text or json)")

	// Add subcommands
	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewCheckCmd())
	cmd.AddCommand(NewDispatchCmd())
	cmd.AddCommand(NewPluginsCmd())
	cmd.AddCommand(NewStatusCmd())

	return cmd
}

// loadConfig loads and normalizes the configuration for a subcommand,
// applying the root persistent flags as overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(config.Options{
		Path:        configFile,
		Flags:       cmd.Flags(),
		HostVersion: version,
	})
}
