// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plexus Contributors

package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/plexushq/plexus/internal/logging"
	"github.com/plexushq/plexus/internal/plugin"
)

// NewCheckCmd creates the check subcommand.
func NewCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and dry-run a load cycle",
		Long: `Check validates the configuration file against its schema, then loads
and validates every registered plugin exactly as a reinitialization cycle
would: host compatibility, argument predicates, the lot. Nothing is
committed and no watches are armed. The exit status is non-zero when the
configuration or any plugin fails.`,
		Args: cobra.NoArgs,
		RunE: runCheck,
	}
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := logging.Setup("plexus", version, cfg.Log.Format, cfg.Log.Level, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	controller, err := plugin.NewController(plugin.ControllerConfig{
		HostVersion: cfg.HostVersion,
		Tables:      cfg,
		Loader:      plugin.NewLoader(logger, newRuntimes(logger)...),
		Registry:    plugin.NewRegistry(),
		Log:         logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = controller.Close() }()

	if err := controller.Validate(cmd.Context()); err != nil {
		return err
	}

	cmd.Printf("configuration valid: %d plugins, %d events\n", len(cfg.Registration), len(cfg.Events))
	return nil
}
