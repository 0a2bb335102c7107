// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plexus Contributors

package main

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/plexushq/plexus/internal/control"
	"github.com/plexushq/plexus/internal/logging"
	"github.com/plexushq/plexus/internal/plugin"
)

// dispatchConfig holds configuration for the dispatch command.
type dispatchConfig struct {
	jsonOutput bool
}

// NewDispatchCmd creates the dispatch subcommand.
func NewDispatchCmd() *cobra.Command {
	cfg := &dispatchConfig{}

	cmd := &cobra.Command{
		Use:   "dispatch <event>",
		Short: "Fire an event through the configured plugins",
		Long: `Dispatch runs one in-process reinitialization cycle, fires the named
event at the plugins routed to it in configuration order, and prints one
row per invocation. Routed plugins missing from the committed registry are
skipped without failing the rest of the dispatch.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDispatch(cmd, cfg, args[0])
		},
	}

	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output results as JSON")

	return cmd
}

func runDispatch(cmd *cobra.Command, cfg *dispatchConfig, event string) error {
	conf, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := logging.Setup("plexus", version, conf.Log.Format, conf.Log.Level, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	registry := plugin.NewRegistry()
	controller, err := plugin.NewController(plugin.ControllerConfig{
		HostVersion: conf.HostVersion,
		Tables:      conf,
		Loader:      plugin.NewLoader(logger, newRuntimes(logger)...),
		Registry:    registry,
		Log:         logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = controller.Close() }()

	if _, err := controller.Reinitialize(cmd.Context(), plugin.Trigger{Kind: plugin.TriggerManual, Detail: "dispatch " + event}); err != nil {
		return err
	}

	dispatcher := plugin.NewDispatcher(registry, conf, logger)
	results := dispatcher.Dispatch(cmd.Context(), event)
	summaries := control.SummarizeInvocations(results)

	if cfg.jsonOutput {
		data, err := json.MarshalIndent(control.DispatchResponse{Event: event, Results: summaries}, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal results: %w", err)
		}
		cmd.Println(string(data))
		return nil
	}

	if len(summaries) == 0 {
		cmd.Printf("no plugins invoked for event %q\n", event)
		return nil
	}

	rows := make([][]string, 0, len(summaries))
	for _, s := range summaries {
		rows = append(rows, []string{
			s.Plugin,
			statusCell(s.Status, colorizeOutput(cmd)),
			fmt.Sprintf("%.1fms", s.ElapsedMS),
			resultCell(s),
		})
	}
	cmd.Println(renderTable(
		[]string{"PLUGIN", "STATUS", "ELAPSED", "RESULT"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft},
	))
	return nil
}

// resultCell renders an invocation's output or error for the table.
func resultCell(s control.InvocationSummary) string {
	if s.Error != "" {
		return s.Error
	}
	if s.Output == nil {
		return "-"
	}
	data, err := json.Marshal(s.Output)
	if err != nil {
		return fmt.Sprintf("%v", s.Output)
	}
	return string(data)
}
