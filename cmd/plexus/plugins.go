// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plexus Contributors

package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/spf13/cobra"

	"github.com/plexushq/plexus/internal/logging"
	"github.com/plexushq/plexus/internal/plugin"
)

// PluginListing is one row of `plexus plugins list`.
type PluginListing struct {
	Name    string `json:"name"`
	Runtime string `json:"runtime"`
	Path    string `json:"path"`
	Args    any    `json:"args,omitempty"`
}

// NewPluginsCmd creates the plugins subcommand group.
func NewPluginsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect configured plugins",
	}

	cmd.AddCommand(newPluginsListCmd())

	return cmd
}

func newPluginsListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the registration table after discovery",
		Long: `List prints every registered plugin: explicit entries from the plugins
section plus everything directory discovery contributed, with the runtime
each source resolves to and its default invocation arguments.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPluginsList(cmd, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func runPluginsList(cmd *cobra.Command, jsonOutput bool) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := logging.Setup("plexus", version, cfg.Log.Format, cfg.Log.Level, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	loader := plugin.NewLoader(logger, newRuntimes(logger)...)
	listings := listPlugins(cfg.Registration, loader)

	if jsonOutput {
		data, err := json.MarshalIndent(listings, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal plugin list: %w", err)
		}
		cmd.Println(string(data))
		return nil
	}

	if len(listings) == 0 {
		cmd.Println("no plugins registered")
		return nil
	}

	rows := make([][]string, 0, len(listings))
	for _, l := range listings {
		rows = append(rows, []string{l.Name, l.Runtime, l.Path, argsCell(l.Args)})
	}
	cmd.Println(renderTable(
		[]string{"NAME", "RUNTIME", "PATH", "ARGS"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft},
	))
	return nil
}

// listPlugins flattens the registration table into sorted listings,
// resolving each source path to the runtime that claims it.
func listPlugins(registration plugin.RegistrationTable, loader *plugin.Loader) []PluginListing {
	listings := make([]PluginListing, 0, len(registration))
	for name, entry := range registration {
		runtime := "unsupported"
		if rt, ok := loader.RuntimeFor(entry.SourcePath); ok {
			runtime = rt.Name()
		}
		listings = append(listings, PluginListing{
			Name:    name,
			Runtime: runtime,
			Path:    entry.SourcePath,
			Args:    entry.DefaultArgs,
		})
	}
	sort.Slice(listings, func(i, j int) bool { return listings[i].Name < listings[j].Name })
	return listings
}

func argsCell(args any) string {
	if args == nil {
		return "-"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(data)
}
