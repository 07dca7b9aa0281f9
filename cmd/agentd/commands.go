package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/anthropics/agentd/internal/recipe"
)

// buildServeCmd creates the "serve" command, agentd's primary command:
// load configuration, wire every C1-C9 component, and run until a
// shutdown signal arrives.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agentd runtime",
		Long: `Run the agentd runtime: load configuration, connect configured MCP
extensions, and bring up the configured transports (stdio, HTTP+SSE,
WebSocket).

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with the default config
  agentd serve

  # Start with a custom config and debug logging
  agentd serve --config /etc/agentd/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML/JSON5 configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// buildRecipeCmd creates the "recipe" command group for inspecting recipe
// bundles and deeplinks without starting the runtime, grounded on
// cmd/nexus's pattern of a small inspection subcommand per domain package.
func buildRecipeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recipe",
		Short: "Inspect recipe bundles and deeplinks",
	}
	cmd.AddCommand(buildRecipeShowCmd(), buildRecipeDecodeCmd())
	return cmd
}

func buildRecipeShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <path>",
		Short: "Parse a recipe bundle file and print its name, description, model and parameters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle, err := recipe.ParseFile(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "name: %s\n", bundle.Name)
			if bundle.Description != "" {
				fmt.Fprintf(out, "description: %s\n", bundle.Description)
			}
			if bundle.Model != "" {
				fmt.Fprintf(out, "model: %s\n", bundle.Model)
			}
			for _, p := range bundle.Parameters {
				req := ""
				if p.Required {
					req = " (required)"
				}
				fmt.Fprintf(out, "parameter: %s%s\n", p.Key, req)
			}
			return nil
		},
	}
}

func buildRecipeDecodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <goose://recipe?config=...>",
		Short: "Decode a recipe deeplink and print its resolved prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle, extra, err := recipe.DecodeDeeplink(args[0])
			if err != nil {
				return err
			}
			prompt, err := bundle.Resolve(extra)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), prompt)
			return nil
		},
	}
}
