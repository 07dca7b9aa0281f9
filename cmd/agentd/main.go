// Package main provides the CLI entry point for agentd, the conversational
// agent runtime: a reply loop (C7) driven by a provider adapter (C2) and an
// MCP-backed extension manager (C4) under a permission gate (C5), exposed
// over stdio, HTTP+SSE, and WebSocket (6.1-6.3), with session persistence
// (C8) and a recipe scheduler (C9).
//
// # Basic Usage
//
//	agentd serve --config agentd.yaml
//
// # Environment Variables
//
//   - AGENTD_CONFIG: path to the configuration file (default: agentd.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached,
// kept separate from main for testability, the way cmd/nexus does.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentd",
		Short: "agentd - conversational agent runtime",
		Long: `agentd drives conversational LLM sessions over MCP-extensible tools,
exposed to clients over stdio, HTTP+SSE, and WebSocket, with session
persistence, resume/fork, and a recipe scheduler.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd(), buildRecipeCmd())
	return rootCmd
}

func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("AGENTD_CONFIG"); env != "" {
		return env
	}
	return "agentd.yaml"
}
