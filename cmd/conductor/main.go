// Package main provides the CLI entry point for conductor, an orchestration
// core that drives an LLM through tool servers on a user's behalf.
//
// # Basic Usage
//
// Start an interactive conversation:
//
//	conductor run --config conductor.yaml
//
// Inspect the configured tool servers:
//
//	conductor tools
//
// Check or describe the configuration file:
//
//	conductor config validate
//	conductor config schema
//
// # Environment Variables
//
//   - CONDUCTOR_CONFIG: Path to configuration file (default: conductor.yaml)
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY: provider credentials
//   - AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY, AWS_SESSION_TOKEN: Bedrock credentials
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigName = "conductor.yaml"

var configPath string

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd is separate from main for tests.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "conductor",
		Short: "conductor - LLM orchestration over tool servers",
		Long: `conductor runs a conversational agent loop: it streams model output,
executes tool calls on connected tool servers with human approval where
policy requires it, and relays tool server requests back to the user.

Supported providers: Anthropic, OpenAI, Google Gemini, AWS Bedrock
Strategies: agentic, act, think_act, react`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (or set CONDUCTOR_CONFIG)")

	rootCmd.AddCommand(
		buildRunCmd(),
		buildToolsCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}

func resolveConfigPath(path string) string {
	if p := strings.TrimSpace(path); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv("CONDUCTOR_CONFIG")); p != "" {
		return p
	}
	return defaultConfigName
}
