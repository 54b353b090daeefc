package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/opsbrain/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "brain",
	Short: "Autonomous operations orchestrator",
	Long: `The Brain takes operational events (chat and Slack requests, aligner
alerts, headhunter findings), classifies them, dispatches agents to work
them and drives each one to closure under a single human authority.

Run 'brain serve' to start the engine with its HTTP and inbox ingestion
surfaces, or 'brain mcp' to drive it from an MCP client. The remaining
commands inspect and answer events.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ~/.config/brain/config.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(respondCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(catalogCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig honours --config, falling back to the layered lookup.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	return config.Load()
}
