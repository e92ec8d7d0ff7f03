// Package commands implements the sould CLI.
package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/mrkvm/sould/pkg/config"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "sould",
	Short: "sould - headless Soulseek daemon",
	Long: `sould is a headless Soulseek client daemon. It shares and indexes
local files, answers distributed searches, moves uploads and downloads
through a slot-limited orchestrator, and exposes everything over a
JWT-authenticated HTTP API. Several instances can federate: agents relay
their shares and files through a single controller connection.

Use "sould [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called once from main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/sould/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(initCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// GetConfigFile returns the config file path from the global flag.
func GetConfigFile() string {
	return cfgFile
}

// Exit prints an error and exits with code 1.
func Exit(format string, args ...any) {
	rootCmd.PrintErrf(format+"\n", args...)
	os.Exit(1)
}

// getConfigSource describes where the config was loaded from.
func getConfigSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	if _, err := os.Stat(config.DefaultPath()); err == nil {
		return config.DefaultPath()
	}
	return "defaults"
}
