// Package commands implements the botik CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root CLI command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "botik",
		Short: "botik — a friendly conversational assistant bot",
		Long: `botik is a conversational assistant bot for Telegram and Discord.
It keeps bounded per-chat AI context, understands a handful of commands
(weather, tasks, reminders, media links) and falls back to the AI for
everything else.

Examples:
  botik serve
  botik chat "привет"
  botik setup`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newSetupCmd(),
	)

	// Global flags.
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
