// Package main is the entry point for the cronus CLI: the daemon itself
// (`cronus run`) and the client verbs that drive it over the control socket.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "cronus:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cronus",
		Short:         "A small cron daemon with a durable job registry",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to configuration file")
	root.AddCommand(
		versionCmd(),
		runCmd(),
		startCmd(),
		stopCmd(),
		addCmd(),
		deleteCmd(),
		listCmd(),
		statusCmd(),
		watchCmd(),
		serviceCmd(),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cronus %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
