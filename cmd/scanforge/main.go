// Package main provides the entry point for the scanforge CLI tool.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/scanforge/scanforge/cmd/scanforge/commands"
	"github.com/scanforge/scanforge/pkg/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "scanforge",
		Short: "Scanforge file analysis dispatcher",
		Long: `Scanforge coordinates file analysis submissions: it schedules files
through staged analysis services, tracks extracted children and finalizes
submissions once every file has cleared every stage.

Commands:
  dispatcher  Run the dispatching core
  watcher     Run the timeout watchdog
  status      Show queue depths of a running deployment`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(commands.NewDispatcherCommand())
	rootCmd.AddCommand(commands.NewWatcherCommand())
	rootCmd.AddCommand(commands.NewStatusCommand())
	rootCmd.AddCommand(versionCmd())

	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(os.Stdout, "scanforge %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}
