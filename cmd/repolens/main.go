// Package main provides the entry point for the repolens CLI tool.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/repolens/analysis-client/cmd/repolens/commands"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "repolens",
		Short: "Repolens - AI repository analysis client",
		Long: `Repolens submits repositories to the analysis service and follows
their progress live over the service's event stream.

Commands:
  analyze    Submit a repository and follow the analysis
  watch      Re-attach to an analysis already in flight
  status     Show the current state of an analysis
  delete     Remove an analysis and its cached data
  devserver  Run a local scripted analysis service`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default: .repolens.yaml in CWD or $HOME)")

	rootCmd.AddCommand(commands.NewAnalyzeCommand())
	rootCmd.AddCommand(commands.NewWatchCommand())
	rootCmd.AddCommand(commands.NewStatusCommand())
	rootCmd.AddCommand(commands.NewDeleteCommand())
	rootCmd.AddCommand(commands.NewDevserverCommand())
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
			fmt.Fprintf(os.Stdout, "repolens %s\n", Version)
		},
	}
}
