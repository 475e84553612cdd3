package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/repolens/analysis-client/internal/backend"
)

// StatusCommand holds the flags for the status command.
type StatusCommand struct{}

// NewStatusCommand creates and configures the status command.
func NewStatusCommand() *cobra.Command {
	cmd := &StatusCommand{}

	return &cobra.Command{
		Use:   "status <analysis-id>",
		Short: "Show the current state of an analysis",
		Args:  cobra.ExactArgs(1),
		RunE:  cmd.Run,
	}
}

// Run executes the status command.
func (c *StatusCommand) Run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	client := backend.NewClient(cfg.Server.URL, cfg.Server.Token)
	record, err := client.GetAnalysis(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("get analysis: %w", err)
	}

	pterm.Info.Printf("Analysis: %s\n", record.AnalysisID)
	pterm.Printf("  Status: %s\n", record.Status)
	pterm.Printf("  Repository: %s\n", record.RepoURL)
	if record.Branch != "" {
		pterm.Printf("  Branch: %s\n", record.Branch)
	}
	if record.Audience != "" {
		pterm.Printf("  Audience: %s\n", record.Audience)
	}
	pterm.Printf("  Started: %s\n", record.StartedAt)
	if record.CompletedAt != "" {
		pterm.Printf("  Completed: %s\n", record.CompletedAt)
	}
	if record.Error != "" {
		pterm.Error.Printf("  Error: %s\n", record.Error)
	}

	pterm.Println()
	printSection("Architecture", record.Architecture)
	printSection("Runtime", record.Runtime)
	printSection("Documentation", record.Documentation)

	return nil
}
