package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/repolens/analysis-client/internal/backend"
)

// DeleteCommand holds the flags for the delete command.
type DeleteCommand struct{}

// NewDeleteCommand creates and configures the delete command.
func NewDeleteCommand() *cobra.Command {
	cmd := &DeleteCommand{}

	return &cobra.Command{
		Use:   "delete <analysis-id>",
		Short: "Remove an analysis and its cached data",
		Args:  cobra.ExactArgs(1),
		RunE:  cmd.Run,
	}
}

// Run executes the delete command.
func (c *DeleteCommand) Run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	client := backend.NewClient(cfg.Server.URL, cfg.Server.Token)
	if err := client.DeleteAnalysis(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("delete analysis: %w", err)
	}

	pterm.Success.Printf("Analysis %s deleted\n", args[0])
	return nil
}
