package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// WatchCommand holds the flags for the watch command.
type WatchCommand struct{}

// NewWatchCommand creates and configures the watch command.
func NewWatchCommand() *cobra.Command {
	cmd := &WatchCommand{}

	return &cobra.Command{
		Use:   "watch <analysis-id>",
		Short: "Re-attach to an analysis already in flight",
		Args:  cobra.ExactArgs(1),
		RunE:  cmd.Run,
	}
}

// Run executes the watch command.
func (c *WatchCommand) Run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	sess, _, err := newSession(cfg)
	if err != nil {
		return err
	}
	defer sess.Close()

	analysisID := args[0]
	pterm.Info.Printf("Watching analysis %s\n", analysisID)
	pterm.Println()

	sess.Attach(analysisID)

	state := followProgress(sess, analysisID)
	renderResult(state)

	return nil
}
