package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/repolens/analysis-client/internal/backend"
)

// AnalyzeCommand holds the flags for the analyze command.
type AnalyzeCommand struct {
	branch   string
	audience string
	noFollow bool
}

// NewAnalyzeCommand creates and configures the analyze command.
func NewAnalyzeCommand() *cobra.Command {
	cmd := &AnalyzeCommand{}

	cobraCmd := &cobra.Command{
		Use:   "analyze <repo-url>",
		Short: "Submit a repository for analysis and follow its progress",
		Args:  cobra.ExactArgs(1),
		RunE:  cmd.Run,
	}

	cobraCmd.Flags().StringVarP(&cmd.branch, "branch", "b", "", "Branch to analyze (default: repository default)")
	cobraCmd.Flags().StringVarP(&cmd.audience, "audience", "a", "engineer", "Documentation audience profile")
	cobraCmd.Flags().BoolVar(&cmd.noFollow, "no-follow", false, "Submit and print the analysis id without following progress")

	return cobraCmd
}

// Run executes the analyze command.
func (c *AnalyzeCommand) Run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	sess, _, err := newSession(cfg)
	if err != nil {
		return err
	}
	defer sess.Close()

	repoURL := args[0]
	pterm.DefaultHeader.WithFullWidth().Printf("Repolens - Repository Analysis")
	pterm.Println()
	pterm.Info.Printf("Repository: %s\n", repoURL)
	pterm.Info.Printf("Audience: %s\n", c.audience)
	pterm.Println()

	analysisID, err := sess.Submit(cmd.Context(), backend.AnalyzeRequest{
		RepoURL:  repoURL,
		Branch:   c.branch,
		Audience: c.audience,
	})
	if err != nil {
		return fmt.Errorf("submit analysis: %w", err)
	}

	if c.noFollow {
		pterm.Success.Printf("Analysis submitted: %s\n", analysisID)
		pterm.Info.Printf("Follow it with: repolens watch %s\n", analysisID)
		return nil
	}

	state := followProgress(sess, analysisID)
	renderResult(state)

	return nil
}
