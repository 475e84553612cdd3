package commands

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"

	"github.com/repolens/analysis-client/internal/progress"
	"github.com/repolens/analysis-client/internal/session"
	"github.com/repolens/analysis-client/internal/stream"
)

// followProgress renders live progress until the analysis reaches a terminal
// status or the user interrupts. Returns the final state.
func followProgress(sess *session.Session, analysisID string) progress.AnalysisState {
	snapshots, cancel := sess.Store().Subscribe()
	defer cancel()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	bar, _ := pterm.DefaultProgressbar.
		WithTotal(100).
		WithTitle("Waiting for analysis to start").
		Start()

	connTicker := time.NewTicker(500 * time.Millisecond)
	defer connTicker.Stop()

	lastConnState := stream.StateConnecting
	lastStage := progress.StageIdle

	for {
		select {
		case <-interrupt:
			bar.Stop()
			pterm.Warning.Println("Interrupted; analysis continues on the server")
			pterm.Info.Printf("Re-attach later with: repolens watch %s\n", analysisID)
			return sess.Store().Snapshot()

		case <-connTicker.C:
			status, ok := sess.ConnStatus()
			if !ok || status.State == lastConnState {
				continue
			}
			lastConnState = status.State
			switch status.State {
			case stream.StateDisconnected:
				pterm.Warning.Printf("Stream lost, reconnecting (attempt %d)...\n", status.Attempt)
			case stream.StateError:
				pterm.Warning.Println("Live stream unavailable; falling back to status polling")
			}

		case state, ok := <-snapshots:
			if !ok {
				bar.Stop()
				return sess.Store().Snapshot()
			}
			if state.Status.Terminal() || state.Status == progress.StageError {
				if state.Status == progress.StageCompleted {
					bar.Add(100 - bar.Current)
					bar.Stop()
					pterm.Success.Println("Analysis complete")
				} else {
					bar.Stop()
					pterm.Error.Printf("Analysis failed: %s\n", state.Error)
				}
				return state
			}
			if state.Status != lastStage {
				lastStage = state.Status
				pterm.Info.Println(describeStage(state.Status))
			}
			bar.UpdateTitle(describeStage(state.Status))
			if delta := int(state.Progress) - bar.Current; delta > 0 {
				bar.Add(delta)
			}
		}
	}
}

func describeStage(stage progress.Stage) string {
	switch stage {
	case progress.StageStarting:
		return "Submitting analysis"
	case progress.StageQueued:
		return "Queued"
	case progress.StageCloning:
		return "Cloning repository"
	case progress.StageParsing:
		return "Parsing source files"
	case progress.StageBuildingGraph:
		return "Building knowledge graph"
	case progress.StageArchitectAnalysis:
		return "Architecture analysis"
	case progress.StageArchitectComplete:
		return "Architecture analysis done"
	case progress.StageRuntimeAnalysis:
		return "Runtime analysis"
	case progress.StageRuntimeComplete:
		return "Runtime analysis done"
	case progress.StageDocumentation:
		return "Generating documentation"
	case progress.StageDocumentationComplete:
		return "Documentation done"
	default:
		return string(stage)
	}
}

// renderResult prints a summary of the terminal analysis state.
func renderResult(state progress.AnalysisState) {
	pterm.Println()

	if state.Status == progress.StageFailed || state.Status == progress.StageError {
		pterm.Error.Printf("Analysis %s failed: %s\n", state.JobID, state.Error)
		return
	}

	pterm.Success.Printf("Analysis %s finished\n", state.JobID)
	pterm.Println()

	printSection("Architecture", state.Architecture)
	printSection("Runtime", state.Runtime)
	printSection("Documentation", state.Documentation)
}

func printSection(title string, result map[string]interface{}) {
	if result == nil {
		pterm.Warning.Printf("%s: no result available\n", title)
		return
	}
	pterm.Info.Printf("%s:\n", title)
	if summary, ok := result["summary"].(string); ok {
		pterm.Printf("  %s\n", summary)
	} else {
		pterm.Printf("  %d fields\n", len(result))
	}
}
