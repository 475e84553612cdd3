package devserver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/repolens/analysis-client/internal/backend"
	"github.com/repolens/analysis-client/internal/progress"
)

// pipelineStep is one stage of the scripted analysis pipeline.
type pipelineStep struct {
	stage    progress.Stage
	message  string
	progress float64
}

// The canned pipeline mirrors the production service's stage script.
var pipelineScript = []pipelineStep{
	{progress.StageCloning, "Cloning repository", 5},
	{progress.StageParsing, "Extracting file tree and identifying critical files", 10},
	{progress.StageBuildingGraph, "Parsing source files and building the knowledge graph", 20},
	{progress.StageArchitectAnalysis, "Running Architect AI analysis", 30},
	{progress.StageArchitectComplete, "Architect AI analysis complete", 50},
	{progress.StageRuntimeAnalysis, "Running Runtime Analyst AI", 55},
	{progress.StageRuntimeComplete, "Runtime Analyst AI complete", 75},
	{progress.StageDocumentation, "Generating documentation", 80},
	{progress.StageDocumentationComplete, "Documentation AI complete", 95},
}

// job is one in-flight or finished analysis held by the dev server.
type job struct {
	mu sync.Mutex

	AnalysisID  string
	RepoURL     string
	Branch      string
	Audience    string
	StartedAt   time.Time
	CompletedAt time.Time

	status        progress.Stage
	events        []progress.Event
	errMsg        string
	architecture  map[string]interface{}
	runtime       map[string]interface{}
	documentation map[string]interface{}

	subs map[chan progress.Event]struct{}
	done chan struct{}
}

func newJob(analysisID, repoURL, branch, audience string) *job {
	return &job{
		AnalysisID: analysisID,
		RepoURL:    repoURL,
		Branch:     branch,
		Audience:   audience,
		StartedAt:  time.Now().UTC(),
		status:     progress.StageQueued,
		subs:       make(map[chan progress.Event]struct{}),
		done:       make(chan struct{}),
	}
}

// emit appends an event to the job log and fans it out to stream subscribers.
func (j *job) emit(event progress.Event) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.events = append(j.events, event)
	j.status = event.Stage

	switch event.Stage {
	case progress.StageArchitectComplete:
		j.architecture = event.Result
	case progress.StageRuntimeComplete:
		j.runtime = event.Result
	case progress.StageDocumentationComplete:
		j.documentation = event.Result
	case progress.StageCompleted:
		if arch, ok := event.Result[progress.ResultFieldArchitecture].(map[string]interface{}); ok {
			j.architecture = arch
		}
		if rt, ok := event.Result[progress.ResultFieldRuntime].(map[string]interface{}); ok {
			j.runtime = rt
		}
		if doc, ok := event.Result[progress.ResultFieldDocumentation].(map[string]interface{}); ok {
			j.documentation = doc
		}
	case progress.StageFailed:
		j.errMsg = event.Message
	}

	if event.Stage.Terminal() {
		j.CompletedAt = time.Now().UTC()
		defer close(j.done)
	}

	for ch := range j.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// subscribe returns the events emitted so far plus a channel for the rest.
// The two together replay the full log without gaps or duplicates.
func (j *job) subscribe() ([]progress.Event, chan progress.Event, func()) {
	j.mu.Lock()
	defer j.mu.Unlock()

	backlog := make([]progress.Event, len(j.events))
	copy(backlog, j.events)

	ch := make(chan progress.Event, 32)
	j.subs[ch] = struct{}{}

	cancel := func() {
		j.mu.Lock()
		delete(j.subs, ch)
		j.mu.Unlock()
	}
	return backlog, ch, cancel
}

// record builds the synchronous status view served by GET /api/analyze/:id.
func (j *job) record() backend.AnalysisRecord {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec := backend.AnalysisRecord{
		AnalysisID:    j.AnalysisID,
		Status:        j.status,
		RepoURL:       j.RepoURL,
		Branch:        j.Branch,
		Audience:      j.Audience,
		StartedAt:     j.StartedAt.Format(time.RFC3339),
		Architecture:  j.architecture,
		Runtime:       j.runtime,
		Documentation: j.documentation,
		Error:         j.errMsg,
	}
	if !j.CompletedAt.IsZero() {
		rec.CompletedAt = j.CompletedAt.Format(time.RFC3339)
	}
	return rec
}

// run walks the scripted pipeline, emitting one event per step. When failAt
// names a stage the pipeline stops there with a failed event instead.
func (j *job) run(ctx context.Context, stepDelay time.Duration, failAt progress.Stage) {
	for _, step := range pipelineScript {
		select {
		case <-ctx.Done():
			return
		case <-time.After(stepDelay):
		}

		if failAt != "" && step.stage == failAt {
			j.emit(progress.Event{
				Stage:       progress.StageFailed,
				Message:     fmt.Sprintf("Analysis failed: injected failure at %s", step.stage),
				ProgressPct: 0,
				Timestamp:   time.Now().UTC().Format(time.RFC3339),
			})
			return
		}

		event := progress.Event{
			Stage:       step.stage,
			Message:     step.message,
			ProgressPct: step.progress,
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		}
		switch step.stage {
		case progress.StageArchitectComplete:
			event.Result = cannedArchitecture(j.RepoURL)
		case progress.StageRuntimeComplete:
			event.Result = cannedRuntime()
		case progress.StageDocumentationComplete:
			event.Result = cannedDocumentation(j.Audience)
		}
		j.emit(event)
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(stepDelay):
	}

	j.emit(progress.Event{
		Stage:       progress.StageCompleted,
		Message:     "Analysis complete!",
		ProgressPct: 100,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Result: map[string]interface{}{
			progress.ResultFieldArchitecture:  cannedArchitecture(j.RepoURL),
			progress.ResultFieldRuntime:       cannedRuntime(),
			progress.ResultFieldDocumentation: cannedDocumentation(j.Audience),
		},
	})
}

func cannedArchitecture(repoURL string) map[string]interface{} {
	return map[string]interface{}{
		"repo_url": repoURL,
		"components": []interface{}{
			map[string]interface{}{"name": "api", "kind": "service"},
			map[string]interface{}{"name": "worker", "kind": "daemon"},
			map[string]interface{}{"name": "store", "kind": "database"},
		},
		"summary": "Three-tier service with an async worker pool",
	}
}

func cannedRuntime() map[string]interface{} {
	return map[string]interface{}{
		"entry_points": []interface{}{"cmd/api/main.go"},
		"hot_paths":    []interface{}{"handler.Serve", "store.Query"},
		"summary":      "Request-driven with a background reconciliation loop",
	}
}

func cannedDocumentation(audience string) map[string]interface{} {
	return map[string]interface{}{
		"audience": audience,
		"sections": []interface{}{"Overview", "Architecture", "Operations"},
		"summary":  fmt.Sprintf("Documentation tailored for the %s audience", audience),
	}
}
