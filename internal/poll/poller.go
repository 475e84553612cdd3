package poll

import (
	"context"
	"log"
	"time"

	"github.com/repolens/analysis-client/internal/backend"
	"github.com/repolens/analysis-client/internal/progress"
)

// StatusFetcher retrieves the authoritative job record from the analysis
// service's synchronous status endpoint.
type StatusFetcher interface {
	GetAnalysis(ctx context.Context, analysisID string) (*backend.AnalysisRecord, error)
}

// DefaultInterval is the fallback polling cadence.
const DefaultInterval = 10 * time.Second

// Poller is the correctness backstop for the stream: on a fixed interval it
// fetches the job status directly and forces terminal-state convergence even
// if the stream never delivers a terminal event (exhausted retries, proxies
// that drop long-lived connections). It commits through the same idempotent
// store apply as the stream client, so whichever path wins the race to
// deliver the terminal event, the other is a no-op.
type Poller struct {
	store    *progress.Store
	fetcher  StatusFetcher
	interval time.Duration
}

// New creates a poller. A non-positive interval falls back to DefaultInterval.
func New(store *progress.Store, fetcher StatusFetcher, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{store: store, fetcher: fetcher, interval: interval}
}

// Run polls until the store reaches a terminal status or ctx is cancelled.
// It blocks; callers run it on its own goroutine.
func (p *Poller) Run(ctx context.Context, analysisID string) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if p.store.Terminal() {
			return
		}

		record, err := p.fetcher.GetAnalysis(ctx, analysisID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("Poll fallback failed for analysis %s: %v", analysisID, err)
			continue
		}

		if !record.Status.Terminal() {
			continue
		}

		// Re-check after the fetch: the stream may have committed the
		// terminal event while the request was in flight. First terminal
		// status in the store wins.
		if p.store.Terminal() {
			return
		}

		p.store.Apply(synthesizeTerminalEvent(record))
		log.Printf("Poll fallback concluded analysis %s with status %s", analysisID, record.Status)
		return
	}
}

// synthesizeTerminalEvent converts a status record into the progress event
// the stream would have delivered, including the combined result payload so
// the completed catch-up path can fill any missing slot.
func synthesizeTerminalEvent(record *backend.AnalysisRecord) progress.Event {
	event := progress.Event{
		Stage:     record.Status,
		Timestamp: record.CompletedAt,
	}
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	if record.Status == progress.StageFailed {
		event.Message = record.Error
		event.ProgressPct = 0
		return event
	}

	event.Message = "Analysis complete"
	event.ProgressPct = 100

	result := make(map[string]interface{})
	if record.Architecture != nil {
		result[progress.ResultFieldArchitecture] = record.Architecture
	}
	if record.Runtime != nil {
		result[progress.ResultFieldRuntime] = record.Runtime
	}
	if record.Documentation != nil {
		result[progress.ResultFieldDocumentation] = record.Documentation
	}
	if len(result) > 0 {
		event.Result = result
	}
	return event
}
