package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/repolens/analysis-client/internal/backend"
	"github.com/repolens/analysis-client/internal/metrics"
	"github.com/repolens/analysis-client/internal/poll"
	"github.com/repolens/analysis-client/internal/progress"
	"github.com/repolens/analysis-client/internal/stream"
)

// Session coordinates one analysis job end to end: submission, the progress
// stream, the poll fallback and the shared store. The UI reads the store and
// the connection status; all mutation flows through the store's reducer.
type Session struct {
	store        *progress.Store
	api          *backend.Client
	am           *metrics.AnalysisMetrics
	transport    stream.Transport
	pollInterval time.Duration
	backoff      stream.BackoffPolicy

	mu        sync.Mutex
	client    *stream.Client
	cancel    context.CancelFunc
	closed    bool
	startedAt time.Time
	audience  string
}

// Option configures a Session.
type Option func(*Session)

// WithTransport overrides the stream transport (used by tests).
func WithTransport(t stream.Transport) Option {
	return func(s *Session) { s.transport = t }
}

// WithPollInterval overrides the fallback polling cadence.
func WithPollInterval(d time.Duration) Option {
	return func(s *Session) { s.pollInterval = d }
}

// WithBackoff overrides the stream reconnect policy.
func WithBackoff(p stream.BackoffPolicy) Option {
	return func(s *Session) { s.backoff = p }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(am *metrics.AnalysisMetrics) Option {
	return func(s *Session) { s.am = am }
}

// New creates a session around the shared store and service client.
func New(store *progress.Store, api *backend.Client, opts ...Option) *Session {
	s := &Session{
		store:        store,
		api:          api,
		pollInterval: poll.DefaultInterval,
		backoff:      stream.DefaultBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.transport == nil {
		s.transport = stream.NewWebSocketTransport(api.BaseURL(), api.Token())
	}
	return s
}

// Store exposes the shared analysis state store.
func (s *Session) Store() *progress.Store {
	return s.store
}

// Submit creates a new analysis job and starts the stream and poll fallback
// for it. The store is reset to starting first; a rejected submission is
// reflected into the store verbatim with status "error".
func (s *Session) Submit(ctx context.Context, req backend.AnalyzeRequest) (string, error) {
	if !backend.ValidAudience(req.Audience) {
		return "", fmt.Errorf("invalid audience %q, must be one of %v", req.Audience, backend.AudienceProfiles)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", fmt.Errorf("session is closed")
	}
	s.teardownLocked()
	s.mu.Unlock()

	s.store.Starting()

	resp, err := s.api.Submit(ctx, req)
	if err != nil {
		if subErr, ok := err.(*backend.SubmissionError); ok {
			s.store.Fail(subErr.Message)
		} else {
			s.store.Fail(err.Error())
		}
		return "", err
	}

	s.store.StartJob(resp.AnalysisID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return resp.AnalysisID, nil
	}

	s.startedAt = time.Now()
	s.audience = req.Audience

	jobCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.client = stream.NewClient(s.store, s.transport,
		stream.WithBackoff(s.backoff),
		stream.WithStatusFunc(s.onStreamStatus(jobCtx, resp.AnalysisID)),
	)
	s.client.Start(jobCtx, resp.AnalysisID)

	poller := poll.New(s.store, s.api, s.pollInterval)
	go poller.Run(jobCtx, resp.AnalysisID)
	go s.watchTerminal(jobCtx, resp.AnalysisID)

	if s.am != nil {
		s.am.RecordAnalysisCreated(jobCtx, resp.AnalysisID, req.Audience)
	}
	log.Printf("Submitted analysis %s for %s (audience %s)", resp.AnalysisID, req.RepoURL, req.Audience)

	return resp.AnalysisID, nil
}

// Attach starts streaming and polling for an already-submitted job, e.g.
// when re-attaching a watch command to an id from a previous invocation.
func (s *Session) Attach(analysisID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.teardownLocked()

	s.store.Starting()
	s.store.StartJob(analysisID)
	s.startedAt = time.Now()

	jobCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.client = stream.NewClient(s.store, s.transport,
		stream.WithBackoff(s.backoff),
		stream.WithStatusFunc(s.onStreamStatus(jobCtx, analysisID)),
	)
	s.client.Start(jobCtx, analysisID)

	poller := poll.New(s.store, s.api, s.pollInterval)
	go poller.Run(jobCtx, analysisID)
	go s.watchTerminal(jobCtx, analysisID)
}

// Reconnect clears the stream's attempt budget and retries. Manual retry
// affordance for the connection-error state.
func (s *Session) Reconnect() {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client != nil {
		client.Reconnect()
	}
}

// Reset tears down any active job machinery and clears the store back to
// idle. Only meaningful between jobs.
func (s *Session) Reset() {
	s.mu.Lock()
	s.teardownLocked()
	s.mu.Unlock()
	s.store.Reset()
}

// Close tears the session down: the poller and any pending reconnect are
// cancelled, the transport is closed, and late timers become no-ops.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.teardownLocked()
	s.mu.Unlock()
}

// ConnStatus returns the stream's connection status. ok is false when no
// job has been started yet.
func (s *Session) ConnStatus() (stream.Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return stream.Status{}, false
	}
	return s.client.Status(), true
}

func (s *Session) teardownLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
}

func (s *Session) onStreamStatus(ctx context.Context, analysisID string) func(stream.Status) {
	return func(status stream.Status) {
		if status.State == stream.StateDisconnected && s.am != nil {
			s.am.RecordStreamReconnect(ctx, analysisID, status.Attempt)
		}
	}
}

// watchTerminal records job-level metrics once the store reaches a terminal
// status, then stands down.
func (s *Session) watchTerminal(ctx context.Context, analysisID string) {
	snapshots, cancel := s.store.Subscribe()
	defer cancel()

	// The terminal event may have been committed before the subscription
	// registered; check the current state first.
	if state := s.store.Snapshot(); state.Status.Terminal() {
		s.recordTerminal(ctx, analysisID, state)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-snapshots:
			if !ok {
				return
			}
			if s.am != nil && !state.Status.Terminal() {
				s.am.RecordEventReceived(ctx, string(state.Status))
			}
			if !state.Status.Terminal() {
				continue
			}

			s.recordTerminal(ctx, analysisID, state)
			return
		}
	}
}

func (s *Session) recordTerminal(ctx context.Context, analysisID string, state progress.AnalysisState) {
	s.mu.Lock()
	duration := time.Since(s.startedAt)
	audience := s.audience
	s.mu.Unlock()

	if s.am != nil {
		if state.Status == progress.StageCompleted {
			s.am.RecordAnalysisCompleted(ctx, analysisID, audience, duration)
		} else {
			s.am.RecordAnalysisFailed(ctx, analysisID, audience, duration)
		}
	}
	log.Printf("Analysis %s reached terminal status %s after %s", analysisID, state.Status, duration.Round(time.Millisecond))
}
