package session

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repolens/analysis-client/internal/backend"
	"github.com/repolens/analysis-client/internal/devserver"
	"github.com/repolens/analysis-client/internal/progress"
	"github.com/repolens/analysis-client/internal/stream"
)

func startDevServer(t *testing.T, cfg devserver.Config) *httptest.Server {
	t.Helper()
	if cfg.StepDelay == 0 {
		cfg.StepDelay = 5 * time.Millisecond
	}
	srv, err := devserver.New(cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		srv.Shutdown()
		ts.Close()
	})
	return ts
}

func waitForTerminal(t *testing.T, store *progress.Store, timeout time.Duration) progress.AnalysisState {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if store.Terminal() {
			return store.Snapshot()
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("analysis never reached a terminal status, got %s", store.Status())
	return progress.AnalysisState{}
}

// failingTransport never produces a connection.
type failingTransport struct{}

func (failingTransport) Dial(ctx context.Context, analysisID string) (stream.Conn, error) {
	return nil, errors.New("dial refused")
}

func TestSessionStreamsAnalysisToCompletion(t *testing.T) {
	ts := startDevServer(t, devserver.Config{})

	store := progress.NewStore()
	sess := New(store, backend.NewClient(ts.URL, ""))
	defer sess.Close()

	analysisID, err := sess.Submit(context.Background(), backend.AnalyzeRequest{
		RepoURL:  "https://github.com/example/repo",
		Audience: "engineer",
	})
	require.NoError(t, err)
	require.NotEmpty(t, analysisID)

	state := waitForTerminal(t, store, 10*time.Second)

	assert.Equal(t, progress.StageCompleted, state.Status)
	assert.Equal(t, analysisID, state.JobID)
	assert.Equal(t, float64(100), state.Progress)
	assert.NotNil(t, state.Architecture)
	assert.NotNil(t, state.Runtime)
	assert.NotNil(t, state.Documentation)
	assert.Empty(t, state.Error)

	// The stream delivered the whole pipeline in order.
	var stages []progress.Stage
	for _, e := range state.EventLog {
		stages = append(stages, e.Stage)
	}
	assert.Equal(t, []progress.Stage{
		progress.StageCloning,
		progress.StageParsing,
		progress.StageBuildingGraph,
		progress.StageArchitectAnalysis,
		progress.StageArchitectComplete,
		progress.StageRuntimeAnalysis,
		progress.StageRuntimeComplete,
		progress.StageDocumentation,
		progress.StageDocumentationComplete,
		progress.StageCompleted,
	}, stages)

	// The stream machine settled in its final state.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if status, ok := sess.ConnStatus(); ok && status.State == stream.StateComplete {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	status, _ := sess.ConnStatus()
	t.Fatalf("stream never completed, state %v", status.State)
}

func TestSessionSurfacesFailedAnalysis(t *testing.T) {
	ts := startDevServer(t, devserver.Config{FailAt: progress.StageRuntimeAnalysis})

	store := progress.NewStore()
	sess := New(store, backend.NewClient(ts.URL, ""))
	defer sess.Close()

	_, err := sess.Submit(context.Background(), backend.AnalyzeRequest{
		RepoURL:  "https://github.com/example/repo",
		Audience: "engineer",
	})
	require.NoError(t, err)

	state := waitForTerminal(t, store, 10*time.Second)
	assert.Equal(t, progress.StageFailed, state.Status)
	assert.Contains(t, state.Error, "runtime_analysis")
	// The architecture milestone arrived before the failure.
	assert.NotNil(t, state.Architecture)
	assert.Nil(t, state.Runtime)
}

func TestSessionRejectsInvalidAudience(t *testing.T) {
	store := progress.NewStore()
	sess := New(store, backend.NewClient("http://127.0.0.1:1", ""))
	defer sess.Close()

	_, err := sess.Submit(context.Background(), backend.AnalyzeRequest{
		RepoURL:  "https://github.com/example/repo",
		Audience: "astronaut",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid audience")
	// Rejected locally: the store never left idle.
	assert.Equal(t, progress.StageIdle, store.Status())
}

func TestSessionReflectsRejectedSubmission(t *testing.T) {
	ts := startDevServer(t, devserver.Config{})

	store := progress.NewStore()
	sess := New(store, backend.NewClient(ts.URL, ""))
	defer sess.Close()

	_, err := sess.Submit(context.Background(), backend.AnalyzeRequest{
		Audience: "engineer", // missing repo_url
	})
	require.Error(t, err)

	state := store.Snapshot()
	assert.Equal(t, progress.StageError, state.Status)
	assert.Contains(t, state.Error, "repo_url is required")
}

func TestSessionPollFallbackConcludesWhenStreamUnavailable(t *testing.T) {
	ts := startDevServer(t, devserver.Config{StepDelay: time.Millisecond})

	store := progress.NewStore()
	sess := New(store, backend.NewClient(ts.URL, ""),
		WithTransport(failingTransport{}),
		WithBackoff(stream.BackoffPolicy{
			BaseDelay:   time.Millisecond,
			Multiplier:  1.5,
			MaxAttempts: 2,
		}),
		WithPollInterval(10*time.Millisecond),
	)
	defer sess.Close()

	_, err := sess.Submit(context.Background(), backend.AnalyzeRequest{
		RepoURL:  "https://github.com/example/repo",
		Audience: "engineer",
	})
	require.NoError(t, err)

	state := waitForTerminal(t, store, 10*time.Second)
	assert.Equal(t, progress.StageCompleted, state.Status)
	// The combined record filled every slot even though no stream event landed.
	assert.NotNil(t, state.Architecture)
	assert.NotNil(t, state.Runtime)
	assert.NotNil(t, state.Documentation)

	// The stream exhausted its attempt budget.
	status, ok := sess.ConnStatus()
	require.True(t, ok)
	assert.Contains(t, []stream.State{stream.StateError, stream.StateComplete}, status.State)
}

func TestSessionAttachFollowsExistingJob(t *testing.T) {
	ts := startDevServer(t, devserver.Config{})

	// Submit out of band, as a previous CLI invocation would have.
	api := backend.NewClient(ts.URL, "")
	resp, err := api.Submit(context.Background(), backend.AnalyzeRequest{
		RepoURL:  "https://github.com/example/repo",
		Audience: "new_hire",
	})
	require.NoError(t, err)

	store := progress.NewStore()
	sess := New(store, api)
	defer sess.Close()

	sess.Attach(resp.AnalysisID)

	state := waitForTerminal(t, store, 10*time.Second)
	assert.Equal(t, progress.StageCompleted, state.Status)
	assert.Equal(t, resp.AnalysisID, state.JobID)
}

func TestSessionCloseStopsFollowing(t *testing.T) {
	ts := startDevServer(t, devserver.Config{StepDelay: time.Second})

	store := progress.NewStore()
	sess := New(store, backend.NewClient(ts.URL, ""))

	_, err := sess.Submit(context.Background(), backend.AnalyzeRequest{
		RepoURL:  "https://github.com/example/repo",
		Audience: "engineer",
	})
	require.NoError(t, err)

	sess.Close()

	// Closed sessions refuse new submissions.
	_, err = sess.Submit(context.Background(), backend.AnalyzeRequest{
		RepoURL:  "https://github.com/example/repo",
		Audience: "engineer",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}

func TestSessionResubmitResetsPriorRun(t *testing.T) {
	ts := startDevServer(t, devserver.Config{StepDelay: time.Millisecond})

	store := progress.NewStore()
	sess := New(store, backend.NewClient(ts.URL, ""))
	defer sess.Close()

	first, err := sess.Submit(context.Background(), backend.AnalyzeRequest{
		RepoURL:  "https://github.com/example/repo",
		Audience: "engineer",
	})
	require.NoError(t, err)
	waitForTerminal(t, store, 10*time.Second)

	second, err := sess.Submit(context.Background(), backend.AnalyzeRequest{
		RepoURL:  "https://github.com/example/other",
		Audience: "executive",
	})
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	state := waitForTerminal(t, store, 10*time.Second)
	assert.Equal(t, second, state.JobID)
	assert.Equal(t, progress.StageCompleted, state.Status)
	// The log belongs to the second run only.
	assert.LessOrEqual(t, len(state.EventLog), 10)
}
