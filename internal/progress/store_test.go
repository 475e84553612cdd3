package progress

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(stage Stage, pct float64, ts string) Event {
	return Event{
		Stage:       stage,
		Message:     fmt.Sprintf("stage %s", stage),
		ProgressPct: pct,
		Timestamp:   ts,
	}
}

func TestStore_InitialState(t *testing.T) {
	store := NewStore()

	state := store.Snapshot()
	assert.Equal(t, StageIdle, state.Status)
	assert.Empty(t, state.JobID)
	assert.Empty(t, state.EventLog)
	assert.False(t, store.Terminal())
}

func TestStore_EventLogOrderedWithoutDuplicates(t *testing.T) {
	store := NewStore()

	events := []Event{
		event(StageQueued, 0, "t0"),
		event(StageCloning, 5, "t1"),
		event(StageParsing, 20, "t2"),
		event(StageBuildingGraph, 30, "t3"),
	}

	for _, e := range events {
		store.Apply(e)
	}
	// Re-apply everything; the log must not grow.
	for _, e := range events {
		store.Apply(e)
	}

	state := store.Snapshot()
	require.Len(t, state.EventLog, len(events))
	for i, e := range events {
		assert.Equal(t, e.Stage, state.EventLog[i].Stage, "log must preserve insertion order")
	}
	assert.Equal(t, StageBuildingGraph, state.Status)
	assert.Equal(t, 30.0, state.Progress)
}

func TestStore_KeepaliveChangesNothing(t *testing.T) {
	store := NewStore()
	store.Apply(event(StageParsing, 20, "t0"))
	before := store.Snapshot()

	store.Apply(Event{
		Stage:       StageParsing,
		Message:     "Processing... (parsing)",
		ProgressPct: 55,
		Timestamp:   "t-keepalive",
		Keepalive:   true,
	})

	after := store.Snapshot()
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.Progress, after.Progress)
	assert.Len(t, after.EventLog, len(before.EventLog))
	assert.Nil(t, after.Architecture)
	assert.Nil(t, after.Runtime)
	assert.Nil(t, after.Documentation)
}

func TestStore_ResultSlots(t *testing.T) {
	tests := []struct {
		name  string
		stage Stage
		check func(t *testing.T, state AnalysisState, result map[string]interface{})
	}{
		{
			name:  "architect_complete_sets_architecture",
			stage: StageArchitectComplete,
			check: func(t *testing.T, state AnalysisState, result map[string]interface{}) {
				assert.Equal(t, result, state.Architecture)
				assert.Nil(t, state.Runtime)
				assert.Nil(t, state.Documentation)
			},
		},
		{
			name:  "runtime_complete_sets_runtime",
			stage: StageRuntimeComplete,
			check: func(t *testing.T, state AnalysisState, result map[string]interface{}) {
				assert.Equal(t, result, state.Runtime)
				assert.Nil(t, state.Architecture)
			},
		},
		{
			name:  "documentation_complete_sets_documentation",
			stage: StageDocumentationComplete,
			check: func(t *testing.T, state AnalysisState, result map[string]interface{}) {
				assert.Equal(t, result, state.Documentation)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewStore()
			result := map[string]interface{}{"summary": "ok"}
			store.Apply(Event{
				Stage:       tt.stage,
				ProgressPct: 50,
				Timestamp:   "t0",
				Result:      result,
			})
			tt.check(t, store.Snapshot(), result)
		})
	}
}

func TestStore_TerminalEventIdempotent(t *testing.T) {
	store := NewStore()

	terminal := Event{
		Stage:       StageCompleted,
		Message:     "Analysis complete",
		ProgressPct: 100,
		Timestamp:   "t-final",
		Result: map[string]interface{}{
			"architecture": map[string]interface{}{"components": 3.0},
		},
	}

	// Once via the stream, once via the poll fallback.
	store.Apply(terminal)
	first := store.Snapshot()
	store.Apply(terminal)
	second := store.Snapshot()

	assert.Equal(t, first, second)
	assert.Len(t, second.EventLog, 1)
	assert.True(t, store.Terminal())
}

func TestStore_CompletedWithEmptyResultKeepsSlots(t *testing.T) {
	store := NewStore()

	arch := map[string]interface{}{"components": 3.0}
	store.Apply(Event{Stage: StageArchitectComplete, ProgressPct: 40, Timestamp: "t0", Result: arch})
	rt := map[string]interface{}{"flows": 2.0}
	store.Apply(Event{Stage: StageRuntimeComplete, ProgressPct: 70, Timestamp: "t1", Result: rt})
	doc := map[string]interface{}{"pages": 5.0}
	store.Apply(Event{Stage: StageDocumentationComplete, ProgressPct: 95, Timestamp: "t2", Result: doc})

	store.Apply(Event{Stage: StageCompleted, ProgressPct: 100, Timestamp: "t3", Result: map[string]interface{}{}})

	state := store.Snapshot()
	assert.Equal(t, StageCompleted, state.Status)
	assert.Equal(t, arch, state.Architecture)
	assert.Equal(t, rt, state.Runtime)
	assert.Equal(t, doc, state.Documentation)
}

func TestStore_CompletedCatchUpFillsMissingSlotsOnly(t *testing.T) {
	store := NewStore()

	// runtime and documentation arrived individually; architecture was lost
	// to a dropped connection.
	rt := map[string]interface{}{"flows": 2.0}
	store.Apply(Event{Stage: StageRuntimeComplete, ProgressPct: 70, Timestamp: "t0", Result: rt})
	doc := map[string]interface{}{"pages": 5.0}
	store.Apply(Event{Stage: StageDocumentationComplete, ProgressPct: 95, Timestamp: "t1", Result: doc})

	combinedArch := map[string]interface{}{"components": 9.0}
	store.Apply(Event{
		Stage:       StageCompleted,
		ProgressPct: 100,
		Timestamp:   "t2",
		Result:      map[string]interface{}{"architecture": combinedArch},
	})

	state := store.Snapshot()
	assert.Equal(t, combinedArch, state.Architecture)
	assert.Equal(t, rt, state.Runtime)
	assert.Equal(t, doc, state.Documentation)
}

func TestStore_FailedRecordsError(t *testing.T) {
	store := NewStore()
	store.Apply(Event{Stage: StageFailed, Message: "boom", ProgressPct: 0, Timestamp: "t0"})

	state := store.Snapshot()
	assert.Equal(t, StageFailed, state.Status)
	assert.Equal(t, "boom", state.Error)
	assert.True(t, store.Terminal())
}

func TestStore_ScenarioArchitectThenCompleted(t *testing.T) {
	store := NewStore()
	store.Starting()
	store.StartJob("job-1")

	arch := map[string]interface{}{"components": 3.0}
	store.Apply(Event{Stage: StageArchitectComplete, ProgressPct: 40, Timestamp: "t0", Result: arch})
	store.Apply(Event{Stage: StageCompleted, ProgressPct: 100, Timestamp: "t1", Result: map[string]interface{}{}})

	state := store.Snapshot()
	assert.Equal(t, "job-1", state.JobID)
	assert.Equal(t, StageCompleted, state.Status)
	assert.Equal(t, 100.0, state.Progress)
	assert.Equal(t, arch, state.Architecture)
	assert.Empty(t, state.Error)
}

func TestStore_ProgressClampedFromWire(t *testing.T) {
	store := NewStore()

	store.Apply(event(StageCloning, -10, "t0"))
	assert.Equal(t, 0.0, store.Snapshot().Progress)

	store.Apply(event(StageParsing, 250, "t1"))
	assert.Equal(t, 100.0, store.Snapshot().Progress)
}

func TestStore_StartingClearsPreviousRun(t *testing.T) {
	store := NewStore()
	store.StartJob("job-1")
	store.Apply(Event{Stage: StageCompleted, ProgressPct: 100, Timestamp: "t0",
		Result: map[string]interface{}{"architecture": map[string]interface{}{}}})

	store.Starting()

	state := store.Snapshot()
	assert.Equal(t, StageStarting, state.Status)
	assert.Empty(t, state.JobID)
	assert.Empty(t, state.EventLog)
	assert.Nil(t, state.Architecture)

	// The dedup index is cleared too: the old terminal event applies again.
	store.Apply(Event{Stage: StageCompleted, ProgressPct: 100, Timestamp: "t0"})
	assert.Len(t, store.Snapshot().EventLog, 1)
}

func TestStore_SubscribeReceivesSnapshots(t *testing.T) {
	store := NewStore()
	ch, cancel := store.Subscribe()
	defer cancel()

	store.Apply(event(StageCloning, 5, "t0"))

	select {
	case state := <-ch:
		assert.Equal(t, StageCloning, state.Status)
	default:
		t.Fatal("expected a snapshot on the subscription channel")
	}
}

func TestStore_FailMarksClientLocalError(t *testing.T) {
	store := NewStore()
	store.Starting()
	store.Fail("analysis service returned status 400: invalid audience")

	state := store.Snapshot()
	assert.Equal(t, StageError, state.Status)
	assert.Contains(t, state.Error, "invalid audience")
	assert.False(t, store.Terminal(), "client-local error is not a wire-terminal stage")
}
