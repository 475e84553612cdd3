package progress

import (
	"sync"
)

// AnalysisState is the client's single coherent view of one analysis job.
type AnalysisState struct {
	JobID         string                 `json:"job_id,omitempty"`
	Status        Stage                  `json:"status"`
	Progress      float64                `json:"progress"`
	EventLog      []Event                `json:"event_log"`
	Architecture  map[string]interface{} `json:"architecture,omitempty"`
	Runtime       map[string]interface{} `json:"runtime,omitempty"`
	Documentation map[string]interface{} `json:"documentation,omitempty"`
	Error         string                 `json:"error,omitempty"`
}

// reduce applies one non-duplicate event to the state and returns the next
// state. It is a pure function: all mutation goes through copies.
func reduce(state AnalysisState, event Event) AnalysisState {
	if event.Keepalive {
		return state
	}

	next := state
	next.EventLog = append(append([]Event(nil), state.EventLog...), event)
	next.Progress = clampPct(event.ProgressPct)
	next.Status = event.Stage

	switch event.Stage {
	case StageArchitectComplete:
		if event.Result != nil {
			next.Architecture = event.Result
		}
	case StageRuntimeComplete:
		if event.Result != nil {
			next.Runtime = event.Result
		}
	case StageDocumentationComplete:
		if event.Result != nil {
			next.Documentation = event.Result
		}
	case StageCompleted:
		// Catch-up path: a combined payload fills any slot that was never
		// announced individually (e.g. the intermediate event was lost to a
		// reconnect). Empty payloads never clear previously-set slots.
		if event.Result != nil {
			if arch, ok := event.Result[ResultFieldArchitecture].(map[string]interface{}); ok {
				next.Architecture = arch
			}
			if rt, ok := event.Result[ResultFieldRuntime].(map[string]interface{}); ok {
				next.Runtime = rt
			}
			if doc, ok := event.Result[ResultFieldDocumentation].(map[string]interface{}); ok {
				next.Documentation = doc
			}
		}
	case StageFailed:
		next.Error = event.Message
	}

	return next
}

func clampPct(pct float64) float64 {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// Store owns the AnalysisState for the in-flight (or last-run) job. It is
// shared by the stream client, the poll fallback and the UI; only Apply
// mutates the analysis state, and all calls are serialized by the store mutex.
type Store struct {
	mu      sync.RWMutex
	state   AnalysisState
	seen    map[string]struct{}
	subs    map[int]chan AnalysisState
	nextSub int
}

// NewStore creates a store in the idle state.
func NewStore() *Store {
	return &Store{
		state: AnalysisState{Status: StageIdle},
		seen:  make(map[string]struct{}),
		subs:  make(map[int]chan AnalysisState),
	}
}

// Apply commits one event through the reducer. Duplicate events (same stage
// and timestamp) and keepalives are no-ops, which makes the stream client and
// the poll fallback race-safe: whichever delivers the terminal event second
// changes nothing.
func (s *Store) Apply(event Event) {
	s.mu.Lock()
	if event.Keepalive {
		s.mu.Unlock()
		return
	}
	if _, dup := s.seen[event.Key()]; dup {
		s.mu.Unlock()
		return
	}
	s.seen[event.Key()] = struct{}{}
	s.state = reduce(s.state, event)
	snapshot := s.state
	s.mu.Unlock()

	s.notify(snapshot)
}

// Snapshot returns a copy of the current analysis state.
func (s *Store) Snapshot() AnalysisState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Status returns the current status without copying the full state.
func (s *Store) Status() Stage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Status
}

// Terminal reports whether the job has reached completed or failed.
func (s *Store) Terminal() bool {
	return s.Status().Terminal()
}

// Reset clears the store back to idle. Used before a new submission, never
// during an in-flight job.
func (s *Store) Reset() {
	s.mu.Lock()
	s.state = AnalysisState{Status: StageIdle}
	s.seen = make(map[string]struct{})
	snapshot := s.state
	s.mu.Unlock()

	s.notify(snapshot)
}

// Starting marks the store as submitting a new job. All slots are cleared.
func (s *Store) Starting() {
	s.mu.Lock()
	s.state = AnalysisState{Status: StageStarting}
	s.seen = make(map[string]struct{})
	snapshot := s.state
	s.mu.Unlock()

	s.notify(snapshot)
}

// StartJob records the identity of a freshly-created job and moves the
// status to queued.
func (s *Store) StartJob(jobID string) {
	s.mu.Lock()
	s.state.JobID = jobID
	s.state.Status = StageQueued
	snapshot := s.state
	s.mu.Unlock()

	s.notify(snapshot)
}

// Fail records a client-local failure (e.g. submission rejected). The message
// is surfaced verbatim.
func (s *Store) Fail(message string) {
	s.mu.Lock()
	s.state.Status = StageError
	s.state.Error = message
	snapshot := s.state
	s.mu.Unlock()

	s.notify(snapshot)
}

// Subscribe registers for state snapshots after every committed change. The
// returned cancel func must be called to release the subscription. Slow
// consumers may miss intermediate snapshots; Snapshot() always has the latest.
func (s *Store) Subscribe() (<-chan AnalysisState, func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan AnalysisState, 16)
	s.subs[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

func (s *Store) notify(snapshot AnalysisState) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- snapshot:
		default:
		}
	}
}
