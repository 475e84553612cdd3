package progress

// Stage identifies a phase of the backend analysis pipeline. The wire stages
// mirror the analysis service; idle, starting and error only exist client-side.
type Stage string

const (
	StageIdle     Stage = "idle"
	StageStarting Stage = "starting"
	StageError    Stage = "error"

	StageQueued                Stage = "queued"
	StageCloning               Stage = "cloning"
	StageParsing               Stage = "parsing"
	StageBuildingGraph         Stage = "building_graph"
	StageArchitectAnalysis     Stage = "architect_analysis"
	StageArchitectComplete     Stage = "architect_complete"
	StageRuntimeAnalysis       Stage = "runtime_analysis"
	StageRuntimeComplete       Stage = "runtime_complete"
	StageDocumentation         Stage = "documentation"
	StageDocumentationComplete Stage = "documentation_complete"
	StageCompleted             Stage = "completed"
	StageFailed                Stage = "failed"
)

// Terminal reports whether no further events are expected for this stage.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Event is a single progress update pushed by the analysis service.
type Event struct {
	Stage       Stage                  `json:"stage"`
	Message     string                 `json:"message"`
	ProgressPct float64                `json:"progress_pct"`
	Timestamp   string                 `json:"timestamp"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Keepalive   bool                   `json:"keepalive,omitempty"`
}

// Key returns the identity used for duplicate suppression. Reconnects and the
// poll fallback can both deliver a logically-equivalent terminal event, so
// stage plus server timestamp is treated as the event identity.
func (e Event) Key() string {
	return string(e.Stage) + "|" + e.Timestamp
}

// Result sub-fields carried by a combined "completed" payload.
const (
	ResultFieldArchitecture  = "architecture"
	ResultFieldRuntime       = "runtime"
	ResultFieldDocumentation = "documentation"
)
