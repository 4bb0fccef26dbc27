package run

import "encoding/json"

// Run status values. A run is terminal once its status leaves "running".
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Stage attempt outcomes.
const (
	OutcomeOK         = "ok"
	OutcomeQARejected = "qa_rejected"
	OutcomeError      = "error"
)

// Stage resolutions within a run.
const (
	ResolutionOK         = "ok"
	ResolutionUnresolved = "unresolved"
	ResolutionError      = "error"
	ResolutionSkipped    = "skipped"
)

// Program describes the benefit program a run targets.
// The engine treats it as opaque input to the first generation stage.
type Program struct {
	Name       string   `json:"name"`
	StateCode  string   `json:"state_code"`
	WhiteLabel string   `json:"white_label"`
	SourceURLs []string `json:"source_urls"`
}

// StageResult records how a stage finished within a run. A stage with an
// entry here is complete for resumability purposes unless its resolution
// is "error".
type StageResult struct {
	Resolution string   `json:"resolution"`
	Iterations int      `json:"iterations"`
	OpenIssues []string `json:"open_issues,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// State is the top-level persisted state for a single run.
type State struct {
	ID            string                     `json:"id"`
	Program       Program                    `json:"program"`
	CurrentStage  string                     `json:"current_stage"`
	Status        string                     `json:"status"`
	StageResults  map[string]StageResult     `json:"stage_results"`
	Outputs       map[string]json.RawMessage `json:"outputs"`
	MaxIterations int                        `json:"max_iterations"`
	ErrorRetries  int                        `json:"error_retries"`
	Error         string                     `json:"error,omitempty"`
	CreatedAt     string                     `json:"created_at"`
	UpdatedAt     string                     `json:"updated_at"`
}

// Attempt is one execution of a generation stage within a run.
// Iteration 0 is the first attempt; 1..N are fix-loop retries.
// Immutable once written, except for the single ok → qa_rejected
// transition applied when a QA verdict rejects the attempt.
type Attempt struct {
	RunID     string          `json:"run_id"`
	Stage     string          `json:"stage"`
	Iteration int             `json:"iteration"`
	Input     json.RawMessage `json:"input"`
	Output    json.RawMessage `json:"output,omitempty"`
	Outcome   string          `json:"outcome"`
	Error     string          `json:"error,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// Verdict is the structured result of a QA gate invocation for an attempt.
type Verdict struct {
	Stage     string   `json:"stage"`
	Iteration int      `json:"iteration"`
	Pass      bool     `json:"pass"`
	Issues    []string `json:"issues"`
	Raw       string   `json:"raw,omitempty"`
}
