// Package ticket delivers the final research bundle for review. The
// default sink writes a JSON bundle beside the run's other artifacts;
// other sinks (a tracker API, a queue) can implement Sink without the
// orchestrator caring.
package ticket

import (
	"encoding/json"
	"fmt"

	"github.com/screenerlabs/research-pipeline/internal/run"
)

// Bundle is the deliverable assembled from a finished run.
type Bundle struct {
	RunID       string                     `json:"run_id"`
	Program     run.Program                `json:"program"`
	Status      string                     `json:"status"`
	Ticket      json.RawMessage            `json:"ticket,omitempty"`
	Outputs     map[string]json.RawMessage `json:"outputs"`
	SummaryPath string                     `json:"summary_path"`
}

// Sink consumes the final bundle for a run.
type Sink interface {
	Deliver(st *run.State, summaryPath string) error
}

// FileSink writes ticket.json into the run's directory.
type FileSink struct {
	store *run.Store
}

// NewFileSink creates a FileSink backed by the run store.
func NewFileSink(store *run.Store) *FileSink {
	return &FileSink{store: store}
}

// Deliver implements Sink.
func (s *FileSink) Deliver(st *run.State, summaryPath string) error {
	b := Bundle{
		RunID:       st.ID,
		Program:     st.Program,
		Status:      st.Status,
		Ticket:      st.Outputs["create_ticket"],
		Outputs:     st.Outputs,
		SummaryPath: summaryPath,
	}
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ticket bundle: %w", err)
	}
	if _, err := s.store.WriteArtifact(st.ID, "ticket.json", data); err != nil {
		return fmt.Errorf("write ticket bundle: %w", err)
	}
	return nil
}
