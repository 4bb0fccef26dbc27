// Package report renders the human-facing SUMMARY.md for a run. The
// summary is written on every terminal path, success or failure, so a
// reviewer always has something to read without spelunking the ledger.
package report

import (
	"fmt"
	"strings"

	"github.com/screenerlabs/research-pipeline/internal/ledger"
	"github.com/screenerlabs/research-pipeline/internal/run"
)

// failureContextLines is how many trailing ledger messages the failure
// section includes.
const failureContextLines = 15

// Writer builds run summaries from the run store and the ledger.
type Writer struct {
	store *run.Store
	ldb   *ledger.DB
}

// NewWriter creates a Writer.
func NewWriter(store *run.Store, ldb *ledger.DB) *Writer {
	return &Writer{store: store, ldb: ldb}
}

// Write renders SUMMARY.md into the run's directory and returns its path.
// stageOrder fixes the order of the per-stage table; stages without a
// result yet are listed as not reached.
func (w *Writer) Write(st *run.State, stageOrder []string) (string, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "# Research Run %s\n\n", st.ID)
	fmt.Fprintf(&b, "**Program:** %s (%s, %s)\n\n", st.Program.Name, st.Program.StateCode, st.Program.WhiteLabel)
	fmt.Fprintf(&b, "**Status:** %s\n\n", st.Status)
	if len(st.Program.SourceURLs) > 0 {
		b.WriteString("**Source URLs:**\n\n")
		for _, u := range st.Program.SourceURLs {
			fmt.Fprintf(&b, "- %s\n", u)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Stages\n\n")
	b.WriteString("| Stage | Resolution | Attempts |\n")
	b.WriteString("|-------|------------|----------|\n")
	for _, name := range stageOrder {
		res, ok := st.StageResults[name]
		if !ok {
			fmt.Fprintf(&b, "| %s | not reached | 0 |\n", name)
			continue
		}
		fmt.Fprintf(&b, "| %s | %s | %d |\n", name, res.Resolution, res.Iterations)
	}
	b.WriteString("\n")

	w.writeUnresolved(&b, st, stageOrder)
	w.writeQASection(&b, st)

	if st.Status == run.StatusFailed {
		w.writeFailure(&b, st)
	}

	return w.store.WriteArtifact(st.ID, "SUMMARY.md", []byte(b.String()))
}

// writeUnresolved lists stages that exhausted their fix loop, with the
// open issues a human reviewer needs to settle.
func (w *Writer) writeUnresolved(b *strings.Builder, st *run.State, stageOrder []string) {
	var any bool
	for _, name := range stageOrder {
		res, ok := st.StageResults[name]
		if !ok || res.Resolution != run.ResolutionUnresolved {
			continue
		}
		if !any {
			b.WriteString("## Needs Manual Review\n\n")
			any = true
		}
		fmt.Fprintf(b, "### %s\n\n", name)
		for _, issue := range res.OpenIssues {
			fmt.Fprintf(b, "- %s\n", issue)
		}
		b.WriteString("\n")
	}
}

// writeQASection summarises the QA verdict history per stage.
func (w *Writer) writeQASection(b *strings.Builder, st *run.State) {
	verdicts, err := w.ldb.Verdicts(st.ID)
	if err != nil || len(verdicts) == 0 {
		return
	}

	b.WriteString("## QA History\n\n")
	for _, v := range verdicts {
		outcome := "rejected"
		if v.Passed {
			outcome = "passed"
		}
		fmt.Fprintf(b, "- %s attempt %d: %s", v.Stage, v.Iteration, outcome)
		if len(v.Issues) > 0 {
			fmt.Fprintf(b, " (%d issues)", len(v.Issues))
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

// WriteLog renders the run's full ledger history as workflow_log.txt in
// the run directory, one line per entry.
func (w *Writer) WriteLog(st *run.State) (string, error) {
	entries, err := w.ldb.History(st.ID)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s  %s\n", e.Timestamp, e.Format())
	}
	return w.store.WriteArtifact(st.ID, "workflow_log.txt", []byte(b.String()))
}

// writeFailure records the failure cause and the tail of the ledger.
func (w *Writer) writeFailure(b *strings.Builder, st *run.State) {
	b.WriteString("## Failure\n\n")
	if st.Error != "" {
		fmt.Fprintf(b, "```\n%s\n```\n\n", st.Error)
	}
	msgs, err := w.ldb.LastMessages(st.ID, failureContextLines)
	if err != nil || len(msgs) == 0 {
		return
	}
	b.WriteString("Recent activity:\n\n")
	b.WriteString("```\n")
	for _, m := range msgs {
		b.WriteString(m)
		b.WriteString("\n")
	}
	b.WriteString("```\n")
}
