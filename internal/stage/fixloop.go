package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/screenerlabs/research-pipeline/internal/ledger"
	"github.com/screenerlabs/research-pipeline/internal/run"
)

// Resolution says how a stage finished under the fix loop.
type Resolution struct {
	Status     string // run.ResolutionOK or run.ResolutionUnresolved
	Iterations int    // attempts made
	OpenIssues []string
}

// Controller drives the fix loop for QA-gated stages: attempt, judge,
// then resolve, retry with the issue list, or give up once the bound is
// exhausted. Exhaustion is not failure; the stage is left unresolved with
// its open issues and the run moves on.
type Controller struct {
	exec  *Executor
	gate  *Gate
	store *run.Store
	ldb   *ledger.DB
}

// NewController creates a Controller.
func NewController(exec *Executor, gate *Gate, store *run.Store, ldb *ledger.DB) *Controller {
	return &Controller{exec: exec, gate: gate, store: store, ldb: ldb}
}

// RunWithFixes executes a QA-gated stage to resolution or exhaustion.
// Iteration numbers run 0..MaxFixIters, so the stage gets at most
// MaxFixIters+1 attempts. The returned output is the last attempt's output
// even when unresolved. A returned error means a collaborator call failed
// terminally; the attempt record for it is already on disk.
func (c *Controller) RunWithFixes(ctx context.Context, def Definition, st *run.State) (json.RawMessage, *Resolution, error) {
	var issues []string
	for iteration := 0; ; iteration++ {
		att, err := c.exec.Execute(ctx, def, st, iteration, issues)
		if err != nil {
			return nil, nil, err
		}

		v, err := c.gate.Judge(ctx, def, st, iteration, att.Output)
		if err != nil {
			return nil, nil, err
		}

		if v.Pass {
			detail := fmt.Sprintf("iterations=%d", iteration+1)
			if err := c.ldb.Append(st.ID, ledger.EventStageResolved, string(def.Name), iteration, detail); err != nil {
				return nil, nil, err
			}
			return att.Output, &Resolution{Status: run.ResolutionOK, Iterations: iteration + 1}, nil
		}

		if err := c.store.MarkAttemptQARejected(st.ID, string(def.Name), iteration); err != nil {
			return nil, nil, err
		}

		if iteration < def.MaxFixIters {
			detail := fmt.Sprintf("issues=%d", len(v.Issues))
			if err := c.ldb.Append(st.ID, ledger.EventFixRetry, string(def.Name), iteration, detail); err != nil {
				return nil, nil, err
			}
			issues = v.Issues
			continue
		}

		detail := fmt.Sprintf("open issues after %d attempts: %s", iteration+1, strings.Join(v.Issues, "; "))
		if err := c.ldb.Append(st.ID, ledger.EventStageUnresolved, string(def.Name), iteration, detail); err != nil {
			return nil, nil, err
		}
		return att.Output, &Resolution{
			Status:     run.ResolutionUnresolved,
			Iterations: iteration + 1,
			OpenIssues: v.Issues,
		}, nil
	}
}
