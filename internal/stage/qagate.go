package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/screenerlabs/research-pipeline/internal/ledger"
	"github.com/screenerlabs/research-pipeline/internal/llm"
	"github.com/screenerlabs/research-pipeline/internal/run"
)

// Gate judges stage attempts through the validation service. Every verdict
// is persisted to the run store and the ledger before the caller sees it;
// the retry/resolve decision downstream always has its record on disk first.
type Gate struct {
	val     llm.Validator
	store   *run.Store
	ldb     *ledger.DB
	timeout time.Duration
	retries int
}

// NewGate creates a Gate with the same timeout/retry discipline as the
// executor.
func NewGate(val llm.Validator, store *run.Store, ldb *ledger.DB, timeout time.Duration, retries int) *Gate {
	if retries < 0 {
		retries = 0
	}
	return &Gate{val: val, store: store, ldb: ldb, timeout: timeout, retries: retries}
}

// Judge validates one attempt's output. A collaborator error after retries
// is returned as an error (terminal for the run); an unparseable judgment
// is not an error but a failing verdict.
func (g *Gate) Judge(ctx context.Context, def Definition, st *run.State, iteration int, output json.RawMessage) (*run.Verdict, error) {
	srcCtx, err := json.Marshal(attemptContext{Program: st.Program, Inputs: st.Outputs})
	if err != nil {
		return nil, fmt.Errorf("marshal source context: %w", err)
	}

	req := llm.ValidateRequest{
		ID:            uuid.NewString(),
		Stage:         string(def.Name),
		Output:        output,
		SourceContext: srcCtx,
	}

	raw, err := g.callWithRetry(ctx, st.ID, def, iteration, req)
	if err != nil {
		return nil, fmt.Errorf("qa gate for %s iteration %d: %w", def.Name, iteration, err)
	}

	v := ParseVerdict(string(def.Name), iteration, raw)

	if err := g.store.SaveVerdict(st.ID, v); err != nil {
		return nil, fmt.Errorf("save verdict: %w", err)
	}
	if err := g.ldb.RecordVerdict(st.ID, v.Stage, v.Iteration, v.Pass, v.Issues, v.Raw); err != nil {
		return nil, err
	}
	detail := fmt.Sprintf("pass=%t issues=%d", v.Pass, len(v.Issues))
	if err := g.ldb.Append(st.ID, ledger.EventQAVerdict, v.Stage, v.Iteration, detail); err != nil {
		return nil, err
	}
	return v, nil
}

func (g *Gate) callWithRetry(ctx context.Context, runID string, def Definition, iteration int, req llm.ValidateRequest) (json.RawMessage, error) {
	var lastErr error
	for try := 0; try <= g.retries; try++ {
		if try > 0 {
			if err := g.ldb.Append(runID, ledger.EventErrorRetry, string(def.Name), iteration, fmt.Sprintf("qa try=%d", try)); err != nil {
				return nil, err
			}
		}

		// Like the executor, an in-flight judgment completes or times
		// out; cancellation is a stage-boundary concern.
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
		out, err := g.val.Validate(callCtx, req)
		cancel()

		if err == nil {
			return out, nil
		}

		lastErr = err
		if aerr := g.ldb.Append(runID, ledger.EventCollaboratorError, string(def.Name), iteration, "qa: "+err.Error()); aerr != nil {
			return nil, aerr
		}
	}
	return nil, lastErr
}
