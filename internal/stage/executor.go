package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/screenerlabs/research-pipeline/internal/ledger"
	"github.com/screenerlabs/research-pipeline/internal/llm"
	"github.com/screenerlabs/research-pipeline/internal/prompt"
	"github.com/screenerlabs/research-pipeline/internal/run"
)

// Executor runs single stage attempts against the generation service and
// records every one, success or failure, before returning.
type Executor struct {
	gen      llm.Generator
	store    *run.Store
	ldb      *ledger.DB
	timeout  time.Duration
	retries  int // immediate retries after a failed collaborator call
	progress io.Writer
}

// NewExecutor creates an Executor. timeout bounds each individual
// collaborator call; retries is how many immediate re-calls a transient
// error gets before the attempt is recorded with outcome error.
func NewExecutor(gen llm.Generator, store *run.Store, ldb *ledger.DB, timeout time.Duration, retries int) *Executor {
	if retries < 0 {
		retries = 0
	}
	return &Executor{gen: gen, store: store, ldb: ldb, timeout: timeout, retries: retries}
}

// SetProgress directs human-readable progress lines to w.
func (e *Executor) SetProgress(w io.Writer) {
	e.progress = w
}

func (e *Executor) logf(format string, args ...interface{}) {
	if e.progress != nil {
		fmt.Fprintf(e.progress, format+"\n", args...)
	}
}

// attemptContext is the structured context forwarded to the generation
// service: the program descriptor plus every prior stage output.
type attemptContext struct {
	Program run.Program                `json:"program"`
	Inputs  map[string]json.RawMessage `json:"inputs,omitempty"`
}

// Execute performs one attempt of a stage: build the request, call the
// generation service (with immediate retries for transient errors), and
// record the attempt. The attempt record is written before Execute returns
// on every path, including errors; a returned error means the attempt has
// outcome error and the stage cannot proceed.
func (e *Executor) Execute(ctx context.Context, def Definition, st *run.State, iteration int, priorIssues []string) (*run.Attempt, error) {
	instruction, err := prompt.Instruction(def.Template, prompt.Vars{
		"program_name": st.Program.Name,
		"state_code":   st.Program.StateCode,
		"white_label":  st.Program.WhiteLabel,
	})
	if err != nil {
		return nil, fmt.Errorf("render instruction for %s: %w", def.Name, err)
	}

	ctxPayload, err := json.Marshal(attemptContext{Program: st.Program, Inputs: st.Outputs})
	if err != nil {
		return nil, fmt.Errorf("marshal stage context: %w", err)
	}

	req := llm.GenerateRequest{
		ID:          uuid.NewString(),
		Stage:       string(def.Name),
		Instruction: instruction,
		Context:     ctxPayload,
		PriorIssues: priorIssues,
	}
	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal attempt input: %w", err)
	}

	e.logf("  %s: attempt %d", def.Name, iteration)
	output, callErr := e.callWithRetry(ctx, st.ID, def, iteration, req)

	att := &run.Attempt{
		RunID:     st.ID,
		Stage:     string(def.Name),
		Iteration: iteration,
		Input:     input,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if callErr != nil {
		att.Outcome = run.OutcomeError
		att.Error = callErr.Error()
	} else {
		att.Outcome = run.OutcomeOK
		att.Output = output
	}

	if err := e.store.SaveAttempt(att); err != nil {
		return nil, fmt.Errorf("save attempt: %w", err)
	}
	if err := e.ldb.Append(st.ID, ledger.EventAttemptRecorded, string(def.Name), iteration, att.Outcome); err != nil {
		return nil, err
	}

	if callErr != nil {
		return att, fmt.Errorf("stage %s iteration %d: %w", def.Name, iteration, callErr)
	}
	return att, nil
}

// callWithRetry invokes the generation service, retrying immediately on
// error up to e.retries times. Every failed call is recorded in the ledger
// before the retry decision is taken. Cancellation of ctx does not reach
// the call: an in-flight attempt completes or times out, and the
// orchestrator honours the cancellation at the next stage boundary.
func (e *Executor) callWithRetry(ctx context.Context, runID string, def Definition, iteration int, req llm.GenerateRequest) (json.RawMessage, error) {
	var lastErr error
	for try := 0; try <= e.retries; try++ {
		if try > 0 {
			if err := e.ldb.Append(runID, ledger.EventErrorRetry, string(def.Name), iteration, fmt.Sprintf("try=%d", try)); err != nil {
				return nil, err
			}
			e.logf("  %s: retrying after error", def.Name)
		}

		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
		out, err := e.gen.Generate(callCtx, req)
		cancel()

		if err == nil && (len(out) == 0 || !json.Valid(out)) {
			err = fmt.Errorf("malformed response from generation service")
		}
		if err == nil {
			return out, nil
		}

		lastErr = err
		if aerr := e.ldb.Append(runID, ledger.EventCollaboratorError, string(def.Name), iteration, err.Error()); aerr != nil {
			return nil, aerr
		}
	}
	return nil, lastErr
}
