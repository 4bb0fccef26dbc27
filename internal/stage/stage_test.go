package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/screenerlabs/research-pipeline/internal/ledger"
	"github.com/screenerlabs/research-pipeline/internal/llm"
	"github.com/screenerlabs/research-pipeline/internal/run"
)

// stubGen scripts the generation service: one response or error per call.
type stubGen struct {
	calls     int
	responses []stubResponse
	lastReq   llm.GenerateRequest
	ctxErrs   []error // ctx.Err() observed on each call
}

type stubResponse struct {
	out json.RawMessage
	err error
}

func (g *stubGen) Generate(ctx context.Context, req llm.GenerateRequest) (json.RawMessage, error) {
	g.lastReq = req
	g.ctxErrs = append(g.ctxErrs, ctx.Err())
	if g.calls >= len(g.responses) {
		return nil, fmt.Errorf("unscripted generate call %d", g.calls)
	}
	r := g.responses[g.calls]
	g.calls++
	return r.out, r.err
}

// stubVal scripts the validation service the same way.
type stubVal struct {
	calls     int
	responses []stubResponse
}

func (v *stubVal) Validate(ctx context.Context, req llm.ValidateRequest) (json.RawMessage, error) {
	if v.calls >= len(v.responses) {
		return nil, fmt.Errorf("unscripted validate call %d", v.calls)
	}
	r := v.responses[v.calls]
	v.calls++
	return r.out, r.err
}

func ok(body string) stubResponse {
	return stubResponse{out: json.RawMessage(body)}
}

func fail(msg string) stubResponse {
	return stubResponse{err: fmt.Errorf("%s", msg)}
}

// rig bundles the store, ledger and a run for stage tests.
type rig struct {
	store *run.Store
	ldb   *ledger.DB
	st    *run.State
}

func newRig(t *testing.T, maxIters int) *rig {
	t.Helper()
	store := run.NewStore(t.TempDir())
	ldb, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { ldb.Close() })
	if err := ldb.Migrate(); err != nil {
		t.Fatalf("migrate ledger: %v", err)
	}

	st, err := store.Create(run.CreateOpts{
		ID: "test-run",
		Program: run.Program{
			Name:       "Test Benefit",
			StateCode:  "CA",
			WhiteLabel: "acme",
		},
		FirstStage:    "gather_links",
		MaxIterations: maxIters,
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return &rig{store: store, ldb: ldb, st: st}
}

func gatedDef(maxIters int) Definition {
	return Definition{Name: ExtractCriteria, Template: string(ExtractCriteria), QAGated: true, MaxFixIters: maxIters}
}

func countEvents(t *testing.T, r *rig, event, stage string) int {
	t.Helper()
	n, err := r.ldb.CountEvents(r.st.ID, event, stage)
	if err != nil {
		t.Fatalf("CountEvents: %v", err)
	}
	return n
}

func TestExecuteRecordsAttempt(t *testing.T) {
	r := newRig(t, 3)
	gen := &stubGen{responses: []stubResponse{ok(`{"criteria":[]}`)}}
	exec := NewExecutor(gen, r.store, r.ldb, time.Second, 0)

	att, err := exec.Execute(context.Background(), gatedDef(3), r.st, 0, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if att.Outcome != run.OutcomeOK {
		t.Errorf("Outcome = %q, want ok", att.Outcome)
	}
	if string(att.Output) != `{"criteria":[]}` {
		t.Errorf("Output = %s", att.Output)
	}

	// The attempt must be on disk with its full input snapshot.
	got, err := r.store.GetAttempt(r.st.ID, "extract_criteria", 0)
	if err != nil {
		t.Fatalf("GetAttempt: %v", err)
	}
	var req llm.GenerateRequest
	if err := json.Unmarshal(got.Input, &req); err != nil {
		t.Fatalf("unmarshal input: %v", err)
	}
	if req.ID == "" {
		t.Error("request ID should not be empty")
	}
	if req.Stage != "extract_criteria" {
		t.Errorf("request Stage = %q", req.Stage)
	}
	if req.Instruction == "" {
		t.Error("request Instruction should not be empty")
	}

	if n := countEvents(t, r, ledger.EventAttemptRecorded, "extract_criteria"); n != 1 {
		t.Errorf("attempt_recorded events = %d, want 1", n)
	}
}

func TestExecutePassesPriorIssuesVerbatim(t *testing.T) {
	r := newRig(t, 3)
	gen := &stubGen{responses: []stubResponse{ok(`{}`)}}
	exec := NewExecutor(gen, r.store, r.ldb, time.Second, 0)

	issues := []string{"cite the income threshold", "map the age field"}
	if _, err := exec.Execute(context.Background(), gatedDef(3), r.st, 0, issues); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(gen.lastReq.PriorIssues) != 2 || gen.lastReq.PriorIssues[0] != issues[0] {
		t.Errorf("PriorIssues = %v, want %v", gen.lastReq.PriorIssues, issues)
	}
}

func TestExecuteErrorRetrySucceeds(t *testing.T) {
	r := newRig(t, 3)
	gen := &stubGen{responses: []stubResponse{fail("connection reset"), ok(`{"ok":true}`)}}
	exec := NewExecutor(gen, r.store, r.ldb, time.Second, 1)

	att, err := exec.Execute(context.Background(), gatedDef(3), r.st, 0, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if att.Outcome != run.OutcomeOK {
		t.Errorf("Outcome = %q, want ok after retry", att.Outcome)
	}
	if gen.calls != 2 {
		t.Errorf("generate calls = %d, want 2", gen.calls)
	}

	// One attempt record despite two calls; the retry shows up in the
	// ledger instead.
	attempts, err := r.store.ListAttempts(r.st.ID, "extract_criteria")
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	if len(attempts) != 1 {
		t.Errorf("attempts = %d, want 1", len(attempts))
	}
	if n := countEvents(t, r, ledger.EventCollaboratorError, "extract_criteria"); n != 1 {
		t.Errorf("collaborator_error events = %d, want 1", n)
	}
	if n := countEvents(t, r, ledger.EventErrorRetry, "extract_criteria"); n != 1 {
		t.Errorf("error_retry events = %d, want 1", n)
	}
}

func TestExecuteErrorRetriesExhausted(t *testing.T) {
	r := newRig(t, 3)
	gen := &stubGen{responses: []stubResponse{fail("boom"), fail("boom again")}}
	exec := NewExecutor(gen, r.store, r.ldb, time.Second, 1)

	att, err := exec.Execute(context.Background(), gatedDef(3), r.st, 0, nil)
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if att == nil || att.Outcome != run.OutcomeError {
		t.Fatalf("attempt = %+v, want recorded with outcome error", att)
	}
	if att.Error == "" {
		t.Error("attempt Error should carry the cause")
	}

	got, gerr := r.store.GetAttempt(r.st.ID, "extract_criteria", 0)
	if gerr != nil {
		t.Fatalf("GetAttempt: %v", gerr)
	}
	if got.Outcome != run.OutcomeError {
		t.Errorf("persisted Outcome = %q, want error", got.Outcome)
	}
	if n := countEvents(t, r, ledger.EventCollaboratorError, "extract_criteria"); n != 2 {
		t.Errorf("collaborator_error events = %d, want 2", n)
	}
}

// An interrupt while a call is in flight must not abort the attempt: the
// call runs to completion (or its own timeout), retries included, and the
// cancellation is left for the stage boundary to honour. A mid-call Ctrl-C
// must never turn into a failed, unresumable run.
func TestExecuteCompletesAfterCancellation(t *testing.T) {
	r := newRig(t, 3)
	gen := &stubGen{responses: []stubResponse{fail("connection reset"), ok(`{"ok":true}`)}}
	exec := NewExecutor(gen, r.store, r.ldb, time.Second, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	att, err := exec.Execute(ctx, gatedDef(3), r.st, 0, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if att.Outcome != run.OutcomeOK {
		t.Errorf("Outcome = %q, want ok despite cancelled run context", att.Outcome)
	}
	if gen.calls != 2 {
		t.Errorf("generate calls = %d, want 2 (retry still happens)", gen.calls)
	}
	// The call context must not carry the run's cancellation.
	for i, cerr := range gen.ctxErrs {
		if cerr != nil {
			t.Errorf("call %d saw ctx error %v, want none", i, cerr)
		}
	}
}

func TestExecuteMalformedOutputIsError(t *testing.T) {
	r := newRig(t, 3)
	gen := &stubGen{responses: []stubResponse{ok(`not json`)}}
	exec := NewExecutor(gen, r.store, r.ldb, time.Second, 0)

	_, err := exec.Execute(context.Background(), gatedDef(3), r.st, 0, nil)
	if err == nil {
		t.Fatal("expected error for malformed generation output")
	}
	got, gerr := r.store.GetAttempt(r.st.ID, "extract_criteria", 0)
	if gerr != nil {
		t.Fatalf("GetAttempt: %v", gerr)
	}
	if got.Outcome != run.OutcomeError {
		t.Errorf("Outcome = %q, want error", got.Outcome)
	}
}

func TestGateJudgePersistsBeforeReturning(t *testing.T) {
	r := newRig(t, 3)
	val := &stubVal{responses: []stubResponse{ok(`{"pass": false, "issues": ["needs citations"]}`)}}
	gate := NewGate(val, r.store, r.ldb, time.Second, 0)

	v, err := gate.Judge(context.Background(), gatedDef(3), r.st, 0, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Judge: %v", err)
	}
	if v.Pass {
		t.Error("Pass = true, want false")
	}

	stored, err := r.store.GetVerdict(r.st.ID, "extract_criteria", 0)
	if err != nil {
		t.Fatalf("GetVerdict: %v", err)
	}
	if stored.Pass || len(stored.Issues) != 1 {
		t.Errorf("stored verdict = %+v", stored)
	}

	rows, err := r.ldb.Verdicts(r.st.ID)
	if err != nil {
		t.Fatalf("Verdicts: %v", err)
	}
	if len(rows) != 1 || rows[0].Passed {
		t.Errorf("ledger verdicts = %+v", rows)
	}
	if n := countEvents(t, r, ledger.EventQAVerdict, "extract_criteria"); n != 1 {
		t.Errorf("qa_verdict events = %d, want 1", n)
	}
}

func TestGateUnparseableJudgmentFailsSafe(t *testing.T) {
	r := newRig(t, 3)
	val := &stubVal{responses: []stubResponse{ok(`"I think it looks fine"`)}}
	gate := NewGate(val, r.store, r.ldb, time.Second, 0)

	v, err := gate.Judge(context.Background(), gatedDef(3), r.st, 0, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Judge: %v", err)
	}
	if v.Pass {
		t.Error("unparseable judgment must not pass")
	}
	if len(v.Issues) != 1 || v.Issues[0] != unparseableIssue {
		t.Errorf("Issues = %v, want synthetic issue", v.Issues)
	}
}

// Validators must be idempotent: the same output judged twice yields the
// same verdict. The gate preserves that through parsing and persistence.
func TestGateIdempotentJudgments(t *testing.T) {
	r := newRig(t, 3)
	judgment := `{"pass": false, "issues": ["same issue every time"]}`
	val := &stubVal{responses: []stubResponse{ok(judgment), ok(judgment)}}
	gate := NewGate(val, r.store, r.ldb, time.Second, 0)

	output := json.RawMessage(`{"criteria":[]}`)
	v0, err := gate.Judge(context.Background(), gatedDef(3), r.st, 0, output)
	if err != nil {
		t.Fatalf("Judge 0: %v", err)
	}
	v1, err := gate.Judge(context.Background(), gatedDef(3), r.st, 1, output)
	if err != nil {
		t.Fatalf("Judge 1: %v", err)
	}

	if v0.Pass != v1.Pass {
		t.Errorf("Pass differs across identical judgments: %t vs %t", v0.Pass, v1.Pass)
	}
	if len(v0.Issues) != len(v1.Issues) || v0.Issues[0] != v1.Issues[0] {
		t.Errorf("Issues differ across identical judgments: %v vs %v", v0.Issues, v1.Issues)
	}
	if v0.Raw != v1.Raw {
		t.Errorf("Raw differs across identical judgments")
	}
}

func TestGateCollaboratorErrorIsTerminal(t *testing.T) {
	r := newRig(t, 3)
	val := &stubVal{responses: []stubResponse{fail("qa service down"), fail("still down")}}
	gate := NewGate(val, r.store, r.ldb, time.Second, 1)

	_, err := gate.Judge(context.Background(), gatedDef(3), r.st, 0, json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected error when validation service keeps failing")
	}
	if val.calls != 2 {
		t.Errorf("validate calls = %d, want 2", val.calls)
	}
}
