package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/screenerlabs/research-pipeline/internal/config"
	"github.com/screenerlabs/research-pipeline/internal/ledger"
	"github.com/screenerlabs/research-pipeline/internal/llm"
	"github.com/screenerlabs/research-pipeline/internal/report"
	"github.com/screenerlabs/research-pipeline/internal/run"
	"github.com/screenerlabs/research-pipeline/internal/stage"
	"github.com/screenerlabs/research-pipeline/internal/ticket"
)

// fakeGen answers every generation call with a stage-tagged payload,
// records the order of calls, and can fail or trigger a hook per stage.
type fakeGen struct {
	mu     sync.Mutex
	calls  []string
	failOn map[string]bool
	after  func(stageName string)
}

func (g *fakeGen) Generate(ctx context.Context, req llm.GenerateRequest) (json.RawMessage, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req.Stage)
	g.mu.Unlock()
	if g.failOn[req.Stage] {
		return nil, fmt.Errorf("generation unavailable")
	}
	if g.after != nil {
		g.after(req.Stage)
	}
	return json.RawMessage(fmt.Sprintf(`{"stage":%q}`, req.Stage)), nil
}

func (g *fakeGen) callsFor(stageName string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c == stageName {
			n++
		}
	}
	return n
}

// fakeVal rejects the first rejectTimes[stage] judgments for a stage and
// passes afterwards.
type fakeVal struct {
	mu          sync.Mutex
	seen        map[string]int
	rejectTimes map[string]int
}

func (v *fakeVal) Validate(ctx context.Context, req llm.ValidateRequest) (json.RawMessage, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.seen == nil {
		v.seen = map[string]int{}
	}
	n := v.seen[req.Stage]
	v.seen[req.Stage]++
	if n < v.rejectTimes[req.Stage] {
		return json.RawMessage(fmt.Sprintf(`{"pass": false, "issues": ["issue %d for %s"]}`, n, req.Stage)), nil
	}
	return json.RawMessage(`{"pass": true, "issues": []}`), nil
}

type env struct {
	store *run.Store
	ldb   *ledger.DB
	gen   *fakeGen
	val   *fakeVal
	orc   *Orchestrator
}

func newEnv(t *testing.T, maxIters int, skip []string, gen *fakeGen, val *fakeVal) *env {
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

	pipeline := &config.Pipeline{MaxFixIterations: maxIters}
	exec := stage.NewExecutor(gen, store, ldb, time.Second, 0)
	gate := stage.NewGate(val, store, ldb, time.Second, 0)

	orc := New(Options{
		Store:      store,
		Ledger:     ldb,
		Executor:   exec,
		FixLoop:    stage.NewController(exec, gate, store, ldb),
		Stages:     stage.Registry(pipeline),
		SkipStages: skip,
		Reporter:   report.NewWriter(store, ldb),
		Sink:       ticket.NewFileSink(store),
	})
	return &env{store: store, ldb: ldb, gen: gen, val: val, orc: orc}
}

func testProgram() run.Program {
	return run.Program{Name: "Test Benefit", StateCode: "CA", WhiteLabel: "acme"}
}

func newTestRun(t *testing.T, e *env) *run.State {
	t.Helper()
	st, err := e.orc.NewRun(testProgram(), 2, 0)
	if err != nil {
		t.Fatalf("NewRun: %v", err)
	}
	return st
}

var allStages = []string{
	"gather_links",
	"read_screener_fields",
	"extract_criteria",
	"generate_tests",
	"convert_to_schema",
	"generate_config",
	"create_ticket",
}

func TestExecuteCleanRun(t *testing.T) {
	e := newEnv(t, 2, nil, &fakeGen{}, &fakeVal{})
	st := newTestRun(t, e)

	res, err := e.orc.Execute(context.Background(), st.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != run.StatusSucceeded {
		t.Fatalf("Status = %q, want succeeded", res.Status)
	}
	if len(res.Unresolved) != 0 {
		t.Errorf("Unresolved = %v, want none", res.Unresolved)
	}

	// Every stage ran exactly once, in order.
	if len(e.gen.calls) != len(allStages) {
		t.Fatalf("generation calls = %v, want one per stage", e.gen.calls)
	}
	for i, want := range allStages {
		if e.gen.calls[i] != want {
			t.Errorf("calls[%d] = %q, want %q", i, e.gen.calls[i], want)
		}
	}

	got, err := e.store.Get(st.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != run.StatusSucceeded {
		t.Errorf("persisted Status = %q", got.Status)
	}
	if got.CurrentStage != "done" {
		t.Errorf("CurrentStage = %q, want done", got.CurrentStage)
	}
	for _, name := range allStages {
		if got.StageResults[name].Resolution != run.ResolutionOK {
			t.Errorf("%s resolution = %q, want ok", name, got.StageResults[name].Resolution)
		}
		if string(got.Outputs[name]) != fmt.Sprintf(`{"stage":%q}`, name) {
			t.Errorf("%s output = %s", name, got.Outputs[name])
		}
	}

	// Terminal artifacts: summary and ticket bundle.
	if res.SummaryPath == "" {
		t.Fatal("SummaryPath should be set")
	}
	summary, err := os.ReadFile(res.SummaryPath)
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	if !strings.Contains(string(summary), "succeeded") {
		t.Errorf("summary does not mention status: %s", summary)
	}
	if _, err := os.Stat(filepath.Join(e.store.RunDir(st.ID), "ticket.json")); err != nil {
		t.Errorf("ticket bundle missing: %v", err)
	}
	logData, err := os.ReadFile(filepath.Join(e.store.RunDir(st.ID), "workflow_log.txt"))
	if err != nil {
		t.Fatalf("workflow log missing: %v", err)
	}
	if !strings.Contains(string(logData), ledger.EventRunSucceeded) {
		t.Error("workflow log should record the terminal event")
	}

	// Ledger shape: created, one start per stage, success at the end.
	entries, err := e.ldb.History(st.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if entries[0].Event != ledger.EventRunCreated {
		t.Errorf("first event = %q, want run_created", entries[0].Event)
	}
	if entries[len(entries)-1].Event != ledger.EventRunSucceeded {
		t.Errorf("last event = %q, want run_succeeded", entries[len(entries)-1].Event)
	}
	starts, _ := e.ldb.CountEvents(st.ID, ledger.EventStageStarted, "")
	if starts != len(allStages) {
		t.Errorf("stage_started events = %d, want %d", starts, len(allStages))
	}
}

// A stage that exhausts its fix loop leaves the run successful but flags
// the stage for manual review.
func TestExecuteExhaustionIsNotFailure(t *testing.T) {
	e := newEnv(t, 1, nil, &fakeGen{}, &fakeVal{rejectTimes: map[string]int{"generate_tests": 99}})
	st := newTestRun(t, e)

	res, err := e.orc.Execute(context.Background(), st.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != run.StatusSucceeded {
		t.Fatalf("Status = %q, want succeeded despite exhaustion", res.Status)
	}
	if len(res.Unresolved) != 1 || res.Unresolved[0] != "generate_tests" {
		t.Errorf("Unresolved = %v, want [generate_tests]", res.Unresolved)
	}

	// maxIters 1 means two attempts, then move on.
	if n := e.gen.callsFor("generate_tests"); n != 2 {
		t.Errorf("generate_tests calls = %d, want 2", n)
	}
	// Later stages still ran.
	if n := e.gen.callsFor("create_ticket"); n != 1 {
		t.Errorf("create_ticket calls = %d, want 1", n)
	}

	got, _ := e.store.Get(st.ID)
	gr := got.StageResults["generate_tests"]
	if gr.Resolution != run.ResolutionUnresolved {
		t.Errorf("resolution = %q, want unresolved", gr.Resolution)
	}
	if len(gr.OpenIssues) == 0 {
		t.Error("OpenIssues should carry the final verdict's issues")
	}
	// The last output is kept even though QA never passed it.
	if len(got.Outputs["generate_tests"]) == 0 {
		t.Error("unresolved stage output should be kept")
	}

	summary, err := os.ReadFile(res.SummaryPath)
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	if !strings.Contains(string(summary), "Needs Manual Review") {
		t.Error("summary should flag unresolved stages for review")
	}
}

func TestExecuteTerminalFailure(t *testing.T) {
	e := newEnv(t, 2, nil, &fakeGen{failOn: map[string]bool{"extract_criteria": true}}, &fakeVal{})
	st := newTestRun(t, e)

	res, err := e.orc.Execute(context.Background(), st.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != run.StatusFailed {
		t.Fatalf("Status = %q, want failed", res.Status)
	}
	if res.FailedStage != "extract_criteria" {
		t.Errorf("FailedStage = %q", res.FailedStage)
	}

	// Stages after the failure never ran.
	if n := e.gen.callsFor("generate_tests"); n != 0 {
		t.Errorf("generate_tests calls = %d, want 0", n)
	}

	got, _ := e.store.Get(st.ID)
	if got.Status != run.StatusFailed {
		t.Errorf("persisted Status = %q", got.Status)
	}
	if got.Error == "" {
		t.Error("run Error should carry the cause")
	}
	if got.StageResults["extract_criteria"].Resolution != run.ResolutionError {
		t.Errorf("resolution = %q, want error", got.StageResults["extract_criteria"].Resolution)
	}

	// The failure entry carries recent ledger context, and the summary is
	// written on this path too.
	entries, _ := e.ldb.History(st.ID)
	last := entries[len(entries)-1]
	if last.Event != ledger.EventRunFailed {
		t.Errorf("last event = %q, want run_failed", last.Event)
	}
	if !strings.Contains(last.Detail, "recent:") {
		t.Errorf("run_failed detail = %q, want recent ledger context", last.Detail)
	}
	summary, err := os.ReadFile(res.SummaryPath)
	if err != nil {
		t.Fatalf("read summary after failure: %v", err)
	}
	if !strings.Contains(string(summary), "Failure") {
		t.Error("summary should include the failure section")
	}
}

func TestExecuteSkipsConfiguredStages(t *testing.T) {
	e := newEnv(t, 2, []string{"generate_config", "create_ticket"}, &fakeGen{}, &fakeVal{})
	st := newTestRun(t, e)

	res, err := e.orc.Execute(context.Background(), st.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != run.StatusSucceeded {
		t.Fatalf("Status = %q, want succeeded", res.Status)
	}

	if n := e.gen.callsFor("generate_config"); n != 0 {
		t.Errorf("generate_config calls = %d, want 0", n)
	}
	got, _ := e.store.Get(st.ID)
	if got.StageResults["generate_config"].Resolution != run.ResolutionSkipped {
		t.Errorf("generate_config resolution = %q, want skipped", got.StageResults["generate_config"].Resolution)
	}
	skips, _ := e.ldb.CountEvents(st.ID, ledger.EventStageSkipped, "")
	if skips != 2 {
		t.Errorf("stage_skipped events = %d, want 2", skips)
	}
}

// Cancellation between stages leaves the run running and resumable; the
// resumed run picks up at the next incomplete stage without re-invoking
// completed ones.
func TestExecuteCancelAndResume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gen := &fakeGen{after: func(stageName string) {
		if stageName == "read_screener_fields" {
			cancel()
		}
	}}
	e := newEnv(t, 2, nil, gen, &fakeVal{})
	st := newTestRun(t, e)

	_, err := e.orc.Execute(ctx, st.ID)
	if err == nil {
		t.Fatal("expected context error from cancelled run")
	}

	got, _ := e.store.Get(st.ID)
	if got.Status != run.StatusRunning {
		t.Fatalf("Status = %q, want running after cancellation", got.Status)
	}
	if len(got.StageResults) != 2 {
		t.Fatalf("StageResults = %d entries, want 2", len(got.StageResults))
	}
	if n, _ := e.ldb.CountEvents(st.ID, ledger.EventRunCancelled, ""); n != 1 {
		t.Errorf("run_cancelled events = %d, want 1", n)
	}

	gen.after = nil
	res, err := e.orc.Execute(context.Background(), st.ID)
	if err != nil {
		t.Fatalf("resume Execute: %v", err)
	}
	if res.Status != run.StatusSucceeded {
		t.Fatalf("resumed Status = %q, want succeeded", res.Status)
	}

	// Completed stages were not re-invoked.
	if n := gen.callsFor("gather_links"); n != 1 {
		t.Errorf("gather_links calls = %d, want 1 across both executions", n)
	}
	if n := gen.callsFor("read_screener_fields"); n != 1 {
		t.Errorf("read_screener_fields calls = %d, want 1 across both executions", n)
	}
	if n, _ := e.ldb.CountEvents(st.ID, ledger.EventRunResumed, ""); n != 1 {
		t.Errorf("run_resumed events = %d, want 1", n)
	}
}

// Cancellation arriving while a gated stage has a call in flight: the
// stage finishes its fix loop, the run is left running (never failed), and
// a later invocation resumes past the completed stage.
func TestCancelDuringGatedStageStaysResumable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gen := &fakeGen{after: func(stageName string) {
		if stageName == "extract_criteria" {
			cancel()
		}
	}}
	val := &fakeVal{rejectTimes: map[string]int{"extract_criteria": 1}}
	e := newEnv(t, 2, nil, gen, val)
	st := newTestRun(t, e)

	_, err := e.orc.Execute(ctx, st.ID)
	if err == nil {
		t.Fatal("expected context error from cancelled run")
	}

	got, _ := e.store.Get(st.ID)
	if got.Status != run.StatusRunning {
		t.Fatalf("Status = %q, want running (mid-call cancellation must not fail the run)", got.Status)
	}
	// The in-flight stage completed, fix round included.
	gr := got.StageResults["extract_criteria"]
	if gr.Resolution != run.ResolutionOK {
		t.Errorf("extract_criteria resolution = %q, want ok", gr.Resolution)
	}
	if gr.Iterations != 2 {
		t.Errorf("extract_criteria iterations = %d, want 2", gr.Iterations)
	}
	if n := gen.callsFor("generate_tests"); n != 0 {
		t.Errorf("generate_tests calls = %d, want 0 before resume", n)
	}

	gen.after = nil
	res, err := e.orc.Execute(context.Background(), st.ID)
	if err != nil {
		t.Fatalf("resume Execute: %v", err)
	}
	if res.Status != run.StatusSucceeded {
		t.Fatalf("resumed Status = %q, want succeeded", res.Status)
	}
	if n := gen.callsFor("extract_criteria"); n != 2 {
		t.Errorf("extract_criteria calls = %d across both executions, want 2", n)
	}
}

func TestExecuteTerminalRunIsNoOp(t *testing.T) {
	e := newEnv(t, 2, nil, &fakeGen{}, &fakeVal{})
	st := newTestRun(t, e)

	if _, err := e.orc.Execute(context.Background(), st.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	callsAfterFirst := len(e.gen.calls)

	res, err := e.orc.Execute(context.Background(), st.ID)
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if res.Status != run.StatusSucceeded {
		t.Errorf("Status = %q, want succeeded", res.Status)
	}
	if len(e.gen.calls) != callsAfterFirst {
		t.Errorf("second Execute made %d new calls, want 0", len(e.gen.calls)-callsAfterFirst)
	}
}

func TestNewRunValidatesProgram(t *testing.T) {
	e := newEnv(t, 2, nil, &fakeGen{}, &fakeVal{})

	if _, err := e.orc.NewRun(run.Program{Name: "No State"}, 2, 0); err == nil {
		t.Fatal("expected error for incomplete program")
	}
}
