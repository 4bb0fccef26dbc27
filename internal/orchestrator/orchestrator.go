// Package orchestrator walks a run through the fixed stage sequence,
// persisting state after every stage so an interrupted run resumes exactly
// where it stopped. It decides nothing about content; stages and the QA
// gate own that.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/screenerlabs/research-pipeline/internal/ledger"
	"github.com/screenerlabs/research-pipeline/internal/report"
	"github.com/screenerlabs/research-pipeline/internal/run"
	"github.com/screenerlabs/research-pipeline/internal/stage"
	"github.com/screenerlabs/research-pipeline/internal/ticket"
)

// Orchestrator executes runs.
type Orchestrator struct {
	store  *run.Store
	ldb    *ledger.DB
	exec   *stage.Executor
	fixer  *stage.Controller
	stages []stage.Definition
	skip   map[string]bool
	report *report.Writer
	sink   ticket.Sink
	log    *slog.Logger
}

// Options wires an Orchestrator together.
type Options struct {
	Store      *run.Store
	Ledger     *ledger.DB
	Executor   *stage.Executor
	FixLoop    *stage.Controller
	Stages     []stage.Definition
	SkipStages []string
	Reporter   *report.Writer
	Sink       ticket.Sink
	Logger     *slog.Logger
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	skip := make(map[string]bool, len(opts.SkipStages))
	for _, name := range opts.SkipStages {
		skip[name] = true
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		store:  opts.Store,
		ldb:    opts.Ledger,
		exec:   opts.Executor,
		fixer:  opts.FixLoop,
		stages: opts.Stages,
		skip:   skip,
		report: opts.Reporter,
		sink:   opts.Sink,
		log:    log,
	}
}

// Result describes how Execute left a run.
type Result struct {
	RunID       string
	Status      string
	Unresolved  []string // stages that exhausted their fix loop
	FailedStage string
	Err         string
	SummaryPath string
}

// NewRun initialises a run for a program and records its creation.
func (o *Orchestrator) NewRun(p run.Program, maxIterations int, errorRetries int) (*run.State, error) {
	if p.Name == "" || p.StateCode == "" || p.WhiteLabel == "" {
		return nil, fmt.Errorf("program needs name, state code and white label")
	}

	id := run.NewRunID(p, time.Now())
	st, err := o.store.Create(run.CreateOpts{
		ID:            id,
		Program:       p,
		FirstStage:    string(o.stages[0].Name),
		MaxIterations: maxIterations,
		ErrorRetries:  errorRetries,
	})
	if err != nil {
		return nil, err
	}
	if err := o.ldb.Append(id, ledger.EventRunCreated, "", 0, p.Name); err != nil {
		return nil, err
	}
	o.log.Info("run created", "run", id, "program", p.Name)
	return st, nil
}

// Execute drives a run from its current position to a terminal state,
// stage by stage. Completed stages are never re-executed; cancellation is
// honoured at stage boundaries and leaves the run resumable.
func (o *Orchestrator) Execute(ctx context.Context, runID string) (*Result, error) {
	st, err := o.store.Get(runID)
	if err != nil {
		return nil, err
	}
	if st.Status != run.StatusRunning {
		return o.result(st), nil
	}

	if len(st.StageResults) > 0 {
		if err := o.ldb.Append(runID, ledger.EventRunResumed, st.CurrentStage, 0, ""); err != nil {
			return nil, err
		}
		o.log.Info("run resumed", "run", runID, "stage", st.CurrentStage)
	}

	for _, def := range o.stages {
		name := string(def.Name)

		if res, done := st.StageResults[name]; done && res.Resolution != run.ResolutionError {
			continue
		}

		if err := ctx.Err(); err != nil {
			// The run stays "running" and resumes from this stage.
			if aerr := o.ldb.Append(runID, ledger.EventRunCancelled, name, 0, err.Error()); aerr != nil {
				return nil, aerr
			}
			o.log.Info("run cancelled", "run", runID, "stage", name)
			return nil, err
		}

		if def.Skippable && o.skip[name] {
			if err := o.recordStage(st, name, run.StageResult{Resolution: run.ResolutionSkipped}, nil); err != nil {
				return nil, err
			}
			if err := o.ldb.Append(runID, ledger.EventStageSkipped, name, 0, ""); err != nil {
				return nil, err
			}
			continue
		}

		if err := o.ldb.Append(runID, ledger.EventStageStarted, name, 0, ""); err != nil {
			return nil, err
		}
		o.log.Info("stage started", "run", runID, "stage", name)

		var output json.RawMessage
		var res run.StageResult

		if def.QAGated {
			out, resolution, err := o.fixer.RunWithFixes(ctx, def, st)
			if err != nil {
				return o.fail(st, name, err)
			}
			output = out
			res = run.StageResult{
				Resolution: resolution.Status,
				Iterations: resolution.Iterations,
				OpenIssues: resolution.OpenIssues,
			}
		} else {
			att, err := o.exec.Execute(ctx, def, st, 0, nil)
			if err != nil {
				return o.fail(st, name, err)
			}
			if err := o.ldb.Append(runID, ledger.EventStageResolved, name, 0, "iterations=1"); err != nil {
				return nil, err
			}
			output = att.Output
			res = run.StageResult{Resolution: run.ResolutionOK, Iterations: 1}
		}

		if err := o.recordStage(st, name, res, output); err != nil {
			return nil, err
		}
	}

	if err := o.store.Update(runID, func(s *run.State) {
		s.Status = run.StatusSucceeded
		s.CurrentStage = "done"
	}); err != nil {
		return nil, err
	}
	if err := o.ldb.Append(runID, ledger.EventRunSucceeded, "", 0, ""); err != nil {
		return nil, err
	}
	o.log.Info("run succeeded", "run", runID)

	st, err = o.store.Get(runID)
	if err != nil {
		return nil, err
	}
	summaryPath, err := o.report.Write(st, o.stageNames())
	if err != nil {
		return nil, fmt.Errorf("write summary: %w", err)
	}
	if _, err := o.report.WriteLog(st); err != nil {
		return nil, fmt.Errorf("write workflow log: %w", err)
	}
	if o.sink != nil {
		if err := o.sink.Deliver(st, summaryPath); err != nil {
			return nil, fmt.Errorf("deliver ticket bundle: %w", err)
		}
	}

	r := o.result(st)
	r.SummaryPath = summaryPath
	return r, nil
}

// recordStage persists a stage's result and output and advances the run's
// current stage, keeping the in-memory state in step with disk.
func (o *Orchestrator) recordStage(st *run.State, name string, res run.StageResult, output json.RawMessage) error {
	next := o.nextStage(name)
	if err := o.store.Update(st.ID, func(s *run.State) {
		s.StageResults[name] = res
		if output != nil {
			s.Outputs[name] = output
		}
		s.CurrentStage = next
	}); err != nil {
		return fmt.Errorf("record stage %s: %w", name, err)
	}
	st.StageResults[name] = res
	if output != nil {
		st.Outputs[name] = output
	}
	st.CurrentStage = next
	return nil
}

// fail marks the run failed. The failure ledger entry carries the cause
// and the recent ledger tail, and is written before the state transition;
// the summary is written even on this path.
func (o *Orchestrator) fail(st *run.State, stageName string, cause error) (*Result, error) {
	msgs, merr := o.ldb.LastMessages(st.ID, 15)
	detail := cause.Error()
	if merr == nil && len(msgs) > 0 {
		detail += " | recent: " + strings.Join(msgs, "; ")
	}
	if err := o.ldb.Append(st.ID, ledger.EventRunFailed, stageName, 0, detail); err != nil {
		return nil, err
	}

	if err := o.store.Update(st.ID, func(s *run.State) {
		s.Status = run.StatusFailed
		s.Error = cause.Error()
		s.StageResults[stageName] = run.StageResult{
			Resolution: run.ResolutionError,
			Error:      cause.Error(),
		}
	}); err != nil {
		return nil, err
	}
	o.log.Error("run failed", "run", st.ID, "stage", stageName, "error", cause)

	st, err := o.store.Get(st.ID)
	if err != nil {
		return nil, err
	}
	summaryPath, err := o.report.Write(st, o.stageNames())
	if err != nil {
		return nil, fmt.Errorf("write summary: %w", err)
	}
	if _, err := o.report.WriteLog(st); err != nil {
		return nil, fmt.Errorf("write workflow log: %w", err)
	}

	r := o.result(st)
	r.FailedStage = stageName
	r.SummaryPath = summaryPath
	return r, nil
}

func (o *Orchestrator) result(st *run.State) *Result {
	r := &Result{RunID: st.ID, Status: st.Status, Err: st.Error}
	for _, def := range o.stages {
		if res, ok := st.StageResults[string(def.Name)]; ok {
			switch res.Resolution {
			case run.ResolutionUnresolved:
				r.Unresolved = append(r.Unresolved, string(def.Name))
			case run.ResolutionError:
				r.FailedStage = string(def.Name)
			}
		}
	}
	return r
}

func (o *Orchestrator) nextStage(current string) string {
	for i, def := range o.stages {
		if string(def.Name) == current {
			if i+1 < len(o.stages) {
				return string(o.stages[i+1].Name)
			}
			return "done"
		}
	}
	return "done"
}

func (o *Orchestrator) stageNames() []string {
	names := make([]string, len(o.stages))
	for i, def := range o.stages {
		names[i] = string(def.Name)
	}
	return names
}
