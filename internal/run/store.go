package run

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Store manages run state on disk. Each run owns a directory holding its
// run.json, every stage attempt and QA verdict, and final artifacts; the
// layout is the durable audit trail the orchestrator resumes from.
type Store struct {
	baseDir string // defaults to ~/.research-pipeline/runs
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// DefaultStore returns a Store at ~/.research-pipeline/runs, creating the
// directory if needed.
func DefaultStore() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".research-pipeline", "runs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &Store{baseDir: dir}, nil
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// RunDir returns the directory owned by a run.
func (s *Store) RunDir(id string) string {
	return filepath.Join(s.baseDir, id)
}

func (s *Store) statePath(id string) string {
	return filepath.Join(s.RunDir(id), "run.json")
}

func (s *Store) stageDir(id string, stage string) string {
	return filepath.Join(s.RunDir(id), "stages", stage)
}

func (s *Store) attemptPath(id string, stage string, iteration int) string {
	return filepath.Join(s.stageDir(id, stage), fmt.Sprintf("attempt-%d.json", iteration))
}

func (s *Store) verdictPath(id string, stage string, iteration int) string {
	return filepath.Join(s.stageDir(id, stage), fmt.Sprintf("verdict-%d.json", iteration))
}

// NewRunID derives a run identifier from the program descriptor and the
// current time: {white_label}_{program}_{timestamp}.
func NewRunID(p Program, now time.Time) string {
	return fmt.Sprintf("%s_%s_%s", sanitize(p.WhiteLabel), sanitize(p.Name), now.UTC().Format("20060102_150405"))
}

// sanitize lowercases s and replaces anything outside [a-z0-9.-] with '_'.
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// CreateOpts holds the inputs for initialising a run.
type CreateOpts struct {
	ID            string
	Program       Program
	FirstStage    string
	MaxIterations int
	ErrorRetries  int
}

// Create initialises a new run on disk.
func (s *Store) Create(opts CreateOpts) (*State, error) {
	dir := s.RunDir(opts.ID)
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("run %q already exists", opts.ID)
	}

	if err := os.MkdirAll(filepath.Join(dir, "stages"), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir stages: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	st := &State{
		ID:            opts.ID,
		Program:       opts.Program,
		CurrentStage:  opts.FirstStage,
		Status:        StatusRunning,
		StageResults:  map[string]StageResult{},
		Outputs:       map[string]json.RawMessage{},
		MaxIterations: opts.MaxIterations,
		ErrorRetries:  opts.ErrorRetries,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := writeJSON(s.statePath(opts.ID), st); err != nil {
		return nil, fmt.Errorf("write run.json: %w", err)
	}
	return st, nil
}

// Get reads the state for a run.
func (s *Store) Get(id string) (*State, error) {
	var st State
	if err := readJSON(s.statePath(id), &st); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("run %q not found", id)
		}
		return nil, err
	}
	return &st, nil
}

// Update performs a read-modify-write of the run state.
func (s *Store) Update(id string, fn func(*State)) error {
	st, err := s.Get(id)
	if err != nil {
		return err
	}
	fn(st)
	st.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	return writeJSON(s.statePath(id), st)
}

// List returns all runs, optionally filtered by status.
// Pass "" for statusFilter to return all runs.
func (s *Store) List(statusFilter string) ([]State, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	var runs []State
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		st, err := s.Get(entry.Name())
		if err != nil {
			continue // skip broken entries
		}
		if statusFilter == "" || st.Status == statusFilter {
			runs = append(runs, *st)
		}
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].ID < runs[j].ID
	})
	return runs, nil
}

// Delete removes all data for a run.
func (s *Store) Delete(id string) error {
	dir := s.RunDir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("run %q not found", id)
	}
	return os.RemoveAll(dir)
}

// SaveAttempt persists a stage attempt. Iteration numbers for a given
// (run, stage) must be contiguous starting at 0: writing iteration N
// requires that N-1 exists and that N does not.
func (s *Store) SaveAttempt(a *Attempt) error {
	if a.Iteration < 0 {
		return fmt.Errorf("attempt iteration %d: must be >= 0", a.Iteration)
	}
	if a.Iteration > 0 {
		if _, err := os.Stat(s.attemptPath(a.RunID, a.Stage, a.Iteration-1)); err != nil {
			return fmt.Errorf("attempt %d for stage %q recorded before attempt %d", a.Iteration, a.Stage, a.Iteration-1)
		}
	}
	path := s.attemptPath(a.RunID, a.Stage, a.Iteration)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("attempt %d for stage %q already recorded", a.Iteration, a.Stage)
	}
	return writeJSON(path, a)
}

// GetAttempt reads a stage attempt.
func (s *Store) GetAttempt(id string, stage string, iteration int) (*Attempt, error) {
	var a Attempt
	if err := readJSON(s.attemptPath(id, stage, iteration), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAttempts returns all attempts for a stage ordered by iteration.
func (s *Store) ListAttempts(id string, stage string) ([]Attempt, error) {
	var attempts []Attempt
	for i := 0; ; i++ {
		a, err := s.GetAttempt(id, stage, i)
		if err != nil {
			if os.IsNotExist(err) {
				break
			}
			return nil, err
		}
		attempts = append(attempts, *a)
	}
	return attempts, nil
}

// MarkAttemptQARejected applies the one permitted mutation of a recorded
// attempt: outcome ok becomes qa_rejected after a failing QA verdict.
func (s *Store) MarkAttemptQARejected(id string, stage string, iteration int) error {
	a, err := s.GetAttempt(id, stage, iteration)
	if err != nil {
		return fmt.Errorf("get attempt: %w", err)
	}
	if a.Outcome != OutcomeOK {
		return fmt.Errorf("attempt %d for stage %q has outcome %q, cannot mark qa_rejected", iteration, stage, a.Outcome)
	}
	a.Outcome = OutcomeQARejected
	return writeJSON(s.attemptPath(id, stage, iteration), a)
}

// SaveVerdict persists a QA verdict beside the attempt it judged.
func (s *Store) SaveVerdict(id string, v *Verdict) error {
	return writeJSON(s.verdictPath(id, v.Stage, v.Iteration), v)
}

// GetVerdict reads the QA verdict for an attempt.
func (s *Store) GetVerdict(id string, stage string, iteration int) (*Verdict, error) {
	var v Verdict
	if err := readJSON(s.verdictPath(id, stage, iteration), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// ListVerdicts returns all verdicts for a stage ordered by iteration.
func (s *Store) ListVerdicts(id string, stage string) ([]Verdict, error) {
	var verdicts []Verdict
	for i := 0; ; i++ {
		v, err := s.GetVerdict(id, stage, i)
		if err != nil {
			if os.IsNotExist(err) {
				break
			}
			return nil, err
		}
		verdicts = append(verdicts, *v)
	}
	return verdicts, nil
}

// WriteArtifact writes a named file (summary, ticket bundle) into the run
// directory.
func (s *Store) WriteArtifact(id string, name string, data []byte) (string, error) {
	path := filepath.Join(s.RunDir(id), name)
	if err := writeAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}
