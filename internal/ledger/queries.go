package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// Ledger event names. Entries are write-once and ordered by occurrence;
// every attempt, verdict, retry and transition in a run has one.
const (
	EventRunCreated        = "run_created"
	EventRunResumed        = "run_resumed"
	EventRunCancelled      = "run_cancelled"
	EventRunSucceeded      = "run_succeeded"
	EventRunFailed         = "run_failed"
	EventStageStarted      = "stage_started"
	EventStageSkipped      = "stage_skipped"
	EventStageResolved     = "stage_resolved"
	EventStageUnresolved   = "stage_unresolved"
	EventAttemptRecorded   = "attempt_recorded"
	EventQAVerdict         = "qa_verdict"
	EventFixRetry          = "fix_retry"
	EventCollaboratorError = "collaborator_error"
	EventErrorRetry        = "error_retry"
)

// Entry represents a row in the run_events table.
type Entry struct {
	ID        int
	RunID     string
	Event     string
	Stage     string
	Iteration int
	Detail    string
	Timestamp string
}

// VerdictRow represents a row in the qa_verdicts table.
type VerdictRow struct {
	ID        int
	RunID     string
	Stage     string
	Iteration int
	Passed    bool
	Issues    []string
	Raw       string
	Timestamp string
}

// Append inserts a ledger entry. Callers on the write-then-decide path
// must check the error: a control-flow decision may not precede its record.
func (d *DB) Append(runID string, event string, stage string, iteration int, detail string) error {
	_, err := d.conn.Exec(
		`INSERT INTO run_events (run_id, event, stage, iteration, detail) VALUES (?, ?, ?, ?, ?)`,
		runID, event, stage, iteration, detail,
	)
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

// RecordVerdict inserts a QA verdict row.
func (d *DB) RecordVerdict(runID string, stage string, iteration int, passed bool, issues []string, raw string) error {
	issuesJSON, err := json.Marshal(issues)
	if err != nil {
		return fmt.Errorf("marshal issues: %w", err)
	}
	_, err = d.conn.Exec(
		`INSERT INTO qa_verdicts (run_id, stage, iteration, passed, issues, raw) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, stage, iteration, passed, string(issuesJSON), raw,
	)
	if err != nil {
		return fmt.Errorf("record verdict: %w", err)
	}
	return nil
}

// History returns all ledger entries for a run in order of occurrence.
func (d *DB) History(runID string) ([]Entry, error) {
	rows, err := d.conn.Query(
		`SELECT id, run_id, event, stage, iteration, detail, timestamp
		 FROM run_events WHERE run_id = ? ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("get run history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// LastMessages returns up to n formatted ledger messages for a run, most
// recent last. Used for failure diagnostics in the run summary.
func (d *DB) LastMessages(runID string, n int) ([]string, error) {
	rows, err := d.conn.Query(
		`SELECT id, run_id, event, stage, iteration, detail, timestamp
		 FROM run_events WHERE run_id = ? ORDER BY id DESC LIMIT ?`,
		runID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("get last messages: %w", err)
	}
	defer rows.Close()

	var msgs []string
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, e.Format())
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Verdicts returns all QA verdict rows for a run ordered by insertion.
func (d *DB) Verdicts(runID string) ([]VerdictRow, error) {
	rows, err := d.conn.Query(
		`SELECT id, run_id, stage, iteration, passed, issues, raw, timestamp
		 FROM qa_verdicts WHERE run_id = ? ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("get verdicts: %w", err)
	}
	defer rows.Close()

	var verdicts []VerdictRow
	for rows.Next() {
		var v VerdictRow
		var issues, raw sql.NullString
		if err := rows.Scan(&v.ID, &v.RunID, &v.Stage, &v.Iteration, &v.Passed, &issues, &raw, &v.Timestamp); err != nil {
			return nil, fmt.Errorf("scan verdict: %w", err)
		}
		if issues.Valid && issues.String != "" {
			if err := json.Unmarshal([]byte(issues.String), &v.Issues); err != nil {
				return nil, fmt.Errorf("unmarshal verdict issues: %w", err)
			}
		}
		if raw.Valid {
			v.Raw = raw.String
		}
		verdicts = append(verdicts, v)
	}
	return verdicts, rows.Err()
}

// CountEvents returns the number of entries for a run with the given event
// and stage. Pass "" for stage to count across stages.
func (d *DB) CountEvents(runID string, event string, stage string) (int, error) {
	var count int
	var err error
	if stage == "" {
		err = d.conn.QueryRow(
			`SELECT COUNT(*) FROM run_events WHERE run_id = ? AND event = ?`,
			runID, event,
		).Scan(&count)
	} else {
		err = d.conn.QueryRow(
			`SELECT COUNT(*) FROM run_events WHERE run_id = ? AND event = ? AND stage = ?`,
			runID, event, stage,
		).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

// Format renders a ledger entry as a single diagnostic line.
func (e Entry) Format() string {
	msg := e.Event
	if e.Stage != "" {
		msg += " stage=" + e.Stage
		msg += fmt.Sprintf(" iter=%d", e.Iteration)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func scanEntry(rows *sql.Rows) (*Entry, error) {
	var e Entry
	var stage, detail sql.NullString
	var iteration sql.NullInt64
	if err := rows.Scan(&e.ID, &e.RunID, &e.Event, &stage, &iteration, &detail, &e.Timestamp); err != nil {
		return nil, fmt.Errorf("scan ledger entry: %w", err)
	}
	if stage.Valid {
		e.Stage = stage.String
	}
	if iteration.Valid {
		e.Iteration = int(iteration.Int64)
	}
	if detail.Valid {
		e.Detail = detail.String
	}
	return &e, nil
}
