// Package audit records run history in the audit-log destination and keeps
// the administrative process mirror in the business-data destination.
//
// Execution log entries are append-only: a run writes one entry when it
// starts and finalizes that same entry exactly once when it ends. Entries
// are never updated afterwards and never deleted.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jcastellanos/migrator/internal/routing"
)

// RunOutcome is the terminal result recorded for a run.
type RunOutcome string

const (
	OutcomeRunning   RunOutcome = "En_Ejecucion"
	OutcomeCompleted RunOutcome = "Completado"
	OutcomeFailed    RunOutcome = "Fallido"
	OutcomeCancelled RunOutcome = "Cancelado"
)

// Entry is one execution log record.
type Entry struct {
	RunID       uuid.UUID  `json:"run_id"`
	ProcessID   uuid.UUID  `json:"process_id"`
	ProcessName string     `json:"process_name"`
	Outcome     RunOutcome `json:"outcome"`

	RowsRead     int64 `json:"rows_read"`
	RowsWritten  int64 `json:"rows_written"`
	RowsRejected int64 `json:"rows_rejected"`

	BatchesTotal     int `json:"batches_total"`
	BatchesCompleted int `json:"batches_completed"`

	Error string `json:"error,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Log persists execution entries through the audit-log role.
type Log struct {
	db routing.Conn
}

// NewLog resolves the execution-log connection from the router.
func NewLog(router *routing.Router) (*Log, error) {
	db, err := router.Resolve(routing.EntityExecutionLog, routing.RoleAuditLog)
	if err != nil {
		return nil, err
	}
	return &Log{db: db}, nil
}

// EnsureSchema creates the execution log table when absent.
func (l *Log) EnsureSchema(ctx context.Context) error {
	_, err := l.db.Exec(ctx, `
CREATE TABLE IF NOT EXISTS execution_log (
    run_id            UUID PRIMARY KEY,
    process_id        UUID NOT NULL,
    process_name      TEXT NOT NULL,
    outcome           TEXT NOT NULL,
    rows_read         BIGINT NOT NULL DEFAULT 0,
    rows_written      BIGINT NOT NULL DEFAULT 0,
    rows_rejected     BIGINT NOT NULL DEFAULT 0,
    batches_total     INTEGER NOT NULL DEFAULT 0,
    batches_completed INTEGER NOT NULL DEFAULT 0,
    error             TEXT NOT NULL DEFAULT '',
    started_at        TIMESTAMPTZ NOT NULL,
    finished_at       TIMESTAMPTZ
)`)
	if err != nil {
		return fmt.Errorf("ensuring execution log schema: %w", err)
	}
	return nil
}

// Begin appends the entry for a run that just started.
func (l *Log) Begin(ctx context.Context, e Entry) error {
	_, err := l.db.Exec(ctx, `
INSERT INTO execution_log
    (run_id, process_id, process_name, outcome, started_at)
VALUES ($1,$2,$3,$4,$5)`,
		e.RunID, e.ProcessID, e.ProcessName, OutcomeRunning, e.StartedAt)
	if err != nil {
		return fmt.Errorf("recording run start %s: %w", e.RunID, err)
	}
	return nil
}

// Finalize records the terminal outcome and counters of a run. It only
// touches the running entry, so a finalized entry can never be rewritten.
func (l *Log) Finalize(ctx context.Context, e Entry) error {
	tag, err := l.db.Exec(ctx, `
UPDATE execution_log
SET outcome = $2, rows_read = $3, rows_written = $4, rows_rejected = $5,
    batches_total = $6, batches_completed = $7, error = $8, finished_at = $9
WHERE run_id = $1 AND outcome = $10`,
		e.RunID, e.Outcome, e.RowsRead, e.RowsWritten, e.RowsRejected,
		e.BatchesTotal, e.BatchesCompleted, e.Error, e.FinishedAt,
		OutcomeRunning)
	if err != nil {
		return fmt.Errorf("finalizing run %s: %w", e.RunID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finalizing run %s: no running entry", e.RunID)
	}
	return nil
}

// History returns the entries of one process, newest first.
func (l *Log) History(ctx context.Context, processID uuid.UUID, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.Query(ctx, `
SELECT run_id, process_id, process_name, outcome,
       rows_read, rows_written, rows_rejected,
       batches_total, batches_completed, error, started_at, finished_at
FROM execution_log
WHERE process_id = $1
ORDER BY started_at DESC
LIMIT $2`, processID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing run history for %s: %w", processID, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.RunID, &e.ProcessID, &e.ProcessName, &e.Outcome,
			&e.RowsRead, &e.RowsWritten, &e.RowsRejected,
			&e.BatchesTotal, &e.BatchesCompleted, &e.Error,
			&e.StartedAt, &e.FinishedAt); err != nil {
			return nil, fmt.Errorf("scanning execution log entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
