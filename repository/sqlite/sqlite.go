// Package sqlite provides an embedded file-backed repository over
// modernc.org/sqlite (pure Go, no cgo). It suits single-host deployments
// where workflow records must survive restarts without a database server.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"goa.design/paigeant/repository"
)

const schema = `
CREATE TABLE IF NOT EXISTS workflows (
	correlation_id TEXT PRIMARY KEY,
	status         TEXT NOT NULL,
	snapshot_json  TEXT,
	created_at     TIMESTAMP NOT NULL,
	updated_at     TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS steps (
	correlation_id TEXT NOT NULL,
	agent_name     TEXT NOT NULL,
	run_id         TEXT NOT NULL,
	attempt        INTEGER NOT NULL DEFAULT 0,
	status         TEXT NOT NULL,
	error          TEXT,
	output_ref     TEXT,
	started_at     TIMESTAMP,
	finished_at    TIMESTAMP,
	UNIQUE(correlation_id, agent_name, run_id)
);
CREATE INDEX IF NOT EXISTS steps_by_workflow ON steps(correlation_id);
`

// Repository implements repository.Repository on a SQLite database file.
type Repository struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and ensures the
// schema. A single writer connection avoids SQLITE_BUSY under concurrent
// lifecycle writes.
func Open(ctx context.Context, path string) (*Repository, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return &Repository{db: db}, nil
}

// Close releases the database handle.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping implements goa.design/clue/health.Pinger.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Name implements goa.design/clue/health.Pinger.
func (r *Repository) Name() string { return "sqlite" }

// RecordWorkflow implements repository.Repository.
func (r *Repository) RecordWorkflow(ctx context.Context, rec repository.WorkflowRecord) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO workflows (correlation_id, status, snapshot_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(correlation_id) DO UPDATE SET
			status = excluded.status,
			snapshot_json = excluded.snapshot_json,
			updated_at = excluded.updated_at`,
		rec.CorrelationID, rec.Status, snapshotText(rec.Snapshot), now, now)
	if err != nil {
		return fmt.Errorf("record workflow %s: %w", rec.CorrelationID, err)
	}
	return nil
}

// RecordStepStarted implements repository.Repository.
func (r *Repository) RecordStepStarted(ctx context.Context, key repository.StepKey, attempt int, snapshot json.RawMessage) error {
	now := time.Now().UTC()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record step started: begin: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO steps (correlation_id, agent_name, run_id, attempt, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(correlation_id, agent_name, run_id) DO NOTHING`,
		key.CorrelationID, key.AgentName, key.RunID, attempt, repository.StepStarted, now); err != nil {
		return fmt.Errorf("record step started %s/%s: %w", key.CorrelationID, key.AgentName, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workflows (correlation_id, status, snapshot_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(correlation_id) DO UPDATE SET
			status = excluded.status,
			snapshot_json = excluded.snapshot_json,
			updated_at = excluded.updated_at`,
		key.CorrelationID, repository.WorkflowRunning, snapshotText(snapshot), now, now); err != nil {
		return fmt.Errorf("record step started %s: refresh workflow: %w", key.CorrelationID, err)
	}
	return tx.Commit()
}

// RecordStepCompleted implements repository.Repository.
func (r *Repository) RecordStepCompleted(ctx context.Context, key repository.StepKey, attempt int, outputRef string) error {
	return r.finishStep(ctx, key, attempt, repository.StepCompleted, "", outputRef)
}

// RecordStepFailed implements repository.Repository.
func (r *Repository) RecordStepFailed(ctx context.Context, key repository.StepKey, attempt int, stepErr string) error {
	return r.finishStep(ctx, key, attempt, repository.StepFailed, stepErr, "")
}

func (r *Repository) finishStep(ctx context.Context, key repository.StepKey, attempt int, status, stepErr, outputRef string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE steps SET attempt = ?, status = ?, error = ?, output_ref = ?, finished_at = ?
		WHERE correlation_id = ? AND agent_name = ? AND run_id = ?`,
		attempt, status, nullable(stepErr), nullable(outputRef), time.Now().UTC(),
		key.CorrelationID, key.AgentName, key.RunID)
	if err != nil {
		return fmt.Errorf("record step %s %s/%s: %w", status, key.CorrelationID, key.AgentName, err)
	}
	return nil
}

// GetWorkflow implements repository.Repository.
func (r *Repository) GetWorkflow(ctx context.Context, correlationID string) (*repository.WorkflowRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT correlation_id, status, snapshot_json, created_at, updated_at
		FROM workflows WHERE correlation_id = ?`, correlationID)
	rec, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow %s: %w", correlationID, err)
	}
	return rec, nil
}

// ListWorkflows implements repository.Repository.
func (r *Repository) ListWorkflows(ctx context.Context, filter repository.Filter) ([]*repository.WorkflowRecord, error) {
	query := `SELECT correlation_id, status, snapshot_json, created_at, updated_at FROM workflows`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY updated_at DESC, correlation_id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()
	var out []*repository.WorkflowRecord
	for rows.Next() {
		rec, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("list workflows: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetSteps implements repository.Repository.
func (r *Repository) GetSteps(ctx context.Context, correlationID string) ([]*repository.StepRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT correlation_id, agent_name, run_id, attempt, status, error, output_ref, started_at, finished_at
		FROM steps WHERE correlation_id = ? ORDER BY started_at, rowid`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("get steps %s: %w", correlationID, err)
	}
	defer rows.Close()
	var out []*repository.StepRecord
	for rows.Next() {
		var (
			rec        repository.StepRecord
			stepErr    sql.NullString
			outputRef  sql.NullString
			startedAt  sql.NullTime
			finishedAt sql.NullTime
		)
		if err := rows.Scan(&rec.CorrelationID, &rec.AgentName, &rec.RunID, &rec.Attempt,
			&rec.Status, &stepErr, &outputRef, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("get steps %s: %w", correlationID, err)
		}
		rec.Error = stepErr.String
		rec.OutputRef = outputRef.String
		rec.StartedAt = startedAt.Time
		rec.FinishedAt = finishedAt.Time
		out = append(out, &rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*repository.WorkflowRecord, error) {
	var (
		rec  repository.WorkflowRecord
		snap sql.NullString
	)
	if err := row.Scan(&rec.CorrelationID, &rec.Status, &snap, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if snap.Valid {
		rec.Snapshot = json.RawMessage(snap.String)
	}
	return &rec, nil
}

func snapshotText(snap json.RawMessage) any {
	if len(snap) == 0 {
		return nil
	}
	return string(snap)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
