// Package postgres provides a remote relational repository over
// jackc/pgx/v5. Multiple workers across hosts share one database; the
// unique step key plus ON CONFLICT DO NOTHING gives insert-or-ignore
// semantics even under concurrent duplicate starts.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"goa.design/paigeant/repository"
)

const schema = `
CREATE TABLE IF NOT EXISTS workflows (
	correlation_id TEXT PRIMARY KEY,
	status         TEXT NOT NULL,
	snapshot_json  JSONB,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS steps (
	correlation_id TEXT NOT NULL,
	agent_name     TEXT NOT NULL,
	run_id         TEXT NOT NULL,
	attempt        INTEGER NOT NULL DEFAULT 0,
	status         TEXT NOT NULL,
	error          TEXT,
	output_ref     TEXT,
	started_at     TIMESTAMPTZ,
	finished_at    TIMESTAMPTZ,
	UNIQUE(correlation_id, agent_name, run_id)
);
CREATE INDEX IF NOT EXISTS steps_by_workflow ON steps(correlation_id);
`

// Repository implements repository.Repository on a PostgreSQL database.
type Repository struct {
	pool *pgxpool.Pool
}

// Open connects to the database named by dsn and ensures the schema.
func Open(ctx context.Context, dsn string) (*Repository, error) {
	if dsn == "" {
		return nil, errors.New("postgres DSN is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure postgres schema: %w", err)
	}
	return &Repository{pool: pool}, nil
}

// Close releases the connection pool.
func (r *Repository) Close() {
	r.pool.Close()
}

// Ping implements goa.design/clue/health.Pinger.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Name implements goa.design/clue/health.Pinger.
func (r *Repository) Name() string { return "postgres" }

// RecordWorkflow implements repository.Repository.
func (r *Repository) RecordWorkflow(ctx context.Context, rec repository.WorkflowRecord) error {
	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO workflows (correlation_id, status, snapshot_json, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (correlation_id) DO UPDATE SET
			status = EXCLUDED.status,
			snapshot_json = EXCLUDED.snapshot_json,
			updated_at = EXCLUDED.updated_at`,
		rec.CorrelationID, rec.Status, snapshotArg(rec.Snapshot), now)
	if err != nil {
		return fmt.Errorf("record workflow %s: %w", rec.CorrelationID, err)
	}
	return nil
}

// RecordStepStarted implements repository.Repository.
func (r *Repository) RecordStepStarted(ctx context.Context, key repository.StepKey, attempt int, snapshot json.RawMessage) error {
	now := time.Now().UTC()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("record step started: begin: %w", err)
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `
		INSERT INTO steps (correlation_id, agent_name, run_id, attempt, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (correlation_id, agent_name, run_id) DO NOTHING`,
		key.CorrelationID, key.AgentName, key.RunID, attempt, repository.StepStarted, now); err != nil {
		return fmt.Errorf("record step started %s/%s: %w", key.CorrelationID, key.AgentName, err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO workflows (correlation_id, status, snapshot_json, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (correlation_id) DO UPDATE SET
			status = EXCLUDED.status,
			snapshot_json = EXCLUDED.snapshot_json,
			updated_at = EXCLUDED.updated_at`,
		key.CorrelationID, repository.WorkflowRunning, snapshotArg(snapshot), now); err != nil {
		return fmt.Errorf("record step started %s: refresh workflow: %w", key.CorrelationID, err)
	}
	return tx.Commit(ctx)
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
	_, err := r.pool.Exec(ctx, `
		UPDATE steps SET attempt = $1, status = $2, error = NULLIF($3, ''), output_ref = NULLIF($4, ''), finished_at = $5
		WHERE correlation_id = $6 AND agent_name = $7 AND run_id = $8`,
		attempt, status, stepErr, outputRef, time.Now().UTC(),
		key.CorrelationID, key.AgentName, key.RunID)
	if err != nil {
		return fmt.Errorf("record step %s %s/%s: %w", status, key.CorrelationID, key.AgentName, err)
	}
	return nil
}

// GetWorkflow implements repository.Repository.
func (r *Repository) GetWorkflow(ctx context.Context, correlationID string) (*repository.WorkflowRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT correlation_id, status, snapshot_json, created_at, updated_at
		FROM workflows WHERE correlation_id = $1`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("get workflow %s: %w", correlationID, err)
	}
	rec, err := pgx.CollectOneRow(rows, scanWorkflow)
	if errors.Is(err, pgx.ErrNoRows) {
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
		query += ` WHERE status = $1`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY updated_at DESC, correlation_id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, filter.Limit)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanWorkflow)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	return out, nil
}

// GetSteps implements repository.Repository.
func (r *Repository) GetSteps(ctx context.Context, correlationID string) ([]*repository.StepRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT correlation_id, agent_name, run_id, attempt, status,
		       COALESCE(error, ''), COALESCE(output_ref, ''), started_at, finished_at
		FROM steps WHERE correlation_id = $1 ORDER BY started_at`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("get steps %s: %w", correlationID, err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*repository.StepRecord, error) {
		var (
			rec        repository.StepRecord
			startedAt  *time.Time
			finishedAt *time.Time
		)
		if err := row.Scan(&rec.CorrelationID, &rec.AgentName, &rec.RunID, &rec.Attempt,
			&rec.Status, &rec.Error, &rec.OutputRef, &startedAt, &finishedAt); err != nil {
			return nil, err
		}
		if startedAt != nil {
			rec.StartedAt = *startedAt
		}
		if finishedAt != nil {
			rec.FinishedAt = *finishedAt
		}
		return &rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("get steps %s: %w", correlationID, err)
	}
	return out, nil
}

func scanWorkflow(row pgx.CollectableRow) (*repository.WorkflowRecord, error) {
	var (
		rec  repository.WorkflowRecord
		snap []byte
	)
	if err := row.Scan(&rec.CorrelationID, &rec.Status, &snap, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if snap != nil {
		rec.Snapshot = json.RawMessage(snap)
	}
	return &rec, nil
}

func snapshotArg(snap json.RawMessage) any {
	if len(snap) == 0 {
		return nil
	}
	return []byte(snap)
}
