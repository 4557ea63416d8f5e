// Package repository defines the side store the engine writes workflow and
// step lifecycle records to. The store mirrors the state carried by the
// envelope for inspection and crash recovery; it never owns the workflow.
// All variants obey identical semantics, most importantly insert-or-ignore
// on step starts so retries within a run never produce duplicate rows.
//
// Executors treat repository failures as non-fatal to the workflow: they are
// logged and the message proceeds. Only dispatch surfaces a repository error
// to the caller, because losing the initial record would leave the workflow
// untraceable.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound reports an inspection miss.
var ErrNotFound = errors.New("workflow not found")

// Workflow statuses.
const (
	WorkflowPending   = "pending"
	WorkflowRunning   = "running"
	WorkflowCompleted = "completed"
	WorkflowFailed    = "failed"
)

// Step statuses.
const (
	StepStarted   = "started"
	StepCompleted = "completed"
	StepFailed    = "failed"
)

type (
	// WorkflowRecord is one workflow's row, keyed by correlation ID. The
	// snapshot holds the last-seen routing slip and payload as raw JSON.
	WorkflowRecord struct {
		CorrelationID string
		Status        string
		Snapshot      json.RawMessage
		CreatedAt     time.Time
		UpdatedAt     time.Time
	}

	// StepKey uniquely identifies one step of one run. Retries share the
	// key; a deliberate restart changes the run ID and owns fresh rows.
	StepKey struct {
		CorrelationID string
		AgentName     string
		RunID         string
	}

	// StepRecord is one step's lifecycle row.
	StepRecord struct {
		CorrelationID string
		AgentName     string
		RunID         string
		Attempt       int
		Status        string
		Error         string
		OutputRef     string
		StartedAt     time.Time
		FinishedAt    time.Time
	}

	// Filter narrows ListWorkflows. Zero values match everything.
	Filter struct {
		Status string
		Limit  int
	}

	// Repository persists workflow and step lifecycle records.
	Repository interface {
		// RecordWorkflow upserts the workflow row. The first write creates
		// it; later writes update status, snapshot, and updated_at while
		// preserving created_at.
		RecordWorkflow(ctx context.Context, rec WorkflowRecord) error
		// RecordStepStarted inserts the step row if no row exists for the
		// key, and otherwise leaves the existing row untouched. It also
		// marks the owning workflow running with the given snapshot.
		RecordStepStarted(ctx context.Context, key StepKey, attempt int, snapshot json.RawMessage) error
		// RecordStepCompleted marks the owned row completed.
		RecordStepCompleted(ctx context.Context, key StepKey, attempt int, outputRef string) error
		// RecordStepFailed marks the owned row failed with the error text.
		RecordStepFailed(ctx context.Context, key StepKey, attempt int, stepErr string) error
		// GetWorkflow returns the workflow row or ErrNotFound.
		GetWorkflow(ctx context.Context, correlationID string) (*WorkflowRecord, error)
		// ListWorkflows returns rows matching the filter, most recently
		// updated first.
		ListWorkflows(ctx context.Context, filter Filter) ([]*WorkflowRecord, error)
		// GetSteps returns the workflow's step rows in start order.
		GetSteps(ctx context.Context, correlationID string) ([]*StepRecord, error)
	}
)
