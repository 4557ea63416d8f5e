// Package mongo implements the workflow repository on MongoDB. The document
// model demonstrates insert-or-ignore without SQL: step starts are upserts
// whose update is entirely $setOnInsert, so a second start for the same key
// matches the existing document and writes nothing.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"goa.design/paigeant/repository"
	mongoc "goa.design/paigeant/repository/mongo/clients/mongo"
)

// Repository implements repository.Repository by delegating to the Mongo
// client.
type Repository struct {
	client mongoc.Client
}

// New builds a Repository using the provided client.
func New(client mongoc.Client) (*Repository, error) {
	if client == nil {
		return nil, errors.New("mongo client is required")
	}
	return &Repository{client: client}, nil
}

// Ping implements goa.design/clue/health.Pinger.
func (r *Repository) Ping(ctx context.Context) error { return r.client.Ping(ctx) }

// Name implements goa.design/clue/health.Pinger.
func (r *Repository) Name() string { return r.client.Name() }

// RecordWorkflow implements repository.Repository.
func (r *Repository) RecordWorkflow(ctx context.Context, rec repository.WorkflowRecord) error {
	return r.client.UpsertWorkflow(ctx, rec)
}

// RecordStepStarted implements repository.Repository.
func (r *Repository) RecordStepStarted(ctx context.Context, key repository.StepKey, attempt int, snapshot json.RawMessage) error {
	if err := r.client.InsertStepIfAbsent(ctx, repository.StepRecord{
		CorrelationID: key.CorrelationID,
		AgentName:     key.AgentName,
		RunID:         key.RunID,
		Attempt:       attempt,
		Status:        repository.StepStarted,
		StartedAt:     time.Now().UTC(),
	}); err != nil {
		return err
	}
	return r.client.UpsertWorkflow(ctx, repository.WorkflowRecord{
		CorrelationID: key.CorrelationID,
		Status:        repository.WorkflowRunning,
		Snapshot:      snapshot,
	})
}

// RecordStepCompleted implements repository.Repository.
func (r *Repository) RecordStepCompleted(ctx context.Context, key repository.StepKey, attempt int, outputRef string) error {
	return r.client.UpdateStep(ctx, key, attempt, repository.StepCompleted, "", outputRef, time.Now().UTC())
}

// RecordStepFailed implements repository.Repository.
func (r *Repository) RecordStepFailed(ctx context.Context, key repository.StepKey, attempt int, stepErr string) error {
	return r.client.UpdateStep(ctx, key, attempt, repository.StepFailed, stepErr, "", time.Now().UTC())
}

// GetWorkflow implements repository.Repository.
func (r *Repository) GetWorkflow(ctx context.Context, correlationID string) (*repository.WorkflowRecord, error) {
	return r.client.FindWorkflow(ctx, correlationID)
}

// ListWorkflows implements repository.Repository.
func (r *Repository) ListWorkflows(ctx context.Context, filter repository.Filter) ([]*repository.WorkflowRecord, error) {
	return r.client.FindWorkflows(ctx, filter)
}

// GetSteps implements repository.Repository.
func (r *Repository) GetSteps(ctx context.Context, correlationID string) ([]*repository.StepRecord, error) {
	return r.client.FindSteps(ctx, correlationID)
}
