// Package inmem provides a map-backed repository for tests and local
// development. Nothing survives a process restart; production deployments
// use the sqlite, postgres, or mongo variants.
package inmem

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"goa.design/paigeant/repository"
)

// Repository implements repository.Repository in memory. All operations are
// thread-safe; records are defensively copied on read and write so callers
// can never mutate stored state.
type Repository struct {
	mu        sync.RWMutex
	workflows map[string]repository.WorkflowRecord
	steps     map[repository.StepKey]repository.StepRecord
	stepOrder []repository.StepKey
}

// New returns an empty repository.
func New() *Repository {
	return &Repository{
		workflows: make(map[string]repository.WorkflowRecord),
		steps:     make(map[repository.StepKey]repository.StepRecord),
	}
}

// RecordWorkflow implements repository.Repository.
func (r *Repository) RecordWorkflow(_ context.Context, rec repository.WorkflowRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	existing, ok := r.workflows[rec.CorrelationID]
	if ok {
		rec.CreatedAt = existing.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.Snapshot = cloneRaw(rec.Snapshot)
	r.workflows[rec.CorrelationID] = rec
	return nil
}

// RecordStepStarted implements repository.Repository. The step insert is
// ignored when a row for the key already exists; the owning workflow row is
// always refreshed to running with the new snapshot.
func (r *Repository) RecordStepStarted(_ context.Context, key repository.StepKey, attempt int, snapshot json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	if _, ok := r.steps[key]; !ok {
		r.steps[key] = repository.StepRecord{
			CorrelationID: key.CorrelationID,
			AgentName:     key.AgentName,
			RunID:         key.RunID,
			Attempt:       attempt,
			Status:        repository.StepStarted,
			StartedAt:     now,
		}
		r.stepOrder = append(r.stepOrder, key)
	}
	wf, ok := r.workflows[key.CorrelationID]
	if !ok {
		wf = repository.WorkflowRecord{CorrelationID: key.CorrelationID, CreatedAt: now}
	}
	wf.Status = repository.WorkflowRunning
	wf.Snapshot = cloneRaw(snapshot)
	wf.UpdatedAt = now
	r.workflows[key.CorrelationID] = wf
	return nil
}

// RecordStepCompleted implements repository.Repository.
func (r *Repository) RecordStepCompleted(_ context.Context, key repository.StepKey, attempt int, outputRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.steps[key]
	if !ok {
		return nil
	}
	rec.Status = repository.StepCompleted
	rec.Attempt = attempt
	rec.OutputRef = outputRef
	rec.Error = ""
	rec.FinishedAt = time.Now().UTC()
	r.steps[key] = rec
	return nil
}

// RecordStepFailed implements repository.Repository.
func (r *Repository) RecordStepFailed(_ context.Context, key repository.StepKey, attempt int, stepErr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.steps[key]
	if !ok {
		return nil
	}
	rec.Status = repository.StepFailed
	rec.Attempt = attempt
	rec.Error = stepErr
	rec.FinishedAt = time.Now().UTC()
	r.steps[key] = rec
	return nil
}

// GetWorkflow implements repository.Repository.
func (r *Repository) GetWorkflow(_ context.Context, correlationID string) (*repository.WorkflowRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.workflows[correlationID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	rec.Snapshot = cloneRaw(rec.Snapshot)
	return &rec, nil
}

// ListWorkflows implements repository.Repository.
func (r *Repository) ListWorkflows(_ context.Context, filter repository.Filter) ([]*repository.WorkflowRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*repository.WorkflowRecord, 0, len(r.workflows))
	for _, rec := range r.workflows {
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		rec := rec
		rec.Snapshot = cloneRaw(rec.Snapshot)
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].CorrelationID < out[j].CorrelationID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// GetSteps implements repository.Repository.
func (r *Repository) GetSteps(_ context.Context, correlationID string) ([]*repository.StepRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*repository.StepRecord
	for _, key := range r.stepOrder {
		if key.CorrelationID != correlationID {
			continue
		}
		rec := r.steps[key]
		out = append(out, &rec)
	}
	return out, nil
}

// Reset clears all records for test isolation.
func (r *Repository) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows = make(map[string]repository.WorkflowRecord)
	r.steps = make(map[repository.StepKey]repository.StepRecord)
	r.stepOrder = nil
}

func cloneRaw(src json.RawMessage) json.RawMessage {
	if src == nil {
		return nil
	}
	return append(json.RawMessage(nil), src...)
}
