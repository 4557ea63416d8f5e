package mongo_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/paigeant/repository"
	mongorepo "goa.design/paigeant/repository/mongo"
)

// fakeClient implements the Mongo client interface in memory so the store's
// delegation and insert-or-ignore composition can be verified without a
// server.
type fakeClient struct {
	workflows map[string]repository.WorkflowRecord
	steps     map[repository.StepKey]repository.StepRecord
	order     []repository.StepKey
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		workflows: make(map[string]repository.WorkflowRecord),
		steps:     make(map[repository.StepKey]repository.StepRecord),
	}
}

func (f *fakeClient) Name() string               { return "fake-mongo" }
func (f *fakeClient) Ping(context.Context) error { return nil }

func (f *fakeClient) UpsertWorkflow(_ context.Context, rec repository.WorkflowRecord) error {
	existing, ok := f.workflows[rec.CorrelationID]
	if ok {
		rec.CreatedAt = existing.CreatedAt
	} else {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.UpdatedAt = time.Now().UTC()
	f.workflows[rec.CorrelationID] = rec
	return nil
}

func (f *fakeClient) InsertStepIfAbsent(_ context.Context, rec repository.StepRecord) error {
	key := repository.StepKey{CorrelationID: rec.CorrelationID, AgentName: rec.AgentName, RunID: rec.RunID}
	if _, ok := f.steps[key]; ok {
		return nil
	}
	f.steps[key] = rec
	f.order = append(f.order, key)
	return nil
}

func (f *fakeClient) UpdateStep(_ context.Context, key repository.StepKey, attempt int, status, stepErr, outputRef string, finishedAt time.Time) error {
	rec, ok := f.steps[key]
	if !ok {
		return nil
	}
	rec.Attempt = attempt
	rec.Status = status
	rec.Error = stepErr
	rec.OutputRef = outputRef
	rec.FinishedAt = finishedAt
	f.steps[key] = rec
	return nil
}

func (f *fakeClient) FindWorkflow(_ context.Context, id string) (*repository.WorkflowRecord, error) {
	rec, ok := f.workflows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &rec, nil
}

func (f *fakeClient) FindWorkflows(_ context.Context, filter repository.Filter) ([]*repository.WorkflowRecord, error) {
	var out []*repository.WorkflowRecord
	for _, rec := range f.workflows {
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		rec := rec
		out = append(out, &rec)
	}
	return out, nil
}

func (f *fakeClient) FindSteps(_ context.Context, id string) ([]*repository.StepRecord, error) {
	var out []*repository.StepRecord
	for _, key := range f.order {
		if key.CorrelationID != id {
			continue
		}
		rec := f.steps[key]
		out = append(out, &rec)
	}
	return out, nil
}

func TestNewRequiresClient(t *testing.T) {
	_, err := mongorepo.New(nil)
	assert.Error(t, err)
}

func TestStepStartedIsInsertOrIgnore(t *testing.T) {
	ctx := context.Background()
	repo, err := mongorepo.New(newFakeClient())
	require.NoError(t, err)

	key := repository.StepKey{CorrelationID: "wf", AgentName: "echo", RunID: "run"}
	snap := json.RawMessage(`{"routing_slip":{}}`)
	require.NoError(t, repo.RecordStepStarted(ctx, key, 0, snap))
	require.NoError(t, repo.RecordStepStarted(ctx, key, 1, snap))

	steps, err := repo.GetSteps(ctx, "wf")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, 0, steps[0].Attempt)
	assert.Equal(t, repository.StepStarted, steps[0].Status)

	wf, err := repo.GetWorkflow(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, repository.WorkflowRunning, wf.Status)
	assert.JSONEq(t, `{"routing_slip":{}}`, string(wf.Snapshot))
}

func TestStepCompletionUpdatesOwnedRow(t *testing.T) {
	ctx := context.Background()
	repo, err := mongorepo.New(newFakeClient())
	require.NoError(t, err)

	key := repository.StepKey{CorrelationID: "wf", AgentName: "echo", RunID: "run"}
	require.NoError(t, repo.RecordStepStarted(ctx, key, 0, nil))
	require.NoError(t, repo.RecordStepCompleted(ctx, key, 1, "ref"))

	steps, err := repo.GetSteps(ctx, "wf")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, repository.StepCompleted, steps[0].Status)
	assert.Equal(t, "ref", steps[0].OutputRef)
	assert.Equal(t, 1, steps[0].Attempt)
}
