// Package repotest runs the shared conformance suite every repository
// variant must pass. Backends differ only in storage; the semantics —
// upsert on workflows, insert-or-ignore on step starts, unconditional
// updates on owned rows — are identical and verified here once.
package repotest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/paigeant/repository"
)

// Factory builds a fresh, empty repository for one subtest.
type Factory func(t *testing.T) repository.Repository

// RunConformance exercises the repository contract against the given
// factory. Every variant's test file calls this with its own constructor.
func RunConformance(t *testing.T, factory Factory) {
	t.Run("workflow upsert", func(t *testing.T) { testWorkflowUpsert(t, factory(t)) })
	t.Run("workflow not found", func(t *testing.T) { testWorkflowNotFound(t, factory(t)) })
	t.Run("step insert-or-ignore", func(t *testing.T) { testStepInsertOrIgnore(t, factory(t)) })
	t.Run("concurrent duplicate starts", func(t *testing.T) { testConcurrentStarts(t, factory(t)) })
	t.Run("step lifecycle", func(t *testing.T) { testStepLifecycle(t, factory(t)) })
	t.Run("list workflows", func(t *testing.T) { testListWorkflows(t, factory(t)) })
}

func testWorkflowUpsert(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	require.NoError(t, repo.RecordWorkflow(ctx, repository.WorkflowRecord{
		CorrelationID: "wf-1",
		Status:        repository.WorkflowPending,
		Snapshot:      json.RawMessage(`{"v":1}`),
	}))
	first, err := repo.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, repository.WorkflowPending, first.Status)
	assert.JSONEq(t, `{"v":1}`, string(first.Snapshot))
	assert.False(t, first.CreatedAt.IsZero())

	require.NoError(t, repo.RecordWorkflow(ctx, repository.WorkflowRecord{
		CorrelationID: "wf-1",
		Status:        repository.WorkflowCompleted,
		Snapshot:      json.RawMessage(`{"v":2}`),
	}))
	second, err := repo.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, repository.WorkflowCompleted, second.Status)
	assert.JSONEq(t, `{"v":2}`, string(second.Snapshot))
	assert.Equal(t, first.CreatedAt.Unix(), second.CreatedAt.Unix(), "created_at survives upserts")
}

func testWorkflowNotFound(t *testing.T, repo repository.Repository) {
	_, err := repo.GetWorkflow(context.Background(), "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func testStepInsertOrIgnore(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	key := repository.StepKey{CorrelationID: "wf-2", AgentName: "echo", RunID: "run-1"}
	snap := json.RawMessage(`{"routing_slip":{},"payload":{}}`)

	require.NoError(t, repo.RecordStepStarted(ctx, key, 0, snap))
	require.NoError(t, repo.RecordStepStarted(ctx, key, 1, snap))

	steps, err := repo.GetSteps(ctx, "wf-2")
	require.NoError(t, err)
	require.Len(t, steps, 1, "second start for the same key is a no-op")
	assert.Equal(t, repository.StepStarted, steps[0].Status)
	assert.Equal(t, 0, steps[0].Attempt, "first write wins")

	wf, err := repo.GetWorkflow(ctx, "wf-2")
	require.NoError(t, err)
	assert.Equal(t, repository.WorkflowRunning, wf.Status)
}

func testConcurrentStarts(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	key := repository.StepKey{CorrelationID: "wf-3", AgentName: "echo", RunID: "run-1"}
	snap := json.RawMessage(`{}`)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, repo.RecordStepStarted(ctx, key, 0, snap))
		}()
	}
	wg.Wait()

	steps, err := repo.GetSteps(ctx, "wf-3")
	require.NoError(t, err)
	assert.Len(t, steps, 1, "concurrent duplicate starts yield one row")
}

func testStepLifecycle(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	snap := json.RawMessage(`{}`)
	completed := repository.StepKey{CorrelationID: "wf-4", AgentName: "a", RunID: "run-1"}
	failed := repository.StepKey{CorrelationID: "wf-4", AgentName: "b", RunID: "run-1"}

	require.NoError(t, repo.RecordStepStarted(ctx, completed, 0, snap))
	require.NoError(t, repo.RecordStepCompleted(ctx, completed, 1, "ref-1"))
	require.NoError(t, repo.RecordStepStarted(ctx, failed, 0, snap))
	require.NoError(t, repo.RecordStepFailed(ctx, failed, 2, "boom"))

	steps, err := repo.GetSteps(ctx, "wf-4")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, repository.StepCompleted, steps[0].Status)
	assert.Equal(t, 1, steps[0].Attempt)
	assert.Equal(t, "ref-1", steps[0].OutputRef)
	assert.False(t, steps[0].FinishedAt.IsZero())
	assert.Equal(t, repository.StepFailed, steps[1].Status)
	assert.Equal(t, 2, steps[1].Attempt)
	assert.Equal(t, "boom", steps[1].Error)
}

func testListWorkflows(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	for _, w := range []repository.WorkflowRecord{
		{CorrelationID: "wf-a", Status: repository.WorkflowCompleted},
		{CorrelationID: "wf-b", Status: repository.WorkflowFailed},
		{CorrelationID: "wf-c", Status: repository.WorkflowCompleted},
	} {
		require.NoError(t, repo.RecordWorkflow(ctx, w))
	}

	all, err := repo.ListWorkflows(ctx, repository.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	done, err := repo.ListWorkflows(ctx, repository.Filter{Status: repository.WorkflowCompleted})
	require.NoError(t, err)
	assert.Len(t, done, 2)

	limited, err := repo.ListWorkflows(ctx, repository.Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
