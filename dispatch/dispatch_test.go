package dispatch_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/paigeant"
	"goa.design/paigeant/dispatch"
	"goa.design/paigeant/registry"
	"goa.design/paigeant/repository"
	repoinmem "goa.design/paigeant/repository/inmem"
	"goa.design/paigeant/transport/inmem"
)

type echoDeps struct {
	Suffix string `json:"suffix"`
}

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	codec, err := registry.NewJSONCodec[echoDeps]("echo.deps", "example/agents")
	require.NoError(t, err)
	require.NoError(t, reg.Register(registry.Agent{
		Name: "echo",
		Runner: registry.RunnerFunc(func(ctx context.Context, call *registry.Call) (any, error) {
			return call.Prompt, nil
		}),
		Deps: codec,
	}))
	return reg
}

func TestDispatchEmptyRunway(t *testing.T) {
	tr := inmem.New()
	require.NoError(t, tr.Connect(context.Background()))
	d, err := dispatch.New(tr, newRegistry(t))
	require.NoError(t, err)

	_, err = d.DispatchWorkflow(context.Background())
	assert.ErrorIs(t, err, paigeant.ErrEmptyItinerary)
}

func TestDispatchPublishesToFirstAgentTopic(t *testing.T) {
	ctx := context.Background()
	tr := inmem.New()
	require.NoError(t, tr.Connect(ctx))
	repo := repoinmem.New()
	d, err := dispatch.New(tr, newRegistry(t), dispatch.WithRepository(repo))
	require.NoError(t, err)

	require.NoError(t, d.AddToRunway("echo", "hi", echoDeps{Suffix: "!"}))
	d.Add(paigeant.NewActivitySpec("reviewer", "check it"))

	correlationID, err := d.DispatchWorkflow(ctx,
		dispatch.WithPayload(map[string]any{"tone": "formal"}),
		dispatch.WithOBOToken("token-123"),
		dispatch.WithTraceID("trace-abc"),
	)
	require.NoError(t, err)
	require.NotEmpty(t, correlationID)

	// Exactly one message, on the first agent's topic.
	assert.Equal(t, 1, tr.Published("echo"))
	assert.Equal(t, 0, tr.Published("reviewer"))

	sub, err := tr.Subscribe(ctx, "echo")
	require.NoError(t, err)
	delivery := <-sub.Deliveries()
	msg, err := paigeant.Decode(delivery.Body)
	require.NoError(t, err)

	assert.Equal(t, correlationID, msg.CorrelationID)
	assert.Equal(t, 0, msg.Attempt)
	assert.Equal(t, "token-123", msg.OboToken)
	assert.Equal(t, "trace-abc", msg.TraceID)
	assert.Equal(t, "formal", msg.Payload["tone"])
	require.Len(t, msg.RoutingSlip.Itinerary, 2)
	assert.Equal(t, "echo", msg.RoutingSlip.Itinerary[0].AgentName)
	require.NotNil(t, msg.RoutingSlip.Itinerary[0].Deps)
	assert.Equal(t, "echo.deps", msg.RoutingSlip.Itinerary[0].Deps.Type)
	assert.JSONEq(t, `{"suffix":"!"}`, string(msg.RoutingSlip.Itinerary[0].Deps.Data))
	assert.Empty(t, msg.RoutingSlip.Executed)

	// Availability snapshot covers both runway agents.
	assert.Contains(t, msg.ActivityRegistry, "echo")
	assert.Contains(t, msg.ActivityRegistry, "reviewer")

	// The workflow row is pending with a snapshot.
	rec, err := repo.GetWorkflow(ctx, correlationID)
	require.NoError(t, err)
	assert.Equal(t, repository.WorkflowPending, rec.Status)
	assert.NotEmpty(t, rec.Snapshot)
}

func TestRegisterActivityIsNotScheduled(t *testing.T) {
	ctx := context.Background()
	tr := inmem.New()
	require.NoError(t, tr.Connect(ctx))
	d, err := dispatch.New(tr, newRegistry(t))
	require.NoError(t, err)

	require.NoError(t, d.AddToRunway("echo", "hi", nil))
	require.NoError(t, d.RegisterActivity("echo", "later", nil))

	correlationID, err := d.DispatchWorkflow(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, correlationID)

	sub, err := tr.Subscribe(ctx, "echo")
	require.NoError(t, err)
	delivery := <-sub.Deliveries()
	msg, err := paigeant.Decode(delivery.Body)
	require.NoError(t, err)
	assert.Len(t, msg.RoutingSlip.Itinerary, 1, "registered-only activities are not scheduled")
	assert.Contains(t, msg.ActivityRegistry, "echo")
}

func TestAddToRunwayUnknownAgentWithDeps(t *testing.T) {
	tr := inmem.New()
	require.NoError(t, tr.Connect(context.Background()))
	d, err := dispatch.New(tr, newRegistry(t))
	require.NoError(t, err)

	err = d.AddToRunway("mystery", "prompt", echoDeps{})
	var unknown *paigeant.UnknownAgentError
	assert.ErrorAs(t, err, &unknown)
}
