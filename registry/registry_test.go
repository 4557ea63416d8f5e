package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/paigeant"
)

type searchDeps struct {
	Host  string `json:"host"`
	Limit int    `json:"limit,omitempty"`
}

func echoRunner() Runner {
	return RunnerFunc(func(ctx context.Context, call *Call) (any, error) {
		return call.Prompt, nil
	})
}

func TestRegisterAndLookup(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register(Agent{Name: "echo", Runner: echoRunner()}))

	agent, ok := reg.Lookup("echo")
	require.True(t, ok)
	assert.Equal(t, "echo", agent.Name)
	require.NotNil(t, agent.Runner)

	_, ok = reg.Lookup("missing")
	assert.False(t, ok)
}

func TestRegisterRejectsDuplicatesAndEmptyNames(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register(Agent{Name: "echo", Runner: echoRunner()}))
	assert.Error(t, reg.Register(Agent{Name: "echo", Runner: echoRunner()}))
	assert.Error(t, reg.Register(Agent{Runner: echoRunner()}))
}

func TestNamesSorted(t *testing.T) {
	reg := New()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, reg.Register(Agent{Name: name, Runner: echoRunner()}))
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, reg.Names())
}

func TestEditItineraryRequiresCapability(t *testing.T) {
	call := &Call{AgentName: "echo"}
	err := call.EditItinerary(context.Background(), paigeant.Insertion{AgentName: "notifier", Prompt: "post"})
	assert.ErrorIs(t, err, ErrEditNotAllowed)

	var got []paigeant.Insertion
	call.Edit = func(ctx context.Context, insertions []paigeant.Insertion) error {
		got = insertions
		return nil
	}
	require.NoError(t, call.EditItinerary(context.Background(),
		paigeant.Insertion{AgentName: "notifier", Prompt: "post"},
		paigeant.Insertion{AgentName: "archiver", Prompt: "store"},
	))
	require.Len(t, got, 2)
	assert.Equal(t, "notifier", got[0].AgentName)
	assert.Equal(t, "archiver", got[1].AgentName)
}

func TestJSONCodecRoundTrip(t *testing.T) {
	codec, err := NewJSONCodec[searchDeps]("SearchDeps", "example/agents")
	require.NoError(t, err)
	assert.Equal(t, "SearchDeps", codec.TypeTag())
	assert.Equal(t, "example/agents", codec.ModuleHint())

	data, err := codec.Encode(searchDeps{Host: "db.internal", Limit: 10})
	require.NoError(t, err)
	assert.JSONEq(t, `{"host":"db.internal","limit":10}`, string(data))

	value, err := codec.Decode(data)
	require.NoError(t, err)
	deps, ok := value.(searchDeps)
	require.True(t, ok)
	assert.Equal(t, "db.internal", deps.Host)
	assert.Equal(t, 10, deps.Limit)
}

func TestJSONCodecRejectsWrongType(t *testing.T) {
	codec, err := NewJSONCodec[searchDeps]("SearchDeps", "example/agents")
	require.NoError(t, err)
	_, err = codec.Encode("not a struct")
	assert.Error(t, err)
}

func TestJSONCodecSchema(t *testing.T) {
	schema := []byte(`{
		"type": "object",
		"required": ["host"],
		"properties": {
			"host": {"type": "string"},
			"limit": {"type": "integer"}
		}
	}`)
	codec, err := NewJSONCodec[searchDeps]("SearchDeps", "example/agents", WithSchema(schema))
	require.NoError(t, err)

	_, err = codec.Encode(searchDeps{Limit: 3})
	assert.Error(t, err, "missing required host must fail validation")

	data, err := codec.Encode(searchDeps{Host: "db.internal"})
	require.NoError(t, err)

	_, err = codec.Decode(data)
	assert.NoError(t, err)

	_, err = codec.Decode([]byte(`{"limit":"many"}`))
	assert.Error(t, err)
}

func TestJSONCodecRejectsBadSchema(t *testing.T) {
	_, err := NewJSONCodec[searchDeps]("SearchDeps", "example/agents", WithSchema([]byte(`{`)))
	assert.Error(t, err)

	_, err = NewJSONCodec[searchDeps]("", "example/agents")
	assert.Error(t, err)
}
