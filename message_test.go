package paigeant

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSlip() RoutingSlip {
	transcriber := NewActivitySpec("transcriber", "transcribe the call")
	transcriber.Deps = &SerializedDeps{
		Type:   "TranscriberDeps",
		Module: "example/agents",
		Data:   json.RawMessage(`{"language":"en"}`),
	}
	summarizer := NewActivitySpec("summarizer", "summarize the transcript")
	return RoutingSlip{
		Itinerary: []ActivitySpec{transcriber, summarizer},
	}
}

func testMessage() *Message {
	m := NewMessage(testSlip(), map[string]any{"tenant": "acme"})
	m.TraceID = "trace-1234"
	m.OboToken = "obo-token"
	m.Signature = "sig"
	return m
}

func TestMessageEncodeDecodeRoundTrip(t *testing.T) {
	msg := testMessage()
	msg.ActivityRegistry = map[string]ActivitySpec{
		"notifier": NewActivitySpec("notifier", "post an update"),
	}

	data, err := msg.Encode()
	require.NoError(t, err)

	dec, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, msg.MessageID, dec.MessageID)
	assert.Equal(t, msg.CorrelationID, dec.CorrelationID)
	assert.Equal(t, msg.RunID, dec.RunID)
	assert.Equal(t, msg.TraceID, dec.TraceID)
	assert.Equal(t, msg.OboToken, dec.OboToken)
	assert.Equal(t, msg.Signature, dec.Signature)
	assert.Equal(t, msg.SpecVersion, dec.SpecVersion)
	assert.Equal(t, msg.Attempt, dec.Attempt)
	assert.True(t, msg.Timestamp.Equal(dec.Timestamp))
	assert.Equal(t, msg.Payload, dec.Payload)
	assert.Equal(t, msg.RoutingSlip, dec.RoutingSlip)
	assert.Equal(t, msg.ActivityRegistry, dec.ActivityRegistry)
}

func TestMessageEncodeStable(t *testing.T) {
	msg := testMessage()

	first, err := msg.Encode()
	require.NoError(t, err)

	dec, err := Decode(first)
	require.NoError(t, err)

	second, err := dec.Encode()
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestMessageUnknownKeysPreserved(t *testing.T) {
	data, err := testMessage().Encode()
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &fields))
	fields["x_extension"] = json.RawMessage(`{"mode":"fast","level":3}`)
	extended, err := json.Marshal(fields)
	require.NoError(t, err)

	dec, err := Decode(extended)
	require.NoError(t, err)

	raw, ok := dec.UnknownField("x_extension")
	require.True(t, ok)
	assert.JSONEq(t, `{"mode":"fast","level":3}`, string(raw))

	// The key survives re-encoding and every derived envelope.
	reenc, err := dec.Encode()
	require.NoError(t, err)
	redec, err := Decode(reenc)
	require.NoError(t, err)
	_, ok = redec.UnknownField("x_extension")
	assert.True(t, ok)

	next, err := dec.Advance(StepResult{Output: "done", StartedAt: time.Now(), FinishedAt: time.Now()})
	require.NoError(t, err)
	_, ok = next.UnknownField("x_extension")
	assert.True(t, ok)

	clone := dec.RetryClone()
	_, ok = clone.UnknownField("x_extension")
	assert.True(t, ok)
}

func TestDecodeMalformed(t *testing.T) {
	valid, err := testMessage().Encode()
	require.NoError(t, err)

	mutate := func(t *testing.T, fn func(map[string]json.RawMessage)) []byte {
		t.Helper()
		var fields map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(valid, &fields))
		fn(fields)
		data, err := json.Marshal(fields)
		require.NoError(t, err)
		return data
	}

	cases := []struct {
		name string
		data []byte
	}{
		{"not json", []byte(`{`)},
		{"missing message_id", mutate(t, func(f map[string]json.RawMessage) { delete(f, "message_id") })},
		{"missing correlation_id", mutate(t, func(f map[string]json.RawMessage) { delete(f, "correlation_id") })},
		{"missing run_id", mutate(t, func(f map[string]json.RawMessage) { delete(f, "run_id") })},
		{"missing spec_version", mutate(t, func(f map[string]json.RawMessage) { delete(f, "spec_version") })},
		{"missing timestamp", mutate(t, func(f map[string]json.RawMessage) { delete(f, "timestamp") })},
		{"negative attempt", mutate(t, func(f map[string]json.RawMessage) { f["attempt"] = json.RawMessage(`-1`) })},
		{"future major version", mutate(t, func(f map[string]json.RawMessage) { f["spec_version"] = json.RawMessage(`"2.0"`) })},
		{"empty agent name", mutate(t, func(f map[string]json.RawMessage) {
			f["routing_slip"] = json.RawMessage(`{"itinerary":[{"agent_name":"","prompt":"p"}],"executed":[],"compensations":[],"inserted_count":0}`)
		})},
		{"itinerary revisits executed", mutate(t, func(f map[string]json.RawMessage) {
			f["routing_slip"] = json.RawMessage(`{
				"itinerary":[{"agent_name":"transcriber","prompt":"p"}],
				"executed":[{"agent_name":"transcriber","started_at":"2026-01-02T03:04:05.000Z","finished_at":"2026-01-02T03:04:06.000Z","status":"completed"}],
				"compensations":[],"inserted_count":0}`)
		})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.data)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedMessage), "want ErrMalformedMessage, got %v", err)
		})
	}
}

func TestActivitySpecPreviousOutputDefault(t *testing.T) {
	var absent ActivitySpec
	require.NoError(t, json.Unmarshal([]byte(`{"agent_name":"a","prompt":"p"}`), &absent))
	assert.True(t, absent.ExpectsPreviousOutput)

	var explicit ActivitySpec
	require.NoError(t, json.Unmarshal([]byte(`{"agent_name":"a","prompt":"p","expects_previous_output":false}`), &explicit))
	assert.False(t, explicit.ExpectsPreviousOutput)

	data, err := json.Marshal(explicit)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"expects_previous_output":false`)
}

func TestAdvance(t *testing.T) {
	msg := testMessage()
	msg.Attempt = 2
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	finished := started.Add(3 * time.Second)

	next, err := msg.Advance(StepResult{
		Output:     "transcript text",
		OutputRef:  "transcript te",
		StartedAt:  started,
		FinishedAt: finished,
	})
	require.NoError(t, err)

	// Head moved to the executed tail exactly once.
	require.Len(t, next.RoutingSlip.Itinerary, 1)
	assert.Equal(t, "summarizer", next.RoutingSlip.Itinerary[0].AgentName)
	require.Len(t, next.RoutingSlip.Executed, 1)
	rec := next.RoutingSlip.Executed[0]
	assert.Equal(t, "transcriber", rec.AgentName)
	assert.Equal(t, ExecutedCompleted, rec.Status)
	assert.Equal(t, "transcript te", rec.OutputRef)
	assert.True(t, rec.StartedAt.Equal(NewTimestamp(started)))
	assert.True(t, rec.FinishedAt.Equal(NewTimestamp(finished)))

	// Fresh publication identity, preserved workflow identity.
	assert.NotEqual(t, msg.MessageID, next.MessageID)
	assert.Equal(t, msg.CorrelationID, next.CorrelationID)
	assert.Equal(t, msg.RunID, next.RunID)
	assert.Equal(t, msg.TraceID, next.TraceID)
	assert.Equal(t, msg.OboToken, next.OboToken)
	assert.Equal(t, msg.Signature, next.Signature)
	assert.Equal(t, 0, next.Attempt)

	out, ok := next.PreviousOutput()
	require.True(t, ok)
	assert.Equal(t, "transcript text", out)

	// The source envelope is untouched.
	assert.Len(t, msg.RoutingSlip.Itinerary, 2)
	assert.Empty(t, msg.RoutingSlip.Executed)
	_, ok = msg.PreviousOutput()
	assert.False(t, ok)
}

func TestAdvanceEmptyItinerary(t *testing.T) {
	msg := NewMessage(RoutingSlip{}, nil)
	_, err := msg.Advance(StepResult{Output: "x"})
	assert.ErrorIs(t, err, ErrEmptyItinerary)
}

func TestRetryClone(t *testing.T) {
	msg := testMessage()
	msg.Attempt = 1

	clone := msg.RetryClone()

	assert.NotEqual(t, msg.MessageID, clone.MessageID)
	assert.Equal(t, 2, clone.Attempt)
	assert.Equal(t, msg.CorrelationID, clone.CorrelationID)
	assert.Equal(t, msg.RunID, clone.RunID)
	assert.Equal(t, msg.RoutingSlip, clone.RoutingSlip)
	assert.Equal(t, msg.Payload, clone.Payload)

	// Mutating the clone leaves the source alone.
	clone.Payload["tenant"] = "other"
	clone.RoutingSlip.Itinerary[0].Prompt = "changed"
	assert.Equal(t, "acme", msg.Payload["tenant"])
	assert.Equal(t, "transcribe the call", msg.RoutingSlip.Itinerary[0].Prompt)
}

func TestInsertSteps(t *testing.T) {
	t.Run("splices after the current head", func(t *testing.T) {
		msg := testMessage()
		steps := []ActivitySpec{
			NewActivitySpec("redactor", "redact names"),
			NewActivitySpec("notifier", "post an update"),
		}
		require.NoError(t, msg.InsertSteps(steps, 3))

		var agents []string
		for _, s := range msg.RoutingSlip.Itinerary {
			agents = append(agents, s.AgentName)
		}
		assert.Equal(t, []string{"transcriber", "redactor", "notifier", "summarizer"}, agents)
		assert.Equal(t, 2, msg.RoutingSlip.InsertedCount)
	})

	t.Run("rejects when the bound would be exceeded", func(t *testing.T) {
		msg := testMessage()
		steps := []ActivitySpec{
			NewActivitySpec("redactor", "redact names"),
			NewActivitySpec("notifier", "post an update"),
		}
		err := msg.InsertSteps(steps, 1)
		assert.ErrorIs(t, err, ErrInsertionBound)
		assert.Len(t, msg.RoutingSlip.Itinerary, 2)
		assert.Equal(t, 0, msg.RoutingSlip.InsertedCount)
	})

	t.Run("rejects a zero bound outright", func(t *testing.T) {
		msg := testMessage()
		err := msg.InsertSteps([]ActivitySpec{NewActivitySpec("notifier", "post")}, 0)
		assert.ErrorIs(t, err, ErrInsertionBound)
		assert.Equal(t, 0, msg.RoutingSlip.InsertedCount)
	})

	t.Run("rejects a cycle with an executed step", func(t *testing.T) {
		msg := testMessage()
		msg.RoutingSlip.Executed = []ExecutedActivity{{
			AgentName:  "notifier",
			StartedAt:  Now(),
			FinishedAt: Now(),
			Status:     ExecutedCompleted,
		}}
		err := msg.InsertSteps([]ActivitySpec{NewActivitySpec("notifier", "again")}, 3)
		assert.ErrorIs(t, err, ErrItineraryCycle)
	})

	t.Run("rejects a duplicate of a pending step", func(t *testing.T) {
		msg := testMessage()
		err := msg.InsertSteps([]ActivitySpec{NewActivitySpec("summarizer", "again")}, 3)
		assert.ErrorIs(t, err, ErrItineraryCycle)
	})

	t.Run("accumulates across calls", func(t *testing.T) {
		msg := testMessage()
		require.NoError(t, msg.InsertSteps([]ActivitySpec{NewActivitySpec("redactor", "r")}, 2))
		require.NoError(t, msg.InsertSteps([]ActivitySpec{NewActivitySpec("notifier", "n")}, 2))
		err := msg.InsertSteps([]ActivitySpec{NewActivitySpec("archiver", "a")}, 2)
		assert.ErrorIs(t, err, ErrInsertionBound)
		assert.Equal(t, 2, msg.RoutingSlip.InsertedCount)
	})

	t.Run("no steps is a no-op", func(t *testing.T) {
		msg := testMessage()
		require.NoError(t, msg.InsertSteps(nil, 0))
		assert.Len(t, msg.RoutingSlip.Itinerary, 2)
	})
}

func TestNewMessage(t *testing.T) {
	msg := NewMessage(testSlip(), nil)
	assert.NotEmpty(t, msg.MessageID)
	assert.NotEmpty(t, msg.CorrelationID)
	assert.NotEmpty(t, msg.RunID)
	assert.NotEqual(t, msg.MessageID, msg.CorrelationID)
	assert.Equal(t, SpecVersion, msg.SpecVersion)
	assert.Equal(t, 0, msg.Attempt)
	assert.False(t, msg.Timestamp.IsZero())
}
