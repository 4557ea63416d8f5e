package paigeant

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// SpecVersion is the envelope version stamped on new messages. Decoding
	// accepts any version with the same major number.
	SpecVersion = "1.0"

	specMajor = "1"

	// PayloadKeyPreviousOutput is the reserved payload key holding the
	// immediately prior step's output.
	PayloadKeyPreviousOutput = "previous_output"
)

type (
	// Message is the wire envelope. Everything a step needs travels inside
	// it: workflow identity, security context, user payload, and the routing
	// slip. Top-level keys not known to this version are preserved across
	// decode and re-encode so newer peers can extend the envelope safely.
	Message struct {
		MessageID        string
		CorrelationID    string
		RunID            string
		TraceID          string
		Timestamp        Timestamp
		OboToken         string
		Signature        string
		SpecVersion      string
		Attempt          int
		Payload          map[string]any
		RoutingSlip      RoutingSlip
		ActivityRegistry map[string]ActivitySpec

		unknown map[string]json.RawMessage
	}

	// StepResult captures the outcome of a completed step for Advance.
	StepResult struct {
		Output     any
		OutputRef  string
		StartedAt  time.Time
		FinishedAt time.Time
	}
)

// NewMessage builds a first-emission envelope around the given slip: fresh
// message, correlation, and run IDs, attempt zero, current spec version.
func NewMessage(slip RoutingSlip, payload map[string]any) *Message {
	return &Message{
		MessageID:     uuid.NewString(),
		CorrelationID: uuid.NewString(),
		RunID:         uuid.NewString(),
		Timestamp:     Now(),
		SpecVersion:   SpecVersion,
		Payload:       payload,
		RoutingSlip:   slip,
	}
}

// Decode parses and validates a wire envelope. All failures wrap
// ErrMalformedMessage; such deliveries are acked and dropped, never requeued.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Encode renders the canonical wire form: validated, deterministic key
// order, stable under re-encoding of an unmodified envelope.
func (m *Message) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Validate checks required fields, version compatibility, and the routing
// slip's structural invariants.
func (m *Message) Validate() error {
	switch {
	case m.MessageID == "":
		return fmt.Errorf("%w: message_id is required", ErrMalformedMessage)
	case m.CorrelationID == "":
		return fmt.Errorf("%w: correlation_id is required", ErrMalformedMessage)
	case m.RunID == "":
		return fmt.Errorf("%w: run_id is required", ErrMalformedMessage)
	case m.SpecVersion == "":
		return fmt.Errorf("%w: spec_version is required", ErrMalformedMessage)
	case m.Timestamp.IsZero():
		return fmt.Errorf("%w: timestamp is required", ErrMalformedMessage)
	case m.Attempt < 0:
		return fmt.Errorf("%w: attempt is negative", ErrMalformedMessage)
	}
	if major, _, _ := strings.Cut(m.SpecVersion, "."); major != specMajor {
		return fmt.Errorf("%w: unsupported spec_version %q", ErrMalformedMessage, m.SpecVersion)
	}
	if err := m.RoutingSlip.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	for agent := range m.RoutingSlip.itineraryAgents() {
		if m.RoutingSlip.ExecutedAgent(agent) {
			return fmt.Errorf("%w: itinerary revisits executed step %q", ErrMalformedMessage, agent)
		}
	}
	return nil
}

// Head returns the next step to execute, or nil when the workflow is done.
func (m *Message) Head() *ActivitySpec {
	return m.RoutingSlip.Head()
}

// PreviousOutput returns the prior step's output and whether one was set.
func (m *Message) PreviousOutput() (any, bool) {
	if m.Payload == nil {
		return nil, false
	}
	v, ok := m.Payload[PayloadKeyPreviousOutput]
	return v, ok
}

// UnknownField returns the raw value of a preserved top-level key that this
// version of the envelope does not model.
func (m *Message) UnknownField(key string) (json.RawMessage, bool) {
	v, ok := m.unknown[key]
	return v, ok
}

// Advance returns the envelope for the next hop: the head step moves to the
// executed log with its outcome, the output becomes payload.previous_output,
// the attempt counter resets, and a fresh message ID is assigned. Workflow
// identity, trace context, security context, the availability snapshot, and
// unknown keys all carry over.
func (m *Message) Advance(res StepResult) (*Message, error) {
	head := m.RoutingSlip.Head()
	if head == nil {
		return nil, ErrEmptyItinerary
	}
	rec := ExecutedActivity{
		AgentName:  head.AgentName,
		StartedAt:  NewTimestamp(res.StartedAt),
		FinishedAt: NewTimestamp(res.FinishedAt),
		OutputRef:  res.OutputRef,
		Status:     ExecutedCompleted,
	}
	next := m.clone()
	next.MessageID = uuid.NewString()
	next.Attempt = 0
	next.Timestamp = Now()
	next.RoutingSlip.Itinerary = next.RoutingSlip.Itinerary[1:]
	next.RoutingSlip.Executed = append(next.RoutingSlip.Executed, rec)
	if next.Payload == nil {
		next.Payload = make(map[string]any, 1)
	}
	next.Payload[PayloadKeyPreviousOutput] = res.Output
	return next, nil
}

// RetryClone returns the envelope republished after a retryable failure: a
// fresh message ID and an incremented attempt counter, with the run ID, the
// slip, and everything else preserved. The failure itself is recorded in the
// step's repository row, not in the envelope.
func (m *Message) RetryClone() *Message {
	c := m.clone()
	c.MessageID = uuid.NewString()
	c.Attempt = m.Attempt + 1
	c.Timestamp = Now()
	return c
}

// InsertSteps splices steps immediately after the currently executing head,
// so they run next once the head advances. The call is all-or-nothing: if
// the cumulative insertion count would exceed bound, or any step revisits an
// executed or pending agent, the slip is left untouched and the violation is
// returned.
func (m *Message) InsertSteps(steps []ActivitySpec, bound int) error {
	if len(steps) == 0 {
		return nil
	}
	if bound < 0 {
		bound = 0
	}
	if m.RoutingSlip.InsertedCount+len(steps) > bound {
		return fmt.Errorf("%w: %d inserted so far, %d requested, bound %d",
			ErrInsertionBound, m.RoutingSlip.InsertedCount, len(steps), bound)
	}
	pending := m.RoutingSlip.itineraryAgents()
	for _, s := range steps {
		if s.AgentName == "" {
			return fmt.Errorf("%w: agent_name is empty", ErrUnknownActivity)
		}
		if m.RoutingSlip.ExecutedAgent(s.AgentName) {
			return fmt.Errorf("%w: %q already executed in this run", ErrItineraryCycle, s.AgentName)
		}
		if _, ok := pending[s.AgentName]; ok {
			return fmt.Errorf("%w: %q already pending in the itinerary", ErrItineraryCycle, s.AgentName)
		}
		pending[s.AgentName] = struct{}{}
	}
	itin := m.RoutingSlip.Itinerary
	out := make([]ActivitySpec, 0, len(itin)+len(steps))
	if len(itin) > 0 {
		out = append(out, itin[0])
	}
	for _, s := range steps {
		out = append(out, s.clone())
	}
	if len(itin) > 1 {
		out = append(out, itin[1:]...)
	}
	m.RoutingSlip.Itinerary = out
	m.RoutingSlip.InsertedCount += len(steps)
	return nil
}

// clone deep-copies the envelope so derived messages never alias the source.
func (m *Message) clone() *Message {
	c := *m
	c.RoutingSlip = m.RoutingSlip.clone()
	if m.Payload != nil {
		c.Payload = make(map[string]any, len(m.Payload))
		for k, v := range m.Payload {
			c.Payload[k] = v
		}
	}
	if m.ActivityRegistry != nil {
		c.ActivityRegistry = make(map[string]ActivitySpec, len(m.ActivityRegistry))
		for k, v := range m.ActivityRegistry {
			c.ActivityRegistry[k] = v.clone()
		}
	}
	if m.unknown != nil {
		c.unknown = make(map[string]json.RawMessage, len(m.unknown))
		for k, v := range m.unknown {
			c.unknown[k] = v
		}
	}
	return &c
}

// Wire keys of the envelope. Kept in one place so MarshalJSON and
// UnmarshalJSON cannot drift apart.
const (
	keyMessageID        = "message_id"
	keyCorrelationID    = "correlation_id"
	keyRunID            = "run_id"
	keyTraceID          = "trace_id"
	keyTimestamp        = "timestamp"
	keyOboToken         = "obo_token"
	keySignature        = "signature"
	keySpecVersion      = "spec_version"
	keyAttempt          = "attempt"
	keyPayload          = "payload"
	keyRoutingSlip      = "routing_slip"
	keyActivityRegistry = "activity_registry"
)

// MarshalJSON renders the envelope with the canonical snake_case keys and
// merges back any preserved unknown keys. Key order is deterministic.
func (m Message) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(m.unknown)+12)
	for k, v := range m.unknown {
		fields[k] = v
	}
	set := func(key string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", key, err)
		}
		fields[key] = raw
		return nil
	}
	payload := m.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	required := []struct {
		key string
		val any
	}{
		{keyMessageID, m.MessageID},
		{keyCorrelationID, m.CorrelationID},
		{keyRunID, m.RunID},
		{keyTimestamp, m.Timestamp},
		{keySpecVersion, m.SpecVersion},
		{keyAttempt, m.Attempt},
		{keyPayload, payload},
		{keyRoutingSlip, m.RoutingSlip},
	}
	for _, f := range required {
		if err := set(f.key, f.val); err != nil {
			return nil, err
		}
	}
	if m.TraceID != "" {
		if err := set(keyTraceID, m.TraceID); err != nil {
			return nil, err
		}
	}
	if m.OboToken != "" {
		if err := set(keyOboToken, m.OboToken); err != nil {
			return nil, err
		}
	}
	if m.Signature != "" {
		if err := set(keySignature, m.Signature); err != nil {
			return nil, err
		}
	}
	if len(m.ActivityRegistry) > 0 {
		if err := set(keyActivityRegistry, m.ActivityRegistry); err != nil {
			return nil, err
		}
	}
	return json.Marshal(fields)
}

// UnmarshalJSON decodes the known keys and keeps every other top-level key
// verbatim for re-emission.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Message{}
	take := func(key string, dst any) error {
		v, ok := raw[key]
		if !ok {
			return nil
		}
		delete(raw, key)
		if string(v) == "null" {
			return nil
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		return nil
	}
	for _, f := range []struct {
		key string
		dst any
	}{
		{keyMessageID, &m.MessageID},
		{keyCorrelationID, &m.CorrelationID},
		{keyRunID, &m.RunID},
		{keyTraceID, &m.TraceID},
		{keyTimestamp, &m.Timestamp},
		{keyOboToken, &m.OboToken},
		{keySignature, &m.Signature},
		{keySpecVersion, &m.SpecVersion},
		{keyAttempt, &m.Attempt},
		{keyPayload, &m.Payload},
		{keyRoutingSlip, &m.RoutingSlip},
		{keyActivityRegistry, &m.ActivityRegistry},
	} {
		if err := take(f.key, f.dst); err != nil {
			return err
		}
	}
	if len(raw) > 0 {
		m.unknown = raw
	}
	return nil
}
