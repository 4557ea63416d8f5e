// Package dispatch assembles and emits the initial message of a workflow.
// The dispatcher is intentionally thin: it builds the routing slip from the
// runway, records the workflow as pending, and publishes to the first
// agent's topic. It never validates runner availability; a worker for the
// first agent may not be running yet, in which case the message waits on
// the durable topic.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"goa.design/paigeant"
	"goa.design/paigeant/registry"
	"goa.design/paigeant/repository"
	"goa.design/paigeant/telemetry"
	"goa.design/paigeant/transport"
)

type (
	// Option configures a Dispatcher.
	Option func(*Dispatcher)

	// DispatchOption configures a single DispatchWorkflow call.
	DispatchOption func(*dispatchConfig)

	// Dispatcher builds workflows from registered activities and emits
	// them. Safe for concurrent use, though a dispatcher is typically
	// built, loaded, and dispatched once.
	Dispatcher struct {
		transport transport.Transport
		registry  *registry.Registry
		repo      repository.Repository
		logger    telemetry.Logger
		metrics   telemetry.Metrics
		tracer    telemetry.Tracer
		signer    Signer

		mu        sync.Mutex
		runway    []paigeant.ActivitySpec
		available map[string]paigeant.ActivitySpec
	}

	// Signer produces the envelope signature from the encoded message
	// bytes. The engine treats both the canonicalization and the signature
	// as opaque; operators supply matching Signer and verifier ends.
	Signer interface {
		Sign(ctx context.Context, body []byte) (string, error)
	}

	dispatchConfig struct {
		payload  map[string]any
		oboToken string
		traceID  string
	}
)

// WithRepository records workflow lifecycle in the given repository.
func WithRepository(repo repository.Repository) Option {
	return func(d *Dispatcher) { d.repo = repo }
}

// WithLogger overrides the structured logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithMetrics overrides the metrics recorder.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = metrics }
}

// WithTracer overrides the tracer.
func WithTracer(tracer telemetry.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = tracer }
}

// WithSigner signs every dispatched envelope.
func WithSigner(signer Signer) Option {
	return func(d *Dispatcher) { d.signer = signer }
}

// WithPayload seeds the workflow payload.
func WithPayload(payload map[string]any) DispatchOption {
	return func(c *dispatchConfig) { c.payload = payload }
}

// WithOBOToken attaches an on-behalf-of token to the envelope.
func WithOBOToken(token string) DispatchOption {
	return func(c *dispatchConfig) { c.oboToken = token }
}

// WithTraceID overrides the propagated trace ID. By default the dispatcher
// uses the trace of the active OTEL span, when one exists.
func WithTraceID(id string) DispatchOption {
	return func(c *dispatchConfig) { c.traceID = id }
}

// New builds a dispatcher on the given transport and registry.
func New(tr transport.Transport, reg *registry.Registry, opts ...Option) (*Dispatcher, error) {
	if tr == nil {
		return nil, errors.New("transport is required")
	}
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	d := &Dispatcher{
		transport: tr,
		registry:  reg,
		logger:    telemetry.NewNoopLogger(),
		metrics:   telemetry.NewNoopMetrics(),
		tracer:    telemetry.NewNoopTracer(),
		available: make(map[string]paigeant.ActivitySpec),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// AddToRunway appends the named agent's activity to the itinerary. The deps
// value is encoded with the agent's registered codec; the resulting spec is
// also recorded in the availability snapshot so dynamic insertions may
// reference it.
func (d *Dispatcher) AddToRunway(agent, prompt string, deps any) error {
	spec, err := d.buildSpec(agent, prompt, deps)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.runway = append(d.runway, spec)
	d.available[agent] = spec
	return nil
}

// Add appends a pre-built spec to the runway without consulting the
// registry. Callers are responsible for the deps blob.
func (d *Dispatcher) Add(spec paigeant.ActivitySpec) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.runway = append(d.runway, spec)
	d.available[spec.AgentName] = spec
}

// RegisterActivity records the agent in the availability snapshot without
// scheduling it. Dynamic insertions may only name activities registered
// this way or via AddToRunway.
func (d *Dispatcher) RegisterActivity(agent, prompt string, deps any) error {
	spec, err := d.buildSpec(agent, prompt, deps)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.available[agent] = spec
	return nil
}

// DispatchWorkflow performs the dispatch sequence: build the slip from the
// runway, create the envelope, record the workflow as pending, and publish
// to the first agent's topic. It returns the workflow's correlation ID.
func (d *Dispatcher) DispatchWorkflow(ctx context.Context, opts ...DispatchOption) (string, error) {
	var cfg dispatchConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	d.mu.Lock()
	itinerary := make([]paigeant.ActivitySpec, len(d.runway))
	copy(itinerary, d.runway)
	available := make(map[string]paigeant.ActivitySpec, len(d.available))
	for k, v := range d.available {
		available[k] = v
	}
	d.mu.Unlock()

	if len(itinerary) == 0 {
		return "", paigeant.ErrEmptyItinerary
	}

	ctx, span := d.tracer.Start(ctx, "paigeant.dispatch")
	defer span.End()

	msg := paigeant.NewMessage(paigeant.RoutingSlip{Itinerary: itinerary}, cfg.payload)
	msg.OboToken = cfg.oboToken
	msg.ActivityRegistry = available
	msg.TraceID = cfg.traceID
	if msg.TraceID == "" {
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			msg.TraceID = sc.TraceID().String()
		}
	}

	body, err := msg.Encode()
	if err != nil {
		return "", fmt.Errorf("encode workflow message: %w", err)
	}
	if d.signer != nil {
		sig, err := d.signer.Sign(ctx, body)
		if err != nil {
			return "", fmt.Errorf("sign workflow message: %w", err)
		}
		msg.Signature = sig
		if body, err = msg.Encode(); err != nil {
			return "", fmt.Errorf("encode signed workflow message: %w", err)
		}
	}

	if d.repo != nil {
		snapshot, err := workflowSnapshot(msg)
		if err != nil {
			return "", err
		}
		if err := d.repo.RecordWorkflow(ctx, repository.WorkflowRecord{
			CorrelationID: msg.CorrelationID,
			Status:        repository.WorkflowPending,
			Snapshot:      snapshot,
		}); err != nil {
			return "", fmt.Errorf("record workflow %s: %w", msg.CorrelationID, err)
		}
	}

	topic := itinerary[0].AgentName
	if err := d.transport.Publish(ctx, topic, body); err != nil {
		return "", fmt.Errorf("publish workflow %s to %q: %w", msg.CorrelationID, topic, err)
	}

	d.logger.Info(ctx, "workflow dispatched",
		"correlation_id", msg.CorrelationID,
		"run_id", msg.RunID,
		"agent_name", topic,
		"attempt", msg.Attempt,
		"steps", len(itinerary),
	)
	d.metrics.IncCounter(telemetry.MetricWorkflowsDispatched, 1, "agent", topic)
	return msg.CorrelationID, nil
}

// buildSpec encodes deps with the agent's registered codec and returns the
// completed activity spec.
func (d *Dispatcher) buildSpec(agent, prompt string, deps any) (paigeant.ActivitySpec, error) {
	if agent == "" {
		return paigeant.ActivitySpec{}, errors.New("agent name is required")
	}
	spec := paigeant.NewActivitySpec(agent, prompt)
	if deps == nil {
		return spec, nil
	}
	entry, ok := d.registry.Lookup(agent)
	if !ok {
		return paigeant.ActivitySpec{}, &paigeant.UnknownAgentError{Agent: agent}
	}
	if entry.Deps == nil {
		return paigeant.ActivitySpec{}, fmt.Errorf("agent %q has no dependency codec", agent)
	}
	data, err := entry.Deps.Encode(deps)
	if err != nil {
		return paigeant.ActivitySpec{}, fmt.Errorf("encode deps for %q: %w", agent, err)
	}
	spec.Deps = &paigeant.SerializedDeps{
		Type:   entry.Deps.TypeTag(),
		Module: entry.Deps.ModuleHint(),
		Data:   data,
	}
	return spec, nil
}

// workflowSnapshot renders the {routing_slip, payload} pair stored on the
// workflow row.
func workflowSnapshot(msg *paigeant.Message) (json.RawMessage, error) {
	snap, err := json.Marshal(map[string]any{
		"routing_slip": msg.RoutingSlip,
		"payload":      msg.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot workflow %s: %w", msg.CorrelationID, err)
	}
	return snap, nil
}
