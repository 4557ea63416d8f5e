// Package worker runs the activity executor: the long-running loop that
// consumes an agent's topic, invokes its runner, records step lifecycle,
// and forwards the workflow to the next agent. One executor instance
// processes one message at a time; multiple instances on the same agent
// form a competing-consumer group through the transport.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"

	"goa.design/paigeant"
	"goa.design/paigeant/registry"
	"goa.design/paigeant/repository"
	"goa.design/paigeant/telemetry"
	"goa.design/paigeant/transport"
)

// Engine-wide defaults, overridable per executor.
const (
	DefaultMaxAttempts   = 3
	DefaultMaxInsertions = 3
)

type (
	// Option configures an Executor.
	Option func(*Executor)

	// OBOVerifier validates the on-behalf-of token carried by an envelope.
	// Verification failure is permanent for the workflow.
	OBOVerifier interface {
		Verify(ctx context.Context, token string) error
	}

	// SignatureVerifier checks the envelope signature against the raw
	// delivery bytes. The engine invents no canonicalization; operators
	// supply matching signer and verifier ends.
	SignatureVerifier interface {
		Verify(ctx context.Context, body []byte, signature string) error
	}

	// Signer re-signs envelopes the executor publishes. Advance and retry
	// clones change the envelope content, so a deployment that verifies
	// signatures must also configure workers to sign what they forward.
	Signer interface {
		Sign(ctx context.Context, body []byte) (string, error)
	}

	// Executor consumes one agent's topic and executes its activities.
	Executor struct {
		transport     transport.Transport
		registry      *registry.Registry
		agentName     string
		agent         registry.Agent
		repo          repository.Repository
		logger        telemetry.Logger
		metrics       telemetry.Metrics
		tracer        telemetry.Tracer
		backoff       Backoff
		maxAttempts   int
		maxInsertions int
		obo           OBOVerifier
		sig           SignatureVerifier
		signer        Signer
	}
)

// WithRepository records step and workflow lifecycle in the repository.
// Repository errors are logged and never fail the workflow.
func WithRepository(repo repository.Repository) Option {
	return func(e *Executor) { e.repo = repo }
}

// WithLogger overrides the structured logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithMetrics overrides the metrics recorder.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(e *Executor) { e.metrics = metrics }
}

// WithTracer overrides the tracer.
func WithTracer(tracer telemetry.Tracer) Option {
	return func(e *Executor) { e.tracer = tracer }
}

// WithMaxAttempts overrides the retry bound for retryable failures.
func WithMaxAttempts(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithMaxInsertions overrides the default itinerary-insertion bound. A
// per-agent registry override still takes precedence.
func WithMaxInsertions(n int) Option {
	return func(e *Executor) {
		if n >= 0 {
			e.maxInsertions = n
		}
	}
}

// WithBackoff overrides the retry backoff schedule.
func WithBackoff(b Backoff) Option {
	return func(e *Executor) { e.backoff = b }
}

// WithOBOVerifier verifies the envelope's on-behalf-of token before every
// invocation.
func WithOBOVerifier(v OBOVerifier) Option {
	return func(e *Executor) { e.obo = v }
}

// WithSignatureVerifier verifies the envelope signature before every
// invocation.
func WithSignatureVerifier(v SignatureVerifier) Option {
	return func(e *Executor) { e.sig = v }
}

// WithSigner re-signs every envelope the executor publishes: the advanced
// message for the next hop and retry clones. Required alongside
// WithSignatureVerifier on multi-step workflows, since the dispatcher's
// signature covers only the initial envelope.
func WithSigner(s Signer) Option {
	return func(e *Executor) { e.signer = s }
}

// New builds an executor for the named agent. The agent must be present in
// the registry; otherwise the worker cannot serve the topic and New returns
// paigeant.UnknownAgentError. This terminates the worker, never a workflow.
func New(tr transport.Transport, reg *registry.Registry, agentName string, opts ...Option) (*Executor, error) {
	if tr == nil {
		return nil, errors.New("transport is required")
	}
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	agent, ok := reg.Lookup(agentName)
	if !ok {
		return nil, &paigeant.UnknownAgentError{Agent: agentName}
	}
	if agent.Runner == nil {
		return nil, fmt.Errorf("agent %q has no runner", agentName)
	}
	e := &Executor{
		transport:     tr,
		registry:      reg,
		agentName:     agentName,
		agent:         agent,
		logger:        telemetry.NewNoopLogger(),
		metrics:       telemetry.NewNoopMetrics(),
		tracer:        telemetry.NewNoopTracer(),
		backoff:       DefaultBackoff(),
		maxAttempts:   DefaultMaxAttempts,
		maxInsertions: DefaultMaxInsertions,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Start connects, subscribes to the agent's topic, and processes deliveries
// one at a time until ctx is canceled or the transport fails. On
// cancellation the in-flight step finishes and resolves normally before the
// subscription closes and the transport disconnects.
func (e *Executor) Start(ctx context.Context) error {
	if err := e.transport.Connect(ctx); err != nil {
		return fmt.Errorf("worker %q: connect: %w", e.agentName, err)
	}
	sub, err := e.transport.Subscribe(ctx, e.agentName)
	if err != nil {
		return fmt.Errorf("worker %q: subscribe: %w", e.agentName, err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sub.Close(closeCtx)
		_ = e.transport.Disconnect(closeCtx)
	}()

	e.logger.Info(ctx, "worker started", "agent_name", e.agentName)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info(ctx, "worker stopping", "agent_name", e.agentName)
			return nil
		case d, ok := <-sub.Deliveries():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("worker %q: %w", e.agentName, transport.ErrClosed)
			}
			if err := e.handle(ctx, sub, d); err != nil {
				return fmt.Errorf("worker %q: %w", e.agentName, err)
			}
		}
	}
}

// handle processes one delivery end to end. A non-nil return is an
// infrastructure failure that terminates the worker; every message-level
// outcome resolves with an ack.
func (e *Executor) handle(ctx context.Context, sub transport.Subscription, d transport.Delivery) error {
	// Resolution operations (ack, publish, repository writes) must complete
	// even when shutdown cancels ctx mid-step.
	opCtx := context.WithoutCancel(ctx)

	msg, err := paigeant.Decode(d.Body)
	if err != nil {
		// Poisonous payload: acking is the only way to keep the topic
		// moving.
		e.logger.Error(ctx, "malformed message dropped", "agent_name", e.agentName, "error", err.Error())
		return sub.Ack(opCtx, d)
	}

	head := msg.Head()
	if head == nil || head.AgentName != e.agentName {
		target := ""
		if head != nil {
			target = head.AgentName
		}
		e.logger.Warn(ctx, "misrouted message dropped",
			"correlation_id", msg.CorrelationID,
			"run_id", msg.RunID,
			"agent_name", e.agentName,
			"head_agent", target,
		)
		return sub.Ack(opCtx, d)
	}

	ctx, span := e.tracer.Start(ctx, "paigeant.step")
	defer span.End()

	key := repository.StepKey{
		CorrelationID: msg.CorrelationID,
		AgentName:     e.agentName,
		RunID:         msg.RunID,
	}
	e.recordStepStarted(opCtx, key, msg)
	e.logger.Info(ctx, "step started",
		"correlation_id", msg.CorrelationID,
		"run_id", msg.RunID,
		"agent_name", e.agentName,
		"attempt", msg.Attempt,
	)

	started := time.Now()
	output, runErr := e.invoke(ctx, d.Body, msg, head)
	finished := time.Now()

	if runErr == nil {
		e.metrics.IncCounter(telemetry.MetricStepsCompleted, 1, "agent", e.agentName)
		e.metrics.RecordTimer(telemetry.MetricStepDuration, finished.Sub(started), "agent", e.agentName, "status", "completed")
		span.SetStatus(codes.Ok, "")
		return e.completeStep(opCtx, sub, d, msg, key, paigeant.StepResult{
			Output:     output,
			StartedAt:  started,
			FinishedAt: finished,
		})
	}

	// An in-flight step interrupted by shutdown is not a verdict on the
	// workflow; leave the message to the broker.
	if ctx.Err() != nil {
		span.RecordError(runErr)
		return sub.Nack(opCtx, d, true)
	}

	e.metrics.IncCounter(telemetry.MetricStepsFailed, 1, "agent", e.agentName)
	e.metrics.RecordTimer(telemetry.MetricStepDuration, finished.Sub(started), "agent", e.agentName, "status", "failed")
	span.RecordError(runErr)
	span.SetStatus(codes.Error, runErr.Error())
	return e.failStep(ctx, sub, d, msg, key, paigeant.StepResult{
		StartedAt:  started,
		FinishedAt: finished,
	}, runErr)
}

// invoke verifies the security context, reconstructs typed deps, binds the
// call, and runs the agent. Security and deserialization failures are
// permanent.
func (e *Executor) invoke(ctx context.Context, rawBody []byte, msg *paigeant.Message, head *paigeant.ActivitySpec) (any, error) {
	if e.obo != nil {
		if err := e.obo.Verify(ctx, msg.OboToken); err != nil {
			return nil, paigeant.NewPermanentError(fmt.Errorf("obo token rejected: %w", err))
		}
	}
	if e.sig != nil {
		if err := e.sig.Verify(ctx, rawBody, msg.Signature); err != nil {
			return nil, paigeant.NewPermanentError(fmt.Errorf("signature rejected: %w", err))
		}
	}

	var deps any
	if head.Deps != nil && len(head.Deps.Data) > 0 {
		codec := e.agent.Deps
		if codec == nil {
			return nil, paigeant.NewPermanentError(fmt.Errorf("agent %q has no dependency codec for blob type %q", e.agentName, head.Deps.Type))
		}
		if head.Deps.Type != "" && head.Deps.Type != codec.TypeTag() {
			return nil, paigeant.NewPermanentError(fmt.Errorf("dependency blob type %q does not match registered tag %q", head.Deps.Type, codec.TypeTag()))
		}
		decoded, err := codec.Decode(head.Deps.Data)
		if err != nil {
			return nil, paigeant.NewPermanentError(fmt.Errorf("decode deps: %w", err))
		}
		deps = decoded
	}

	call := &registry.Call{
		AgentName:     e.agentName,
		Prompt:        head.Prompt,
		Deps:          deps,
		CorrelationID: msg.CorrelationID,
		RunID:         msg.RunID,
		TraceID:       msg.TraceID,
		Attempt:       msg.Attempt,
	}
	if head.ExpectsPreviousOutput {
		call.PreviousOutput, _ = msg.PreviousOutput()
	}
	if e.agent.CanEditItinerary {
		bound := e.maxInsertions
		if e.agent.MaxInsertions != nil {
			bound = *e.agent.MaxInsertions
		}
		call.Edit = func(ctx context.Context, insertions []paigeant.Insertion) error {
			return e.editItinerary(ctx, msg, insertions, bound)
		}
	}

	return e.agent.Runner.Run(ctx, call)
}

// editItinerary resolves insertions against the availability snapshot the
// envelope carries and splices them into the slip the executor holds.
// Violations surface as errors to the runner; the message never fails.
func (e *Executor) editItinerary(ctx context.Context, msg *paigeant.Message, insertions []paigeant.Insertion, bound int) error {
	specs := make([]paigeant.ActivitySpec, 0, len(insertions))
	for _, ins := range insertions {
		entry, ok := msg.ActivityRegistry[ins.AgentName]
		if !ok {
			return fmt.Errorf("%w: %q", paigeant.ErrUnknownActivity, ins.AgentName)
		}
		entry.Prompt = ins.Prompt
		specs = append(specs, entry)
	}
	if err := msg.InsertSteps(specs, bound); err != nil {
		return err
	}
	e.logger.Info(ctx, "itinerary edited",
		"correlation_id", msg.CorrelationID,
		"run_id", msg.RunID,
		"agent_name", e.agentName,
		"inserted", len(specs),
		"inserted_count", msg.RoutingSlip.InsertedCount,
	)
	return nil
}

// completeStep records completion, advances the envelope, and either
// forwards it to the next topic or finalizes the workflow.
func (e *Executor) completeStep(ctx context.Context, sub transport.Subscription, d transport.Delivery, msg *paigeant.Message, key repository.StepKey, res paigeant.StepResult) error {
	e.recordStep(ctx, func() error {
		return e.repo.RecordStepCompleted(ctx, key, msg.Attempt, res.OutputRef)
	})

	next, err := msg.Advance(res)
	if err != nil {
		// Unreachable for a validated head, but never wedge the topic.
		e.logger.Error(ctx, "advance failed", "correlation_id", msg.CorrelationID, "error", err.Error())
		return sub.Ack(ctx, d)
	}

	e.logger.Info(ctx, "step completed",
		"correlation_id", msg.CorrelationID,
		"run_id", msg.RunID,
		"agent_name", e.agentName,
		"attempt", msg.Attempt,
	)

	nextHead := next.Head()
	if nextHead == nil {
		e.finalizeWorkflow(ctx, next, repository.WorkflowCompleted)
		e.logger.Info(ctx, "workflow completed",
			"correlation_id", next.CorrelationID,
			"run_id", next.RunID,
			"agent_name", e.agentName,
			"steps", len(next.RoutingSlip.Executed),
		)
		return sub.Ack(ctx, d)
	}

	body, err := e.encodeOutbound(ctx, next)
	if err != nil {
		e.logger.Error(ctx, "encode next message failed", "correlation_id", msg.CorrelationID, "error", err.Error())
		e.finalizeWorkflow(ctx, next, repository.WorkflowFailed)
		return sub.Ack(ctx, d)
	}
	if err := e.transport.Publish(ctx, nextHead.AgentName, body); err != nil {
		// Infrastructure: hand the message back to the broker and exit.
		_ = sub.Nack(ctx, d, true)
		return fmt.Errorf("publish to %q: %w", nextHead.AgentName, err)
	}
	return sub.Ack(ctx, d)
}

// encodeOutbound returns the wire bytes for an envelope this executor is
// about to publish. With a signer configured the stale inbound signature is
// discarded and the mutated content re-signed, mirroring the dispatcher's
// sign-then-re-encode flow.
func (e *Executor) encodeOutbound(ctx context.Context, msg *paigeant.Message) ([]byte, error) {
	if e.signer != nil {
		msg.Signature = ""
	}
	body, err := msg.Encode()
	if err != nil || e.signer == nil {
		return body, err
	}
	sig, err := e.signer.Sign(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}
	msg.Signature = sig
	return msg.Encode()
}

// failStep applies the retry policy: retryable failures below the attempt
// bound are republished to the same topic after backoff, everything else
// fails the workflow.
func (e *Executor) failStep(ctx context.Context, sub transport.Subscription, d transport.Delivery, msg *paigeant.Message, key repository.StepKey, res paigeant.StepResult, runErr error) error {
	opCtx := context.WithoutCancel(ctx)
	attempts := msg.Attempt + 1
	e.recordStep(opCtx, func() error {
		return e.repo.RecordStepFailed(opCtx, key, attempts, runErr.Error())
	})
	e.logger.Warn(ctx, "step failed",
		"correlation_id", msg.CorrelationID,
		"run_id", msg.RunID,
		"agent_name", e.agentName,
		"attempt", msg.Attempt,
		"error", runErr.Error(),
	)

	if paigeant.IsRetryable(runErr) && attempts < e.maxAttempts {
		if err := e.backoff.Sleep(ctx, attempts); err != nil {
			// Shutdown during backoff: let the broker redeliver.
			return sub.Nack(opCtx, d, true)
		}
		clone := msg.RetryClone()
		body, err := e.encodeOutbound(opCtx, clone)
		if err != nil {
			e.logger.Error(ctx, "encode retry failed", "correlation_id", msg.CorrelationID, "error", err.Error())
			e.finalizeFailed(opCtx, msg, res)
			return sub.Ack(opCtx, d)
		}
		if err := e.transport.Publish(opCtx, e.agentName, body); err != nil {
			_ = sub.Nack(opCtx, d, true)
			return fmt.Errorf("republish retry to %q: %w", e.agentName, err)
		}
		e.metrics.IncCounter(telemetry.MetricStepsRetried, 1, "agent", e.agentName)
		e.logger.Info(ctx, "step retry scheduled",
			"correlation_id", msg.CorrelationID,
			"run_id", msg.RunID,
			"agent_name", e.agentName,
			"attempt", clone.Attempt,
		)
		return sub.Ack(opCtx, d)
	}

	e.finalizeFailed(opCtx, msg, res)
	e.logger.Error(ctx, "workflow failed",
		"correlation_id", msg.CorrelationID,
		"run_id", msg.RunID,
		"agent_name", e.agentName,
		"attempt", msg.Attempt,
		"error", runErr.Error(),
	)
	return sub.Ack(opCtx, d)
}

// finalizeFailed moves the head into the executed log with failed status and
// writes the terminal workflow record. Terminal step rows and executed-log
// membership stay in step: a step has a terminal row exactly when it appears
// in the log.
func (e *Executor) finalizeFailed(ctx context.Context, msg *paigeant.Message, res paigeant.StepResult) {
	if head := msg.Head(); head != nil && head.AgentName == e.agentName {
		msg.RoutingSlip.Itinerary = msg.RoutingSlip.Itinerary[1:]
		msg.RoutingSlip.Executed = append(msg.RoutingSlip.Executed, paigeant.ExecutedActivity{
			AgentName:  e.agentName,
			StartedAt:  paigeant.NewTimestamp(res.StartedAt),
			FinishedAt: paigeant.NewTimestamp(res.FinishedAt),
			Status:     paigeant.ExecutedFailed,
		})
	}
	e.finalizeWorkflow(ctx, msg, repository.WorkflowFailed)
}

// recordStepStarted writes the insert-or-ignore step row plus the running
// workflow snapshot. Failures are logged, never fatal.
func (e *Executor) recordStepStarted(ctx context.Context, key repository.StepKey, msg *paigeant.Message) {
	if e.repo == nil {
		return
	}
	snapshot, err := stateSnapshot(msg)
	if err != nil {
		e.logger.Warn(ctx, "snapshot failed", "correlation_id", msg.CorrelationID, "error", err.Error())
		return
	}
	if err := e.repo.RecordStepStarted(ctx, key, msg.Attempt, snapshot); err != nil {
		e.logger.Warn(ctx, "record step started failed", "correlation_id", msg.CorrelationID, "error", err.Error())
	}
}

// recordStep runs a repository write when one is configured, demoting
// failures to warnings.
func (e *Executor) recordStep(ctx context.Context, write func() error) {
	if e.repo == nil {
		return
	}
	if err := write(); err != nil {
		e.logger.Warn(ctx, "record step failed", "agent_name", e.agentName, "error", err.Error())
	}
}

// finalizeWorkflow writes the terminal workflow status with the final
// snapshot. Failures are logged, never fatal.
func (e *Executor) finalizeWorkflow(ctx context.Context, msg *paigeant.Message, status string) {
	if e.repo == nil {
		return
	}
	snapshot, err := stateSnapshot(msg)
	if err != nil {
		e.logger.Warn(ctx, "snapshot failed", "correlation_id", msg.CorrelationID, "error", err.Error())
		snapshot = nil
	}
	if err := e.repo.RecordWorkflow(ctx, repository.WorkflowRecord{
		CorrelationID: msg.CorrelationID,
		Status:        status,
		Snapshot:      snapshot,
	}); err != nil {
		e.logger.Warn(ctx, "record workflow failed", "correlation_id", msg.CorrelationID, "error", err.Error())
	}
}

// stateSnapshot renders the {routing_slip, payload} pair stored on the
// workflow row.
func stateSnapshot(msg *paigeant.Message) (json.RawMessage, error) {
	return json.Marshal(map[string]any{
		"routing_slip": msg.RoutingSlip,
		"payload":      msg.Payload,
	})
}
