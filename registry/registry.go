// Package registry holds the process-local mapping from agent names to the
// runners that execute their activities. The registry is the executor's only
// trusted source of runner identity: envelopes carry references, never code.
// It is an explicit service object threaded through worker and dispatcher
// construction, not process-wide state.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"goa.design/paigeant"
)

// ErrEditNotAllowed is returned by Call.EditItinerary when the agent was not
// registered with the itinerary-edit capability.
var ErrEditNotAllowed = errors.New("agent is not authorized to edit the itinerary")

type (
	// Runner executes one activity. Implementations typically wrap an LLM
	// agent; the engine treats the returned output as opaque JSON-typed
	// data. Retryable failures are signaled with paigeant.NewRetryableError;
	// any other error is permanent for the workflow.
	Runner interface {
		Run(ctx context.Context, call *Call) (any, error)
	}

	// RunnerFunc adapts a function to the Runner interface.
	RunnerFunc func(ctx context.Context, call *Call) (any, error)

	// Call carries everything a runner may consult about the step it is
	// executing. PreviousOutput is non-nil only when the step's spec asks
	// for it and a prior step produced one. Edit is bound by the executor
	// for agents registered with CanEditItinerary and is nil otherwise.
	Call struct {
		AgentName      string
		Prompt         string
		Deps           any
		CorrelationID  string
		RunID          string
		TraceID        string
		Attempt        int
		PreviousOutput any

		// Edit applies authorized itinerary insertions to the envelope the
		// executor currently holds. Use EditItinerary rather than calling
		// this directly.
		Edit EditFunc
	}

	// EditFunc mutates the in-flight routing slip with the given insertions.
	EditFunc func(ctx context.Context, insertions []paigeant.Insertion) error

	// Agent is one registry entry: the runner, the dependency codec used to
	// reconstruct typed deps from the wire blob, and the itinerary-edit
	// capability. MaxInsertions overrides the engine-wide insertion bound
	// when non-nil; an explicit zero forbids insertions entirely.
	Agent struct {
		Name             string
		Runner           Runner
		Deps             DepsCodec
		CanEditItinerary bool
		MaxInsertions    *int
	}

	// Registry maps agent names to their entries. Safe for concurrent use.
	Registry struct {
		mu     sync.RWMutex
		agents map[string]Agent
	}
)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, call *Call) (any, error) {
	return f(ctx, call)
}

// EditItinerary requests insertion of the named activities immediately after
// the current step. It returns ErrEditNotAllowed when the agent lacks the
// capability, or the protocol violation (unknown activity, cycle, bound)
// reported by the engine. The workflow itself never fails on a rejected
// edit; the runner decides how to proceed.
func (c *Call) EditItinerary(ctx context.Context, insertions ...paigeant.Insertion) error {
	if c.Edit == nil {
		return ErrEditNotAllowed
	}
	return c.Edit(ctx, insertions)
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds an agent entry. The name must be non-empty and not already
// registered.
func (r *Registry) Register(agent Agent) error {
	if agent.Name == "" {
		return errors.New("agent name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[agent.Name]; ok {
		return fmt.Errorf("agent %q is already registered", agent.Name)
	}
	r.agents[agent.Name] = agent
	return nil
}

// Lookup returns the entry for the named agent.
func (r *Registry) Lookup(name string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[name]
	return agent, ok
}

// Names returns all registered agent names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
