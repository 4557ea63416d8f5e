package paigeant

import (
	"encoding/json"
	"fmt"
)

// Executed-log statuses.
const (
	// ExecutedCompleted marks a step that ran to completion.
	ExecutedCompleted = "completed"
	// ExecutedFailed marks a step whose final attempt failed.
	ExecutedFailed = "failed"
)

type (
	// SerializedDeps is the self-describing dependency blob attached to an
	// activity. Type is the stable tag chosen when the agent registered its
	// dependency codec, Module is an advisory hint naming where the type
	// lives, and Data round-trips losslessly as raw JSON.
	SerializedDeps struct {
		Type   string          `json:"type,omitempty"`
		Module string          `json:"module,omitempty"`
		Data   json.RawMessage `json:"data,omitempty"`
	}

	// ActivitySpec describes one itinerary step: which agent runs, with what
	// prompt, and with which serialized dependencies. ExpectsPreviousOutput
	// controls whether the executor injects the prior step's output before
	// invoking the runner; it defaults to true when absent on the wire.
	ActivitySpec struct {
		AgentName             string          `json:"agent_name"`
		Prompt                string          `json:"prompt"`
		Deps                  *SerializedDeps `json:"deps,omitempty"`
		ExpectsPreviousOutput bool            `json:"expects_previous_output"`
	}

	// ExecutedActivity is one entry of the append-only executed log.
	ExecutedActivity struct {
		AgentName  string    `json:"agent_name"`
		StartedAt  Timestamp `json:"started_at"`
		FinishedAt Timestamp `json:"finished_at"`
		OutputRef  string    `json:"output_ref,omitempty"`
		Status     string    `json:"status"`
	}

	// RoutingSlip carries the remaining itinerary, the executed log, the
	// compensations (opaque to the engine, carried but never invoked), and
	// the cumulative count of dynamically inserted steps.
	RoutingSlip struct {
		Itinerary     []ActivitySpec     `json:"itinerary"`
		Executed      []ExecutedActivity `json:"executed"`
		Compensations []ActivitySpec     `json:"compensations"`
		InsertedCount int                `json:"inserted_count"`
	}

	// Insertion names an available activity to splice into a running
	// workflow, paired with the prompt the inserted step should receive.
	Insertion struct {
		AgentName string
		Prompt    string
	}
)

// NewActivitySpec builds a spec for the named agent with defaults applied.
func NewActivitySpec(agent, prompt string) ActivitySpec {
	return ActivitySpec{
		AgentName:             agent,
		Prompt:                prompt,
		ExpectsPreviousOutput: true,
	}
}

// UnmarshalJSON decodes a spec, defaulting expects_previous_output to true
// when the key is absent.
func (s *ActivitySpec) UnmarshalJSON(data []byte) error {
	var aux struct {
		AgentName             string          `json:"agent_name"`
		Prompt                string          `json:"prompt"`
		Deps                  *SerializedDeps `json:"deps"`
		ExpectsPreviousOutput *bool           `json:"expects_previous_output"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	s.AgentName = aux.AgentName
	s.Prompt = aux.Prompt
	s.Deps = aux.Deps
	s.ExpectsPreviousOutput = aux.ExpectsPreviousOutput == nil || *aux.ExpectsPreviousOutput
	return nil
}

// clone returns a deep copy so slip mutations never alias the source.
func (s ActivitySpec) clone() ActivitySpec {
	c := s
	if s.Deps != nil {
		deps := *s.Deps
		if s.Deps.Data != nil {
			deps.Data = append(json.RawMessage(nil), s.Deps.Data...)
		}
		c.Deps = &deps
	}
	return c
}

// Head returns the next step to execute, or nil when the itinerary is empty.
func (rs *RoutingSlip) Head() *ActivitySpec {
	if len(rs.Itinerary) == 0 {
		return nil
	}
	return &rs.Itinerary[0]
}

// itineraryAgents returns the set of agent names still pending.
func (rs *RoutingSlip) itineraryAgents() map[string]struct{} {
	agents := make(map[string]struct{}, len(rs.Itinerary))
	for _, s := range rs.Itinerary {
		agents[s.AgentName] = struct{}{}
	}
	return agents
}

// ExecutedAgent reports whether the executed log already contains a step for
// the named agent. Run IDs are constant within a message, so membership here
// is membership for the current run.
func (rs *RoutingSlip) ExecutedAgent(agent string) bool {
	for _, rec := range rs.Executed {
		if rec.AgentName == agent {
			return true
		}
	}
	return false
}

// clone returns a deep copy of the slip.
func (rs RoutingSlip) clone() RoutingSlip {
	c := RoutingSlip{InsertedCount: rs.InsertedCount}
	if rs.Itinerary != nil {
		c.Itinerary = make([]ActivitySpec, len(rs.Itinerary))
		for i, s := range rs.Itinerary {
			c.Itinerary[i] = s.clone()
		}
	}
	if rs.Executed != nil {
		c.Executed = append([]ExecutedActivity(nil), rs.Executed...)
	}
	if rs.Compensations != nil {
		c.Compensations = make([]ActivitySpec, len(rs.Compensations))
		for i, s := range rs.Compensations {
			c.Compensations[i] = s.clone()
		}
	}
	return c
}

// validate checks the structural invariants shared by every slip on the wire.
func (rs *RoutingSlip) validate() error {
	for i, s := range rs.Itinerary {
		if s.AgentName == "" {
			return fmt.Errorf("itinerary[%d]: agent_name is empty", i)
		}
	}
	for i, rec := range rs.Executed {
		if rec.AgentName == "" {
			return fmt.Errorf("executed[%d]: agent_name is empty", i)
		}
	}
	for i, s := range rs.Compensations {
		if s.AgentName == "" {
			return fmt.Errorf("compensations[%d]: agent_name is empty", i)
		}
	}
	if rs.InsertedCount < 0 {
		return fmt.Errorf("inserted_count is negative: %d", rs.InsertedCount)
	}
	return nil
}
