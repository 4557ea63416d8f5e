// Package paigeant implements the routing-slip message envelope used by the
// workflow engine: the wire format, its structural invariants, and the
// operations that move a workflow forward.
//
// # Core Concepts
//
//   - Message: the envelope carried across the transport. It owns the
//     workflow identity (correlation ID, run ID), the security context, the
//     user payload, and the routing slip. Workflow state lives entirely in
//     the message; a repository only mirrors it for inspection.
//   - RoutingSlip: remaining itinerary, append-only executed log, carried
//     compensations, and the cumulative insertion counter. The head of the
//     itinerary is the only step eligible to run next.
//   - ActivitySpec: one itinerary step, bound to a named agent with an
//     opaque prompt and a self-describing dependency blob.
//
// Messages advance by value: Advance and RetryClone return fresh envelopes
// with new message IDs while preserving workflow identity, so the envelope
// on the wire is never mutated after publication. InsertSteps is the single
// exception: the executor splices authorized insertions into the slip it
// holds before advancing.
//
// The packages dispatch, worker, transport, repository, and registry build
// the engine on top of these types.
package paigeant
