// Package reconciler drives every entity's state machine. One processor per
// entity kind walks the records in non-terminal states and performs the work
// the current state calls for: provisioning cloud capacity, fanning stop
// commands out to agents, finalizing shutdowns, reaping the dead.
//
// Processors are idempotent. Each transition goes through a conditional
// replace under the record's version stamp; a conflict aborts that entity
// for the tick and the next invocation reloads and retries. One entity's
// failure never blocks the rest of the scan.
//
// Agent-reported events enter through the same package (OnNodeEvent), so
// periodic reconciliation and event-driven transitions share one set of
// transition rules.
package reconciler
