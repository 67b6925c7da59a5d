// Package orchestrator owns the per-conversation state machine that
// relays between the planner and the worker.
//
// Architecture notes:
//   - Each conversation is a single-writer unit: one wake-up handler runs
//     at a time for a given id, enforced by the runner's keyed locks.
//   - Wake-ups are durable: the next wake time is persisted with the
//     conversation and the runner polls the store's due index, so a
//     restart resumes exactly where the previous process left off.
//   - Worker events are debounced before being forwarded to the planner:
//     a staged event flushes once the worker goes quiet for the cooldown
//     window, or once the hard ceiling elapses.
//   - Every termination path records a non-empty stop reason; termination
//     is idempotent and cancels the pending wake-up.
package orchestrator
