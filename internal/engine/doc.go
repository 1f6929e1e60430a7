// Package engine implements the stepped action engine.
//
// An action is one attempt to perform a named operation on an actor. The
// engine drives each action through its definition's steps, deduplicates
// repeated work with achievements and serializes attempts that share a
// concurrency key through performances.
//
// ARCHITECTURE:
//
// Units of Work:
// Every state transition runs inside store.InTx. Nested transitions are
// savepoints. Rows are locked in one order: step, then performance, then
// action.
//
// Deferred Effects:
// Running the next step and concluding parent steps are written as
// perform_step and conclude_step jobs in the unit of work that calls for
// them, due one follow-up delay later. They run right after commit; a
// worker only picks a job up when that run failed or never happened.
// Taking the conclude_step job is part of the conclusion, so each child
// concludes its step once. Child action, wait and timeout requests are
// ordinary outbox jobs.
//
// Step Bodies:
// Step bodies run outside any transaction, except when a worker retries a
// perform_step job. Their fan-out requests are buffered and written with
// the new step row once the body returns; a failing body writes nothing
// and leaves its job to retry.
//
// Lifecycle:
//
//	pending -> performing -> succeeded | failed | timed_out | cancelled
//	pending -> superseded | cancelled
//	(new)   -> succeeded | cancelled | failed | deadlocked   (never stored)
//
// Only a finished action releases its performance; the next pending action
// with the same concurrency key is then promoted in creation order.
package engine
