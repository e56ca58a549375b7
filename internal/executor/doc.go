// Package executor runs exactly one sequence step against one enrollment.
//
// The executor is called by scheduler workers holding the enrollment's
// lease. It never moves the enrollment itself; it returns a Result telling
// the worker what to do next (advance, retry with backoff, defer, or exit).
// Execution history is append-only: every attempt writes a row to
// sequence_step_executions, and a partial unique index guarantees at most
// one non-failed row per (enrollment, step) pair. A duplicate attempt is
// absorbed as already-done rather than dispatched twice.
package executor
