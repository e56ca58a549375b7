// Package scheduler drives sequence enrollments through their steps.
//
// Each worker instance runs a poll loop: claim a batch of due enrollments
// under a per-enrollment lease, execute the current step of each, and apply
// the executor's verdict (advance, retry with backoff, defer, exit). Leases
// are conditional updates on the enrollment row; an instance that crashes
// mid-step loses its leases to the recovery sweep after the TTL and the
// executor's idempotence gate keeps the retried step from sending twice.
//
// Workers register themselves in sequence_workers and heartbeat their
// counters there, so operators can see who is alive and how much each
// instance has processed.
package scheduler
