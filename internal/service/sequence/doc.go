// Package sequence implements the sequence definition store.
//
// The service layer owns the authoring rules for sequences and their steps:
// status transitions, write-time validation of step configuration, and the
// referential checks that keep live enrollments from pointing at deleted or
// archived definitions. It depends on repository interfaces defined in this
// package and should never import from api/.
//
// Repository implementations live in repository/postgres/.
package sequence
