// Package monitor holds the product monitoring session.
//
// A Session tracks whether monitoring is active, the product snapshot taken
// when it was started and the last batch of change events produced by
// Analyze. Snapshot and change data come from pluggable sources; the
// defaults return placeholder data so the state machine can be driven
// without any network access.
//
// Starting a session does not schedule anything: "active" is a label shown
// to the user together with the configured check interval.
package monitor
