// Package storage persists what prodmon wants to remember across runs:
//
//   - the audit trail of operator actions (start, stop, analyze, permission)
//   - delivered notification history, bounded by retention
//   - notifier dedup state
//
// Two drivers exist: "file" (JSON Lines next to a snapshot) and "sqlite"
// (modernc.org/sqlite, pure Go).
package storage
