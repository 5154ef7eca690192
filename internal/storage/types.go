package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines files derived from Path
//   - "sqlite": SQLite database at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records an operator action.
type AuditEntry struct {
	At       time.Time `json:"at"`
	Actor    string    `json:"actor"`
	Action   string    `json:"action"`
	Target   string    `json:"target,omitempty"`
	OK       bool      `json:"ok"`
	Error    string    `json:"error,omitempty"`
	TookMS   int64     `json:"took_ms,omitempty"`
	MetaJSON string    `json:"meta,omitempty"`
}

// NotificationRecord is one entry of the notification history.
type NotificationRecord struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Level     string    `json:"level"`
	Title     string    `json:"title"`
	Text      string    `json:"text"`
	Priority  int       `json:"priority"`
	At        time.Time `json:"at"`
	Delivered bool      `json:"delivered"`
	Read      bool      `json:"read,omitempty"`
}
