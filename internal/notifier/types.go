package notifier

import (
	"time"

	"prodmon/internal/transport"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
	HistorySize     int
}

type Kind string

const (
	KindMonitoring Kind = "monitoring"
	KindChange     Kind = "change"
	KindSystem     Kind = "system"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Priority maps a level to the 0..10 priority scale.
func (l Level) Priority() int {
	switch l {
	case LevelError:
		return 9
	case LevelWarning:
		return 7
	case LevelSuccess:
		return 5
	default:
		return 3
	}
}

func (l Level) Icon() string {
	switch l {
	case LevelError:
		return "❌"
	case LevelWarning:
		return "⚠️"
	case LevelSuccess:
		return "✅"
	default:
		return "ℹ️"
	}
}

type Notification struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Level     Level     `json:"level"`
	Title     string    `json:"title"`
	Text      string    `json:"text"`
	Priority  int       `json:"priority"`
	At        time.Time `json:"at"`
	Delivered bool      `json:"delivered"`
	Read      bool      `json:"read"`

	// Target overrides the host's default target.
	Target transport.ChatTarget `json:"-"`
}

// Stats summarises the recent notification history.
type Stats struct {
	Total   int           `json:"total"`
	Last24h int           `json:"last_24h"`
	Pending int           `json:"pending"`
	Failed  int           `json:"failed"`
	Unread  int           `json:"unread"`
	ByLevel map[Level]int `json:"by_level"`
	ByKind  map[Kind]int  `json:"by_kind"`
	Last    *Notification `json:"last,omitempty"`
}

// Event is the Data payload of notifier.* bus events.
type Event struct {
	ID    string    `json:"id"`
	Kind  Kind      `json:"kind"`
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}

const (
	EventQueued  = "notifier.queued"
	EventDeduped = "notifier.deduped"
	EventDropped = "notifier.dropped"
	EventSent    = "notifier.sent"
	EventFailed  = "notifier.failed"
)
