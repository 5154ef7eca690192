package config

// Config is the on-disk configuration (JSON or YAML). Unknown keys are
// rejected. Durations are Go duration strings ("500ms", "10s", "1m").
type Config struct {
	Logging       LoggingConfig       `json:"logging"`
	Monitor       MonitorConfig       `json:"monitor"`
	Notifications NotificationsConfig `json:"notifications"`
	Telegram      TelegramConfig      `json:"telegram"`

	// Notifier and Storage are optional blocks; omitted means defaults.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`

	Housekeeping HousekeepingConfig `json:"housekeeping"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// MonitorConfig only seeds the UI; the monitoring config itself is never
// persisted.
type MonitorConfig struct {
	DefaultIntervalMinutes int `json:"default_interval_minutes"`
}

// NotificationsConfig selects the notification host.
//
//	host:           console | telegram | none
//	prompt_timeout: how long a consent prompt waits ("0s" waits forever)
//	permission:     optional preset (default | granted | denied)
type NotificationsConfig struct {
	Host          string `json:"host"`
	PromptTimeout string `json:"prompt_timeout,omitempty"`
	Permission    string `json:"permission,omitempty"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	ChatID      int64  `json:"chat_id"`
	ThreadID    int    `json:"thread_id,omitempty"`
	PollTimeout string `json:"poll_timeout"`
}

// NotifierConfig controls the async notification pipeline.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	// RetryMax is a pointer so an explicit 0 (no retries) survives defaulting.
	RetryMax        *int   `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
	HistorySize     int    `json:"history_size,omitempty"`
}

// DefaultRetryMax applies when retry_max is absent.
const DefaultRetryMax = 3

// Retries returns the configured retry count, or DefaultRetryMax when unset.
func (n *NotifierConfig) Retries() int {
	if n == nil || n.RetryMax == nil {
		return DefaultRetryMax
	}
	return *n.RetryMax
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/prodmon.db" }
type StorageConfig struct {
	Driver        string `json:"driver"`
	Path          string `json:"path"`
	BusyTimeout   string `json:"busy_timeout,omitempty"` // sqlite only
	HistoryMax    int    `json:"history_max,omitempty"`
	HistoryMaxAge string `json:"history_max_age,omitempty"`
}

// HousekeepingConfig drives the retention job.
type HousekeepingConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}
