package config

import "strings"

const (
	HostConsole  = "console"
	HostTelegram = "telegram"
	HostNone     = "none"

	DefaultHousekeepingSchedule = "@hourly"
)

// Default is the config used when no file exists.
func Default() *Config {
	cfg := base()
	cfg.ApplyDefaults()
	return cfg
}

func base() *Config {
	return &Config{
		Logging:      LoggingConfig{Console: true},
		Housekeeping: HousekeepingConfig{Enabled: true},
	}
}

// ApplyDefaults fills zero values in place. Explicit values are kept.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if c.Monitor.DefaultIntervalMinutes == 0 {
		c.Monitor.DefaultIntervalMinutes = 30
	}

	c.Notifications.Host = strings.ToLower(strings.TrimSpace(c.Notifications.Host))
	if c.Notifications.Host == "" {
		c.Notifications.Host = HostConsole
	}
	if strings.TrimSpace(c.Notifications.PromptTimeout) == "" {
		c.Notifications.PromptTimeout = "2m"
	}
	if strings.TrimSpace(c.Telegram.PollTimeout) == "" {
		c.Telegram.PollTimeout = "10s"
	}

	if c.Notifier == nil {
		c.Notifier = &NotifierConfig{Enabled: true}
	}
	n := c.Notifier
	if n.Workers <= 0 {
		n.Workers = 2
	}
	if n.QueueSize <= 0 {
		n.QueueSize = 256
	}
	if n.RatePerSec <= 0 {
		n.RatePerSec = 5
	}
	if n.RetryMax == nil {
		v := DefaultRetryMax
		n.RetryMax = &v
	}
	if strings.TrimSpace(n.RetryBase) == "" {
		n.RetryBase = "500ms"
	}
	if strings.TrimSpace(n.RetryMaxDelay) == "" {
		n.RetryMaxDelay = "10s"
	}
	if strings.TrimSpace(n.SendTimeout) == "" {
		n.SendTimeout = "15s"
	}
	if strings.TrimSpace(n.DedupWindow) == "" {
		n.DedupWindow = "1m"
	}
	if n.DedupMaxEntries <= 0 {
		n.DedupMaxEntries = 2048
	}
	if n.HistorySize <= 0 {
		n.HistorySize = 100
	}

	if c.Storage == nil {
		c.Storage = &StorageConfig{Driver: "file", Path: "./data/prodmon"}
	}
	s := c.Storage
	s.Driver = strings.ToLower(strings.TrimSpace(s.Driver))
	if s.HistoryMax <= 0 {
		s.HistoryMax = 1000
	}
	if strings.TrimSpace(s.HistoryMaxAge) == "" {
		s.HistoryMaxAge = "720h"
	}

	if strings.TrimSpace(c.Housekeeping.Schedule) == "" {
		c.Housekeeping.Schedule = DefaultHousekeepingSchedule
	}
}
