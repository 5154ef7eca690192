package config

import (
	"errors"
	"fmt"
	"strings"

	"prodmon/internal/monitor"
	"prodmon/internal/permission"
)

// Validate checks a defaulted config. All problems are reported together.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if !monitor.ValidInterval(c.Monitor.DefaultIntervalMinutes) {
		add("monitor.default_interval_minutes: must be between %d and %d", monitor.MinIntervalMinutes, monitor.MaxIntervalMinutes)
	}

	switch c.Notifications.Host {
	case HostConsole, HostNone:
	case HostTelegram:
		if strings.TrimSpace(c.Telegram.Token) == "" {
			add("telegram.token: required when notifications.host is telegram")
		}
		if c.Telegram.ChatID == 0 {
			add("telegram.chat_id: required when notifications.host is telegram")
		}
	default:
		add("notifications.host: unknown host %q", c.Notifications.Host)
	}
	if p := strings.TrimSpace(c.Notifications.Permission); p != "" {
		if st := permission.Parse(p); string(st) != strings.ToLower(p) {
			add("notifications.permission: unknown state %q", p)
		}
	}

	durations := map[string]string{
		"notifications.prompt_timeout": c.Notifications.PromptTimeout,
		"telegram.poll_timeout":        c.Telegram.PollTimeout,
	}
	if n := c.Notifier; n != nil {
		if n.Retries() < 0 {
			add("notifier.retry_max: must be >= 0, got %d", n.Retries())
		}
		durations["notifier.retry_base"] = n.RetryBase
		durations["notifier.retry_max_delay"] = n.RetryMaxDelay
		durations["notifier.send_timeout"] = n.SendTimeout
		durations["notifier.dedup_window"] = n.DedupWindow
	}
	if s := c.Storage; s != nil {
		durations["storage.busy_timeout"] = s.BusyTimeout
		durations["storage.history_max_age"] = s.HistoryMaxAge
		switch s.Driver {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				add("storage.path: required for driver %q", s.Driver)
			}
		default:
			add("storage.driver: unknown driver %q", s.Driver)
		}
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
