package app

import (
	"io"
	"strings"
	"time"

	"prodmon/internal/config"
	"prodmon/internal/notifier"
	"prodmon/internal/storage"
	logx "prodmon/pkg/logx"
)

// Config values reach here defaulted and validated, so duration parse
// errors only surface for hand-built configs.

func mapLogConfig(cfg *config.Config, out io.Writer) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Out: out,
	}
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{Enabled: true}
	n := cfg.Notifier
	if n == nil {
		return out, nil
	}
	out = notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.Retries(),
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
		HistorySize:     n.HistorySize,
	}
	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, 500*time.Millisecond); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second); err != nil {
		return notifier.Config{}, err
	}
	if out.SendTimeout, err = config.ParseDurationOrDefault("notifier.send_timeout", n.SendTimeout, 15*time.Second); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationField("notifier.dedup_window", n.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	// Without a host there is nobody to deliver to.
	if cfg.Notifications.Host == config.HostNone {
		out.Enabled = false
	}
	return out, nil
}

// mapStorageConfig reports enabled=false for an empty or "none" driver.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, true, nil
}

type retention struct {
	maxAge time.Duration
	keep   int
}

func mapRetention(cfg *config.Config) (retention, error) {
	if cfg.Storage == nil {
		return retention{}, nil
	}
	age, err := config.ParseDurationField("storage.history_max_age", cfg.Storage.HistoryMaxAge)
	if err != nil {
		return retention{}, err
	}
	return retention{maxAge: age, keep: cfg.Storage.HistoryMax}, nil
}
