package notifier

import (
	"fmt"
	"strings"

	"prodmon/internal/monitor"
)

type MonitoringStatus string

const (
	StatusStarted MonitoringStatus = "started"
	StatusStopped MonitoringStatus = "stopped"
	StatusError   MonitoringStatus = "error"
	StatusPaused  MonitoringStatus = "paused"
)

// MonitoringNotification reports a session status change.
func MonitoringNotification(status MonitoringStatus, msg string) Notification {
	title, level := "Monitoring status changed", LevelInfo
	switch status {
	case StatusStarted:
		title, level = "Monitoring started", LevelSuccess
	case StatusStopped:
		title, level = "Monitoring stopped", LevelWarning
	case StatusError:
		title, level = "Monitoring error", LevelError
	case StatusPaused:
		title, level = "Monitoring paused", LevelWarning
	}
	return Notification{Kind: KindMonitoring, Level: level, Title: title, Text: msg}
}

const maxChangeLines = 5

// ChangeNotification summarises a batch of change events. Any negative
// event makes it a warning.
func ChangeNotification(events []monitor.ChangeEvent) Notification {
	var negative int
	for _, e := range events {
		if e.Polarity == monitor.Negative {
			negative++
		}
	}

	n := Notification{Kind: KindChange, Level: LevelInfo}
	if negative > 0 {
		n.Level = LevelWarning
		n.Title = fmt.Sprintf("%d negative %s detected", negative, plural(negative, "change", "changes"))
	} else {
		n.Title = fmt.Sprintf("%d %s detected", len(events), plural(len(events), "change", "changes"))
	}

	var b strings.Builder
	for i, e := range events {
		if i > 0 {
			b.WriteByte('\n')
		}
		if i == maxChangeLines {
			fmt.Fprintf(&b, "… and %d more", len(events)-maxChangeLines)
			break
		}
		fmt.Fprintf(&b, "• %s: %s", e.Timestamp, e.Description)
	}
	n.Text = b.String()
	return n
}

// SystemNotification wraps an operational message.
func SystemNotification(msg string, level Level) Notification {
	switch level {
	case LevelInfo, LevelSuccess, LevelWarning, LevelError:
	default:
		level = LevelInfo
	}
	return Notification{Kind: KindSystem, Level: level, Title: "System notice", Text: msg}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
