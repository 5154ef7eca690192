package notifier

import (
	"strings"
	"testing"
	"time"

	"prodmon/internal/monitor"
)

func TestMonitoringNotification(t *testing.T) {
	tests := []struct {
		status MonitoringStatus
		title  string
		level  Level
	}{
		{StatusStarted, "Monitoring started", LevelSuccess},
		{StatusStopped, "Monitoring stopped", LevelWarning},
		{StatusError, "Monitoring error", LevelError},
		{StatusPaused, "Monitoring paused", LevelWarning},
		{"resumed", "Monitoring status changed", LevelInfo},
	}
	for _, tt := range tests {
		n := MonitoringNotification(tt.status, "msg")
		if n.Title != tt.title || n.Level != tt.level || n.Kind != KindMonitoring || n.Text != "msg" {
			t.Fatalf("%s: got %+v", tt.status, n)
		}
	}
}

func sampleEvents(t *testing.T) []monitor.ChangeEvent {
	t.Helper()
	evs, err := monitor.SampleChanges{Location: time.UTC}.ComputeChanges(t.Context(), nil, time.Date(2026, 10, 18, 15, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	return evs
}

func TestChangeNotification(t *testing.T) {
	n := ChangeNotification(sampleEvents(t))
	if n.Kind != KindChange || n.Level != LevelWarning {
		t.Fatalf("kind/level = %s/%s", n.Kind, n.Level)
	}
	if n.Title != "1 negative change detected" {
		t.Fatalf("title = %q", n.Title)
	}
	lines := strings.Split(n.Text, "\n")
	if len(lines) != 3 || !strings.Contains(lines[1], "Product went out of stock") {
		t.Fatalf("text = %q", n.Text)
	}

	calm := ChangeNotification([]monitor.ChangeEvent{{Description: "No significant changes detected", Polarity: monitor.Neutral}})
	if calm.Level != LevelInfo || calm.Title != "1 change detected" {
		t.Fatalf("calm = %+v", calm)
	}
}

func TestChangeNotificationTruncates(t *testing.T) {
	var evs []monitor.ChangeEvent
	for i := 0; i < 8; i++ {
		evs = append(evs, monitor.ChangeEvent{Description: "x", Polarity: monitor.Positive})
	}
	n := ChangeNotification(evs)
	lines := strings.Split(n.Text, "\n")
	if len(lines) != maxChangeLines+1 || lines[maxChangeLines] != "… and 3 more" {
		t.Fatalf("text = %q", n.Text)
	}
}

func TestSystemNotificationLevel(t *testing.T) {
	if got := SystemNotification("m", "critical").Level; got != LevelInfo {
		t.Fatalf("unknown level mapped to %s", got)
	}
	if got := SystemNotification("m", LevelError).Level; got != LevelError {
		t.Fatalf("level = %s", got)
	}
}

func TestRender(t *testing.T) {
	n := Notification{Level: LevelWarning, Title: "Price <drop>", Text: "<script>alert(1)</script>now & then"}

	plain := Render(n, "")
	if !strings.HasPrefix(plain, LevelWarning.Icon()+" Price <drop>\n") {
		t.Fatalf("plain = %q", plain)
	}

	html := Render(n, "HTML")
	if strings.Contains(html, "<script") || strings.Contains(html, "<drop>") {
		t.Fatalf("unsanitized html: %q", html)
	}
	if !strings.Contains(html, "<b>Price") || !strings.Contains(html, "now &amp; then") {
		t.Fatalf("html = %q", html)
	}
}
