package ui

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"prodmon/internal/monitor"
	"prodmon/internal/notifier"
	"prodmon/internal/permission"
)

func TestPlainPermissionBadge(t *testing.T) {
	r := Plain()
	tests := []struct {
		st        permission.State
		supported bool
		want      string
	}{
		{permission.Granted, true, "[Enabled]"},
		{permission.Denied, true, "[Blocked]"},
		{permission.Default, true, "[Not Set]"},
		{permission.Granted, false, "[Unavailable]"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, r.Permission(tt.st, tt.supported))
	}
}

func TestPlainSnapshot(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := Plain()
	assert.Contains(t, r.Snapshot(nil, now), "No product data yet")

	got := r.Snapshot(&monitor.Snapshot{
		Title: "Sample Product Name", Price: "$299.99", URL: "https://x.example",
		ObservedAt: now.Add(-2 * time.Hour),
	}, now)
	assert.Equal(t, "Sample Product Name\nPrice: $299.99\nURL:   https://x.example\nObserved 2 hours ago", got)
}

func TestPlainEvents(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events, err := monitor.SampleChanges{Location: time.UTC}.ComputeChanges(t.Context(), nil, now)
	assert.NoError(t, err)

	got := Plain().Events(events, now)
	lines := strings.Split(got, "\n")
	assert.Len(t, lines, 6)
	assert.Equal(t, "[positive] Price decreased by $20.00", lines[0])
	assert.Equal(t, "    3/1/2026, 12:00:00 PM (now)", lines[1])
	assert.Equal(t, "[negative] Product went out of stock", lines[2])
	assert.Equal(t, "    3/1/2026, 11:00:00 AM (1 hour ago)", lines[3])
	assert.Equal(t, "[neutral] No significant changes detected", lines[4])
}

func TestEventsOneBadgePerEvent(t *testing.T) {
	now := time.Now()
	r := Plain()
	rapid.Check(t, func(t *rapid.T) {
		pols := rapid.SliceOfN(rapid.SampledFrom([]monitor.Polarity{monitor.Positive, monitor.Negative, monitor.Neutral}), 1, 20).Draw(t, "polarities")
		events := make([]monitor.ChangeEvent, len(pols))
		for i, p := range pols {
			events[i] = monitor.ChangeEvent{Description: "change", Polarity: p, Timestamp: "ts"}
		}
		out := r.Events(events, now)
		badges := strings.Count(out, "[positive]") + strings.Count(out, "[negative]") + strings.Count(out, "[neutral]")
		if badges != len(events) {
			t.Fatalf("badges = %d, want %d", badges, len(events))
		}
	})
}

func TestPlainNotificationsAndStats(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := Plain()
	assert.Equal(t, "No notifications yet.", r.Notifications(nil, now))

	got := r.Notifications([]notifier.Notification{
		{Title: "Monitoring stopped", Level: notifier.LevelWarning, At: now.Add(-3 * time.Minute), Delivered: true},
		{Title: "2 changes detected", Text: "• a\n• b", Level: notifier.LevelInfo, At: now.Add(-time.Hour)},
	}, now)
	assert.Contains(t, got, "✓ "+notifier.LevelWarning.Icon()+" Monitoring stopped  3 minutes ago")
	assert.Contains(t, got, "✗ "+notifier.LevelInfo.Icon()+" 2 changes detected  1 hour ago\n    • a\n    • b")

	stats := r.Stats(notifier.Stats{
		Total: 1200, Last24h: 3, Failed: 1, Unread: 2,
		ByLevel: map[notifier.Level]int{notifier.LevelWarning: 2, notifier.LevelInfo: 1},
		ByKind:  map[notifier.Kind]int{notifier.KindChange: 3},
	})
	assert.Equal(t, "Total: 1,200  Unread: 2  Last 24h: 3  Pending: 0  Failed: 1\nBy level: info=1 warning=2\nBy kind:  change=3", stats)
}
