package app

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prodmon/internal/monitor"
	"prodmon/internal/notifier"
	"prodmon/internal/permission"
	"prodmon/internal/transport/console"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func noEnv(string) (string, bool) { return "", false }

func writeConfig(t *testing.T, host, permission string) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`{
  "logging": {"level": "debug", "console": false},
  "notifications": {"host": %q, "permission": %q, "prompt_timeout": "1s"},
  "notifier": {"enabled": true, "workers": 1, "rate_per_sec": 50, "dedup_window": "0s"},
  "storage": {"driver": "file", "path": %q},
  "housekeeping": {"enabled": true, "schedule": "@hourly"}
}`, host, permission, filepath.Join(dir, "store"))
	p := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 10*time.Millisecond)
}

func TestAppConsoleFlow(t *testing.T) {
	out := &syncBuffer{}
	prompter := console.PrompterFunc(func(context.Context, string) (console.Answer, error) {
		return console.Allowed, nil
	})
	a, err := New(Options{
		ConfigPath: writeConfig(t, "console", ""),
		Env:        noEnv,
		Out:        out,
		Prompter:   prompter,
	})
	require.NoError(t, err)
	require.NoError(t, a.Start(t.Context()))
	defer a.Stop(context.Background(), StopCommandEnd)

	assert.Equal(t, "console", a.HostName())
	assert.Equal(t, permission.Default, a.Gateway().State())
	assert.Equal(t, 30, a.DefaultConfig().IntervalMinutes)

	// Nothing is sent before consent.
	_, err = a.Session().Start(t.Context(), monitor.Config{URL: "https://shop.example/p/1", IntervalMinutes: 30})
	require.NoError(t, err)
	require.NoError(t, a.Session().Stop())

	st, err := a.Gateway().Request(t.Context())
	require.NoError(t, err)
	assert.Equal(t, permission.Granted, st)
	waitFor(t, func() bool { return strings.Contains(out.String(), "Notifications are enabled.") })
	assert.NotContains(t, out.String(), "Monitoring started")

	_, err = a.Session().Analyze(t.Context())
	require.NoError(t, err)
	waitFor(t, func() bool { return strings.Contains(out.String(), "negative change detected") })

	var recent []notifier.Notification
	waitFor(t, func() bool {
		recent, err = a.Notifier().Recent(t.Context(), 10)
		return err == nil && len(recent) == 2
	})
	assert.Equal(t, "1 negative change detected", recent[0].Title)
	assert.True(t, recent[0].Delivered)

	entries := a.Scheduler().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, pruneJob, entries[0].Name)
	require.NoError(t, a.Scheduler().RunNow(t.Context(), pruneJob))
}

func TestAppPresetGranted(t *testing.T) {
	out := &syncBuffer{}
	a, err := New(Options{ConfigPath: writeConfig(t, "console", "granted"), Env: noEnv, Out: out})
	require.NoError(t, err)
	require.NoError(t, a.Start(t.Context()))
	defer a.Stop(context.Background(), StopCommandEnd)

	assert.True(t, a.Gateway().Granted())
	_, err = a.Session().Start(t.Context(), monitor.Config{URL: "https://shop.example/p/2", IntervalMinutes: 60})
	require.NoError(t, err)
	waitFor(t, func() bool { return strings.Contains(out.String(), "Monitoring started") })
	assert.Contains(t, out.String(), "every 60 minutes")
}

func TestAppWithoutHost(t *testing.T) {
	a, err := New(Options{ConfigPath: writeConfig(t, "none", ""), Env: noEnv})
	require.NoError(t, err)
	require.NoError(t, a.Start(t.Context()))
	defer a.Stop(context.Background(), StopCommandEnd)

	assert.Equal(t, "none", a.HostName())
	assert.False(t, a.Gateway().Supported())
	assert.False(t, a.Notifier().Enabled())

	st, err := a.Gateway().Request(t.Context())
	require.NoError(t, err)
	assert.Equal(t, permission.Default, st)
}

func TestAppRejectsBadConfig(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"notifications":{"host":"telegram"}}`), 0o644))
	_, err := New(Options{ConfigPath: p, Env: noEnv})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram.token")
}

func TestStopWithoutStart(t *testing.T) {
	a, err := New(Options{ConfigPath: writeConfig(t, "none", ""), Env: noEnv})
	require.NoError(t, err)
	assert.NoError(t, a.Stop(context.Background(), StopCommandEnd))
}

func TestStopDeliversPendingEvents(t *testing.T) {
	out := &syncBuffer{}
	cfgPath := writeConfig(t, "console", "granted")
	a, err := New(Options{ConfigPath: cfgPath, Env: noEnv, Out: out})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, a.Start(ctx))

	s := a.Session()
	_, err = s.Start(ctx, monitor.Config{URL: "https://shop.example/p/3", IntervalMinutes: 30})
	require.NoError(t, err)
	_, err = s.Analyze(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Stop())

	// A signal cancels the run context before Stop.
	cancel()
	require.NoError(t, a.Stop(context.Background(), StopSignal))

	got := out.String()
	assert.Contains(t, got, "Monitoring started")
	assert.Contains(t, got, "negative change detected")
	assert.Contains(t, got, "Monitoring stopped")

	audit, err := os.ReadFile(filepath.Join(filepath.Dir(cfgPath), "store.audit.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(audit)), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], `"action":"`+monitor.EventStarted+`"`)
	assert.Contains(t, lines[1], `"action":"`+monitor.EventAnalyzed+`"`)
	assert.Contains(t, lines[2], `"action":"`+monitor.EventStopped+`"`)
}
