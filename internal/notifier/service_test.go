package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prodmon/internal/eventbus"
	"prodmon/internal/storage"
	"prodmon/internal/transport"
	logx "prodmon/pkg/logx"
)

type sentMsg struct {
	to   transport.ChatTarget
	text string
	opt  *transport.SendOptions
}

// recordingSender fails the first failN sends, then records.
type recordingSender struct {
	mu    sync.Mutex
	failN int
	calls int
	msgs  []sentMsg
}

func (r *recordingSender) SendText(_ context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.failN {
		return transport.MessageRef{}, errors.New("host unavailable")
	}
	r.msgs = append(r.msgs, sentMsg{to: to, text: text, opt: opt})
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(r.msgs)}, nil
}

func (r *recordingSender) sent() []sentMsg {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentMsg(nil), r.msgs...)
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       1,
		QueueSize:     16,
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 2 * time.Millisecond,
		DedupWindow:   time.Minute,
	}
}

func startService(t *testing.T, cfg Config, sender transport.Sender, store storage.Store, opts ...Option) *Service {
	t.Helper()
	s := New(cfg, sender, logx.Nop(), nil, store, opts...)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func stop(s *Service) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestNotifyDelivers(t *testing.T) {
	rs := &recordingSender{}
	target := transport.ChatTarget{ChatID: 42}
	s := startService(t, testConfig(), rs, nil, WithTarget(target))

	require.NoError(t, s.Notify(context.Background(), MonitoringNotification(StatusStarted, "watching https://example.com/p")))
	stop(s)

	msgs := rs.sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, target, msgs[0].to)
	assert.Contains(t, msgs[0].text, "Monitoring started")
	assert.Contains(t, msgs[0].text, "watching https://example.com/p")

	recent, err := s.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.True(t, recent[0].Delivered)
	assert.Equal(t, LevelSuccess, recent[0].Level)
	assert.Equal(t, LevelSuccess.Priority(), recent[0].Priority)
	assert.Len(t, recent[0].ID, 8)
}

func TestNotifyRetries(t *testing.T) {
	rs := &recordingSender{failN: 2}
	s := startService(t, testConfig(), rs, nil)

	require.NoError(t, s.Notify(context.Background(), SystemNotification("disk almost full", LevelWarning)))
	stop(s)

	assert.Len(t, rs.sent(), 1)
	assert.Equal(t, 3, rs.calls)
}

func TestNotifyGivesUpAfterRetries(t *testing.T) {
	rs := &recordingSender{failN: 100}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	cfg := testConfig()
	s := New(cfg, rs, logx.Nop(), bus, nil)
	s.Start(context.Background())
	require.NoError(t, s.Notify(context.Background(), SystemNotification("x", LevelError)))
	stop(s)

	assert.Equal(t, 1+cfg.RetryMax, rs.calls)
	recent, _ := s.Recent(context.Background(), 0)
	require.Len(t, recent, 1)
	assert.False(t, recent[0].Delivered)

	var types []string
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	assert.Equal(t, []string{EventQueued, EventFailed}, types)
}

func TestNotifyDedups(t *testing.T) {
	rs := &recordingSender{}
	s := startService(t, testConfig(), rs, nil)

	n := SystemNotification("same text", LevelInfo)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Notify(context.Background(), n))
	}
	require.NoError(t, s.Notify(context.Background(), SystemNotification("other text", LevelInfo)))
	stop(s)

	assert.Len(t, rs.sent(), 2)
}

func TestDedupExpires(t *testing.T) {
	rs := &recordingSender{}
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	s := startService(t, testConfig(), rs, nil, WithClock(clock))

	n := SystemNotification("tick", LevelInfo)
	require.NoError(t, s.Notify(context.Background(), n))
	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	require.NoError(t, s.Notify(context.Background(), n))
	stop(s)

	assert.Len(t, rs.sent(), 2)
}

func TestNotifyStates(t *testing.T) {
	rs := &recordingSender{}

	disabled := New(Config{Enabled: false}, rs, logx.Nop(), nil, nil)
	disabled.Start(context.Background())
	assert.ErrorIs(t, disabled.Notify(context.Background(), SystemNotification("x", LevelInfo)), ErrDisabled)

	notStarted := New(testConfig(), rs, logx.Nop(), nil, nil)
	assert.ErrorIs(t, notStarted.Notify(context.Background(), SystemNotification("x", LevelInfo)), ErrStopped)

	s := startService(t, testConfig(), rs, nil)
	assert.ErrorIs(t, s.Notify(context.Background(), Notification{}), ErrEmpty)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Notify(ctx, SystemNotification("x", LevelInfo)), context.Canceled)

	stop(s)
	assert.ErrorIs(t, s.Notify(context.Background(), SystemNotification("x", LevelInfo)), ErrStopped)
}

// blockingSender holds every send until release is closed.
type blockingSender struct{ release chan struct{} }

func (b blockingSender) SendText(ctx context.Context, _ transport.ChatTarget, _ string, _ *transport.SendOptions) (transport.MessageRef, error) {
	select {
	case <-b.release:
		return transport.MessageRef{}, nil
	case <-ctx.Done():
		return transport.MessageRef{}, ctx.Err()
	}
}

func TestNotifyQueueFull(t *testing.T) {
	bs := blockingSender{release: make(chan struct{})}
	cfg := testConfig()
	cfg.QueueSize = 1
	cfg.DedupWindow = 0
	s := startService(t, cfg, bs, nil)

	var full bool
	for i := 0; i < 10 && !full; i++ {
		err := s.Notify(context.Background(), SystemNotification("burst", LevelInfo))
		full = errors.Is(err, ErrQueueFull)
	}
	close(bs.release)
	assert.True(t, full, "queue never reported full")
}

func TestHistoryPersistsToStore(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "h.db")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	rs := &recordingSender{}
	cfg := testConfig()
	cfg.PersistDedup = true
	s := startService(t, cfg, rs, st)
	require.NoError(t, s.Notify(context.Background(), MonitoringNotification(StatusStopped, "bye")))
	stop(s)

	recs, err := st.RecentNotifications(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "monitoring", recs[0].Kind)
	assert.True(t, recs[0].Delivered)

	// A fresh service over the same store still suppresses the duplicate.
	s2 := startService(t, cfg, rs, st)
	require.NoError(t, s2.Notify(context.Background(), MonitoringNotification(StatusStopped, "bye")))
	stop(s2)
	assert.Len(t, rs.sent(), 1)
}

func TestStatistics(t *testing.T) {
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	rs := &recordingSender{}
	s := startService(t, testConfig(), rs, nil, WithClock(func() time.Time { return now }))

	ctx := context.Background()
	require.NoError(t, s.Notify(ctx, MonitoringNotification(StatusStarted, "a")))
	require.NoError(t, s.Notify(ctx, SystemNotification("b", LevelWarning)))
	old := SystemNotification("c", LevelWarning)
	old.At = now.Add(-48 * time.Hour)
	require.NoError(t, s.Notify(ctx, old))
	stop(s)

	st, err := s.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 2, st.Last24h)
	assert.Equal(t, 0, st.Failed)
	assert.Equal(t, map[Level]int{LevelSuccess: 1, LevelWarning: 2}, st.ByLevel)
	assert.Equal(t, map[Kind]int{KindMonitoring: 1, KindSystem: 2}, st.ByKind)
	require.NotNil(t, st.Last)
	assert.Equal(t, "c", st.Last.Text)
}

func TestRetryDelayBounded(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt < 10; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > cfg.RetryMaxDelay {
			t.Fatalf("attempt %d: delay %v out of (0, %v]", attempt, d, cfg.RetryMaxDelay)
		}
	}
	if d := retryDelay(cfg, 1); d < 70*time.Millisecond || d > 130*time.Millisecond {
		t.Fatalf("first delay %v outside jitter band", d)
	}
}

func TestUnreadMarkReadClearExport(t *testing.T) {
	for _, driver := range []string{"", "file"} {
		t.Run("store="+driver, func(t *testing.T) {
			var store storage.Store
			if driver != "" {
				st, err := storage.Open(storage.Config{Driver: driver, Path: filepath.Join(t.TempDir(), "hist")}, logx.Nop())
				require.NoError(t, err)
				t.Cleanup(func() { _ = st.Close() })
				store = st
			}
			cfg := testConfig()
			cfg.DedupWindow = 0
			s := startService(t, cfg, &recordingSender{}, store)
			ctx := context.Background()

			require.NoError(t, s.Notify(ctx, SystemNotification("first", LevelInfo)))
			require.NoError(t, s.Notify(ctx, SystemNotification("second", LevelWarning)))
			stop(s)

			n, err := s.UnreadCount(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			pending, err := s.Unread(ctx, true)
			require.NoError(t, err)
			require.Len(t, pending, 2)
			assert.Equal(t, "second", pending[0].Text)

			pending, err = s.Unread(ctx, false)
			require.NoError(t, err)
			assert.Empty(t, pending)

			st, err := s.Statistics(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, st.Total)
			assert.Zero(t, st.Unread)

			var buf bytes.Buffer
			written, err := s.Export(ctx, &buf)
			require.NoError(t, err)
			assert.Equal(t, 2, written)
			var doc Export
			require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
			assert.Equal(t, 2, doc.Total)
			require.Len(t, doc.Notifications, 2)
			assert.True(t, doc.Notifications[0].Read)

			cleared, err := s.Clear(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, cleared)
			recent, err := s.Recent(ctx, 0)
			require.NoError(t, err)
			assert.Empty(t, recent)
		})
	}
}
