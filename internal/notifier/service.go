package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"prodmon/internal/eventbus"
	"prodmon/internal/runtime/supervisor"
	"prodmon/internal/storage"
	"prodmon/internal/transport"
	logx "prodmon/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
	ErrEmpty     = errors.New("notification has no title or text")
)

type job struct {
	n   Notification
	key string
}

type dedupWrite struct {
	key   string
	until time.Time
}

// Service is the async notification pipeline:
// queue + worker pool + rate limit + retry + dedup + history.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log       logx.Logger
	sender    transport.Sender
	bus       eventbus.Bus
	store     storage.Store
	target    transport.ChatTarget
	parseMode string
	now       func() time.Time

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan job
	persistCh chan dedupWrite
	sup       *supervisor.Supervisor

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []Notification // oldest first
}

type Option func(*Service)

// WithTarget sets the target used when a notification has none.
func WithTarget(t transport.ChatTarget) Option { return func(s *Service) { s.target = t } }

// WithParseMode selects the markup Render produces ("" or "HTML").
func WithParseMode(mode string) Option { return func(s *Service) { s.parseMode = mode } }

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(cfg Config, sender transport.Sender, log logx.Logger, bus eventbus.Bus, store storage.Store, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{
		sender: sender,
		log:    log.With(logx.String("comp", "notifier")),
		bus:    bus,
		store:  store,
		now:    time.Now,
		dedup:  map[string]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. Worker and queue sizes take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	s.cfg = cfg
	// Burst equals the per-second rate so short spikes pass.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the workers. It is a no-op when disabled or already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	if s.cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 256)
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log), supervisor.WithCancelOnError(false))
	sup, q, pch, workers := s.sup, s.queue, s.persistCh, s.cfg.Workers
	s.mu.Unlock()

	if pch != nil {
		sup.GoRestart("dedup.persist", func(c context.Context) error { return s.persistLoop(c, pch) })
	}
	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error { return s.workerLoop(c, q) })
	}
	s.log.Debug("notifier started", logx.Int("workers", workers))
}

// Stop refuses new notifications and drains the queue until ctx ends, then
// cancels whatever is still in flight.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, pch, sup := s.queue, s.persistCh, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.queue, s.persistCh, s.sup = nil, nil, nil
	s.mu.Unlock()

	// In-flight Notify calls hold sendWG until their enqueue attempt ends.
	s.sendWG.Wait()
	close(q)
	if pch != nil {
		close(pch)
	}
	if err := sup.Wait(ctx); err != nil {
		sup.Cancel()
		s.log.Debug("notifier stop", logx.Err(err), logx.Int("undelivered", len(q)))
	}
}

// Pending is the number of queued notifications.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Notify queues n for delivery. ID, At, Priority and Target are filled in
// when empty. A notification suppressed by dedup returns nil.
func (s *Service) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(n.Title) == "" && strings.TrimSpace(n.Text) == "" {
		return ErrEmpty
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	pch := s.persistCh
	cfg := s.cfg
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	n = s.normalize(n)
	key := dedupKey(n)
	if cfg.DedupWindow > 0 && !s.dedupAllow(ctx, key, cfg, pch) {
		s.publish(EventDeduped, n, key, nil)
		s.log.Debug("notification deduped", logx.String("kind", string(n.Kind)), logx.String("title", n.Title))
		return nil
	}

	s.publish(EventQueued, n, key, nil)
	select {
	case q <- job{n: n, key: key}:
		return nil
	default:
		s.publish(EventDropped, n, key, ErrQueueFull)
		s.log.Warn("notification dropped", logx.String("kind", string(n.Kind)), logx.Int("queue", cap(q)))
		return ErrQueueFull
	}
}

func (s *Service) normalize(n Notification) Notification {
	if n.ID == "" {
		n.ID = uuid.NewString()[:8]
	}
	if n.At.IsZero() {
		n.At = s.now()
	}
	if n.Level == "" {
		n.Level = LevelInfo
	}
	if n.Kind == "" {
		n.Kind = KindSystem
	}
	if n.Priority == 0 {
		n.Priority = n.Level.Priority()
	}
	if n.Target.IsZero() {
		n.Target = s.target
	}
	n.Delivered = false
	n.Read = false
	return n
}

func (s *Service) publish(typ string, n Notification, key string, err error) {
	ev := Event{ID: n.ID, Kind: n.Kind, Key: key, At: s.now()}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case w, ok := <-ch:
			if !ok {
				return nil
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := s.store.PutDedup(cctx, w.key, w.until); err != nil {
				s.log.Debug("dedup persist failed", logx.Err(err))
			}
			cancel()
		}
	}
}

// workerLoop returns nil once the queue is closed and drained.
func (s *Service) workerLoop(ctx context.Context, q <-chan job) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j, ok := <-q:
			if !ok {
				return nil
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	if s.sender == nil {
		s.record(j.n, false)
		return
	}

	text := Render(j.n, s.parseMode)
	opt := &transport.SendOptions{ParseMode: s.parseMode, DisablePreview: true}
	attempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err := s.sender.SendText(callCtx, j.n.Target, text, opt)
		cancel()
		if err == nil {
			j.n.Delivered = true
			s.record(j.n, true)
			s.publish(EventSent, j.n, j.key, nil)
			return
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	s.log.Warn("notification undelivered", logx.String("id", j.n.ID), logx.Err(lastErr))
	s.record(j.n, false)
	s.publish(EventFailed, j.n, j.key, lastErr)
}

func (s *Service) record(n Notification, delivered bool) {
	n.Delivered = delivered

	s.mu.Lock()
	keep := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, n)
	if len(s.history) > keep {
		s.history = s.history[len(s.history)-keep:]
	}
	s.hmu.Unlock()

	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := s.store.AppendNotification(ctx, toRecord(n)); err != nil {
		s.log.Warn("notification history write failed", logx.Err(err))
	}
}

// Recent returns up to limit notifications, newest first. Storage is the
// source when configured; otherwise the in-memory history.
func (s *Service) Recent(ctx context.Context, limit int) ([]Notification, error) {
	if s.store != nil {
		recs, err := s.store.RecentNotifications(ctx, limit)
		if err != nil {
			return nil, fmt.Errorf("notifier: recent: %w", err)
		}
		out := make([]Notification, 0, len(recs))
		for _, r := range recs {
			out = append(out, fromRecord(r))
		}
		return out, nil
	}

	s.hmu.Lock()
	defer s.hmu.Unlock()
	n := len(s.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Notification, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.history[i])
	}
	return out, nil
}

const statsWindow = 100

// Statistics summarises the latest notifications.
func (s *Service) Statistics(ctx context.Context) (Stats, error) {
	recent, err := s.Recent(ctx, statsWindow)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{
		Total:   len(recent),
		Pending: s.Pending(),
		ByLevel: map[Level]int{},
		ByKind:  map[Kind]int{},
	}
	cut := s.now().Add(-24 * time.Hour)
	for _, n := range recent {
		st.ByLevel[n.Level]++
		st.ByKind[n.Kind]++
		if !n.At.Before(cut) {
			st.Last24h++
		}
		if !n.Delivered {
			st.Failed++
		}
		if !n.Read {
			st.Unread++
		}
	}
	if len(recent) > 0 {
		last := recent[0]
		st.Last = &last
	}
	return st, nil
}

// Unread returns the unread notifications, newest first. With markRead
// they are flagged read afterwards, so the next call returns only newer ones.
func (s *Service) Unread(ctx context.Context, markRead bool) ([]Notification, error) {
	all, err := s.Recent(ctx, 0)
	if err != nil {
		return nil, err
	}
	out := make([]Notification, 0, len(all))
	for _, n := range all {
		if !n.Read {
			out = append(out, n)
		}
	}
	if markRead && len(out) > 0 {
		if _, err := s.MarkRead(ctx); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (s *Service) UnreadCount(ctx context.Context) (int, error) {
	list, err := s.Unread(ctx, false)
	return len(list), err
}

// MarkRead flags the whole history read and returns how many changed.
func (s *Service) MarkRead(ctx context.Context) (int, error) {
	s.hmu.Lock()
	changed := 0
	for i := range s.history {
		if !s.history[i].Read {
			s.history[i].Read = true
			changed++
		}
	}
	s.hmu.Unlock()

	if s.store == nil {
		return changed, nil
	}
	n, err := s.store.MarkNotificationsRead(ctx)
	if err != nil {
		return 0, fmt.Errorf("notifier: mark read: %w", err)
	}
	return n, nil
}

// Clear drops the notification history and returns how many were removed.
// Queued notifications are not affected.
func (s *Service) Clear(ctx context.Context) (int, error) {
	s.hmu.Lock()
	cleared := len(s.history)
	s.history = nil
	s.hmu.Unlock()

	if s.store == nil {
		return cleared, nil
	}
	n, err := s.store.ClearNotifications(ctx)
	if err != nil {
		return 0, fmt.Errorf("notifier: clear: %w", err)
	}
	s.log.Info("notification history cleared", logx.Int("removed", n))
	return n, nil
}

const exportLimit = 1000

// Export is the document written by Service.Export.
type Export struct {
	ExportedAt    time.Time      `json:"exported_at"`
	Total         int            `json:"total"`
	Notifications []Notification `json:"notifications"`
}

// Export writes up to the latest 1000 notifications to w as indented JSON
// and returns how many were written.
func (s *Service) Export(ctx context.Context, w io.Writer) (int, error) {
	list, err := s.Recent(ctx, exportLimit)
	if err != nil {
		return 0, err
	}
	doc := Export{ExportedAt: s.now(), Total: len(list), Notifications: list}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return 0, fmt.Errorf("notifier: export: %w", err)
	}
	return len(list), nil
}

func dedupKey(n Notification) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d:%d|%s|%s", n.Kind, n.Level, n.Target.ChatID, n.Target.ThreadID, n.Title, n.Text)
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(ctx context.Context, key string, cfg Config, pch chan<- dedupWrite) bool {
	now := s.now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	// Cross-restart suppression, best-effort.
	if cfg.PersistDedup && s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 25*time.Millisecond)
		until, ok, err := s.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(cfg.DedupWindow)
	s.dmu.Lock()
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	// Over the cap: evict the entries expiring first.
	for len(s.dedup) > cfg.DedupMaxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, u := range s.dedup {
			if minKey == "" || u.Before(minT) {
				minKey, minT = k, u
			}
		}
		delete(s.dedup, minKey)
	}
	s.dmu.Unlock()

	if pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

// retryDelay is the wait before attempt+1: base*2^(attempt-1) with 0.7..1.3
// jitter, capped at RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}

func toRecord(n Notification) storage.NotificationRecord {
	return storage.NotificationRecord{
		ID:        n.ID,
		Kind:      string(n.Kind),
		Level:     string(n.Level),
		Title:     n.Title,
		Text:      n.Text,
		Priority:  n.Priority,
		At:        n.At,
		Delivered: n.Delivered,
		Read:      n.Read,
	}
}

func fromRecord(r storage.NotificationRecord) Notification {
	return Notification{
		ID:        r.ID,
		Kind:      Kind(r.Kind),
		Level:     Level(r.Level),
		Title:     r.Title,
		Text:      r.Text,
		Priority:  r.Priority,
		At:        r.At,
		Delivered: r.Delivered,
		Read:      r.Read,
	}
}
