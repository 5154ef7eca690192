package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"prodmon/internal/eventbus"
	logx "prodmon/pkg/logx"
)

// Session is the monitoring session controller. It is safe for concurrent
// use; every method takes the lock only for state reads and writes, never
// while a source is running.
type Session struct {
	mu sync.Mutex

	active   bool
	cfg      Config
	snapshot *Snapshot
	events   []ChangeEvent

	snapshots SnapshotSource
	changes   ChangeSource
	now       func() time.Time
	log       logx.Logger
	bus       eventbus.Bus
}

type Option func(*Session)

func WithSnapshotSource(src SnapshotSource) Option {
	return func(s *Session) {
		if src != nil {
			s.snapshots = src
		}
	}
}

func WithChangeSource(src ChangeSource) Option {
	return func(s *Session) {
		if src != nil {
			s.changes = src
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(s *Session) { s.log = log } }

func WithBus(bus eventbus.Bus) Option {
	return func(s *Session) {
		if bus != nil {
			s.bus = bus
		}
	}
}

func NewSession(opts ...Option) *Session {
	s := &Session{
		snapshots: PlaceholderSource{},
		changes:   SampleChanges{},
		now:       time.Now,
		bus:       eventbus.Nop{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

// CanStart reports whether the start control is available for cfg.
func (s *Session) CanStart(cfg Config) bool {
	if cfg.URL == "" || cfg.Validate() != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.active
}

// CanStop reports whether the stop control is available.
func (s *Session) CanStop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Start activates monitoring and replaces the snapshot with one built for
// cfg.URL. If the session is already active or cfg.URL is empty it returns
// ErrStartUnavailable and changes nothing.
func (s *Session) Start(ctx context.Context, cfg Config) (Snapshot, error) {
	if cfg.URL == "" {
		return Snapshot{}, ErrStartUnavailable
	}
	if err := cfg.Validate(); err != nil {
		return Snapshot{}, err
	}
	if !s.CanStart(cfg) {
		return Snapshot{}, ErrStartUnavailable
	}

	snap, err := s.snapshots.FetchProductSnapshot(ctx, cfg.URL)
	if err != nil {
		s.log.Warn("snapshot fetch failed", logx.String("url", cfg.URL), logx.Err(err))
		return Snapshot{}, fmt.Errorf("monitor: fetch snapshot: %w", err)
	}
	if snap.ObservedAt.IsZero() {
		snap.ObservedAt = s.now()
	}

	s.mu.Lock()
	// A concurrent Start may have won while the source ran.
	if s.active {
		s.mu.Unlock()
		return Snapshot{}, ErrStartUnavailable
	}
	s.active = true
	s.cfg = cfg
	cp := snap
	s.snapshot = &cp
	s.mu.Unlock()

	s.log.Info("monitoring started",
		logx.String("url", cfg.URL),
		logx.Int("interval_minutes", cfg.IntervalMinutes),
		logx.String("title", snap.Title),
	)
	s.bus.Publish(eventbus.Event{Type: EventStarted, Time: s.now(), Data: SessionEvent{Config: cfg, Snapshot: &snap}})
	return snap, nil
}

// Stop deactivates monitoring. The snapshot and the last events are kept.
func (s *Session) Stop() error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return ErrNotActive
	}
	s.active = false
	cfg := s.cfg
	snap := copySnapshot(s.snapshot)
	s.mu.Unlock()

	s.log.Info("monitoring stopped", logx.String("url", cfg.URL))
	s.bus.Publish(eventbus.Event{Type: EventStopped, Time: s.now(), Data: SessionEvent{Config: cfg, Snapshot: snap}})
	return nil
}

// Analyze replaces the change event list with a fresh batch from the change
// source. It has no preconditions.
func (s *Session) Analyze(ctx context.Context) ([]ChangeEvent, error) {
	s.mu.Lock()
	snap := copySnapshot(s.snapshot)
	cfg := s.cfg
	s.mu.Unlock()

	events, err := s.changes.ComputeChanges(ctx, snap, s.now())
	if err != nil {
		s.log.Warn("change analysis failed", logx.Err(err))
		return nil, fmt.Errorf("monitor: compute changes: %w", err)
	}

	s.mu.Lock()
	s.events = append([]ChangeEvent(nil), events...)
	s.mu.Unlock()

	s.log.Debug("changes analyzed", logx.Int("events", len(events)))
	s.bus.Publish(eventbus.Event{Type: EventAnalyzed, Time: s.now(), Data: SessionEvent{Config: cfg, Snapshot: snap, Events: append([]ChangeEvent(nil), events...)}})
	return append([]ChangeEvent(nil), events...), nil
}

// State returns a copy of the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Active:   s.active,
		Config:   s.cfg,
		Snapshot: copySnapshot(s.snapshot),
		Events:   append([]ChangeEvent(nil), s.events...),
	}
}

func copySnapshot(s *Snapshot) *Snapshot {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}
