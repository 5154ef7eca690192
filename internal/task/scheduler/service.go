package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"prodmon/internal/eventbus"
	logx "prodmon/pkg/logx"
)

var ErrNotRunning = errors.New("scheduler not running")

type Option func(*Service)

func WithBus(b eventbus.Bus) Option { return func(s *Service) { s.bus = b } }

func New(cfg Config, log logx.Logger, opts ...Option) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	s := &Service{
		log: log.With(logx.String("comp", "scheduler")),
		cfg: cfg,
		bus: eventbus.Nop{},
		loc: loc,
		parser: cron.NewParser(
			cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		),
		defs: map[string]*schedule{},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler: invalid timezone %q: %w", tz, err)
	}
	return loc, nil
}

// AddSchedule registers (or replaces) the job called name. It may be called
// before or after Start. timeout <= 0 means the job runs until Stop.
func (s *Service) AddSchedule(name, spec string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" || job == nil {
		return errors.New("scheduler: name and job required")
	}
	ps, err := ParseSchedule(spec)
	if err != nil {
		return err
	}
	cronSpec := ps.CronSpec()
	if _, err := s.parser.Parse(cronSpec); err != nil {
		return fmt.Errorf("scheduler: %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old := s.defs[name]; old != nil && s.c != nil && old.entryID != 0 {
		s.c.Remove(old.entryID)
	}
	def := &schedule{name: name, spec: cronSpec, timeout: timeout, job: job}
	s.defs[name] = def
	if s.c != nil {
		if err := s.registerLocked(def); err != nil {
			delete(s.defs, name)
			return err
		}
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", cronSpec))
	return nil
}

func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	def := s.defs[name]
	if def == nil {
		return false
	}
	if s.c != nil && def.entryID != 0 {
		s.c.Remove(def.entryID)
	}
	delete(s.defs, name)
	return true
}

func (s *Service) registerLocked(def *schedule) error {
	id, err := s.c.AddFunc(def.spec, func() { s.trigger(def) })
	if err != nil {
		return fmt.Errorf("scheduler: %s: %w", def.name, err)
	}
	def.entryID = id
	return nil
}

// Start begins firing registered schedules. A disabled scheduler accepts
// registrations but never fires.
func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, def := range s.defs {
		if err := s.registerLocked(def); err != nil {
			s.log.Warn("schedule skipped", logx.String("name", def.name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.Int("schedules", len(s.defs)), logx.String("tz", s.loc.String()))
	return nil
}

// Stop halts triggers, cancels running jobs and waits for them, bounded by ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	for _, def := range s.defs {
		def.entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	stopCtx := c.Stop()
	cancel()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow triggers name outside its schedule and waits for the result.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	def := s.defs[name]
	s.mu.Unlock()
	if def == nil {
		return fmt.Errorf("scheduler: unknown schedule %q", name)
	}
	if !def.running.CompareAndSwap(false, true) {
		return fmt.Errorf("scheduler: %s already running", name)
	}
	s.wg.Add(1)
	defer s.wg.Done()
	return s.run(ctx, def)
}

func (s *Service) trigger(def *schedule) {
	if !def.running.CompareAndSwap(false, true) {
		def.skipped.Add(1)
		s.log.Warn("schedule overlap skipped", logx.String("name", def.name))
		return
	}
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		def.running.Store(false)
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	_ = s.run(ctx, def)
}

// run executes def; the caller has set def.running.
func (s *Service) run(ctx context.Context, def *schedule) (err error) {
	defer def.running.Store(false)
	if def.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, def.timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		def.runs.Add(1)
		res := RunResult{Name: def.name, At: start, Took: time.Since(start)}
		if err != nil {
			res.Error = err.Error()
			def.lastErr.Store(res.Error)
			s.log.Warn("schedule failed", logx.String("name", def.name), logx.Duration("took", res.Took), logx.Err(err))
		} else {
			def.lastErr.Store("")
			s.log.Debug("schedule done", logx.String("name", def.name), logx.Duration("took", res.Took))
		}
		s.bus.Publish(eventbus.Event{Type: EventFinished, Time: time.Now(), Data: res})
	}()
	return def.job(ctx)
}

// Entries lists registered schedules sorted by name. Next and Prev are zero
// while the scheduler is stopped.
func (s *Service) Entries() []ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(s.defs))
	for _, def := range s.defs {
		info := ScheduleInfo{
			Name:    def.name,
			Spec:    def.spec,
			Timeout: def.timeout,
			Runs:    def.runs.Load(),
			Skipped: def.skipped.Load(),
		}
		if v, ok := def.lastErr.Load().(string); ok {
			info.LastErr = v
		}
		if s.c != nil && def.entryID != 0 {
			e := s.c.Entry(def.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
