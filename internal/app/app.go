// Package app wires config, logging, storage, the notification host, the
// permission gateway, the monitoring session, the notifier and housekeeping
// into one lifecycle shared by the TUI and the CLI commands.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"prodmon/internal/config"
	"prodmon/internal/eventbus"
	"prodmon/internal/monitor"
	"prodmon/internal/notifier"
	"prodmon/internal/permission"
	"prodmon/internal/runtime/supervisor"
	"prodmon/internal/storage"
	"prodmon/internal/task/scheduler"
	"prodmon/internal/transport"
	"prodmon/internal/transport/console"
	"prodmon/internal/transport/telegram"
	logx "prodmon/pkg/logx"
)

const pruneJob = "history.prune"

type Options struct {
	ConfigPath string
	// Env replaces os.LookupEnv for config overrides.
	Env func(string) (string, bool)
	// LogOut is the console log sink; the TUI passes io.Discard.
	LogOut io.Writer
	// Out receives console-host notifications. Defaults to stdout.
	Out io.Writer
	// Prompter answers console-host consent prompts. Defaults to a stdin
	// line prompter.
	Prompter console.Prompter
	// Clock drives the session; nil means time.Now.
	Clock func() time.Time
}

type App struct {
	opts Options

	cfgm *config.Manager
	cfg  *config.Config

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	host    transport.Host
	gate    *permission.Gateway
	session *monitor.Session
	notif   *notifier.Service
	sched   *scheduler.Service
	relay   *Relay

	sup *supervisor.Supervisor
	// pipe runs the relay and the notifier detached from sup, so Stop can
	// drain them after the inputs are closed.
	pipe       context.Context
	relaySup   *supervisor.Supervisor
	relayUnsub func()
}

func New(opts Options) (*App, error) {
	cfgm := config.NewManager(opts.ConfigPath, config.WithEnv(opts.Env))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogConfig(cfg, opts.LogOut))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()
	a := &App{opts: opts, cfgm: cfgm, cfg: cfg, log: log, logs: logs, bus: bus}

	if err := a.openStore(); err != nil {
		_ = logs.Close()
		return nil, err
	}
	if err := a.buildHost(); err != nil {
		a.closeStore()
		_ = logs.Close()
		return nil, err
	}

	var capability permission.Capability
	if a.host != nil {
		capability = a.host
	}
	a.gate = permission.NewGateway(capability,
		permission.WithLogger(log.With(logx.String("comp", "permission"))),
		permission.WithBus(bus),
	)
	a.session = monitor.NewSession(
		monitor.WithLogger(log.With(logx.String("comp", "monitor"))),
		monitor.WithBus(bus),
		monitor.WithClock(opts.Clock),
	)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		a.closeStore()
		return nil, err
	}
	var (
		sender transport.Sender
		nopts  []notifier.Option
	)
	if a.host != nil {
		sender = a.host
		nopts = append(nopts, notifier.WithTarget(a.host.DefaultTarget()), notifier.WithParseMode(a.host.ParseMode()))
	}
	a.notif = notifier.New(ncfg, sender, log, bus, a.store, nopts...)
	a.relay = NewRelay(a.gate, a.notif, a.store, log)

	sched, err := scheduler.New(scheduler.Config{
		Enabled:  cfg.Housekeeping.Enabled,
		Timezone: cfg.Housekeeping.Timezone,
	}, log, scheduler.WithBus(bus))
	if err != nil {
		a.closeStore()
		return nil, err
	}
	a.sched = sched
	if err := a.registerHousekeeping(cfg); err != nil {
		a.closeStore()
		return nil, err
	}
	return a, nil
}

func (a *App) openStore() error {
	sc, enabled, err := mapStorageConfig(a.cfg)
	if err != nil || !enabled {
		return err
	}
	st, err := storage.Open(sc, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	a.store = st
	a.log.Debug("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	return nil
}

func (a *App) closeStore() {
	if a.store != nil {
		_ = a.store.Close()
	}
}

func (a *App) buildHost() error {
	cfg := a.cfg
	promptTimeout, err := config.ParseDurationField("notifications.prompt_timeout", cfg.Notifications.PromptTimeout)
	if err != nil {
		return err
	}
	preset := permission.Default
	if p := strings.TrimSpace(cfg.Notifications.Permission); p != "" {
		preset = permission.Parse(p)
	}
	hostLog := a.log.With(logx.String("comp", "host"))

	switch cfg.Notifications.Host {
	case config.HostNone:
		a.log.Info("no notification host configured")
		return nil
	case config.HostTelegram:
		poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return err
		}
		h, err := telegram.New(telegram.Config{
			Token:         cfg.Telegram.Token,
			ChatID:        cfg.Telegram.ChatID,
			ThreadID:      cfg.Telegram.ThreadID,
			PollTimeout:   poll,
			PromptTimeout: promptTimeout,
		}, hostLog, telegram.WithState(preset))
		if err != nil {
			return fmt.Errorf("telegram host: %w", err)
		}
		a.host = h
	default:
		out := a.opts.Out
		if out == nil {
			out = os.Stdout
		}
		p := a.opts.Prompter
		if p == nil {
			p = console.NewLinePrompter(os.Stdin, os.Stderr)
		}
		a.host = console.New(out, p,
			console.WithPromptTimeout(promptTimeout),
			console.WithLogger(hostLog),
			console.WithState(preset),
		)
	}
	return nil
}

// registerHousekeeping (re)installs the history retention job.
func (a *App) registerHousekeeping(cfg *config.Config) error {
	if a.store == nil {
		return nil
	}
	ret, err := mapRetention(cfg)
	if err != nil {
		return err
	}
	return a.sched.AddSchedule(pruneJob, cfg.Housekeeping.Schedule, time.Minute, func(ctx context.Context) error {
		return a.pruneHistory(ctx, ret)
	})
}

func (a *App) pruneHistory(ctx context.Context, ret retention) error {
	var before time.Time
	if ret.maxAge > 0 {
		before = time.Now().Add(-ret.maxAge)
	}
	n, err := a.store.PruneNotifications(ctx, before, ret.keep)
	if err != nil {
		return err
	}
	if n > 0 {
		a.log.Info("notification history pruned", logx.Int("removed", n))
	}
	return nil
}

func (a *App) Config() *config.Config        { return a.cfgm.Get() }
func (a *App) Logger() logx.Logger           { return a.log }
func (a *App) Bus() eventbus.Bus             { return a.bus }
func (a *App) Session() *monitor.Session     { return a.session }
func (a *App) Gateway() *permission.Gateway  { return a.gate }
func (a *App) Notifier() *notifier.Service   { return a.notif }
func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Store() storage.Store          { return a.store }

// HostName is "none" when no host is configured.
func (a *App) HostName() string {
	if a.host == nil {
		return config.HostNone
	}
	return a.host.Name()
}

// DefaultConfig seeds the UI inputs; it is never written back.
func (a *App) DefaultConfig() monitor.Config {
	return monitor.Config{IntervalMinutes: a.Config().Monitor.DefaultIntervalMinutes}
}

// Done is closed when the app context ends.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start mirrors the host permission and launches the background loops.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	if a.host != nil {
		if err := a.host.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("host start: %w", err)
		}
	}
	a.gate.Query()

	a.pipe = context.WithoutCancel(ctx)
	a.notif.Start(a.pipe)
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}

	events, unsub := a.bus.Subscribe(128)
	a.relayUnsub = unsub
	a.relaySup = supervisor.New(a.pipe, supervisor.WithLogger(a.log))
	a.relaySup.Go("relay", func(c context.Context) error {
		return a.relay.Run(c, events)
	})

	sub := a.cfgm.Subscribe(4)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started",
		logx.String("host", a.HostName()),
		logx.String("permission", string(a.gate.State())),
		logx.Bool("storage", a.store != nil),
	)
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

// applyConfig applies the live-reloadable sections. Host and storage
// changes need a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		return
	}
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLogConfig(next, a.opts.LogOut))
		case "notifier":
			ncfg, err := mapNotifierConfig(next)
			if err != nil {
				a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
				continue
			}
			wasEnabled := a.notif.Enabled()
			a.notif.Apply(ncfg)
			switch {
			case wasEnabled && !ncfg.Enabled:
				stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				a.notif.Stop(stopCtx)
				cancel()
			case !wasEnabled && ncfg.Enabled && a.host != nil:
				a.notif.Start(a.pipe)
			}
		case "housekeeping":
			if err := a.registerHousekeeping(next); err != nil {
				a.log.Warn("housekeeping schedule rejected", logx.Err(err))
			}
		case "storage":
			// retention limits apply live; driver and path do not
			if err := a.registerHousekeeping(next); err != nil {
				a.log.Warn("housekeeping schedule rejected", logx.Err(err))
			}
			a.log.Warn("storage driver/path changes need a restart")
		case "notifications", "telegram":
			a.log.Warn("notification host changes need a restart", logx.String("section", s))
		}
	}
}

// Stop shuts components down in order, each step bounded so one component
// can't stall the whole stop. Event producers stop first; the relay then
// handles what is still buffered and the notifier drains its queue before
// the rest is cancelled.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeStore()
		return a.logs.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.step(ctx, "scheduler", 2*time.Second, a.sched.Stop)
	if a.relaySup != nil {
		a.step(ctx, "relay", 2*time.Second, func(c context.Context) error {
			// Closing the subscription lets Run finish the buffered events.
			a.relayUnsub()
			err := a.relaySup.Wait(c)
			a.relaySup.Cancel()
			return err
		})
	}
	a.step(ctx, "notifier", 5*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })

	a.sup.Cancel()
	if a.host != nil {
		a.step(ctx, "host", 3*time.Second, a.host.Stop)
	}
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
