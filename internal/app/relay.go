package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"prodmon/internal/eventbus"
	"prodmon/internal/monitor"
	"prodmon/internal/notifier"
	"prodmon/internal/permission"
	"prodmon/internal/storage"
	logx "prodmon/pkg/logx"
)

type Notifier interface {
	Notify(ctx context.Context, n notifier.Notification) error
}

type PermissionState interface {
	State() permission.State
}

// Relay turns session and permission events into notifications. Nothing is
// sent unless the permission is granted. Every session action is audited
// when a store is configured.
type Relay struct {
	perm  PermissionState
	notif Notifier
	store storage.Store
	log   logx.Logger
}

func NewRelay(perm PermissionState, notif Notifier, store storage.Store, log logx.Logger) *Relay {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Relay{perm: perm, notif: notif, store: store, log: log.With(logx.String("comp", "relay"))}
}

// Run handles events until ctx ends or the channel closes.
func (r *Relay) Run(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.Handle(ctx, ev)
		}
	}
}

func (r *Relay) Handle(ctx context.Context, ev eventbus.Event) {
	switch data := ev.Data.(type) {
	case monitor.SessionEvent:
		r.audit(ctx, ev, data.Config.URL, data)
		if n, ok := sessionNotification(ev.Type, data); ok {
			r.send(ctx, n)
		}
	case permission.ChangedEvent:
		r.audit(ctx, ev, string(data.To), data)
		if data.To == permission.Granted {
			r.send(ctx, notifier.SystemNotification("Notifications are enabled.", notifier.LevelSuccess))
		}
	}
}

func sessionNotification(typ string, ev monitor.SessionEvent) (notifier.Notification, bool) {
	switch typ {
	case monitor.EventStarted:
		msg := fmt.Sprintf("Watching %s every %d minutes.", ev.Config.URL, ev.Config.IntervalMinutes)
		if ev.Snapshot != nil {
			msg += fmt.Sprintf("\n%s · %s", ev.Snapshot.Title, ev.Snapshot.Price)
		}
		return notifier.MonitoringNotification(notifier.StatusStarted, msg), true
	case monitor.EventStopped:
		return notifier.MonitoringNotification(notifier.StatusStopped, "Stopped watching "+ev.Config.URL+"."), true
	case monitor.EventAnalyzed:
		if len(ev.Events) == 0 {
			return notifier.Notification{}, false
		}
		return notifier.ChangeNotification(ev.Events), true
	}
	return notifier.Notification{}, false
}

func (r *Relay) send(ctx context.Context, n notifier.Notification) {
	if r.notif == nil || r.perm == nil {
		return
	}
	if st := r.perm.State(); st != permission.Granted {
		r.log.Debug("notification suppressed", logx.String("permission", string(st)), logx.String("title", n.Title))
		return
	}
	err := r.notif.Notify(ctx, n)
	switch {
	case err == nil:
	case errors.Is(err, notifier.ErrDisabled), errors.Is(err, notifier.ErrStopped):
		r.log.Debug("notifier unavailable", logx.Err(err))
	default:
		r.log.Warn("notify failed", logx.String("title", n.Title), logx.Err(err))
	}
}

func (r *Relay) audit(ctx context.Context, ev eventbus.Event, target string, meta any) {
	if r.store == nil {
		return
	}
	e := storage.AuditEntry{At: ev.Time, Actor: "user", Action: ev.Type, Target: target, OK: true}
	if b, err := json.Marshal(meta); err == nil {
		e.MetaJSON = string(b)
	}
	actx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := r.store.AppendAudit(actx, e); err != nil {
		r.log.Warn("audit append failed", logx.String("action", ev.Type), logx.Err(err))
	}
}
