// Package permission mirrors the host's notification permission.
//
// The host (a terminal, a Telegram chat) owns the actual consent; the
// Gateway only reads it once at start-up and asks for it on demand. A nil
// host means the environment has no notification capability: queries leave
// the state at Default and requests do nothing.
package permission

import (
	"context"
	"strings"
	"sync"

	"prodmon/internal/eventbus"
	logx "prodmon/pkg/logx"
)

type State string

const (
	Default State = "default"
	Granted State = "granted"
	Denied  State = "denied"
)

// Parse maps a host-reported string to a State. Unknown values are Default.
func Parse(s string) State {
	switch State(strings.ToLower(strings.TrimSpace(s))) {
	case Granted:
		return Granted
	case Denied:
		return Denied
	default:
		return Default
	}
}

// Terminal reports whether the state can no longer change through Request.
func (s State) Terminal() bool { return s == Granted || s == Denied }

// Label is the badge text shown next to the notification setting.
func (s State) Label() string {
	switch s {
	case Granted:
		return "Enabled"
	case Denied:
		return "Blocked"
	default:
		return "Not Set"
	}
}

// Capability is the host's notification permission API.
//
// Request shows the host's consent prompt and blocks until the user answers
// (or the host gives up). The prompt cannot be withdrawn once shown.
type Capability interface {
	Query() State
	Request(ctx context.Context) (State, error)
}

const EventChanged = "permission.changed"

// ChangedEvent is the Data payload of permission.changed.
type ChangedEvent struct {
	From State `json:"from"`
	To   State `json:"to"`
}

type pending struct {
	done  chan struct{}
	state State
	err   error
}

type Gateway struct {
	host Capability
	log  logx.Logger
	bus  eventbus.Bus

	mu      sync.Mutex
	state   State
	pending *pending
}

type Option func(*Gateway)

func WithLogger(log logx.Logger) Option { return func(g *Gateway) { g.log = log } }

func WithBus(bus eventbus.Bus) Option {
	return func(g *Gateway) {
		if bus != nil {
			g.bus = bus
		}
	}
}

func NewGateway(host Capability, opts ...Option) *Gateway {
	g := &Gateway{host: host, state: Default, bus: eventbus.Nop{}}
	for _, o := range opts {
		o(g)
	}
	if g.log.IsZero() {
		g.log = logx.Nop()
	}
	return g
}

// Supported reports whether the host has a notification capability.
func (g *Gateway) Supported() bool { return g.host != nil }

// State returns the mirrored state without touching the host.
func (g *Gateway) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Gateway) Granted() bool { return g.State() == Granted }

// Query reads the host's current permission into the local state.
func (g *Gateway) Query() State {
	if g.host == nil {
		g.log.Debug("notification capability unavailable; permission stays default")
		return g.State()
	}
	return g.mirror(Parse(string(g.host.Query())))
}

// Request asks the host for permission and mirrors the answer.
//
// Without a capability, or when the state is already Granted or Denied,
// it returns the current state without prompting. Concurrent callers share
// one prompt. Cancelling ctx stops the wait but not the prompt: a later
// answer is still mirrored.
func (g *Gateway) Request(ctx context.Context) (State, error) {
	if g.host == nil {
		g.log.Debug("notification capability unavailable; request ignored")
		return g.State(), nil
	}

	g.mu.Lock()
	if g.state.Terminal() {
		st := g.state
		g.mu.Unlock()
		return st, nil
	}
	p := g.pending
	if p == nil {
		p = &pending{done: make(chan struct{})}
		g.pending = p
		go g.prompt(context.WithoutCancel(ctx), p)
	}
	g.mu.Unlock()

	select {
	case <-p.done:
		return p.state, p.err
	case <-ctx.Done():
		return g.State(), ctx.Err()
	}
}

func (g *Gateway) prompt(ctx context.Context, p *pending) {
	g.log.Info("requesting notification permission")
	st, err := g.host.Request(ctx)
	if err != nil {
		g.log.Warn("permission prompt failed", logx.Err(err))
		p.state = g.State()
		p.err = err
	} else {
		p.state = g.mirror(Parse(string(st)))
	}

	g.mu.Lock()
	g.pending = nil
	g.mu.Unlock()
	close(p.done)
}

func (g *Gateway) mirror(st State) State {
	g.mu.Lock()
	prev := g.state
	g.state = st
	g.mu.Unlock()

	if prev != st {
		g.log.Info("notification permission changed", logx.String("from", string(prev)), logx.String("to", string(st)))
		g.bus.Publish(eventbus.Event{Type: EventChanged, Data: ChangedEvent{From: prev, To: st}})
	}
	return st
}
