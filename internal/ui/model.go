package ui

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"prodmon/internal/monitor"
	"prodmon/internal/notifier"
	"prodmon/internal/permission"
	"prodmon/internal/transport/console"
)

type Session interface {
	CanStart(cfg monitor.Config) bool
	CanStop() bool
	Start(ctx context.Context, cfg monitor.Config) (monitor.Snapshot, error)
	Stop() error
	Analyze(ctx context.Context) ([]monitor.ChangeEvent, error)
	State() monitor.State
}

type Permission interface {
	Supported() bool
	State() permission.State
	Request(ctx context.Context) (permission.State, error)
}

type History interface {
	Recent(ctx context.Context, limit int) ([]notifier.Notification, error)
	Statistics(ctx context.Context) (notifier.Stats, error)
	MarkRead(ctx context.Context) (int, error)
	Clear(ctx context.Context) (int, error)
}

type Deps struct {
	Session    Session
	Permission Permission
	History    History // optional
	Defaults   monitor.Config
	HostName   string
	Now        func() time.Time
}

const (
	tabMonitor = iota
	tabNotifications
)

type focus int

const (
	focusURL focus = iota
	focusInterval
	focusStart
	focusStop
	focusAnalyze
	focusEnable
	focusCount
)

const historyLimit = 20

type tickMsg time.Time

type actionMsg struct{ err error }

type permMsg struct {
	state permission.State
	err   error
}

type historyMsg struct {
	list  []notifier.Notification
	stats notifier.Stats
	err   error
}

// Model is the bubbletea model of the terminal UI.
type Model struct {
	deps Deps
	r    Renderer

	tab      int
	focus    focus
	url      string
	interval string

	state      monitor.State
	perm       permission.State
	requesting bool
	dialog     *promptMsg

	history []notifier.Notification
	stats   notifier.Stats

	err   error
	width int
	now   time.Time
}

func New(deps Deps) Model {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	iv := deps.Defaults.IntervalMinutes
	if iv == 0 {
		iv = monitor.DefaultIntervalMinutes
	}
	return Model{
		deps:     deps,
		r:        Styled(),
		url:      deps.Defaults.URL,
		interval: strconv.Itoa(iv),
		state:    deps.Session.State(),
		perm:     deps.Permission.State(),
		now:      deps.Now(),
	}
}

// Config is the monitoring config currently typed in.
func (m Model) Config() monitor.Config {
	n, err := strconv.Atoi(strings.TrimSpace(m.interval))
	if err != nil {
		n = 0
	}
	return monitor.Config{URL: m.url, IntervalMinutes: n}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), m.loadHistory())
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// historyAction runs fn on the history, then reloads it.
func (m Model) historyAction(fn func(context.Context) (int, error)) tea.Cmd {
	reload := m.loadHistory()
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := fn(ctx); err != nil {
			return historyMsg{err: err}
		}
		return reload()
	}
}

func (m Model) loadHistory() tea.Cmd {
	h := m.deps.History
	if h == nil {
		return nil
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		list, err := h.Recent(ctx, historyLimit)
		if err != nil {
			return historyMsg{err: err}
		}
		stats, err := h.Statistics(ctx)
		return historyMsg{list: list, stats: stats, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case promptMsg:
		m.dialog = &msg
		return m, nil

	case promptClosedMsg:
		m.dialog = nil
		return m, nil

	case tea.KeyMsg:
		if m.dialog != nil {
			return m.answerDialog(msg), nil
		}
		return m.handleKey(msg)

	case actionMsg:
		m.err = msg.err
		m.state = m.deps.Session.State()
		return m, m.loadHistory()

	case permMsg:
		m.requesting = false
		m.perm = msg.state
		m.err = msg.err
		return m, nil

	case historyMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.history, m.stats = msg.list, msg.stats
		return m, nil

	case tickMsg:
		m.now = time.Time(msg)
		m.perm = m.deps.Permission.State()
		return m, tea.Batch(tickCmd(), m.loadHistory())
	}
	return m, nil
}

func (m Model) answerDialog(k tea.KeyMsg) Model {
	ans, ok := console.Dismissed, true
	switch k.String() {
	case "y", "a", "enter":
		ans = console.Allowed
	case "n", "b":
		ans = console.Blocked
	case "esc", "ctrl+c":
	default:
		ok = false
	}
	if ok {
		m.dialog.reply <- ans
		m.dialog = nil
	}
	return m
}

func (m Model) handleKey(k tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch k.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "ctrl+t":
		m.tab = 1 - m.tab
		return m, m.loadHistory()
	case "tab", "down":
		m.focus = (m.focus + 1) % focusCount
		return m, nil
	case "shift+tab", "up":
		m.focus = (m.focus + focusCount - 1) % focusCount
		return m, nil
	case "enter":
		return m.activate()
	}

	if m.tab == tabNotifications && m.deps.History != nil {
		switch k.String() {
		case "r":
			return m, m.historyAction(m.deps.History.MarkRead)
		case "x":
			return m, m.historyAction(m.deps.History.Clear)
		}
	}
	if m.tab != tabMonitor || (m.focus != focusURL && m.focus != focusInterval) {
		if k.String() == "q" || k.String() == "esc" {
			return m, tea.Quit
		}
		return m, nil
	}

	field := &m.url
	if m.focus == focusInterval {
		field = &m.interval
	}
	switch k.Type {
	case tea.KeyBackspace:
		if r := []rune(*field); len(r) > 0 {
			*field = string(r[:len(r)-1])
		}
	case tea.KeyCtrlU:
		*field = ""
	case tea.KeySpace:
		if m.focus == focusURL {
			*field += " "
		}
	case tea.KeyRunes:
		for _, r := range k.Runes {
			if m.focus == focusInterval && (r < '0' || r > '9') {
				continue
			}
			*field += string(r)
		}
	case tea.KeyEsc:
		return m, tea.Quit
	}
	return m, nil
}

// activate presses the focused control. Unavailable controls do nothing.
func (m Model) activate() (tea.Model, tea.Cmd) {
	if m.tab != tabMonitor {
		return m, nil
	}
	s := m.deps.Session
	switch m.focus {
	case focusURL, focusInterval:
		m.focus = focusStart
	case focusStart:
		cfg := m.Config()
		if !s.CanStart(cfg) {
			return m, nil
		}
		return m, func() tea.Msg {
			_, err := s.Start(context.Background(), cfg)
			return actionMsg{err: err}
		}
	case focusStop:
		if !s.CanStop() {
			return m, nil
		}
		return m, func() tea.Msg { return actionMsg{err: s.Stop()} }
	case focusAnalyze:
		return m, func() tea.Msg {
			_, err := s.Analyze(context.Background())
			return actionMsg{err: err}
		}
	case focusEnable:
		if !m.canEnable() || m.requesting {
			return m, nil
		}
		m.requesting = true
		p := m.deps.Permission
		return m, func() tea.Msg {
			st, err := p.Request(context.Background())
			return permMsg{state: st, err: err}
		}
	}
	return m, nil
}

func (m Model) canEnable() bool {
	return m.deps.Permission.Supported() && m.perm != permission.Granted
}

func (m Model) View() string {
	st := m.r.st
	tabs := []string{"Monitor", "Notifications"}
	for i, t := range tabs {
		if i == m.tab {
			tabs[i] = st.tabActive.Render(t)
		} else {
			tabs[i] = st.tab.Render(t)
		}
	}
	header := lipgloss.JoinVertical(lipgloss.Left,
		st.title.Render("📦 Product Monitor")+"  "+st.muted.Render("host: "+m.deps.HostName),
		lipgloss.JoinHorizontal(lipgloss.Top, tabs...),
	)

	var body string
	switch {
	case m.dialog != nil:
		body = st.dialog.Render(m.dialog.question + "\n\n[y] Allow   [n] Block   [esc] Not now")
	case m.tab == tabNotifications:
		body = m.viewNotifications()
	default:
		body = m.viewMonitor()
	}

	parts := []string{header, body}
	if m.err != nil {
		parts = append(parts, st.err.Render("Error: "+m.err.Error()))
	}
	help := "[tab] Focus  [enter] Press  [ctrl+t] Switch tab  [ctrl+c] Quit"
	if m.tab == tabNotifications {
		help = "[r] Mark read  [x] Clear  [ctrl+t] Switch tab  [ctrl+c] Quit"
	}
	parts = append(parts, st.muted.Render(help))
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m Model) viewMonitor() string {
	st := m.r.st
	s := m.deps.Session
	cfg := m.Config()

	status := st.muted.Render("○ Inactive")
	if m.state.Active {
		status = m.r.st.positive.Render("● Active") + "  every " + strconv.Itoa(m.state.Config.IntervalMinutes) + " min"
	}
	hint := ""
	if !monitor.ValidInterval(cfg.IntervalMinutes) {
		hint = st.err.Render(fmt.Sprintf("  %d–%d", monitor.MinIntervalMinutes, monitor.MaxIntervalMinutes))
	}
	controls := lipgloss.JoinVertical(lipgloss.Left,
		st.label.Render("Monitoring")+"  "+status,
		m.field("Product URL", m.url, focusURL),
		m.field("Interval (min)", m.interval, focusInterval)+hint,
		lipgloss.JoinHorizontal(lipgloss.Top,
			m.button("Start", focusStart, s.CanStart(cfg)),
			m.button("Stop", focusStop, s.CanStop()),
			m.button("Analyze", focusAnalyze, true),
		),
	)

	notif := st.label.Render("Notifications") + "  " + m.r.Permission(m.perm, m.deps.Permission.Supported())
	if m.deps.Permission.Supported() && m.perm != permission.Granted {
		label := "Enable"
		if m.requesting {
			label = "Waiting…"
		}
		notif = lipgloss.JoinHorizontal(lipgloss.Center, notif, "  ", m.button(label, focusEnable, !m.requesting))
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		st.card.Render(controls),
		st.card.Render(st.label.Render("Product")+"\n"+m.r.Snapshot(m.state.Snapshot, m.now)),
		st.card.Render(st.label.Render("Recent changes")+"\n"+m.r.Events(m.state.Events, m.now)),
		st.card.Render(notif),
	)
}

func (m Model) viewNotifications() string {
	st := m.r.st
	if m.deps.History == nil {
		return st.card.Render(st.muted.Render("Notification history is unavailable."))
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		st.card.Render(st.label.Render("Statistics")+"\n"+m.r.Stats(m.stats)),
		st.card.Render(st.label.Render("Recent")+"\n"+m.r.Notifications(m.history, m.now)),
	)
}

func (m Model) field(label, value string, f focus) string {
	st := m.r.st
	cursor := ""
	if m.focus == f {
		cursor = "▏"
		label = "› " + label
	} else {
		label = "  " + label
	}
	return fmt.Sprintf("%-18s %s", st.label.Render(label), value+cursor)
}

func (m Model) button(label string, f focus, enabled bool) string {
	st := m.r.st
	switch {
	case !enabled:
		return st.buttonOff.Render(label)
	case m.focus == f:
		return st.buttonFocus.Render(label)
	default:
		return st.button.Render(label)
	}
}
