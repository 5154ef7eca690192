// Package ui renders prodmon state: a bubbletea terminal UI and the plain
// text views printed by the one-shot CLI commands.
package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"prodmon/internal/monitor"
	"prodmon/internal/notifier"
	"prodmon/internal/permission"
)

type styles struct {
	title, tab, tabActive, card, label, muted, err lipgloss.Style
	button, buttonFocus, buttonOff                 lipgloss.Style
	positive, negative, neutral                    lipgloss.Style
	granted, denied, unset                         lipgloss.Style
	dialog                                         lipgloss.Style
}

func defaultStyles() styles {
	badge := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	btn := lipgloss.NewStyle().Padding(0, 2).Border(lipgloss.RoundedBorder())
	return styles{
		title:       lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86")),
		tab:         lipgloss.NewStyle().Padding(0, 2).Foreground(lipgloss.Color("245")),
		tabActive:   lipgloss.NewStyle().Padding(0, 2).Bold(true).Underline(true).Foreground(lipgloss.Color("86")),
		card:        lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240")).Padding(0, 1),
		label:       lipgloss.NewStyle().Bold(true),
		muted:       lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		err:         lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		button:      btn.BorderForeground(lipgloss.Color("245")),
		buttonFocus: btn.BorderForeground(lipgloss.Color("86")).Bold(true),
		buttonOff:   btn.BorderForeground(lipgloss.Color("238")).Foreground(lipgloss.Color("240")),
		positive:    badge.Foreground(lipgloss.Color("0")).Background(lipgloss.Color("42")),
		negative:    badge.Foreground(lipgloss.Color("15")).Background(lipgloss.Color("160")),
		neutral:     badge.Foreground(lipgloss.Color("0")).Background(lipgloss.Color("250")),
		granted:     badge.Foreground(lipgloss.Color("0")).Background(lipgloss.Color("42")),
		denied:      badge.Foreground(lipgloss.Color("15")).Background(lipgloss.Color("160")),
		unset:       badge.Foreground(lipgloss.Color("0")).Background(lipgloss.Color("250")),
		dialog:      lipgloss.NewStyle().Border(lipgloss.DoubleBorder()).BorderForeground(lipgloss.Color("214")).Padding(1, 2),
	}
}

// Renderer formats domain values. The zero value renders plain text.
type Renderer struct {
	styled bool
	st     styles
}

func Plain() Renderer  { return Renderer{} }
func Styled() Renderer { return Renderer{styled: true, st: defaultStyles()} }

func (r Renderer) paint(s lipgloss.Style, text string) string {
	if !r.styled {
		return text
	}
	return s.Render(text)
}

func (r Renderer) badge(s lipgloss.Style, text string) string {
	if !r.styled {
		return "[" + text + "]"
	}
	return s.Render(text)
}

func (r Renderer) Polarity(p monitor.Polarity) string {
	switch p {
	case monitor.Positive:
		return r.badge(r.st.positive, string(p))
	case monitor.Negative:
		return r.badge(r.st.negative, string(p))
	default:
		return r.badge(r.st.neutral, string(monitor.Neutral))
	}
}

// Permission is the notification badge; without a capability it reads
// "Unavailable".
func (r Renderer) Permission(st permission.State, supported bool) string {
	if !supported {
		return r.badge(r.st.unset, "Unavailable")
	}
	switch st {
	case permission.Granted:
		return r.badge(r.st.granted, st.Label())
	case permission.Denied:
		return r.badge(r.st.denied, st.Label())
	default:
		return r.badge(r.st.unset, st.Label())
	}
}

func (r Renderer) Snapshot(s *monitor.Snapshot, now time.Time) string {
	if s == nil {
		return r.paint(r.st.muted, "No product data yet. Start monitoring to load it.")
	}
	lines := []string{
		r.paint(r.st.label, s.Title),
		"Price: " + s.Price,
		"URL:   " + s.URL,
	}
	if !s.ObservedAt.IsZero() {
		lines = append(lines, r.paint(r.st.muted, "Observed "+humanize.RelTime(s.ObservedAt, now, "ago", "from now")))
	}
	return strings.Join(lines, "\n")
}

func (r Renderer) Events(events []monitor.ChangeEvent, now time.Time) string {
	if len(events) == 0 {
		return r.paint(r.st.muted, "No changes analyzed yet.")
	}
	lines := make([]string, 0, len(events))
	for _, e := range events {
		when := e.Timestamp
		if !e.At.IsZero() {
			when += " (" + humanize.RelTime(e.At, now, "ago", "from now") + ")"
		}
		lines = append(lines, fmt.Sprintf("%s %s\n    %s", r.Polarity(e.Polarity), e.Description, r.paint(r.st.muted, when)))
	}
	return strings.Join(lines, "\n")
}

func (r Renderer) Notifications(list []notifier.Notification, now time.Time) string {
	if len(list) == 0 {
		return r.paint(r.st.muted, "No notifications yet.")
	}
	lines := make([]string, 0, len(list))
	for _, n := range list {
		mark := "✓"
		if !n.Delivered {
			mark = "✗"
		}
		line := fmt.Sprintf("%s %s %s  %s", mark, n.Level.Icon(), n.Title, r.paint(r.st.muted, humanize.RelTime(n.At, now, "ago", "from now")))
		if text := strings.TrimSpace(n.Text); text != "" {
			line += "\n    " + strings.ReplaceAll(text, "\n", "\n    ")
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (r Renderer) Stats(s notifier.Stats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Total: %s  Unread: %d  Last 24h: %s  Pending: %d  Failed: %d",
		humanize.Comma(int64(s.Total)), s.Unread, humanize.Comma(int64(s.Last24h)), s.Pending, s.Failed)
	if len(s.ByLevel) > 0 {
		b.WriteString("\nBy level: " + joinCounts(s.ByLevel))
	}
	if len(s.ByKind) > 0 {
		b.WriteString("\nBy kind:  " + joinCounts(s.ByKind))
	}
	return b.String()
}

func joinCounts[K ~string](m map[K]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, m[K(k)]))
	}
	return strings.Join(parts, " ")
}
