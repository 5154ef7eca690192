package notifier

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"prodmon/internal/transport"
)

// Notification text comes from product pages and user input; nothing in it
// may reach the host as markup.
var strict = bluemonday.StrictPolicy()

// Render formats n for a host using parseMode ("" for plain text).
func Render(n Notification, parseMode string) string {
	title := strings.TrimSpace(n.Title)
	text := strings.TrimSpace(n.Text)

	if strings.EqualFold(parseMode, transport.ParseModeHTML) {
		title = strict.Sanitize(title)
		text = strict.Sanitize(text)
		if title != "" {
			title = "<b>" + title + "</b>"
		}
	}

	var b strings.Builder
	b.WriteString(n.Level.Icon())
	if title != "" {
		b.WriteByte(' ')
		b.WriteString(title)
	}
	if text != "" {
		b.WriteByte('\n')
		b.WriteString(text)
	}
	return b.String()
}
