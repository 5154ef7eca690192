// Package transport defines what a notification host looks like: something
// that can be asked for notification consent and can deliver text.
package transport

import (
	"context"

	"prodmon/internal/permission"
)

const ParseModeHTML = "HTML"

type ChatTarget struct {
	ChatID   int64
	ThreadID int // telegram forum topic (0 if none)
}

func (t ChatTarget) IsZero() bool { return t.ChatID == 0 && t.ThreadID == 0 }

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode          string
	DisablePreview     bool
	ReplyMarkupAdapter any // host-specific markup (Telegram: *telebot.ReplyMarkup)
}

// Sender delivers rendered notification text.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Host owns the notification permission and the channel notifications are
// delivered on.
type Host interface {
	permission.Capability
	Sender

	Name() string
	// ParseMode is the markup the host renders ("" for plain text).
	ParseMode() string
	// DefaultTarget is where notifications go when none is given.
	DefaultTarget() ChatTarget

	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)

func (f SenderFunc) SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error) {
	return f(ctx, to, text, opt)
}
