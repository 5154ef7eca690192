// Package telegram is the Telegram notification host. Consent is asked in
// the configured chat with Allow/Block inline buttons; notifications are
// sent there as HTML messages.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	tele "gopkg.in/telebot.v4"

	"prodmon/internal/permission"
	"prodmon/internal/runtime/supervisor"
	"prodmon/internal/transport"
	logx "prodmon/pkg/logx"
)

type Config struct {
	Token         string
	ChatID        int64
	ThreadID      int
	PollTimeout   time.Duration
	PromptTimeout time.Duration
}

const (
	uniqueAllow = "perm_allow"
	uniqueBlock = "perm_block"

	Question = "🔔 <b>prodmon</b> wants to send product change notifications to this chat."
)

var errPollerExited = errors.New("telegram poller exited")

// bot is the part of *tele.Bot the host uses.
type bot interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
	Edit(msg tele.Editable, what interface{}, opts ...interface{}) (*tele.Message, error)
	Respond(c *tele.Callback, resp ...*tele.CallbackResponse) error
	Start()
	Stop()
}

type Host struct {
	cfg Config
	log logx.Logger
	bot bot

	mu      sync.Mutex
	state   permission.State
	waiters map[string]chan permission.State

	runMu    sync.Mutex
	sup      *supervisor.Supervisor
	stopOnce *sync.Once
}

type Option func(*Host)

// WithState seeds the permission, e.g. from configuration.
func WithState(st permission.State) Option { return func(h *Host) { h.state = st } }

func New(cfg Config, log logx.Logger, opts ...Option) (*Host, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	h := newHost(cfg, b, log, opts...)

	b.Handle(&tele.Btn{Unique: uniqueAllow}, func(c tele.Context) error { return h.onButton(c, permission.Granted) })
	b.Handle(&tele.Btn{Unique: uniqueBlock}, func(c tele.Context) error { return h.onButton(c, permission.Denied) })
	return h, nil
}

func newHost(cfg Config, b bot, log logx.Logger, opts ...Option) *Host {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Host{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "telegram")),
		bot:     b,
		state:   permission.Default,
		waiters: map[string]chan permission.State{},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Host) Name() string      { return "telegram" }
func (h *Host) ParseMode() string { return transport.ParseModeHTML }

func (h *Host) DefaultTarget() transport.ChatTarget {
	return transport.ChatTarget{ChatID: h.cfg.ChatID, ThreadID: h.cfg.ThreadID}
}

func (h *Host) Query() permission.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Request posts the consent prompt and waits for a button press, the prompt
// timeout (resolves Default) or ctx.
func (h *Host) Request(ctx context.Context) (permission.State, error) {
	if st := h.Query(); st.Terminal() {
		return st, nil
	}

	nonce := uuid.NewString()[:8]
	ch := make(chan permission.State, 1)
	h.mu.Lock()
	h.waiters[nonce] = ch
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.waiters, nonce)
		h.mu.Unlock()
	}()

	markup := &tele.ReplyMarkup{}
	markup.Inline(markup.Row(
		markup.Data("✅ Allow", uniqueAllow, nonce),
		markup.Data("🚫 Block", uniqueBlock, nonce),
	))
	msg, err := h.bot.Send(&tele.Chat{ID: h.cfg.ChatID}, Question, &tele.SendOptions{
		ParseMode:   tele.ModeHTML,
		ThreadID:    h.cfg.ThreadID,
		ReplyMarkup: markup,
	})
	if err != nil {
		return "", err
	}

	if h.cfg.PromptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.PromptTimeout)
		defer cancel()
	}

	select {
	case st := <-ch:
		h.mu.Lock()
		h.state = st
		h.mu.Unlock()
		h.closePrompt(msg, "Notifications: <b>"+st.Label()+"</b>")
		h.log.Info("permission answered", logx.String("state", string(st)))
		return st, nil
	case <-ctx.Done():
		h.closePrompt(msg, "Notification prompt expired.")
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return permission.Default, nil
		}
		return permission.Default, ctx.Err()
	}
}

func (h *Host) closePrompt(msg *tele.Message, text string) {
	if msg == nil {
		return
	}
	if _, err := h.bot.Edit(msg, text, &tele.SendOptions{ParseMode: tele.ModeHTML}); err != nil {
		h.log.Debug("prompt edit failed", logx.Err(err))
	}
}

func (h *Host) onButton(c tele.Context, st permission.State) error {
	cb := c.Callback()
	if cb == nil || c.Chat() == nil {
		return nil
	}
	ok := h.answer(cb.Data, c.Chat().ID, st)
	text := "Prompt expired"
	if ok {
		text = st.Label()
	}
	return h.bot.Respond(cb, &tele.CallbackResponse{Text: text})
}

// answer resolves the pending prompt identified by nonce. Presses from other
// chats and stale prompts are ignored.
func (h *Host) answer(nonce string, chatID int64, st permission.State) bool {
	if chatID != h.cfg.ChatID {
		h.log.Warn("permission answer from foreign chat ignored", logx.Int64("chat_id", chatID))
		return false
	}
	h.mu.Lock()
	ch, ok := h.waiters[nonce]
	h.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- st:
		return true
	default:
		return false
	}
}

// Start runs the long poller until Stop or ctx ends.
func (h *Host) Start(ctx context.Context) error {
	h.runMu.Lock()
	defer h.runMu.Unlock()
	if h.sup != nil {
		return nil
	}
	h.sup = supervisor.New(ctx, supervisor.WithLogger(h.log))
	h.stopOnce = &sync.Once{}

	// telebot's Start blocks until Stop; an early return is restarted.
	h.sup.GoRestart("telebot.poll", func(c context.Context) error {
		h.log.Info("polling started")
		h.bot.Start()
		h.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errPollerExited
	}, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	return nil
}

func (h *Host) Stop(ctx context.Context) error {
	h.runMu.Lock()
	sup, once := h.sup, h.stopOnce
	h.sup = nil
	h.runMu.Unlock()
	if sup == nil {
		return nil
	}

	sup.Cancel()
	// telebot's Stop blocks until the poller acknowledges.
	once.Do(func() { go h.bot.Stop() })

	// Never hold shutdown on a long poll.
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		h.log.Warn("telegram stop", logx.Err(err))
	}
	return nil
}

func (h *Host) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	if to.ChatID == 0 {
		to = h.DefaultTarget()
	}
	chat := &tele.Chat{ID: to.ChatID}

	var first transport.MessageRef
	for i, chunk := range splitText(text, textLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		sendOpt := &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		}
		if i == 0 {
			if rm, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup); ok {
				sendOpt.ReplyMarkup = rm
			}
		}
		msg, err := h.bot.Send(chat, chunk, sendOpt)
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}
