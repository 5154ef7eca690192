// Package console is the terminal notification host: consent is asked on the
// terminal and notifications are written as text lines.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"prodmon/internal/permission"
	"prodmon/internal/transport"
	logx "prodmon/pkg/logx"
)

type Answer int

const (
	Dismissed Answer = iota
	Allowed
	Blocked
)

// Prompter asks the user a yes/no question.
type Prompter interface {
	Confirm(ctx context.Context, question string) (Answer, error)
}

type PrompterFunc func(ctx context.Context, question string) (Answer, error)

func (f PrompterFunc) Confirm(ctx context.Context, question string) (Answer, error) {
	return f(ctx, question)
}

const Question = "Allow prodmon to send change notifications?"

type Host struct {
	mu    sync.Mutex
	state permission.State
	seq   int

	out      io.Writer
	prompter Prompter
	timeout  time.Duration
	log      logx.Logger
}

type Option func(*Host)

// WithPromptTimeout bounds how long a consent prompt waits for an answer.
// An expired prompt counts as dismissed.
func WithPromptTimeout(d time.Duration) Option { return func(h *Host) { h.timeout = d } }

func WithLogger(log logx.Logger) Option { return func(h *Host) { h.log = log } }

// WithState seeds the permission, e.g. from a previous decision.
func WithState(st permission.State) Option { return func(h *Host) { h.state = st } }

func New(out io.Writer, p Prompter, opts ...Option) *Host {
	if out == nil {
		out = io.Discard
	}
	h := &Host{state: permission.Default, out: out, prompter: p}
	for _, o := range opts {
		o(h)
	}
	if h.log.IsZero() {
		h.log = logx.Nop()
	}
	return h
}

func (h *Host) Name() string                        { return "console" }
func (h *Host) ParseMode() string                   { return "" }
func (h *Host) DefaultTarget() transport.ChatTarget { return transport.ChatTarget{} }
func (h *Host) Start(context.Context) error         { return nil }
func (h *Host) Stop(context.Context) error          { return nil }

func (h *Host) Query() permission.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Host) Request(ctx context.Context) (permission.State, error) {
	if st := h.Query(); st.Terminal() || h.prompter == nil {
		return st, nil
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	ans, err := h.prompter.Confirm(ctx, Question)
	if errors.Is(err, context.DeadlineExceeded) {
		h.log.Info("permission prompt timed out")
		return permission.Default, nil
	}
	if err != nil {
		return "", err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	switch ans {
	case Allowed:
		h.state = permission.Granted
	case Blocked:
		h.state = permission.Denied
	}
	return h.state, nil
}

func (h *Host) SendText(ctx context.Context, _ transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return transport.MessageRef{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	if _, err := fmt.Fprintf(h.out, "%s\n", strings.TrimRight(text, "\n")); err != nil {
		return transport.MessageRef{}, err
	}
	return transport.MessageRef{MessageID: h.seq}, nil
}

// LinePrompter reads the answer from a line of input. One goroutine owns
// the reader for the prompter's lifetime; a line typed after a prompt was
// abandoned answers the next prompt.
type LinePrompter struct {
	in  *bufio.Reader
	out io.Writer
	mu  sync.Mutex

	readOnce sync.Once
	lines    chan string
	readErr  error // set before lines is closed
}

func NewLinePrompter(in io.Reader, out io.Writer) *LinePrompter {
	return &LinePrompter{in: bufio.NewReader(in), out: out, lines: make(chan string)}
}

func (p *LinePrompter) readLoop() {
	defer close(p.lines)
	for {
		line, err := p.in.ReadString('\n')
		if line != "" {
			p.lines <- line
		}
		if err != nil {
			p.readErr = err
			return
		}
	}
}

// Confirm prints the question and waits for y/n. Anything else dismisses.
// End of input dismisses; when ctx ends first the prompt is abandoned.
func (p *LinePrompter) Confirm(ctx context.Context, question string) (Answer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readOnce.Do(func() { go p.readLoop() })

	if _, err := fmt.Fprintf(p.out, "%s [y/n] ", question); err != nil {
		return Dismissed, err
	}
	select {
	case <-ctx.Done():
		fmt.Fprintln(p.out)
		return Dismissed, ctx.Err()
	case line, ok := <-p.lines:
		if ok {
			return ParseAnswer(line), nil
		}
		if p.readErr == nil || errors.Is(p.readErr, io.EOF) {
			return Dismissed, nil
		}
		return Dismissed, p.readErr
	}
}

func ParseAnswer(s string) Answer {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes", "allow":
		return Allowed
	case "n", "no", "block":
		return Blocked
	default:
		return Dismissed
	}
}
