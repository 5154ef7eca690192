package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"prodmon/internal/permission"
	"prodmon/internal/transport"
	logx "prodmon/pkg/logx"
)

type sendCall struct {
	to   int64
	what string
	opt  *tele.SendOptions
}

type fakeBot struct {
	mu      sync.Mutex
	sends   []sendCall
	edits   []string
	sendErr error
	sent    chan sendCall
}

func newFakeBot() *fakeBot { return &fakeBot{sent: make(chan sendCall, 16)} }

func (f *fakeBot) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	c := sendCall{what: what.(string)}
	if chat, ok := to.(*tele.Chat); ok {
		c.to = chat.ID
	}
	if len(opts) > 0 {
		c.opt, _ = opts[0].(*tele.SendOptions)
	}
	f.mu.Lock()
	f.sends = append(f.sends, c)
	id := len(f.sends)
	f.mu.Unlock()
	f.sent <- c
	return &tele.Message{ID: id, Chat: &tele.Chat{ID: c.to}}, nil
}

func (f *fakeBot) Edit(_ tele.Editable, what interface{}, _ ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	f.edits = append(f.edits, what.(string))
	f.mu.Unlock()
	return &tele.Message{}, nil
}

func (f *fakeBot) Respond(*tele.Callback, ...*tele.CallbackResponse) error { return nil }
func (f *fakeBot) Start()                                                  {}
func (f *fakeBot) Stop()                                                   {}

func promptNonce(t *testing.T, c sendCall) string {
	t.Helper()
	require.NotNil(t, c.opt)
	require.NotNil(t, c.opt.ReplyMarkup)
	rows := c.opt.ReplyMarkup.InlineKeyboard
	require.Len(t, rows, 1)
	require.Len(t, rows[0], 2)
	return rows[0][0].Data
}

func TestRequestAllow(t *testing.T) {
	fb := newFakeBot()
	h := newHost(Config{ChatID: 100, ThreadID: 7, PromptTimeout: time.Second}, fb, logx.Nop())

	done := make(chan permission.State, 1)
	go func() {
		st, err := h.Request(context.Background())
		assert.NoError(t, err)
		done <- st
	}()

	c := <-fb.sent
	assert.Equal(t, int64(100), c.to)
	assert.Equal(t, 7, c.opt.ThreadID)
	nonce := promptNonce(t, c)

	assert.False(t, h.answer(nonce, 999, permission.Granted), "foreign chat must be ignored")
	assert.False(t, h.answer("stale", 100, permission.Granted))
	assert.True(t, h.answer(nonce, 100, permission.Granted))

	assert.Equal(t, permission.Granted, <-done)
	assert.Equal(t, permission.Granted, h.Query())

	// Terminal: no second prompt.
	st, err := h.Request(context.Background())
	require.NoError(t, err)
	assert.Equal(t, permission.Granted, st)
	assert.Len(t, fb.sends, 1)
	assert.Len(t, fb.edits, 1)
}

func TestRequestTimeout(t *testing.T) {
	fb := newFakeBot()
	h := newHost(Config{ChatID: 100, PromptTimeout: 20 * time.Millisecond}, fb, logx.Nop())

	st, err := h.Request(context.Background())
	require.NoError(t, err)
	assert.Equal(t, permission.Default, st)
	assert.Equal(t, permission.Default, h.Query())
	assert.Equal(t, []string{"Notification prompt expired."}, fb.edits)
}

func TestRequestSendError(t *testing.T) {
	fb := newFakeBot()
	fb.sendErr = errors.New("forbidden: bot was blocked by the user")
	h := newHost(Config{ChatID: 100}, fb, logx.Nop())

	_, err := h.Request(context.Background())
	assert.Error(t, err)
	assert.Equal(t, permission.Default, h.Query())
}

func TestSendTextSplitsAndTargets(t *testing.T) {
	fb := newFakeBot()
	h := newHost(Config{ChatID: 100, ThreadID: 3}, fb, logx.Nop())

	long := strings.Repeat(strings.Repeat("x", 99)+"\n", 60) // 6000 runes
	ref, err := h.SendText(context.Background(), transport.ChatTarget{}, long, &transport.SendOptions{ParseMode: "HTML"})
	require.NoError(t, err)
	assert.Equal(t, transport.MessageRef{ChatID: 100, ThreadID: 3, MessageID: 1}, ref)
	require.Len(t, fb.sends, 2)
	for _, c := range fb.sends {
		assert.LessOrEqual(t, len([]rune(c.what)), textLimit)
		assert.Equal(t, "HTML", c.opt.ParseMode)
		assert.Equal(t, 3, c.opt.ThreadID)
	}
}

func TestSplitText(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		limit int
		mode  string
		want  []string
	}{
		{"short", "hello", 10, "", []string{"hello"}},
		{"newline", "aaaa\nbbbb\ncc", 10, "", []string{"aaaa\nbbbb", "cc"}},
		{"hard cut", "abcdefghij", 4, "", []string{"abcd", "efgh", "ij"}},
		{"html tag", "abcdef <b>x</b>", 9, "HTML", []string{"abcdef ", "<b>x</b>"}},
		{"html open across cut", "<b>bold text here</b>", 10, "HTML", []string{"<b>bold te</b>", "<b>xt here</b>"}},
		{"html nested", "<b><i>abcdefgh</i></b>", 12, "HTML", []string{"<b><i>abcdef</i></b>", "<b><i>gh</i></b>"}},
		{"html link", `<a href="u">abcdefgh</a>`, 16, "HTML", []string{`<a href="u">abcd</a>`, `<a href="u">efgh</a>`}},
		{"plain ignores tags", "<b>abcdefgh</b>", 8, "", []string{"<b>abcde", "fgh</b>"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitText(tt.in, tt.limit, tt.mode))
		})
	}
}

func TestNewRequiresTokenAndChat(t *testing.T) {
	_, err := New(Config{ChatID: 1}, logx.Nop())
	assert.Error(t, err)
	_, err = New(Config{Token: "123:abc"}, logx.Nop())
	assert.Error(t, err)
}
