package console

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prodmon/internal/permission"
	"prodmon/internal/transport"
)

func TestRequestAnswers(t *testing.T) {
	tests := []struct {
		ans  Answer
		want permission.State
	}{
		{Allowed, permission.Granted},
		{Blocked, permission.Denied},
		{Dismissed, permission.Default},
	}
	for _, tt := range tests {
		h := New(nil, PrompterFunc(func(context.Context, string) (Answer, error) { return tt.ans, nil }))
		st, err := h.Request(context.Background())
		require.NoError(t, err)
		assert.Equal(t, tt.want, st)
		assert.Equal(t, tt.want, h.Query())
	}
}

func TestRequestTerminalSkipsPrompt(t *testing.T) {
	called := false
	h := New(nil, PrompterFunc(func(context.Context, string) (Answer, error) {
		called = true
		return Allowed, nil
	}), WithState(permission.Denied))

	st, err := h.Request(context.Background())
	require.NoError(t, err)
	assert.Equal(t, permission.Denied, st)
	assert.False(t, called)
}

func TestRequestTimeoutResolvesDefault(t *testing.T) {
	h := New(nil, PrompterFunc(func(ctx context.Context, _ string) (Answer, error) {
		<-ctx.Done()
		return Dismissed, ctx.Err()
	}), WithPromptTimeout(10*time.Millisecond))

	st, err := h.Request(context.Background())
	require.NoError(t, err)
	assert.Equal(t, permission.Default, st)
}

func TestRequestPrompterError(t *testing.T) {
	h := New(nil, PrompterFunc(func(context.Context, string) (Answer, error) {
		return Dismissed, errors.New("tty gone")
	}))
	_, err := h.Request(context.Background())
	assert.Error(t, err)
	assert.Equal(t, permission.Default, h.Query())
}

func TestSendTextWritesLine(t *testing.T) {
	var buf bytes.Buffer
	h := New(&buf, nil)
	ref, err := h.SendText(context.Background(), transport.ChatTarget{}, "hello\n", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, ref.MessageID)
	assert.Equal(t, "hello\n", buf.String())
}

func TestLinePrompter(t *testing.T) {
	var out bytes.Buffer
	p := NewLinePrompter(strings.NewReader("yes\nno\n\n"), &out)
	for _, want := range []Answer{Allowed, Blocked, Dismissed, Dismissed} {
		got, err := p.Confirm(context.Background(), Question)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Contains(t, out.String(), Question+" [y/n]")
}

func TestLinePrompterCanceled(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	p := NewLinePrompter(pr, &bytes.Buffer{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	ans, err := p.Confirm(ctx, Question)
	assert.Equal(t, Dismissed, ans)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLinePrompterAnswersAfterTimeout(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	p := NewLinePrompter(pr, io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Confirm(ctx, Question)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	go func() { _, _ = pw.Write([]byte("y\n")) }()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	ans, err := p.Confirm(ctx2, Question)
	require.NoError(t, err)
	assert.Equal(t, Allowed, ans)
}
