package ui

import (
	"context"
	"errors"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"prodmon/internal/transport/console"
)

var errNoProgram = errors.New("ui: prompter not attached to a running program")

type promptMsg struct {
	question string
	reply    chan console.Answer
}

type promptClosedMsg struct{}

// DialogPrompter answers console-host consent prompts with a modal dialog
// in the running TUI.
type DialogPrompter struct {
	mu   sync.Mutex
	send func(tea.Msg)
}

func NewDialogPrompter() *DialogPrompter { return &DialogPrompter{} }

// Attach binds the prompter to a program, typically (*tea.Program).Send.
func (d *DialogPrompter) Attach(send func(tea.Msg)) {
	d.mu.Lock()
	d.send = send
	d.mu.Unlock()
}

func (d *DialogPrompter) Confirm(ctx context.Context, question string) (console.Answer, error) {
	d.mu.Lock()
	send := d.send
	d.mu.Unlock()
	if send == nil {
		return console.Dismissed, errNoProgram
	}

	reply := make(chan console.Answer, 1)
	send(promptMsg{question: question, reply: reply})
	select {
	case ans := <-reply:
		return ans, nil
	case <-ctx.Done():
		send(promptClosedMsg{})
		return console.Dismissed, ctx.Err()
	}
}
