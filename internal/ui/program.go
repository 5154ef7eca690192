package ui

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
)

// Run shows the TUI until the user quits or ctx ends. prompter, when not
// nil, is attached for the lifetime of the program.
func Run(ctx context.Context, deps Deps, prompter *DialogPrompter) error {
	p := tea.NewProgram(New(deps), tea.WithAltScreen(), tea.WithContext(ctx))
	if prompter != nil {
		prompter.Attach(p.Send)
		defer prompter.Attach(nil)
	}
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("tui: %w", err)
	}
	return nil
}
