package status

import (
	"errors"
	"fmt"
	"io"

	tea "github.com/charmbracelet/bubbletea"
)

var ErrUnexpectedRenderModel = errors.New("status renderer finished with an unexpected model")

// snapshotMsg hands the snapshot to the program once it is running.
type snapshotMsg struct {
	snapshot Snapshot
}

type frame struct {
	opts    RenderOptions
	styles  styles
	pending *Snapshot
	text    string
}

func (f frame) Init() tea.Cmd {
	pending := f.pending
	if pending == nil {
		return tea.Quit
	}
	return func() tea.Msg { return snapshotMsg{snapshot: *pending} }
}

func (f frame) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if m, ok := msg.(snapshotMsg); ok {
		f.text = renderView(m.snapshot, f.opts, f.styles)
		f.pending = nil
		return f, tea.Quit
	}
	return f, nil
}

func (f frame) View() string {
	return f.text
}

// Render lays out a session snapshot through a one-shot bubbletea program
// and returns the final frame.
func Render(snapshot Snapshot, opts RenderOptions) (string, error) {
	p := tea.NewProgram(
		frame{opts: opts, styles: newStyles(), pending: &snapshot},
		tea.WithInput(nil),
		tea.WithOutput(io.Discard),
	)

	final, err := p.Run()
	if err != nil {
		return "", fmt.Errorf("render status: %w", err)
	}

	done, ok := final.(frame)
	if !ok {
		return "", ErrUnexpectedRenderModel
	}
	return done.View(), nil
}
