package ui

import (
	tea "github.com/charmbracelet/bubbletea"
)

// Run starts the console TUI and blocks until it exits.
func Run(opts Options) error {
	program := tea.NewProgram(New(opts), tea.WithAltScreen())
	_, err := program.Run()
	return err
}
