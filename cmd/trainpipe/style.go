package main

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/trainpipe/internal/ledger"
)

var (
	styleOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	styleFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	styleRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleMuted   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleHeader  = lipgloss.NewStyle().Bold(true).Underline(true)
)

// statusWord renders a ledger status padded to a fixed width, so columns
// line up whether or not the terminal gets colour.
func statusWord(s ledger.Status) string {
	padded := lipgloss.NewStyle().Width(9).Render(string(s))
	switch s {
	case ledger.StatusSucceeded:
		return styleOK.Render(padded)
	case ledger.StatusFailed:
		return styleFailed.Render(padded)
	case ledger.StatusRunning:
		return styleRunning.Render(padded)
	default:
		return styleMuted.Render(padded)
	}
}
