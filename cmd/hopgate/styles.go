package main

import (
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
)

const (
	// Palette
	colorRed     = "#F76C7C"
	colorYellow  = "#E3D367"
	colorGreen   = "#9CD57B"
	colorBlue    = "#78CEE9"
	colorFg      = "#E1E2E3"
	colorGray    = "#82878B"
	colorGrayDim = "#55626D"
)

var (
	// Base styles for status output.
	styleKey      = lipgloss.NewStyle().Foreground(lipgloss.Color(colorBlue))
	styleRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color(colorGreen))
	styleDegraded = lipgloss.NewStyle().Foreground(lipgloss.Color(colorRed))
)

// setupTheme returns a huh theme using our palette.
func setupTheme() *huh.Theme {
	t := huh.ThemeDracula() // Start with a dark theme base.

	yellow := lipgloss.Color(colorYellow)
	gray := lipgloss.Color(colorGray)
	fg := lipgloss.Color(colorFg)

	// Base
	t.Focused.Base = t.Focused.Base.BorderForeground(yellow).Foreground(fg)
	t.Blurred.Base = t.Blurred.Base.BorderForeground(gray).Foreground(fg)

	// Title
	t.Focused.Title = t.Focused.Title.Foreground(yellow).Bold(true)
	t.Blurred.Title = t.Blurred.Title.Foreground(gray)

	// Description
	t.Focused.Description = t.Focused.Description.Foreground(gray)
	t.Blurred.Description = t.Blurred.Description.Foreground(lipgloss.Color(colorGrayDim))

	// TextInput
	t.Focused.TextInput.Cursor = t.Focused.TextInput.Cursor.Foreground(yellow)
	t.Focused.TextInput.Placeholder = t.Focused.TextInput.Placeholder.Foreground(lipgloss.Color(colorGrayDim))

	return t
}

// styleState colors a supervisor or listener state for terminal output.
func styleState(state string) string {
	switch state {
	case "running":
		return styleRunning.Render(state)
	case "degraded", "terminating":
		return styleDegraded.Render(state)
	default:
		return state
	}
}
