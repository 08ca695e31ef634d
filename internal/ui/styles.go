// Package ui holds the terminal styles shared by the CLI commands.
package ui

import "github.com/charmbracelet/lipgloss"

var (
	accentColor  = lipgloss.Color("#50FA7B")
	warningColor = lipgloss.Color("#FFB86C")
	errorColor   = lipgloss.Color("#FF5555")
	mutedColor   = lipgloss.Color("#6272A4")
	titleColor   = lipgloss.Color("#7D56F4")

	accentStyle  = lipgloss.NewStyle().Foreground(accentColor)
	warningStyle = lipgloss.NewStyle().Foreground(warningColor)
	errorStyle   = lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)
	titleStyle   = lipgloss.NewStyle().Foreground(titleColor).Bold(true)
	keyStyle     = lipgloss.NewStyle().Foreground(titleColor).Bold(true)
)

// RenderAccent renders s in the accent color.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderWarning renders s in the warning color.
func RenderWarning(s string) string { return warningStyle.Render(s) }

// RenderError renders s in the error color.
func RenderError(s string) string { return errorStyle.Render(s) }

// RenderMuted renders s dimmed.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// RenderTitle renders a section heading.
func RenderTitle(s string) string { return titleStyle.Render(s) }

// RenderKey renders a key in a key/value listing.
func RenderKey(s string) string { return keyStyle.Render(s) }
