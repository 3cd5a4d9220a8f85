// Package ui provides terminal styling helpers for the treeline CLI.
package ui

import "github.com/charmbracelet/lipgloss"

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headerStyle = lipgloss.NewStyle().Bold(true)
)

// RenderPass renders a success marker.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn renders a warning marker.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderError renders an error marker.
func RenderError(s string) string { return errorStyle.Render(s) }

// RenderAccent renders highlighted text.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderMuted renders de-emphasized text.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// RenderHeader renders a section header.
func RenderHeader(s string) string { return headerStyle.Render(s) }
