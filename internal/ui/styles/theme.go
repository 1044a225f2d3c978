// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package styles

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Theme holds the styled components for the application.
type Theme struct {
	IsDark       bool
	ColorProfile termenv.Profile

	// ==========================================================================
	// LAYOUT
	// ==========================================================================

	Header      lipgloss.Style
	HeaderTitle lipgloss.Style
	Sidebar     lipgloss.Style
	StatusBar   lipgloss.Style

	// ==========================================================================
	// MESSAGES
	// ==========================================================================

	UserMessage      lipgloss.Style
	AssistantMessage lipgloss.Style
	PendingMessage   lipgloss.Style
	StreamingCursor  lipgloss.Style
	Role             lipgloss.Style
	Timestamp        lipgloss.Style
	Citation         lipgloss.Style

	// ==========================================================================
	// CONVERSATION LIST
	// ==========================================================================

	ListItem         lipgloss.Style
	ListItemSelected lipgloss.Style
	ListItemActive   lipgloss.Style

	// ==========================================================================
	// INPUT AND ATTACHMENTS
	// ==========================================================================

	InputContainer lipgloss.Style
	InputPrompt    lipgloss.Style
	Attachment     lipgloss.Style
	Dropzone       lipgloss.Style

	// ==========================================================================
	// FEEDBACK
	// ==========================================================================

	Spinner      lipgloss.Style
	ShortcutKey  lipgloss.Style
	ShortcutDesc lipgloss.Style
	Muted        lipgloss.Style
	Success      lipgloss.Style
	Error        lipgloss.Style
	Warning      lipgloss.Style
	Info         lipgloss.Style
}

// NewTheme creates a theme for mode ("dark", "light" or "auto"). Auto asks
// the terminal for its background.
func NewTheme(mode string) *Theme {
	t := &Theme{ColorProfile: termenv.ColorProfile()}
	switch mode {
	case "dark":
		t.IsDark = true
	case "light":
		t.IsDark = false
	default:
		t.IsDark = termenv.HasDarkBackground()
	}
	lipgloss.SetHasDarkBackground(t.IsDark)

	t.initStyles()
	return t
}

// MarkdownStyle names the glamour standard style matching the theme.
func (t *Theme) MarkdownStyle() string {
	switch {
	case t.ColorProfile == termenv.Ascii:
		return "notty"
	case t.IsDark:
		return "dark"
	default:
		return "light"
	}
}

func (t *Theme) initStyles() {
	t.Header = lipgloss.NewStyle().
		Bold(true).
		Foreground(Cyan).
		Background(SurfaceDim).
		Padding(0, 1)

	t.HeaderTitle = lipgloss.NewStyle().
		Bold(true).
		Foreground(Purple)

	t.Sidebar = lipgloss.NewStyle().
		BorderStyle(lipgloss.NormalBorder()).
		BorderRight(true).
		BorderForeground(Overlay).
		PaddingRight(1)

	t.StatusBar = lipgloss.NewStyle().
		Background(SurfaceDim).
		Foreground(TextSecondary).
		Padding(0, 1)

	t.UserMessage = lipgloss.NewStyle().
		BorderStyle(lipgloss.NormalBorder()).
		BorderLeft(true).
		BorderForeground(UserBorder).
		PaddingLeft(1)

	t.AssistantMessage = lipgloss.NewStyle().
		BorderStyle(lipgloss.NormalBorder()).
		BorderLeft(true).
		BorderForeground(AssistantBorder).
		PaddingLeft(1)

	t.PendingMessage = t.UserMessage.
		BorderForeground(PendingBorder).
		Foreground(TextSecondary)

	t.StreamingCursor = lipgloss.NewStyle().
		Foreground(Purple).
		Bold(true)

	t.Role = lipgloss.NewStyle().
		Foreground(Cyan).
		Bold(true)

	t.Timestamp = lipgloss.NewStyle().
		Foreground(TextMuted)

	t.Citation = lipgloss.NewStyle().
		Foreground(TextSecondary).
		Italic(true)

	t.ListItem = lipgloss.NewStyle().
		Foreground(TextPrimary)

	t.ListItemSelected = lipgloss.NewStyle().
		Background(Purple).
		Foreground(TextInverse).
		Bold(true)

	t.ListItemActive = lipgloss.NewStyle().
		Foreground(Cyan).
		Bold(true)

	t.InputContainer = lipgloss.NewStyle().
		BorderStyle(lipgloss.NormalBorder()).
		BorderTop(true).
		BorderForeground(Overlay)

	t.InputPrompt = lipgloss.NewStyle().
		Foreground(Cyan).
		Bold(true)

	t.Attachment = lipgloss.NewStyle().
		Foreground(TextSecondary)

	t.Dropzone = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(Cyan).
		Foreground(Cyan).
		Padding(0, 2)

	t.Spinner = lipgloss.NewStyle().
		Foreground(Purple)

	t.ShortcutKey = lipgloss.NewStyle().
		Foreground(Cyan).
		Bold(true)

	t.ShortcutDesc = lipgloss.NewStyle().
		Foreground(TextMuted)

	t.Muted = lipgloss.NewStyle().
		Foreground(TextMuted)

	t.Success = lipgloss.NewStyle().Foreground(Emerald).Bold(true)
	t.Error = lipgloss.NewStyle().Foreground(Rose).Bold(true)
	t.Warning = lipgloss.NewStyle().Foreground(Amber).Bold(true)
	t.Info = lipgloss.NewStyle().Foreground(Cyan).Bold(true)
}
