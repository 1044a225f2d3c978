// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package components

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/jeranaias/ragchat/internal/ui/styles"
)

// Shortcut is one key hint in the status bar.
type Shortcut struct {
	Key  string
	Desc string
}

// DefaultShortcuts are shown when there is room.
var DefaultShortcuts = []Shortcut{
	{"enter", "send"},
	{"esc", "stop"},
	{"ctrl+l", "chats"},
	{"ctrl+n", "new"},
	{"ctrl+c", "quit"},
}

// RenderStatusBar renders left-aligned status text and as many shortcuts
// as fit on the right.
func RenderStatusBar(theme *styles.Theme, width int, status string, shortcuts []Shortcut) string {
	left := status
	inner := width - theme.StatusBar.GetHorizontalPadding()

	var hints []string
	used := lipgloss.Width(left)
	for _, s := range shortcuts {
		hint := theme.ShortcutKey.Render(s.Key) + " " + theme.ShortcutDesc.Render(s.Desc)
		if used+lipgloss.Width(hint)+2 > inner {
			break
		}
		hints = append(hints, hint)
		used += lipgloss.Width(hint) + 2
	}
	right := strings.Join(hints, "  ")

	gap := inner - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		gap = 1
	}
	return theme.StatusBar.Width(width).Render(left + strings.Repeat(" ", gap) + right)
}
