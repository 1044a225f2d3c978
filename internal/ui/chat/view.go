// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/jeranaias/ragchat/internal/ui/components"
	"github.com/jeranaias/ragchat/internal/util"
)

// =============================================================================
// LAYOUT
// =============================================================================

// layout sizes the viewport around the header, the toasts, the attachment
// tray, the input and the status bar.
func (m *Model) layout() {
	width := m.width
	if m.showList {
		width -= sidebarWidth + 2
	}
	if width < 20 {
		width = 20
	}

	fixed := 1 + 2 + 1 // header, input with border, status bar
	fixed += lipgloss.Height(m.toastView())
	if tray := m.trayView(); tray != "" {
		fixed += lipgloss.Height(tray)
	}

	m.viewport.Width = width
	m.viewport.Height = max(m.height-fixed, 3)
	m.renderer.SetWidth(width)
	m.input.Width = m.width - 4
}

// =============================================================================
// VIEW
// =============================================================================

// View renders the screen.
func (m Model) View() string {
	sections := []string{m.headerView(), m.bodyView()}
	if toasts := m.toastView(); toasts != "" {
		sections = append(sections, toasts)
	}
	if tray := m.trayView(); tray != "" {
		sections = append(sections, tray)
	}
	sections = append(sections,
		m.theme.InputContainer.Width(m.width).Render(m.input.View()),
		components.RenderStatusBar(m.theme, m.width, m.statusText(), components.DefaultShortcuts),
	)
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) headerView() string {
	title := "ragchat"
	if conv, ok := m.svc.Store().Conversation(m.activeID); ok {
		title += "  " + m.theme.HeaderTitle.Render(util.TruncateWidth(conv.GetTitle(), max(m.width-16, 8)))
	}
	return m.theme.Header.Width(m.width).Render(title)
}

func (m Model) bodyView() string {
	if !m.showList {
		return m.viewport.View()
	}
	side := m.theme.Sidebar.
		Width(sidebarWidth).
		Height(m.viewport.Height).
		Render(m.list.View(m.conversations, m.activeID, m.cursor, sidebarWidth, m.viewport.Height))
	return lipgloss.JoinHorizontal(lipgloss.Top, side, " ", m.viewport.View())
}

func (m Model) toastView() string {
	return components.RenderToastStack(m.notes, m.opts.Now(), m.width)
}

func (m Model) trayView() string {
	return m.tray.View(m.files, m.dragging, m.width)
}

func (m Model) statusText() string {
	var parts []string
	switch {
	case m.streaming:
		parts = append(parts, m.spinner.View()+" streaming")
	case m.inFlight > 0:
		parts = append(parts, m.spinner.View()+" "+m.status)
	default:
		parts = append(parts, m.status)
	}
	if n := len(m.files); n > 0 {
		parts = append(parts, fmt.Sprintf("%d/%d files", n, m.svc.Uploads().Policy().MaxFiles))
	}
	if p := m.svc.Uploads().AggregateProgress(); p > 0 {
		parts = append(parts, fmt.Sprintf("uploading %.0f%%", p))
	}
	return strings.Join(parts, "  ")
}

// joinBlocks separates rendered messages with a blank line.
func joinBlocks(parts []string) string {
	return strings.Join(parts, "\n\n")
}
