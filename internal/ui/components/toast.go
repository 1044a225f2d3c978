// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package components

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/jeranaias/ragchat/internal/notify"
	"github.com/jeranaias/ragchat/internal/ui/styles"
)

// =============================================================================
// TOAST RENDERING
// =============================================================================

const (
	maxToastWidth = 60
	minToastWidth = 30
)

// RenderToast renders a single notification.
func RenderToast(n notify.Notification, now time.Time, width int) string {
	maxWidth := maxToastWidth
	if width > 0 && width-8 < maxWidth {
		maxWidth = width - 8
	}
	if maxWidth < minToastWidth {
		maxWidth = minToastWidth
	}

	color, icon := severityLook(n.Severity)
	iconStyle := lipgloss.NewStyle().Foreground(color).Bold(true)
	titleStyle := lipgloss.NewStyle().Foreground(styles.TextPrimary).Bold(true)
	messageStyle := lipgloss.NewStyle().Foreground(styles.TextPrimary)
	hintStyle := lipgloss.NewStyle().Foreground(styles.TextMuted).Italic(true)

	var b strings.Builder
	b.WriteString(iconStyle.Render(icon + " "))
	if n.Title != "" {
		b.WriteString(titleStyle.Render(n.Title))
	}
	if n.Message != "" {
		b.WriteString("\n")
		b.WriteString(messageStyle.Render(wrapText(n.Message, maxWidth-6)))
	}

	hint := "[ctrl+x] Dismiss"
	if !n.Persistent {
		if left := n.ExpiresAt().Sub(now); left > 0 {
			hint += fmt.Sprintf("  %ds", int(left.Round(time.Second).Seconds()))
		}
	}
	b.WriteString("\n")
	b.WriteString(hintStyle.Render(hint))

	box := lipgloss.NewStyle().
		Background(styles.SurfaceDim).
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(color).
		Padding(0, 2).
		MaxWidth(maxWidth)
	return box.Render(b.String())
}

// RenderToastStack renders notifications (newest first) stacked with the
// newest at the bottom, right-aligned.
func RenderToastStack(list []notify.Notification, now time.Time, width int) string {
	if len(list) == 0 {
		return ""
	}
	rendered := make([]string, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		rendered = append(rendered, RenderToast(list[i], now, width))
	}
	stack := lipgloss.JoinVertical(lipgloss.Right, rendered...)
	if width > 0 {
		return lipgloss.PlaceHorizontal(width, lipgloss.Right, stack)
	}
	return stack
}

func severityLook(s notify.Severity) (lipgloss.AdaptiveColor, string) {
	switch s {
	case notify.SeverityError:
		return styles.Rose, styles.StatusIndicators.Error
	case notify.SeverityWarning:
		return styles.Amber, styles.StatusIndicators.Warning
	case notify.SeveritySuccess:
		return styles.Emerald, styles.StatusIndicators.Success
	default:
		return styles.Cyan, styles.StatusIndicators.Info
	}
}

// wrapText performs simple word wrapping. Existing newlines are kept.
func wrapText(text string, maxWidth int) string {
	if maxWidth <= 0 {
		return text
	}
	var out []string
	for _, para := range strings.Split(text, "\n") {
		words := strings.Fields(para)
		if len(words) == 0 {
			out = append(out, "")
			continue
		}
		line := words[0]
		for _, word := range words[1:] {
			if lipgloss.Width(line)+1+lipgloss.Width(word) <= maxWidth {
				line += " " + word
				continue
			}
			out = append(out, line)
			line = word
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
