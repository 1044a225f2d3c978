// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package components

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/jeranaias/ragchat/internal/model"
	"github.com/jeranaias/ragchat/internal/ui/styles"
)

// =============================================================================
// MESSAGE RENDERER
// =============================================================================

// MessageRenderer renders message bubbles. Assistant content goes through
// glamour when markdown is enabled; user content is shown verbatim.
type MessageRenderer struct {
	theme         *styles.Theme
	markdown      bool
	showCitations bool
	width         int
	md            *glamour.TermRenderer
}

// NewMessageRenderer creates a renderer wrapping at width.
func NewMessageRenderer(theme *styles.Theme, width int, markdown, showCitations bool) *MessageRenderer {
	r := &MessageRenderer{theme: theme, markdown: markdown, showCitations: showCitations}
	r.SetWidth(width)
	return r
}

// SetWidth rebuilds the markdown renderer for a new wrap width.
func (r *MessageRenderer) SetWidth(width int) {
	if width < 20 {
		width = 20
	}
	if width == r.width && (r.md != nil || !r.markdown) {
		return
	}
	r.width = width
	if !r.markdown {
		return
	}
	md, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(r.theme.MarkdownStyle()),
		glamour.WithWordWrap(width-4),
	)
	if err != nil {
		// Plain text fallback
		r.md = nil
		return
	}
	r.md = md
}

// Render renders one stored message.
func (r *MessageRenderer) Render(msg model.Message) string {
	var b strings.Builder
	b.WriteString(r.header(msg.Role, msg.Timestamp, msg.IsOptimistic()))
	b.WriteString("\n")

	if msg.Role == model.RoleAssistant {
		b.WriteString(r.markdownBody(msg.Content))
	} else {
		b.WriteString(wrapText(msg.Content, r.width-4))
	}
	if r.showCitations && len(msg.Citations) > 0 {
		b.WriteString("\n")
		b.WriteString(r.citations(msg.Citations))
	}

	return r.bubble(msg.Role, msg.IsOptimistic()).Render(b.String())
}

// RenderStreaming renders the live assistant buffer with a cursor.
func (r *MessageRenderer) RenderStreaming(buffer string) string {
	var b strings.Builder
	b.WriteString(r.header(model.RoleAssistant, time.Time{}, false))
	b.WriteString("\n")
	b.WriteString(wrapText(buffer, r.width-4))
	b.WriteString(r.theme.StreamingCursor.Render("▌"))
	return r.theme.AssistantMessage.Render(b.String())
}

func (r *MessageRenderer) header(role model.Role, at time.Time, pending bool) string {
	label := "You"
	if role == model.RoleAssistant {
		label = "Assistant"
	} else if role != model.RoleUser {
		label = string(role)
	}
	h := r.theme.Role.Render(label)
	if !at.IsZero() {
		h += " " + r.theme.Timestamp.Render(at.Local().Format("15:04"))
	}
	if pending {
		h += " " + r.theme.Muted.Render("sending...")
	}
	return h
}

func (r *MessageRenderer) markdownBody(content string) string {
	if r.md == nil {
		return wrapText(content, r.width-4)
	}
	out, err := r.md.Render(content)
	if err != nil {
		return wrapText(content, r.width-4)
	}
	return strings.Trim(out, "\n")
}

func (r *MessageRenderer) citations(list []model.Citation) string {
	lines := make([]string, 0, len(list)+1)
	lines = append(lines, r.theme.Muted.Render("Sources:"))
	for i, c := range list {
		title := c.Title
		if title == "" {
			title = c.SourceID
		}
		line := fmt.Sprintf("[%d] %s", i+1, title)
		if c.URL != "" {
			line += " <" + c.URL + ">"
		}
		lines = append(lines, r.theme.Citation.Render(line))
	}
	return strings.Join(lines, "\n")
}

func (r *MessageRenderer) bubble(role model.Role, pending bool) lipgloss.Style {
	switch {
	case pending:
		return r.theme.PendingMessage
	case role == model.RoleAssistant:
		return r.theme.AssistantMessage
	default:
		return r.theme.UserMessage
	}
}
