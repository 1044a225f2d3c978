// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package components

import (
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/jeranaias/ragchat/internal/model"
	"github.com/jeranaias/ragchat/internal/ui/styles"
	"github.com/jeranaias/ragchat/internal/util"
)

// ConversationList renders the sidebar. The cursor row is highlighted and
// the active conversation is marked.
type ConversationList struct {
	theme *styles.Theme
}

// NewConversationList creates a list renderer.
func NewConversationList(theme *styles.Theme) *ConversationList {
	return &ConversationList{theme: theme}
}

// View renders at most height rows, scrolled so the cursor is visible.
func (l *ConversationList) View(convs []model.Conversation, activeID string, cursor, width, height int) string {
	if len(convs) == 0 {
		return l.theme.Muted.Render(runewidth.FillRight("No conversations", width))
	}
	if height <= 0 {
		height = len(convs)
	}

	start := 0
	if cursor >= height {
		start = cursor - height + 1
	}
	end := min(start+height, len(convs))

	rows := make([]string, 0, end-start)
	for i := start; i < end; i++ {
		c := convs[i]
		marker := "  "
		if c.ID == activeID {
			marker = "> "
		}
		title := runewidth.FillRight(util.TruncateWidth(marker+c.GetTitle(), width), width)
		switch {
		case i == cursor:
			rows = append(rows, l.theme.ListItemSelected.Render(title))
		case c.ID == activeID:
			rows = append(rows, l.theme.ListItemActive.Render(title))
		default:
			rows = append(rows, l.theme.ListItem.Render(title))
		}
	}
	return strings.Join(rows, "\n")
}
