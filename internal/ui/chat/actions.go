// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	core "github.com/jeranaias/ragchat/internal/chat"
	"github.com/jeranaias/ragchat/internal/model"
)

// =============================================================================
// BLOCKING ACTIONS
// =============================================================================

// action runs fn off the UI loop and reports completion.
func (m *Model) action(name string, fn func(svc *core.Service, ctx context.Context) error) tea.Cmd {
	m.inFlight++
	m.status = name
	svc, ctx := m.svc, m.ctx
	return func() tea.Msg {
		return actionDoneMsg{Action: name, Err: fn(svc, ctx)}
	}
}

func (m *Model) send(text string) tea.Cmd {
	return m.action("Sending", func(svc *core.Service, ctx context.Context) error {
		return svc.Send(ctx, "", text)
	})
}

func (m *Model) newConversation(title string) tea.Cmd {
	return m.action("Creating", func(svc *core.Service, ctx context.Context) error {
		_, err := svc.NewConversation(ctx, title)
		return err
	})
}

func (m *Model) open(id string) tea.Cmd {
	return m.action("Loading", func(svc *core.Service, ctx context.Context) error {
		return svc.Open(ctx, id)
	})
}

func (m *Model) deleteConversation(id string) tea.Cmd {
	return m.action("Deleting", func(svc *core.Service, ctx context.Context) error {
		return svc.Delete(ctx, id)
	})
}

func (m *Model) refreshConversations() tea.Cmd {
	m.inFlight++
	m.status = "Refreshing"
	return m.refreshCmd()
}

// refreshCmd loads the first page without touching the in-flight count.
func (m *Model) refreshCmd() tea.Cmd {
	svc, ctx, size := m.svc, m.ctx, m.opts.UI.PageSize
	return func() tea.Msg {
		_, err := svc.Refresh(ctx, 0, size)
		return actionDoneMsg{Action: "Refreshing", Err: err}
	}
}

func (m *Model) attach(paths []string) tea.Cmd {
	return m.action("Attaching", func(svc *core.Service, ctx context.Context) error {
		_, err := svc.Attach(paths...)
		return err
	})
}

func (m *Model) uploadAll() tea.Cmd {
	return m.action("Uploading", func(svc *core.Service, ctx context.Context) error {
		return svc.UploadAll(ctx)
	})
}

// drop attaches pasted paths, showing the drop zone while they are read.
func (m *Model) drop(paths []string) tea.Cmd {
	queue := m.svc.Uploads()
	queue.SetDragging(true)
	return m.action("Attaching", func(svc *core.Service, ctx context.Context) error {
		defer queue.SetDragging(false)
		_, err := svc.Attach(paths...)
		return err
	})
}

func (m *Model) selected() (model.Conversation, bool) {
	if m.cursor < 0 || m.cursor >= len(m.conversations) {
		return model.Conversation{}, false
	}
	return m.conversations[m.cursor], true
}

// =============================================================================
// PASTED PATHS
// =============================================================================

// pastedPaths reports whether text is one or more existing file paths, as
// terminals paste them on drag and drop. Quoting and backslash-escaped
// spaces are undone.
func pastedPaths(text string) ([]string, bool) {
	fields := splitShellWords(strings.TrimSpace(text))
	if len(fields) == 0 {
		return nil, false
	}
	for _, f := range fields {
		info, err := os.Stat(f)
		if err != nil || info.IsDir() {
			return nil, false
		}
	}
	return fields, true
}

func splitShellWords(s string) []string {
	var (
		words   []string
		cur     strings.Builder
		quote   rune
		escaped bool
		inWord  bool
	)
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && quote != '\'':
			escaped, inWord = true, true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote, inWord = r, true
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			if inWord {
				words = append(words, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if inWord {
		words = append(words, cur.String())
	}
	return words
}
