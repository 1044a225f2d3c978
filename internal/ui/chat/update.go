// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.layout()
		m.renderMessages()
		return m, nil

	case changedMsg:
		m.refresh()
		return m, m.events.wait()

	case actionDoneMsg:
		m.inFlight = max(m.inFlight-1, 0)
		if msg.Err != nil {
			m.status = msg.Action + " failed"
		} else {
			m.status = "Ready"
		}
		return m, nil

	case clockTickMsg:
		if len(m.notes) > 0 {
			m.layout()
		}
		return m, clockTick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.MouseMsg:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.Paste {
		if paths, ok := pastedPaths(string(msg.Runes)); ok {
			cmd := m.drop(paths)
			return m, cmd
		}
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		m.svc.Stop()
		m.Close()
		return m, tea.Quit

	case key.Matches(msg, m.keys.Stop):
		switch {
		case m.streaming:
			m.svc.Stop()
		case m.showList:
			m.toggleList()
		}
		return m, nil

	case key.Matches(msg, m.keys.ToggleList):
		m.toggleList()
		return m, nil

	case key.Matches(msg, m.keys.New):
		cmd := m.newConversation("")
		return m, cmd

	case key.Matches(msg, m.keys.Dismiss):
		if len(m.notes) > 0 {
			m.svc.Notifications().Remove(m.notes[0].ID)
		}
		return m, nil

	case key.Matches(msg, m.keys.PageUp), key.Matches(msg, m.keys.PageDown):
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	if m.showList {
		switch {
		case key.Matches(msg, m.keys.Up):
			m.cursor = max(m.cursor-1, 0)
			return m, nil
		case key.Matches(msg, m.keys.Down):
			m.cursor = min(m.cursor+1, max(len(m.conversations)-1, 0))
			return m, nil
		case key.Matches(msg, m.keys.Delete):
			if c, ok := m.selected(); ok {
				cmd := m.deleteConversation(c.ID)
				return m, cmd
			}
			return m, nil
		case key.Matches(msg, m.keys.Submit) && m.input.Value() == "":
			if c, ok := m.selected(); ok {
				m.toggleList()
				cmd := m.open(c.ID)
				return m, cmd
			}
			return m, nil
		}
	}

	if key.Matches(msg, m.keys.Submit) {
		text := strings.TrimSpace(m.input.Value())
		m.input.Reset()
		cmd := m.submit(text)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submit runs a /command or sends text to the active conversation.
func (m *Model) submit(text string) tea.Cmd {
	if text == "" {
		return nil
	}
	if strings.HasPrefix(text, "/") {
		return m.runCommand(text)
	}
	return m.send(text)
}

func (m *Model) toggleList() {
	m.showList = !m.showList
	if m.showList {
		for i, c := range m.conversations {
			if c.ID == m.activeID {
				m.cursor = i
			}
		}
	}
	m.layout()
	m.renderMessages()
}

func clockTick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return clockTickMsg(t) })
}
