// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"fmt"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
)

// =============================================================================
// COMMAND HANDLER REGISTRY
// =============================================================================

// CommandHandler handles one slash command.
type CommandHandler func(m *Model, args []string) tea.Cmd

// commandHandlers maps command names to their handlers.
var commandHandlers = map[string]CommandHandler{
	"help": handleHelpCommand,
	"?":    handleHelpCommand,
	"quit": handleQuitCommand,
	"q":    handleQuitCommand,

	// Conversations
	"new":     handleNewCommand,
	"open":    handleOpenCommand,
	"delete":  handleDeleteCommand,
	"refresh": handleRefreshCommand,
	"stop":    handleStopCommand,

	// Attachments
	"attach": handleAttachCommand,
	"a":      handleAttachCommand,
	"upload": handleUploadCommand,
	"remove": handleRemoveCommand,
	"clear":  handleClearCommand,
}

const helpText = `/new [title]    start a conversation
/open <n|id>   open a conversation from the list
/delete [n]    delete the active or listed conversation
/refresh       reload the conversation list
/stop          stop the live reply
/attach <path> add files (or paste paths)
/upload        upload pending files
/remove <n>    remove an attachment
/clear         remove all attachments not uploading
/quit          exit`

// runCommand dispatches a slash command.
func (m *Model) runCommand(content string) tea.Cmd {
	parts := strings.Fields(strings.TrimPrefix(content, "/"))
	if len(parts) == 0 {
		return nil
	}
	name := strings.ToLower(parts[0])
	handler, ok := commandHandlers[name]
	if !ok {
		m.svc.Notifications().Warning("Unknown command", fmt.Sprintf("/%s is not a command. Try /help.", name))
		return nil
	}
	return handler(m, parts[1:])
}

func handleHelpCommand(m *Model, _ []string) tea.Cmd {
	m.svc.Notifications().Info("Commands", helpText)
	return nil
}

func handleQuitCommand(m *Model, _ []string) tea.Cmd {
	m.svc.Stop()
	m.Close()
	return tea.Quit
}

func handleNewCommand(m *Model, args []string) tea.Cmd {
	return m.newConversation(strings.Join(args, " "))
}

func handleOpenCommand(m *Model, args []string) tea.Cmd {
	if len(args) == 0 {
		m.toggleList()
		return nil
	}
	id, ok := m.resolveConversation(args[0])
	if !ok {
		m.svc.Notifications().Warning("No such conversation", args[0])
		return nil
	}
	return m.open(id)
}

func handleDeleteCommand(m *Model, args []string) tea.Cmd {
	id := m.activeID
	if len(args) > 0 {
		var ok bool
		if id, ok = m.resolveConversation(args[0]); !ok {
			m.svc.Notifications().Warning("No such conversation", args[0])
			return nil
		}
	}
	if id == "" {
		m.svc.Notifications().Warning("Nothing to delete", "Open a conversation first.")
		return nil
	}
	return m.deleteConversation(id)
}

func handleRefreshCommand(m *Model, _ []string) tea.Cmd {
	return m.refreshConversations()
}

func handleStopCommand(m *Model, _ []string) tea.Cmd {
	m.svc.Stop()
	return nil
}

func handleAttachCommand(m *Model, args []string) tea.Cmd {
	paths := splitShellWords(strings.Join(args, " "))
	if len(paths) == 0 {
		m.svc.Notifications().Warning("Nothing to attach", "Usage: /attach <path> [path...]")
		return nil
	}
	return m.attach(paths)
}

func handleUploadCommand(m *Model, _ []string) tea.Cmd {
	return m.uploadAll()
}

func handleRemoveCommand(m *Model, args []string) tea.Cmd {
	if len(args) == 0 {
		m.svc.Notifications().Warning("Nothing to remove", "Usage: /remove <n>")
		return nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 || n > len(m.files) {
		m.svc.Notifications().Warning("No such attachment", args[0])
		return nil
	}
	if err := m.svc.Uploads().Remove(m.files[n-1].ID); err != nil {
		m.svc.Notifications().Warning("Cannot remove attachment", err.Error())
	}
	return nil
}

func handleClearCommand(m *Model, _ []string) tea.Cmd {
	m.svc.Uploads().Clear()
	return nil
}

// resolveConversation accepts a 1-based list position or an ID.
func (m *Model) resolveConversation(arg string) (string, bool) {
	if n, err := strconv.Atoi(arg); err == nil {
		if n >= 1 && n <= len(m.conversations) {
			return m.conversations[n-1].ID, true
		}
		return "", false
	}
	if _, ok := m.svc.Store().Conversation(arg); ok {
		return arg, true
	}
	return "", false
}
