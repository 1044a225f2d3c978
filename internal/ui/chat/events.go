// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	core "github.com/jeranaias/ragchat/internal/chat"
	"github.com/jeranaias/ragchat/internal/conversation"
	"github.com/jeranaias/ragchat/internal/notify"
	"github.com/jeranaias/ragchat/internal/stream"
	"github.com/jeranaias/ragchat/internal/upload"
)

// frameInterval caps redraws driven by core changes at about 30fps.
const frameInterval = 33 * time.Millisecond

// =============================================================================
// MESSAGES
// =============================================================================

// changedMsg means at least one core snapshot changed.
type changedMsg struct{}

// actionDoneMsg ends one blocking call started by the Model.
type actionDoneMsg struct {
	Action string
	Err    error
}

// clockTickMsg refreshes toast countdowns.
type clockTickMsg time.Time

// =============================================================================
// BRIDGE
// =============================================================================

// bridge turns core listener callbacks into changedMsg deliveries.
type bridge struct {
	changes chan struct{}
	done    chan struct{}
	unsubs  []func()
	once    sync.Once
}

func newBridge(svc *core.Service) *bridge {
	b := &bridge{
		changes: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	b.unsubs = []func(){
		svc.Store().Subscribe(func(conversation.Event) { b.signal() }),
		svc.Uploads().Subscribe(func(upload.Event) { b.signal() }),
		svc.Notifications().Subscribe(func([]notify.Notification) { b.signal() }),
		svc.Streamer().Subscribe(func(stream.Update) { b.signal() }),
	}
	return b
}

// signal never blocks; a pending signal already covers this change.
func (b *bridge) signal() {
	select {
	case b.changes <- struct{}{}:
	default:
	}
}

// wait returns a command that resolves on the next change.
func (b *bridge) wait() tea.Cmd {
	return func() tea.Msg {
		select {
		case <-b.changes:
		case <-b.done:
			return nil
		}
		time.Sleep(frameInterval)
		return changedMsg{}
	}
}

func (b *bridge) close() {
	b.once.Do(func() {
		for _, unsub := range b.unsubs {
			unsub()
		}
		close(b.done)
	})
}
