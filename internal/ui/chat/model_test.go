// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/ragchat/internal/api"
	core "github.com/jeranaias/ragchat/internal/chat"
	"github.com/jeranaias/ragchat/internal/config"
	"github.com/jeranaias/ragchat/internal/conversation"
	"github.com/jeranaias/ragchat/internal/mockapi"
	"github.com/jeranaias/ragchat/internal/notify"
	"github.com/jeranaias/ragchat/internal/stream"
	"github.com/jeranaias/ragchat/internal/transport"
	"github.com/jeranaias/ragchat/internal/ui/styles"
	"github.com/jeranaias/ragchat/internal/upload"
)

// =============================================================================
// HARNESS
// =============================================================================

func newTestModel(t *testing.T) Model {
	t.Helper()
	srv, err := mockapi.New(mockapi.Options{FragmentDelay: -1})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	client, err := api.New(api.Options{BaseURL: ts.URL})
	require.NoError(t, err)
	tr, err := transport.New(transport.KindSSE, client, transport.Options{})
	require.NoError(t, err)

	notes := notify.New(notify.Options{})
	store := conversation.New(conversation.Options{Backend: client})
	coord := stream.New(stream.Options{Transport: tr, Store: store, Reporter: notes})
	t.Cleanup(coord.StopStreaming)
	svc, err := core.New(core.Deps{
		Sender:        client,
		Store:         store,
		Uploads:       upload.New(upload.Options{Policy: upload.DefaultPolicy(), Uploader: client, Reporter: notes}),
		Streamer:      coord,
		Notifications: notes,
	})
	require.NoError(t, err)

	m := New(svc, Options{
		UI:    config.UIConfig{PageSize: 10, ShowCitations: true},
		Theme: styles.NewTheme("dark"),
	})
	t.Cleanup(m.Close)
	next, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	m = next.(Model)
	next, _ = m.Update(m.refreshCmd()())
	return next.(Model)
}

// step feeds msg to m and runs the returned command once, feeding its
// result back. Commands that wait for core changes are not run.
func step(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, cmd := m.Update(msg)
	m = next.(Model)
	if cmd == nil {
		return m
	}
	if res := cmd(); res != nil {
		if _, ok := res.(actionDoneMsg); ok {
			next, _ = m.Update(res)
			m = next.(Model)
		}
	}
	return m
}

func submit(t *testing.T, m Model, text string) Model {
	t.Helper()
	m.input.SetValue(text)
	return step(t, m, tea.KeyMsg{Type: tea.KeyEnter})
}

// =============================================================================
// SEND FLOW
// =============================================================================

func TestModel_SendShowsStreamedReply(t *testing.T) {
	m := newTestModel(t)

	m = submit(t, m, "hello")
	assert.Empty(t, m.input.Value())
	assert.Zero(t, m.inFlight)

	store := m.svc.Store()
	require.Eventually(t, func() bool {
		id := store.ActiveID()
		return id != "" && len(store.Messages(id)) == 2 &&
			m.svc.Streamer().State() == stream.StateIdle
	}, 5*time.Second, 5*time.Millisecond)

	m = step(t, m, changedMsg{})
	assert.Len(t, m.messages, 2)
	assert.Len(t, m.conversations, 1)
	view := m.View()
	assert.Contains(t, view, "You asked")
	assert.Contains(t, view, "hello")
}

func TestModel_EmptySubmitIsIgnored(t *testing.T) {
	m := newTestModel(t)
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.Nil(t, cmd)
	assert.Empty(t, next.(Model).svc.Store().Conversations())
}

// =============================================================================
// COMMANDS
// =============================================================================

func TestModel_AttachAndRemove(t *testing.T) {
	m := newTestModel(t)
	path := filepath.Join(t.TempDir(), "my notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("notes"), 0o600))

	m = submit(t, m, `/attach "`+path+`"`)
	m = step(t, m, changedMsg{})
	require.Len(t, m.files, 1)
	assert.Equal(t, "my notes.txt", m.files[0].Name)
	assert.Contains(t, m.View(), "my notes.txt")

	m = submit(t, m, "/remove 5")
	assert.Equal(t, 1, m.svc.Uploads().Len())
	assert.Equal(t, 1, m.svc.Notifications().Len())

	m = submit(t, m, "/remove 1")
	assert.Zero(t, m.svc.Uploads().Len())
}

func TestModel_UploadCommand(t *testing.T) {
	m := newTestModel(t)
	path := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o600))

	m = submit(t, m, "/attach "+path)
	m = submit(t, m, "/upload")
	require.Len(t, m.svc.Uploads().Completed(), 1)

	m = step(t, m, changedMsg{})
	assert.Contains(t, m.View(), "uploaded")
}

func TestModel_PasteAttachesPaths(t *testing.T) {
	m := newTestModel(t)
	path := filepath.Join(t.TempDir(), "dropped.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b"), 0o600))

	m = step(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(path), Paste: true})
	assert.Equal(t, 1, m.svc.Uploads().Len())
	assert.False(t, m.svc.Uploads().Dragging())
	assert.Empty(t, m.input.Value())
}

func TestModel_UnknownAndHelpCommands(t *testing.T) {
	m := newTestModel(t)

	m = submit(t, m, "/bogus")
	notes := m.svc.Notifications().List()
	require.Len(t, notes, 1)
	assert.Equal(t, notify.SeverityWarning, notes[0].Severity)

	m = submit(t, m, "/help")
	notes = m.svc.Notifications().List()
	require.Len(t, notes, 2)
	assert.Equal(t, "Commands", notes[0].Title)

	m = step(t, m, changedMsg{})
	m = step(t, m, tea.KeyMsg{Type: tea.KeyCtrlX})
	assert.Equal(t, 1, m.svc.Notifications().Len())
}

func TestModel_ConversationList(t *testing.T) {
	m := newTestModel(t)
	m = submit(t, m, "/new First")
	m = submit(t, m, "/new Second")
	m = step(t, m, changedMsg{})
	require.Len(t, m.conversations, 2)
	assert.Equal(t, "Second", m.conversations[0].Title)

	m = step(t, m, tea.KeyMsg{Type: tea.KeyCtrlL})
	assert.True(t, m.showList)
	assert.Zero(t, m.cursor)
	assert.Contains(t, m.View(), "First")

	m = step(t, m, tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, 1, m.cursor)
	m = step(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	assert.False(t, m.showList)
	assert.Equal(t, m.conversations[1].ID, m.svc.Store().ActiveID())

	m = submit(t, m, "/delete 2")
	assert.Len(t, m.svc.Store().Conversations(), 1)
	assert.Empty(t, m.svc.Store().ActiveID())

	m = submit(t, m, "/open 9")
	assert.Equal(t, "No such conversation", m.svc.Notifications().List()[0].Title)
}

func TestModel_QuitClosesBridge(t *testing.T) {
	m := newTestModel(t)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())

	// The bridge is closed, so waiting returns without a change.
	select {
	case <-m.events.changes:
	default:
	}
	assert.Nil(t, m.events.wait()())
}

// =============================================================================
// BRIDGE
// =============================================================================

func TestBridge_CoalescesChanges(t *testing.T) {
	m := newTestModel(t)
	for range 5 {
		_, err := m.svc.NewConversation(context.Background(), "x")
		require.NoError(t, err)
	}

	done := make(chan tea.Msg, 1)
	go func() { done <- m.events.wait()() }()
	select {
	case msg := <-done:
		assert.IsType(t, changedMsg{}, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("no change delivered")
	}
	assert.Empty(t, m.events.changes, "bursts collapse into one signal")
}

// =============================================================================
// PASTED PATHS
// =============================================================================

func TestSplitShellWords(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"a b", []string{"a", "b"}},
		{`'/tmp/my file.txt'`, []string{"/tmp/my file.txt"}},
		{`/tmp/my\ file.txt other`, []string{"/tmp/my file.txt", "other"}},
		{`"x y" 'z'`, []string{"x y", "z"}},
		{"  ", nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, splitShellWords(tt.in), tt.in)
	}
}

func TestPastedPaths(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a b.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	paths, ok := pastedPaths("'" + file + "'\n")
	assert.True(t, ok)
	assert.Equal(t, []string{file}, paths)

	_, ok = pastedPaths(dir)
	assert.False(t, ok)
	_, ok = pastedPaths("just some words")
	assert.False(t, ok)
}
