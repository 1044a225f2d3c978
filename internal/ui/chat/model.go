// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	core "github.com/jeranaias/ragchat/internal/chat"
	"github.com/jeranaias/ragchat/internal/config"
	"github.com/jeranaias/ragchat/internal/model"
	"github.com/jeranaias/ragchat/internal/notify"
	"github.com/jeranaias/ragchat/internal/stream"
	"github.com/jeranaias/ragchat/internal/ui/components"
	"github.com/jeranaias/ragchat/internal/ui/styles"
	"github.com/jeranaias/ragchat/internal/upload"
)

const (
	sidebarWidth = 28
	inputLimit   = 8000
)

// Options configures the Model.
type Options struct {
	// Context bounds every call the Model makes (default: Background)
	Context context.Context
	UI      config.UIConfig
	Theme   *styles.Theme
	// Now is used for toast countdowns (default: time.Now)
	Now func() time.Time
}

// Model is the root Bubble Tea model.
type Model struct {
	svc    *core.Service
	ctx    context.Context
	opts   Options
	theme  *styles.Theme
	keys   KeyMap
	events *bridge

	viewport viewport.Model
	input    textinput.Model
	spinner  spinner.Model

	renderer *components.MessageRenderer
	tray     *components.AttachmentTray
	list     *components.ConversationList

	width  int
	height int

	// Snapshot of the core, refreshed on every changedMsg
	conversations []model.Conversation
	activeID      string
	messages      []model.Message
	files         []upload.File
	dragging      bool
	notes         []notify.Notification
	streaming     bool
	streamConv    string
	streamBuf     string

	showList bool
	cursor   int
	inFlight int
	status   string
}

// New creates a Model over svc. Call Close when the program exits.
func New(svc *core.Service, opts Options) Model {
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	if opts.Theme == nil {
		opts.Theme = styles.NewTheme(opts.UI.Theme)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.UI.PageSize <= 0 {
		opts.UI.PageSize = config.Default().UI.PageSize
	}

	in := textinput.New()
	in.Placeholder = "Ask about your documents, or /help"
	in.Prompt = opts.Theme.InputPrompt.Render("> ")
	in.CharLimit = inputLimit
	in.Focus()

	sp := spinner.New(spinner.WithSpinner(spinner.Dot))
	sp.Style = opts.Theme.Spinner

	m := Model{
		svc:      svc,
		ctx:      opts.Context,
		opts:     opts,
		theme:    opts.Theme,
		keys:     DefaultKeyMap(),
		events:   newBridge(svc),
		viewport: viewport.New(80, 20),
		input:    in,
		spinner:  sp,
		renderer: components.NewMessageRenderer(opts.Theme, 80, opts.UI.Markdown, opts.UI.ShowCitations),
		tray:     components.NewAttachmentTray(opts.Theme),
		list:     components.NewConversationList(opts.Theme),
		width:    80,
		height:   24,
		inFlight: 1,
		status:   "Refreshing",
	}
	m.refresh()
	return m
}

// Init starts listening for core changes and loads the first page of
// conversations.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		m.spinner.Tick,
		m.events.wait(),
		m.refreshCmd(),
		clockTick(),
	)
}

// Close releases the core subscriptions.
func (m Model) Close() {
	m.events.close()
}

// Run runs the TUI until the user quits or ctx is cancelled.
func Run(ctx context.Context, svc *core.Service, opts Options) error {
	opts.Context = ctx
	m := New(svc, opts)
	defer m.Close()

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx))
	_, err := p.Run()
	svc.Stop()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

// refresh re-reads every core snapshot and re-renders the message pane.
func (m *Model) refresh() {
	store := m.svc.Store()
	m.conversations = store.Conversations()
	m.activeID = store.ActiveID()
	m.messages = nil
	if m.activeID != "" {
		m.messages = store.Messages(m.activeID)
	}

	queue := m.svc.Uploads()
	m.files = queue.Files()
	m.dragging = queue.Dragging()

	m.notes = m.svc.Notifications().List()

	st := m.svc.Streamer()
	m.streaming = st.State() == stream.StateStreaming
	m.streamConv, m.streamBuf = "", ""
	if sess, ok := st.Session(); ok {
		m.streamConv = sess.ConversationID
		m.streamBuf = st.Buffer()
	}

	if m.cursor >= len(m.conversations) {
		m.cursor = max(len(m.conversations)-1, 0)
	}
	m.layout()
	m.renderMessages()
}

// renderMessages rebuilds the viewport content, following the bottom when
// the user has not scrolled up.
func (m *Model) renderMessages() {
	follow := m.viewport.AtBottom() || m.viewport.TotalLineCount() == 0

	var parts []string
	for _, msg := range m.messages {
		parts = append(parts, m.renderer.Render(msg))
	}
	if m.streaming && m.streamConv == m.activeID {
		parts = append(parts, m.renderer.RenderStreaming(m.streamBuf))
	}
	if len(parts) == 0 {
		parts = append(parts, m.theme.Muted.Render(emptyHint(m.activeID)))
	}

	m.viewport.SetContent(joinBlocks(parts))
	if follow {
		m.viewport.GotoBottom()
	}
}

func emptyHint(activeID string) string {
	if activeID == "" {
		return "Type a message to start a conversation. /attach adds files."
	}
	return "No messages yet."
}
