// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chat_cmd.go - Line-mode chat with input history.
//
// Command: chat
// Short:   Chat without the full-screen UI
//
// Interactive commands (during chat):
//
//	/help, /h           Show available commands
//	/new [title]        Start a new conversation
//	/list, /ls          List conversations
//	/open N|ID          Open a conversation
//	/delete N|ID        Delete a conversation
//	/history            Show the active conversation
//	/attach PATH...     Queue files for the next message
//	/files              Show queued files
//	/upload             Upload queued files now
//	/remove N           Remove a queued file
//	/clear              Remove every queued file not uploading
//	/status, /s         Show session statistics
//	/quit, /q           Exit chat
//	Ctrl+C              Stop the current reply, or exit at the prompt
//	Ctrl+D              Exit chat
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	core "github.com/jeranaias/ragchat/internal/chat"
	"github.com/jeranaias/ragchat/internal/config"
	"github.com/jeranaias/ragchat/internal/model"
	"github.com/jeranaias/ragchat/internal/upload"
	"github.com/jeranaias/ragchat/internal/util"
)

func newChatCmd(a *app) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat without the full-screen UI",
		Long:  "Chat in line mode. Lines starting with / are commands; /help lists them.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cleanup, err := a.runtime(cmd, false)
			if err != nil {
				return err
			}
			defer cleanup()

			input := NewChatCLI()
			defer input.Close()

			s := newChatSession(rt.Service, cmd.OutOrStdout(), a.cfg.UI.PageSize)
			s.quiet = quiet
			return s.run(cmd.Context(), input)
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "minimal output")
	return cmd
}

// =============================================================================
// INPUT HISTORY
// =============================================================================

// lineReader reads one line of user input.
type lineReader interface {
	ReadInput(prompt string) (string, error)
}

// ChatCLI provides input history and line editing for interactive chat.
type ChatCLI struct {
	line        *liner.State
	historyFile string
}

// NewChatCLI creates a ChatCLI and loads saved history.
func NewChatCLI() *ChatCLI {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	line.SetCompleter(completeCommand)

	dir, err := config.ConfigDir()
	if err != nil {
		dir = os.TempDir()
	}

	c := &ChatCLI{
		line:        line,
		historyFile: filepath.Join(dir, "chat_history"),
	}
	c.LoadHistory()
	return c
}

// LoadHistory loads command history from file.
func (c *ChatCLI) LoadHistory() {
	if f, err := os.Open(c.historyFile); err == nil {
		_, _ = c.line.ReadHistory(f)
		f.Close()
	}
}

// ReadInput reads a line with the given prompt. Non-empty lines are added
// to history.
func (c *ChatCLI) ReadInput(prompt string) (string, error) {
	input, err := c.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		c.line.AppendHistory(input)
	}
	return input, nil
}

// SaveHistory persists history to file, readable by the owner only.
func (c *ChatCLI) SaveHistory() {
	if err := os.MkdirAll(filepath.Dir(c.historyFile), 0o700); err != nil {
		return
	}
	f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = c.line.WriteHistory(f)
}

// Close saves history and restores the terminal.
func (c *ChatCLI) Close() {
	c.SaveHistory()
	c.line.Close()
}

func completeCommand(line string) []string {
	if !strings.HasPrefix(line, "/") || strings.Contains(line, " ") {
		return nil
	}
	var out []string
	for name := range slashCommands {
		if strings.HasPrefix("/"+name, line) {
			out = append(out, "/"+name)
		}
	}
	sort.Strings(out)
	return out
}

// =============================================================================
// SESSION
// =============================================================================

// chatSession is one line-mode chat.
type chatSession struct {
	svc      *core.Service
	out      io.Writer
	pageSize int
	quiet    bool

	started  time.Time
	sent     int
	received int
}

func newChatSession(svc *core.Service, out io.Writer, pageSize int) *chatSession {
	return &chatSession{svc: svc, out: out, pageSize: pageSize, started: time.Now()}
}

// run is the REPL loop. It returns nil when the user exits.
func (s *chatSession) run(ctx context.Context, in lineReader) error {
	if !s.quiet {
		s.printWelcome()
	}

	for {
		input, err := in.ReadInput(promptStyle.Render("ragchat> "))
		if err != nil {
			// Ctrl+C at the prompt, Ctrl+D or closed stdin
			fmt.Fprintln(s.out)
			s.printSummary()
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			keepGoing, err := s.handleSlashCommand(ctx, input)
			if err != nil {
				fmt.Fprintf(s.out, "%s %v\n", errorStyle.Render("[Error]"), err)
			}
			if !keepGoing {
				s.printSummary()
				return nil
			}
			continue
		}

		if strings.EqualFold(input, "exit") || strings.EqualFold(input, "quit") {
			s.printSummary()
			return nil
		}

		if err := s.processMessage(ctx, input); err != nil {
			fmt.Fprintf(s.out, "%s %v\n", errorStyle.Render("[Error]"), err)
		}
	}
}

// processMessage uploads pending attachments, sends input and streams the
// reply. Ctrl+C stops the reply without leaving the chat.
func (s *chatSession) processMessage(ctx context.Context, input string) error {
	msgCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	if hasPending(s.svc.Uploads().Files()) {
		if err := s.svc.UploadAll(msgCtx); err != nil {
			return err
		}
		s.printFiles()
	}

	if !s.quiet {
		fmt.Fprintln(s.out, infoStyle.Render("Assistant:"))
	}
	reply, err := sendAndStream(msgCtx, s.svc, s.out, "", input)
	s.sent++
	switch {
	case errors.Is(err, ErrReplyStopped), errors.Is(err, context.Canceled) && ctx.Err() == nil:
		fmt.Fprintln(s.out, warningStyle.Render("[Cancelled]"))
		return nil
	case err != nil:
		return err
	}
	if reply.ID != "" {
		s.received++
		s.printCitations(reply)
	}
	return nil
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

type slashHandler func(s *chatSession, ctx context.Context, args []string) (bool, error)

var slashCommands map[string]slashHandler

func init() {
	slashCommands = map[string]slashHandler{
		"help":    (*chatSession).cmdHelp,
		"h":       (*chatSession).cmdHelp,
		"new":     (*chatSession).cmdNew,
		"list":    (*chatSession).cmdList,
		"ls":      (*chatSession).cmdList,
		"open":    (*chatSession).cmdOpen,
		"delete":  (*chatSession).cmdDelete,
		"history": (*chatSession).cmdHistory,
		"attach":  (*chatSession).cmdAttach,
		"a":       (*chatSession).cmdAttach,
		"files":   (*chatSession).cmdFiles,
		"upload":  (*chatSession).cmdUpload,
		"remove":  (*chatSession).cmdRemove,
		"clear":   (*chatSession).cmdClear,
		"status":  (*chatSession).cmdStatus,
		"s":       (*chatSession).cmdStatus,
		"quit":    (*chatSession).cmdQuit,
		"q":       (*chatSession).cmdQuit,
		"exit":    (*chatSession).cmdQuit,
	}
}

// handleSlashCommand runs one /command. It returns false when the session
// should end.
func (s *chatSession) handleSlashCommand(ctx context.Context, input string) (bool, error) {
	fields := strings.Fields(strings.TrimPrefix(input, "/"))
	if len(fields) == 0 {
		return true, nil
	}
	handler, ok := slashCommands[strings.ToLower(fields[0])]
	if !ok {
		return true, &UsageError{Reason: fmt.Sprintf("unknown command /%s", fields[0]), Example: "/help"}
	}
	return handler(s, ctx, fields[1:])
}

func (s *chatSession) cmdHelp(_ context.Context, _ []string) (bool, error) {
	fmt.Fprintln(s.out, headerStyle.Render("Commands"))
	for _, line := range [][2]string{
		{"/new [title]", "Start a new conversation"},
		{"/list", "List conversations"},
		{"/open N|ID", "Open a conversation"},
		{"/delete N|ID", "Delete a conversation"},
		{"/history", "Show the active conversation"},
		{"/attach PATH...", "Queue files for the next message"},
		{"/files", "Show queued files"},
		{"/upload", "Upload queued files now"},
		{"/remove N", "Remove a queued file"},
		{"/clear", "Remove every queued file not uploading"},
		{"/status", "Show session statistics"},
		{"/quit", "Exit chat"},
	} {
		fmt.Fprintf(s.out, "  %s  %s\n", commandStyle.Render(fmt.Sprintf("%-16s", line[0])), line[1])
	}
	return true, nil
}

func (s *chatSession) cmdNew(ctx context.Context, args []string) (bool, error) {
	conv, err := s.svc.NewConversation(ctx, strings.Join(args, " "))
	if err != nil {
		return true, err
	}
	fmt.Fprintf(s.out, "%s %s\n", successStyle.Render("Started"), conv.GetTitle())
	return true, nil
}

func (s *chatSession) cmdList(ctx context.Context, _ []string) (bool, error) {
	if _, err := s.svc.Refresh(ctx, 0, s.pageSize); err != nil {
		return true, err
	}
	convs := s.svc.Store().Conversations()
	if len(convs) == 0 {
		fmt.Fprintln(s.out, infoStyle.Render("No conversations"))
		return true, nil
	}
	active := s.svc.Store().ActiveID()
	for i, c := range convs {
		marker := " "
		if c.ID == active {
			marker = "*"
		}
		fmt.Fprintf(s.out, "%s %2d. %s %s\n", marker, i+1, c.GetTitle(), infoStyle.Render(c.UpdatedAt.Local().Format("2006-01-02 15:04")))
	}
	return true, nil
}

func (s *chatSession) cmdOpen(ctx context.Context, args []string) (bool, error) {
	if len(args) != 1 {
		return true, &UsageError{Reason: "/open needs a conversation", Example: "/open 2"}
	}
	id, err := s.resolveConversation(ctx, args[0])
	if err != nil {
		return true, err
	}
	if err := s.svc.Open(ctx, id); err != nil {
		return true, err
	}
	return s.cmdHistory(ctx, nil)
}

func (s *chatSession) cmdDelete(ctx context.Context, args []string) (bool, error) {
	if len(args) != 1 {
		return true, &UsageError{Reason: "/delete needs a conversation", Example: "/delete 2"}
	}
	id, err := s.resolveConversation(ctx, args[0])
	if err != nil {
		return true, err
	}
	if err := s.svc.Delete(ctx, id); err != nil {
		return true, err
	}
	fmt.Fprintln(s.out, successStyle.Render("Deleted"))
	return true, nil
}

func (s *chatSession) cmdHistory(_ context.Context, _ []string) (bool, error) {
	conv, ok := s.svc.Store().Active()
	if !ok {
		fmt.Fprintln(s.out, infoStyle.Render("No conversation open"))
		return true, nil
	}
	fmt.Fprintln(s.out, headerStyle.Render(conv.GetTitle()))
	for _, msg := range s.svc.Store().Messages(conv.ID) {
		printMessage(s.out, msg)
	}
	return true, nil
}

func (s *chatSession) cmdAttach(_ context.Context, args []string) (bool, error) {
	if len(args) == 0 {
		return true, &UsageError{Reason: "/attach needs at least one path", Example: "/attach report.pdf"}
	}
	added, err := s.svc.Attach(args...)
	for _, f := range added {
		fmt.Fprintf(s.out, "%s %s (%s)\n", successStyle.Render("Attached"), f.Name, util.FormatBytes(f.Size))
	}
	return true, err
}

func (s *chatSession) cmdFiles(_ context.Context, _ []string) (bool, error) {
	s.printFiles()
	return true, nil
}

func (s *chatSession) cmdUpload(ctx context.Context, _ []string) (bool, error) {
	uploadCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	err := s.svc.UploadAll(uploadCtx)
	s.printFiles()
	return true, err
}

func (s *chatSession) cmdRemove(_ context.Context, args []string) (bool, error) {
	files := s.svc.Uploads().Files()
	if len(args) != 1 {
		return true, &UsageError{Reason: "/remove needs a file number", Example: "/remove 1"}
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 || n > len(files) {
		return true, &UsageError{Reason: fmt.Sprintf("no queued file %q", args[0]), Example: "/files"}
	}
	if err := s.svc.Uploads().Remove(files[n-1].ID); err != nil {
		return true, err
	}
	fmt.Fprintf(s.out, "%s %s\n", successStyle.Render("Removed"), files[n-1].Name)
	return true, nil
}

func (s *chatSession) cmdClear(_ context.Context, _ []string) (bool, error) {
	s.svc.Uploads().Clear()
	s.printFiles()
	return true, nil
}

func (s *chatSession) cmdStatus(_ context.Context, _ []string) (bool, error) {
	title := "none"
	if conv, ok := s.svc.Store().Active(); ok {
		title = conv.GetTitle()
	}
	fmt.Fprintln(s.out, headerStyle.Render("Session"))
	fmt.Fprintf(s.out, "  Conversation: %s\n", title)
	fmt.Fprintf(s.out, "  Messages:     %d sent, %d replies\n", s.sent, s.received)
	fmt.Fprintf(s.out, "  Attachments:  %d/%d queued\n", s.svc.Uploads().Len(), s.svc.Uploads().Policy().MaxFiles)
	fmt.Fprintf(s.out, "  Duration:     %s\n", time.Since(s.started).Round(time.Second))
	return true, nil
}

func (s *chatSession) cmdQuit(_ context.Context, _ []string) (bool, error) {
	return false, nil
}

// resolveConversation accepts a 1-based index into the last listing or a
// conversation ID.
func (s *chatSession) resolveConversation(ctx context.Context, arg string) (string, error) {
	convs := s.svc.Store().Conversations()
	if len(convs) == 0 {
		if _, err := s.svc.Refresh(ctx, 0, s.pageSize); err != nil {
			return "", err
		}
		convs = s.svc.Store().Conversations()
	}
	if n, err := strconv.Atoi(arg); err == nil && n >= 1 && n <= len(convs) {
		return convs[n-1].ID, nil
	}
	for _, c := range convs {
		if c.ID == arg {
			return c.ID, nil
		}
	}
	return "", &NotFoundError{Resource: "conversation", ID: arg}
}

// =============================================================================
// OUTPUT
// =============================================================================

func (s *chatSession) printWelcome() {
	fmt.Fprintln(s.out, welcomeStyle.Render("ragchat"))
	fmt.Fprintln(s.out, infoStyle.Render("Type a question, /help for commands, Ctrl+D to exit."))
	fmt.Fprintln(s.out)
}

func (s *chatSession) printSummary() {
	if s.quiet {
		return
	}
	fmt.Fprintf(s.out, "%s %d messages in %s\n",
		headerStyle.Render("Session:"), s.sent, time.Since(s.started).Round(time.Second))
}

func (s *chatSession) printFiles() {
	files := s.svc.Uploads().Files()
	if len(files) == 0 {
		fmt.Fprintln(s.out, infoStyle.Render("No files queued"))
		return
	}
	for i, f := range files {
		fmt.Fprintf(s.out, "%2d. %s (%s) %s\n", i+1, f.Name, util.FormatBytes(f.Size), fileState(f))
	}
}

func (s *chatSession) printCitations(msg model.Message) {
	if len(msg.Citations) == 0 {
		return
	}
	fmt.Fprintln(s.out, infoStyle.Render("Sources:"))
	for i, c := range msg.Citations {
		title := c.Title
		if title == "" {
			title = c.SourceID
		}
		fmt.Fprintf(s.out, "  [%d] %s\n", i+1, title)
	}
}

func printMessage(w io.Writer, msg model.Message) {
	who := "You"
	if msg.Role == model.RoleAssistant {
		who = "Assistant"
	}
	fmt.Fprintf(w, "%s %s\n%s\n\n",
		headerStyle.Render(who+":"),
		infoStyle.Render(msg.Timestamp.Local().Format("15:04")),
		msg.Content)
}

func hasPending(files []upload.File) bool {
	for _, f := range files {
		if _, ok := f.Status.(upload.Pending); ok {
			return true
		}
	}
	return false
}

func fileState(f upload.File) string {
	switch st := f.Status.(type) {
	case upload.Completed:
		return successStyle.Render("uploaded")
	case upload.Uploading:
		return fmt.Sprintf("uploading %.0f%%", st.Progress)
	case upload.Failed:
		if st.Err == nil {
			return errorStyle.Render("failed")
		}
		return errorStyle.Render("failed: " + st.Err.Error())
	default:
		return infoStyle.Render("ready")
	}
}
