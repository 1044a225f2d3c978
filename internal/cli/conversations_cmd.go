// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/jeranaias/ragchat/internal/api"
	"github.com/jeranaias/ragchat/internal/apperr"
	"github.com/jeranaias/ragchat/internal/export"
	"github.com/jeranaias/ragchat/internal/model"
	"github.com/jeranaias/ragchat/internal/ui/components"
	"github.com/jeranaias/ragchat/internal/ui/styles"
)

func newConversationsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "List, show, create and delete conversations",
	}
	cmd.AddCommand(newConversationsListCmd(a))
	cmd.AddCommand(newConversationsShowCmd(a))
	cmd.AddCommand(newConversationsNewCmd(a))
	cmd.AddCommand(newConversationsDeleteCmd(a))
	cmd.AddCommand(newConversationsExportCmd(a))
	return cmd
}

func newConversationsListCmd(a *app) *cobra.Command {
	var skip, limit int
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List conversations, most recently updated first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if skip < 0 || limit < 0 {
				return &UsageError{Reason: "--skip and --limit must not be negative"}
			}
			rt, cleanup, err := a.runtime(cmd, false)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := interruptible(cmd)
			defer stop()

			if limit == 0 {
				limit = a.cfg.UI.PageSize
			}
			page, err := rt.Client.ListConversations(ctx, skip, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if a.jsonOutput {
				return writeJSON(out, page)
			}
			if len(page.Conversations) == 0 {
				fmt.Fprintln(out, "No conversations")
				return nil
			}
			fmt.Fprintln(out, conversationTable(page))
			if shown := page.Skip + len(page.Conversations); shown < page.Total {
				fmt.Fprintf(out, "%d of %d shown; next page: --skip %d\n", shown, page.Total, shown)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&skip, "skip", 0, "conversations to skip")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size (default ui.page_size)")
	return cmd
}

func conversationTable(page model.ConversationPage) *table.Table {
	rows := make([][]string, 0, len(page.Conversations))
	for i, c := range page.Conversations {
		rows = append(rows, []string{
			strconv.Itoa(page.Skip + i + 1),
			c.ID,
			c.GetTitle(),
			c.UpdatedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(styles.Overlay)).
		Headers("#", "ID", "TITLE", "UPDATED").
		Rows(rows...)
}

func newConversationsShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Print a conversation transcript",
		Args:  exactArgs(1, "ragchat conversations show conv_123"),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cleanup, err := a.runtime(cmd, false)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := interruptible(cmd)
			defer stop()

			msgs, err := rt.Client.GetMessages(ctx, args[0])
			if err != nil {
				return notFound(err, "conversation", args[0])
			}

			out := cmd.OutOrStdout()
			if a.jsonOutput {
				return writeJSON(out, map[string]interface{}{"messages": msgs})
			}
			if len(msgs) == 0 {
				fmt.Fprintln(out, "No messages")
				return nil
			}

			if !ColorsEnabled() {
				for _, msg := range msgs {
					printMessage(out, msg)
				}
				return nil
			}
			renderer := components.NewMessageRenderer(styles.NewTheme(a.cfg.UI.Theme), GetTerminalWidth(), a.cfg.UI.Markdown, a.cfg.UI.ShowCitations)
			for _, msg := range msgs {
				fmt.Fprintln(out, renderer.Render(msg))
			}
			return nil
		},
	}
}

func newConversationsNewCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "new [TITLE...]",
		Short: "Create a conversation and print its ID",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cleanup, err := a.runtime(cmd, false)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := interruptible(cmd)
			defer stop()

			conv, err := rt.Client.CreateConversation(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), conv)
			}
			fmt.Fprintln(cmd.OutOrStdout(), conv.ID)
			return nil
		},
	}
}

func newConversationsDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "delete ID...",
		Aliases: []string{"rm"},
		Short:   "Delete conversations",
		Args:    minArgs(1, "ragchat conversations delete conv_123"),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cleanup, err := a.runtime(cmd, false)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := interruptible(cmd)
			defer stop()

			for _, id := range args {
				if err := rt.Client.DeleteConversation(ctx, id); err != nil {
					return notFound(err, "conversation", id)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", successStyle.Render("Deleted"), id)
			}
			return nil
		},
	}
}

func newConversationsExportCmd(a *app) *cobra.Command {
	var (
		format   string
		dir      string
		toStdout bool
	)
	cmd := &cobra.Command{
		Use:   "export ID",
		Short: "Write a conversation transcript to a Markdown or JSON file",
		Args:  exactArgs(1, "ragchat conversations export conv_123 --format json --dir ./exports"),
		RunE: func(cmd *cobra.Command, args []string) error {
			exporter, err := export.ForFormat(format, export.DefaultOptions())
			if err != nil {
				return &UsageError{Reason: err.Error(), Example: "ragchat conversations export conv_123 --format markdown"}
			}
			rt, cleanup, err := a.runtime(cmd, false)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := interruptible(cmd)
			defer stop()

			id := args[0]
			msgs, err := rt.Client.GetMessages(ctx, id)
			if err != nil {
				return notFound(err, "conversation", id)
			}
			conv, err := lookupConversation(ctx, rt.Client, id, a.cfg.UI.PageSize)
			if err != nil {
				return err
			}
			if conv.CreatedAt.IsZero() && len(msgs) > 0 {
				conv.CreatedAt = msgs[0].Timestamp
				conv.UpdatedAt = msgs[len(msgs)-1].Timestamp
			}
			transcript := export.Transcript{Conversation: conv, Messages: msgs}

			if toStdout {
				data, err := exporter.Export(transcript)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			path, err := export.ToFile(transcript, exporter, dir, export.DefaultOptions())
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), map[string]string{"path": path, "mimeType": exporter.MimeType()})
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "markdown", "markdown or json")
	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "directory to write into")
	cmd.Flags().BoolVar(&toStdout, "stdout", false, "print instead of writing a file")
	return cmd
}

// lookupConversation pages through the listing for id. A conversation the
// listing does not contain comes back with only its ID set.
func lookupConversation(ctx context.Context, client *api.Client, id string, pageSize int) (model.Conversation, error) {
	for skip := 0; ; {
		page, err := client.ListConversations(ctx, skip, pageSize)
		if err != nil {
			return model.Conversation{}, err
		}
		for _, c := range page.Conversations {
			if c.ID == id {
				return c, nil
			}
		}
		if !page.HasMore() || len(page.Conversations) == 0 {
			return model.Conversation{ID: id}, nil
		}
		skip += len(page.Conversations)
	}
}

// notFound turns a 404 into a NotFoundError naming the resource.
func notFound(err error, resource, id string) error {
	var t *apperr.TransportError
	if errors.As(err, &t) && t.Status == http.StatusNotFound {
		return &NotFoundError{Resource: resource, ID: id}
	}
	return err
}
