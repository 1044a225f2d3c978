// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/ragchat/internal/model"
)

func newAskCmd(a *app) *cobra.Command {
	var (
		conversationID string
		attachments    []string
	)
	cmd := &cobra.Command{
		Use:   "ask QUESTION...",
		Short: "Ask one question and print the streamed answer",
		Long: "Ask one question. Attached files are uploaded first. The answer is\n" +
			"written to stdout as it streams; with --json the committed message is\n" +
			"printed once complete.",
		Example: "  ragchat ask \"summarize the report\" -a report.pdf\n" +
			"  ragchat ask --conversation conv_123 \"and the conclusion?\"",
		Args: minArgs(1, "ragchat ask \"what changed?\""),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cleanup, err := a.runtime(cmd, false)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := interruptible(cmd)
			defer stop()
			svc := rt.Service

			if len(attachments) > 0 {
				if _, err := svc.Attach(attachments...); err != nil {
					return err
				}
				if err := svc.UploadAll(ctx); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			var w io.Writer = out
			if a.jsonOutput {
				w = io.Discard
			}
			reply, err := sendAndStream(ctx, svc, w, conversationID, strings.Join(args, " "))
			if err != nil {
				return err
			}

			if a.jsonOutput {
				if conversationID == "" {
					conversationID = svc.Store().ActiveID()
				}
				return writeJSON(out, askResult{
					ConversationID: conversationID,
					Message:        reply,
				})
			}
			for i, c := range reply.Citations {
				title := c.Title
				if title == "" {
					title = c.SourceID
				}
				fmt.Fprintf(out, "[%d] %s\n", i+1, title)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "continue this conversation instead of starting one")
	cmd.Flags().StringSliceVarP(&attachments, "attach", "a", nil, "attach a file (repeatable)")
	return cmd
}

type askResult struct {
	ConversationID string        `json:"conversationId"`
	Message        model.Message `json:"message"`
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
