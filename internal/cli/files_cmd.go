// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/ragchat/internal/api"
	"github.com/jeranaias/ragchat/internal/upload"
)

func newFilesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "files",
		Short: "Upload files and check their processing status",
	}
	cmd.AddCommand(newFilesUploadCmd(a))
	cmd.AddCommand(newFilesStatusCmd(a))
	return cmd
}

type uploadedFile struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	FileID string `json:"fileId,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func newFilesUploadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "upload PATH...",
		Short: "Validate and upload files, printing their backend IDs",
		Long: "Validate files against the upload policy and upload the accepted ones\n" +
			"in parallel. Rejected files are listed on stderr. The IDs printed can be\n" +
			"checked with 'ragchat files status'.",
		Args: minArgs(1, "ragchat files upload report.pdf notes.txt"),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cleanup, err := a.runtime(cmd, false)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := interruptible(cmd)
			defer stop()

			svc := rt.Service
			_, attachErr := svc.Attach(args...)
			if svc.Uploads().Len() == 0 {
				return attachErr
			}
			if attachErr != nil {
				DisplayError(cmd.ErrOrStderr(), attachErr, false)
			}

			var progress *progressLine
			if !a.jsonOutput && IsStdoutTTY() {
				progress = newProgressLine(cmd.ErrOrStderr())
				unsub := svc.Uploads().Subscribe(func(upload.Event) {
					progress.update(svc.Uploads().AggregateProgress())
				})
				defer unsub()
			}
			uploadErr := svc.UploadAll(ctx)
			progress.finish()

			files := svc.Uploads().Files()
			results := make([]uploadedFile, 0, len(files))
			for _, f := range files {
				r := uploadedFile{Name: f.Name, Size: f.Size, Status: f.Status.Name()}
				if id, ok := f.RemoteID(); ok {
					r.FileID = id
				}
				if err := f.Err(); err != nil {
					r.Error = err.Error()
				}
				results = append(results, r)
			}

			out := cmd.OutOrStdout()
			if a.jsonOutput {
				if err := writeJSON(out, results); err != nil {
					return err
				}
			} else {
				for _, r := range results {
					if r.FileID != "" {
						fmt.Fprintf(out, "%s\t%s\n", r.FileID, r.Name)
					} else {
						fmt.Fprintf(cmd.ErrOrStderr(), "%s %s: %s\n", errorStyle.Render("[FAILED]"), r.Name, r.Error)
					}
				}
			}

			if uploadErr != nil {
				return uploadErr
			}
			return attachErr
		},
	}
}

func newFilesStatusCmd(a *app) *cobra.Command {
	var (
		wait     bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status FILE_ID",
		Short: "Show whether an uploaded file has been processed",
		Args:  exactArgs(1, "ragchat files status file_123 --wait"),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cleanup, err := a.runtime(cmd, false)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := interruptible(cmd)
			defer stop()

			var st api.FileStatus
			for {
				st, err = rt.Client.FileStatus(ctx, args[0])
				if err != nil {
					return notFound(err, "file", args[0])
				}
				if st.Processed || !wait {
					break
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(interval):
				}
			}

			out := cmd.OutOrStdout()
			if a.jsonOutput {
				return writeJSON(out, st)
			}
			state := warningStyle.Render("processing")
			if st.Processed {
				state = successStyle.Render("processed")
			}
			fmt.Fprintf(out, "%s\t%s\t%s\n", st.DocumentID, st.Filename, state)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "poll until processing finishes")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval with --wait")
	return cmd
}

// =============================================================================
// PROGRESS LINE
// =============================================================================

// progressLine redraws one "Uploading NN%" line in place. A nil
// progressLine does nothing.
type progressLine struct {
	mu   sync.Mutex
	w    io.Writer
	last int
}

func newProgressLine(w io.Writer) *progressLine {
	return &progressLine{w: w, last: -1}
}

func (p *progressLine) update(percent float64) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n := int(percent)
	if n == p.last {
		return
	}
	p.last = n
	fmt.Fprintf(p.w, "\rUploading %3d%%", n)
}

func (p *progressLine) finish() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last >= 0 {
		fmt.Fprintln(p.w)
	}
}
