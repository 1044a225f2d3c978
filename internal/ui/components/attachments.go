// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package components

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/mattn/go-runewidth"

	"github.com/jeranaias/ragchat/internal/upload"
	"github.com/jeranaias/ragchat/internal/ui/styles"
	"github.com/jeranaias/ragchat/internal/util"
)

// =============================================================================
// ATTACHMENT TRAY
// =============================================================================

const progressBarWidth = 16

// AttachmentTray renders the upload queue under the input.
type AttachmentTray struct {
	theme *styles.Theme
	bar   progress.Model
}

// NewAttachmentTray creates a tray.
func NewAttachmentTray(theme *styles.Theme) *AttachmentTray {
	return &AttachmentTray{
		theme: theme,
		bar: progress.New(
			progress.WithGradient("#7C3AED", "#22D3EE"),
			progress.WithWidth(progressBarWidth),
			progress.WithoutPercentage(),
		),
	}
}

// View renders files one per line, numbered from 1 for /remove. While
// dragging, a drop zone replaces the list.
func (a *AttachmentTray) View(files []upload.File, dragging bool, width int) string {
	if dragging {
		return a.theme.Dropzone.Render("Drop files to attach")
	}
	if len(files) == 0 {
		return ""
	}
	lines := make([]string, 0, len(files))
	for i, f := range files {
		lines = append(lines, a.line(i+1, f, width))
	}
	return strings.Join(lines, "\n")
}

func (a *AttachmentTray) line(n int, f upload.File, width int) string {
	var indicator, state string
	switch st := f.Status.(type) {
	case upload.Pending:
		indicator = a.theme.Muted.Render(styles.StatusIndicators.Pending)
		state = a.theme.Muted.Render("ready")
	case upload.Uploading:
		indicator = a.theme.Info.Render(styles.StatusIndicators.Active)
		state = a.bar.ViewAs(st.Progress/100) + fmt.Sprintf(" %3.0f%%", st.Progress)
	case upload.Completed:
		indicator = a.theme.Success.Render(styles.StatusIndicators.Success)
		state = a.theme.Success.Render("uploaded")
	case upload.Failed:
		indicator = a.theme.Error.Render(styles.StatusIndicators.Error)
		state = a.theme.Error.Render("failed")
		if st.Err != nil {
			state += a.theme.Muted.Render(": " + st.Err.Error())
		}
	}

	size := util.FormatBytes(f.Size)
	nameWidth := width - 24 - progressBarWidth
	if nameWidth < 12 {
		nameWidth = 12
	}
	name := runewidth.FillRight(util.TruncateWidth(f.Name, nameWidth), nameWidth)
	return fmt.Sprintf("%d. %s %s %8s  %s", n, indicator, a.theme.Attachment.Render(name), size, state)
}
