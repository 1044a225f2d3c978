// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jeranaias/ragchat/internal/model"
)

// =============================================================================
// MARKDOWN EXPORTER
// =============================================================================

// MarkdownExporter exports transcripts to Markdown.
type MarkdownExporter struct {
	options Options
}

// NewMarkdownExporter creates a new Markdown exporter.
func NewMarkdownExporter(opts Options) *MarkdownExporter {
	return &MarkdownExporter{options: opts}
}

type frontmatter struct {
	Title     string `yaml:"title"`
	ID        string `yaml:"id"`
	Created   string `yaml:"date"`
	Updated   string `yaml:"updated"`
	Messages  int    `yaml:"messages"`
	Exported  string `yaml:"exported"`
	Generator string `yaml:"generator"`
}

// Export converts a transcript to Markdown.
func (e *MarkdownExporter) Export(t Transcript) ([]byte, error) {
	if len(t.Messages) == 0 {
		return nil, fmt.Errorf("conversation has no messages")
	}

	var sb strings.Builder
	conv := t.Conversation
	exported := e.options.now()

	if e.options.IncludeMetadata {
		header, err := yaml.Marshal(frontmatter{
			Title:     conv.GetTitle(),
			ID:        conv.ID,
			Created:   conv.CreatedAt.Format(time.RFC3339),
			Updated:   conv.UpdatedAt.Format(time.RFC3339),
			Messages:  len(t.Messages),
			Exported:  exported.Format(time.RFC3339),
			Generator: "ragchat",
		})
		if err != nil {
			return nil, fmt.Errorf("encode frontmatter: %w", err)
		}
		sb.WriteString("---\n")
		sb.Write(header)
		sb.WriteString("---\n\n")
	}

	fmt.Fprintf(&sb, "# %s\n\n", escapeMarkdown(conv.GetTitle()))

	if e.options.IncludeMetadata {
		fmt.Fprintf(&sb, "- **Created**: %s\n", formatTimestamp(conv.CreatedAt))
		fmt.Fprintf(&sb, "- **Last Updated**: %s\n", formatTimestamp(conv.UpdatedAt))
		fmt.Fprintf(&sb, "- **Messages**: %d\n\n---\n\n", len(t.Messages))
	}

	for i, msg := range t.Messages {
		label := roleLabel(msg.Role)
		if e.options.IncludeTimestamps && !msg.Timestamp.IsZero() {
			fmt.Fprintf(&sb, "### %s <sub>%s</sub>\n\n", label, formatShortTimestamp(msg.Timestamp))
		} else {
			fmt.Fprintf(&sb, "### %s\n\n", label)
		}

		sb.WriteString(strings.TrimSpace(msg.Content))
		sb.WriteString("\n\n")

		if e.options.IncludeCitations && len(msg.Citations) > 0 {
			sb.WriteString(formatCitations(msg.Citations))
			sb.WriteString("\n")
		}

		if i < len(t.Messages)-1 {
			sb.WriteString("---\n\n")
		}
	}

	fmt.Fprintf(&sb, "\n---\n\n*Exported from ragchat on %s*\n", exported.Format("January 2, 2006 at 3:04 PM"))
	return []byte(sb.String()), nil
}

// FileExtension returns the file extension for Markdown.
func (e *MarkdownExporter) FileExtension() string {
	return ".md"
}

// MimeType returns the MIME type for Markdown.
func (e *MarkdownExporter) MimeType() string {
	return "text/markdown"
}

// =============================================================================
// FORMATTING HELPERS
// =============================================================================

func roleLabel(role model.Role) string {
	if role == "" {
		return "[Unknown]"
	}
	return "[" + role.DisplayName() + "]"
}

// formatCitations renders sources as a numbered list, linking those with a URL.
func formatCitations(citations []model.Citation) string {
	var sb strings.Builder
	sb.WriteString("**Sources**\n\n")
	for i, c := range citations {
		title := c.Title
		if title == "" {
			title = c.SourceID
		}
		title = escapeMarkdown(title)
		if c.URL != "" {
			title = fmt.Sprintf("[%s](%s)", title, c.URL)
		}
		fmt.Fprintf(&sb, "%d. %s", i+1, title)
		if c.Snippet != "" {
			fmt.Fprintf(&sb, ": %s", strings.Join(strings.Fields(c.Snippet), " "))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// =============================================================================
// ESCAPING HELPERS
// =============================================================================

// escapeMarkdown escapes characters that would break formatting in titles
// and headings.
func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

var markdownEscaper = strings.NewReplacer(
	`#`, `\#`,
	`*`, `\*`,
	`_`, `\_`,
	`[`, `\[`,
	`]`, `\]`,
)
