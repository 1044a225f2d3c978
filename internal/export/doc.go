// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export writes conversation transcripts to files.
//
// # Supported Formats
//
//   - Markdown: YAML frontmatter, one section per message, citations as a
//     source list
//   - JSON: the conversation and its messages as the backend returns them
//
// # Usage
//
//	exporter, err := export.ForFormat("markdown", export.DefaultOptions())
//	path, err := export.ToFile(transcript, exporter, "./exports", export.DefaultOptions())
package export
