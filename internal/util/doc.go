// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared by ragchat packages.
//
//   - AtomicWriteFile: crash-safe file replacement used when saving config
//   - TruncateWidth / StringWidth: display-width aware truncation for the TUI
//   - FormatBytes: human-readable sizes for upload limits and progress
package util
