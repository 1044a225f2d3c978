// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package components renders the pieces of the ragchat TUI: message
// bubbles, the conversation list, the attachment tray, toast stacks and the
// status bar.
//
// Components are pure renderers over snapshots taken from the chat core.
// They never call into the core themselves.
package components
