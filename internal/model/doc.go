// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
//
// This package defines the domain values exchanged between the conversation
// store, the streaming coordinator, the REST client and the UI.
//
// # Key Types
//
//   - Conversation: identity, title and timestamps of a chat thread
//   - Message: single message with role, content, timestamp and citations
//   - Citation: a retrieval source attached to an assistant message
//   - Role: message role enumeration (user, assistant, system)
//
// # Identity
//
// Messages inserted before the server has confirmed them carry a temporary
// identity produced by NewTemporaryID. Temporary identities are namespaced
// with the "temp_" prefix so they can never collide with an authoritative
// identity:
//
//	id := model.NewTemporaryID()
//	model.IsTemporaryID(id) // true
package model
