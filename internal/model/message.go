// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TemporaryIDPrefix namespaces client-assigned identities of optimistic messages.
const TemporaryIDPrefix = "temp_"

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	case RoleSystem:
		return "System"
	default:
		return string(r)
	}
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Citation is a retrieval source the backend attached to a message.
type Citation struct {
	SourceID string  `json:"sourceId"`
	Title    string  `json:"title,omitempty"`
	Snippet  string  `json:"snippet,omitempty"`
	URL      string  `json:"url,omitempty"`
	Score    float64 `json:"score,omitempty"`
}

// Message represents a single message in a conversation.
//
// Messages are values: the store hands out copies and callers never mutate
// the store's entries through them.
type Message struct {
	ID        string     `json:"id"`
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Timestamp time.Time  `json:"timestamp"`
	Citations []Citation `json:"citations,omitempty"`
}

// NewMessage creates a message with the given identity stamped with the current time.
func NewMessage(id string, role Role, content string) Message {
	return Message{
		ID:        id,
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewTemporaryID returns a fresh client-side identity for an optimistic message.
func NewTemporaryID() string {
	return TemporaryIDPrefix + uuid.NewString()
}

// IsTemporaryID reports whether id was produced by NewTemporaryID.
func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, TemporaryIDPrefix)
}

// =============================================================================
// MESSAGE METHODS
// =============================================================================

// IsOptimistic reports whether the message has not been confirmed by the server yet.
func (m Message) IsOptimistic() bool {
	return IsTemporaryID(m.ID)
}

// Preview returns a truncated preview of the message content.
// Uses rune-based truncation to handle Unicode correctly.
func (m Message) Preview(maxLen int) string {
	runes := []rune(m.Content)
	if len(runes) <= maxLen {
		return m.Content
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// IsEmpty returns true if the message has no content.
func (m Message) IsEmpty() bool {
	return strings.TrimSpace(m.Content) == ""
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	if m.Citations != nil {
		citations := make([]Citation, len(m.Citations))
		copy(citations, m.Citations)
		m.Citations = citations
	}
	return m
}
