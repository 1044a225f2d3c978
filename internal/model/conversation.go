// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
package model

import "time"

// DefaultTitle is shown for conversations the server returned without a title.
const DefaultTitle = "New Conversation"

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation holds the identity and metadata of a chat thread.
// Its messages are owned separately by the conversation store.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// GetTitle returns the conversation title or a default.
func (c Conversation) GetTitle() string {
	if c.Title != "" {
		return c.Title
	}
	return DefaultTitle
}

// Touch advances the update timestamp, never moving it backwards.
func (c *Conversation) Touch(now time.Time) {
	if now.After(c.UpdatedAt) {
		c.UpdatedAt = now
	}
}

// ConversationPage is one page of a paged conversation listing.
type ConversationPage struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
	Skip          int            `json:"skip"`
	Limit         int            `json:"limit"`
}

// HasMore reports whether further pages exist after this one.
func (p ConversationPage) HasMore() bool {
	return p.Skip+len(p.Conversations) < p.Total
}
