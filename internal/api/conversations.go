// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/jeranaias/ragchat/internal/model"
)

// =============================================================================
// WIRE TYPES
// =============================================================================

// CreateConversationRequest is the body of POST /api/conversations.
type CreateConversationRequest struct {
	Title string `json:"title,omitempty"`
}

// SendMessageRequest is the body of POST /api/conversations/{id}/messages.
type SendMessageRequest struct {
	Content string   `json:"content"`
	FileIDs []string `json:"fileIds,omitempty"`
}

// SendMessageResponse carries the persisted user message and, when the
// backend will stream a reply, the stream to subscribe to.
type SendMessageResponse struct {
	Message  model.Message `json:"message"`
	StreamID string        `json:"streamId,omitempty"`
}

type messagesResponse struct {
	Messages []model.Message `json:"messages"`
}

// =============================================================================
// CONVERSATION ENDPOINTS
// =============================================================================

// ListConversations fetches one page of conversations.
func (c *Client) ListConversations(ctx context.Context, skip, limit int) (model.ConversationPage, error) {
	u := c.Endpoint("api", "conversations")
	q := u.Query()
	if skip > 0 {
		q.Set("skip", strconv.Itoa(skip))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	u.RawQuery = q.Encode()

	var page model.ConversationPage
	err := c.do(ctx, request{op: "list conversations", method: http.MethodGet, url: u}, &page)
	if err != nil {
		return model.ConversationPage{}, err
	}
	if page.Conversations == nil {
		page.Conversations = []model.Conversation{}
	}
	return page, nil
}

// CreateConversation creates a conversation. An empty title lets the
// backend choose one.
func (c *Client) CreateConversation(ctx context.Context, title string) (model.Conversation, error) {
	var conv model.Conversation
	err := c.do(ctx, request{
		op:     "create conversation",
		method: http.MethodPost,
		url:    c.Endpoint("api", "conversations"),
		body:   CreateConversationRequest{Title: title},
	}, &conv)
	return conv, err
}

// GetMessages fetches the full message history of a conversation.
func (c *Client) GetMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	var resp messagesResponse
	err := c.do(ctx, request{
		op:     "load messages",
		method: http.MethodGet,
		url:    c.Endpoint("api", "conversations", conversationID, "messages"),
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Messages == nil {
		resp.Messages = []model.Message{}
	}
	return resp.Messages, nil
}

// SendMessage posts a user message. Never retried: a duplicate POST would
// duplicate the message.
func (c *Client) SendMessage(ctx context.Context, conversationID string, req SendMessageRequest) (SendMessageResponse, error) {
	var resp SendMessageResponse
	err := c.do(ctx, request{
		op:     "send message",
		method: http.MethodPost,
		url:    c.Endpoint("api", "conversations", conversationID, "messages"),
		body:   req,
	}, &resp)
	return resp, err
}

// DeleteConversation deletes a conversation and its messages.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	return c.do(ctx, request{
		op:     "delete conversation",
		method: http.MethodDelete,
		url:    c.Endpoint("api", "conversations", conversationID),
	}, nil)
}
