// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat ties the conversation store, upload queue, streaming
// coordinator and notification center into the send flow used by the
// terminal surfaces.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jeranaias/ragchat/internal/api"
	"github.com/jeranaias/ragchat/internal/apperr"
	"github.com/jeranaias/ragchat/internal/clock"
	"github.com/jeranaias/ragchat/internal/conversation"
	"github.com/jeranaias/ragchat/internal/logging"
	"github.com/jeranaias/ragchat/internal/model"
	"github.com/jeranaias/ragchat/internal/notify"
	"github.com/jeranaias/ragchat/internal/stream"
	"github.com/jeranaias/ragchat/internal/upload"
)

// titleLength bounds titles derived from the first message.
const titleLength = 48

// ErrEmptyMessage is returned by Send for blank content.
var ErrEmptyMessage = errors.New("message is empty")

// Sender posts a user message. *api.Client implements it.
type Sender interface {
	SendMessage(ctx context.Context, conversationID string, req api.SendMessageRequest) (api.SendMessageResponse, error)
}

// Deps are the collaborators of a Service. All but Clock and Logger are
// required.
type Deps struct {
	Sender        Sender
	Store         *conversation.Store
	Uploads       *upload.Queue
	Streamer      *stream.Coordinator
	Notifications *notify.Center
	Clock         clock.Clock
	Logger        *zap.Logger
}

// Service runs the send flow.
type Service struct {
	sender Sender
	store  *conversation.Store
	queue  *upload.Queue
	stream *stream.Coordinator
	notes  *notify.Center
	clock  clock.Clock
	log    *zap.Logger
}

// New creates a Service.
func New(d Deps) (*Service, error) {
	switch {
	case d.Sender == nil:
		return nil, errors.New("chat: sender is required")
	case d.Store == nil:
		return nil, errors.New("chat: store is required")
	case d.Uploads == nil:
		return nil, errors.New("chat: upload queue is required")
	case d.Streamer == nil:
		return nil, errors.New("chat: streamer is required")
	case d.Notifications == nil:
		return nil, errors.New("chat: notification center is required")
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	return &Service{
		sender: d.Sender,
		store:  d.Store,
		queue:  d.Uploads,
		stream: d.Streamer,
		notes:  d.Notifications,
		clock:  d.Clock,
		log:    logging.OrNop(d.Logger).Named("chat"),
	}, nil
}

// Store returns the conversation store.
func (s *Service) Store() *conversation.Store { return s.store }

// Uploads returns the upload queue.
func (s *Service) Uploads() *upload.Queue { return s.queue }

// Streamer returns the streaming coordinator.
func (s *Service) Streamer() *stream.Coordinator { return s.stream }

// Notifications returns the notification center.
func (s *Service) Notifications() *notify.Center { return s.notes }

// =============================================================================
// SEND
// =============================================================================

// Send posts content to conversationID, or to the active conversation when
// conversationID is empty. A conversation is created first when none is
// active. Completed uploads travel with the message and leave the queue once
// the backend accepts it. When the response names a stream, streaming of the
// reply starts before Send returns.
//
// On failure the optimistic message is removed, the error is reported and
// returned.
func (s *Service) Send(ctx context.Context, conversationID, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyMessage
	}

	if conversationID == "" {
		conversationID = s.store.ActiveID()
	}
	if conversationID == "" {
		conv, err := s.store.CreateConversation(ctx, deriveTitle(content))
		if err != nil {
			s.notes.Report(err)
			return err
		}
		conversationID = conv.ID
	}

	tempID := s.store.AppendOptimisticMessage(conversationID, model.Message{
		Role:    model.RoleUser,
		Content: content,
	})

	attached := s.queue.Completed()
	fileIDs := make([]string, 0, len(attached))
	for _, f := range attached {
		if id, ok := f.RemoteID(); ok {
			fileIDs = append(fileIDs, id)
		}
	}

	resp, err := s.sender.SendMessage(ctx, conversationID, api.SendMessageRequest{
		Content: content,
		FileIDs: fileIDs,
	})
	if err != nil {
		s.store.RemoveMessage(conversationID, tempID)
		s.log.Warn("send failed", zap.String("conversation_id", conversationID), zap.Error(err))
		s.notes.Report(err)
		return err
	}

	s.store.ReconcileMessage(conversationID, tempID, s.confirmed(resp.Message, content))
	for _, f := range attached {
		_ = s.queue.Remove(f.ID)
	}

	s.log.Info("message sent",
		zap.String("conversation_id", conversationID),
		zap.Int("attachments", len(fileIDs)),
		zap.String("stream_id", resp.StreamID))

	if resp.StreamID == "" {
		return nil
	}
	// The coordinator reports its own failures.
	return s.stream.StartStreaming(ctx, resp.StreamID, conversationID)
}

// confirmed fills whatever the server left out of its copy of the user
// message.
func (s *Service) confirmed(msg model.Message, content string) model.Message {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Role == "" {
		msg.Role = model.RoleUser
	}
	if msg.Content == "" {
		msg.Content = content
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.clock.Now()
	}
	return msg
}

func deriveTitle(content string) string {
	line, _, _ := strings.Cut(content, "\n")
	return model.Message{Content: strings.TrimSpace(line)}.Preview(titleLength)
}

// =============================================================================
// CONVERSATION ACTIONS
// =============================================================================

// NewConversation creates a conversation and makes it active.
func (s *Service) NewConversation(ctx context.Context, title string) (model.Conversation, error) {
	conv, err := s.store.CreateConversation(ctx, title)
	if err != nil {
		s.notes.Report(err)
		return model.Conversation{}, err
	}
	return conv, nil
}

// Open makes a conversation active and loads its history. A reply still
// streaming into another conversation is stopped.
func (s *Service) Open(ctx context.Context, conversationID string) error {
	if sess, ok := s.stream.Session(); ok && sess.ConversationID != conversationID {
		s.stream.StopStreaming()
	}
	if err := s.store.SetActive(conversationID); err != nil {
		return err
	}
	if _, err := s.store.LoadMessages(ctx, conversationID); err != nil {
		s.notes.Report(err)
		return err
	}
	return nil
}

// Delete removes a conversation, stopping a reply that streams into it.
func (s *Service) Delete(ctx context.Context, conversationID string) error {
	if sess, ok := s.stream.Session(); ok && sess.ConversationID == conversationID {
		s.stream.StopStreaming()
	}
	if err := s.store.RemoveConversation(ctx, conversationID); err != nil {
		s.notes.Report(err)
		return err
	}
	return nil
}

// Refresh loads one page of the conversation list.
func (s *Service) Refresh(ctx context.Context, skip, limit int) (model.ConversationPage, error) {
	page, err := s.store.RefreshConversations(ctx, skip, limit)
	if err != nil {
		s.notes.Report(err)
		return model.ConversationPage{}, err
	}
	return page, nil
}

// Stop cancels the reply being streamed, if any.
func (s *Service) Stop() {
	s.stream.StopStreaming()
}

// =============================================================================
// ATTACHMENTS
// =============================================================================

// Attach queues files from disk. Unreadable paths are reported like policy
// rejections, and the returned ValidationError lists both kinds.
func (s *Service) Attach(paths ...string) ([]upload.File, error) {
	var (
		batch    []upload.Candidate
		problems []string
	)
	for _, p := range paths {
		c, err := upload.FromPath(p)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s could not be read", p))
			s.log.Debug("attach failed", zap.String("path", p), zap.Error(err))
			continue
		}
		batch = append(batch, c)
	}

	if len(problems) == 0 {
		return s.queue.Add(batch)
	}

	unreadable := apperr.NewValidationError(problems...)
	s.notes.Report(unreadable)
	if len(batch) == 0 {
		return nil, unreadable
	}

	// The queue reports its own rejections; the caller gets all of them.
	added, err := s.queue.Add(batch)
	var verr *apperr.ValidationError
	if errors.As(err, &verr) {
		problems = append(problems, verr.Problems...)
	}
	return added, apperr.NewValidationError(problems...)
}

// UploadAll sends every pending attachment.
func (s *Service) UploadAll(ctx context.Context) error {
	return s.queue.UploadAll(ctx)
}
