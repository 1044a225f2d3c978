// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package conversation implements the conversation store: the client-side
// source of truth for conversations and their ordered message lists.
//
// Messages are inserted optimistically under a temporary identity and later
// reconciled with the server's authoritative copy. ReconcileMessage is the
// only path by which a finished message enters a list.
//
// Every mutation is atomic with respect to the others. Subscribers are
// invoked synchronously on the mutating goroutine once the mutation is
// complete, outside the store's lock.
package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/ragchat/internal/apperr"
	"github.com/jeranaias/ragchat/internal/clock"
	"github.com/jeranaias/ragchat/internal/logging"
	"github.com/jeranaias/ragchat/internal/model"
)

// =============================================================================
// EVENTS
// =============================================================================

// EventKind identifies what changed.
type EventKind int

const (
	EventConversationCreated EventKind = iota
	EventConversationRemoved
	EventConversationsRefreshed
	EventActiveChanged
	EventMessagesLoaded
	EventMessageAppended
	EventMessageReconciled
	EventMessageRemoved
)

// String returns the string representation of the kind.
func (k EventKind) String() string {
	switch k {
	case EventConversationCreated:
		return "conversation_created"
	case EventConversationRemoved:
		return "conversation_removed"
	case EventConversationsRefreshed:
		return "conversations_refreshed"
	case EventActiveChanged:
		return "active_changed"
	case EventMessagesLoaded:
		return "messages_loaded"
	case EventMessageAppended:
		return "message_appended"
	case EventMessageReconciled:
		return "message_reconciled"
	case EventMessageRemoved:
		return "message_removed"
	default:
		return "unknown"
	}
}

// Event describes one completed mutation.
type Event struct {
	Kind           EventKind
	ConversationID string
	MessageID      string
}

// Listener observes store mutations.
type Listener func(Event)

// =============================================================================
// STORE
// =============================================================================

// Backend is the REST surface the store needs. *api.Client implements it.
type Backend interface {
	ListConversations(ctx context.Context, skip, limit int) (model.ConversationPage, error)
	CreateConversation(ctx context.Context, title string) (model.Conversation, error)
	GetMessages(ctx context.Context, conversationID string) ([]model.Message, error)
	DeleteConversation(ctx context.Context, conversationID string) error
}

// ErrUnknownConversation is returned by SetActive for an ID the store doesn't hold.
var ErrUnknownConversation = errors.New("unknown conversation")

// Options configures a Store.
type Options struct {
	Backend Backend
	Clock   clock.Clock
	Logger  *zap.Logger
}

// Store holds conversations (newest first) and their message lists.
type Store struct {
	mu            sync.Mutex
	conversations []model.Conversation
	messages      map[string][]model.Message
	removed       map[string]struct{}
	active        string
	subs          map[int]Listener
	nextSub       int

	backend Backend
	clock   clock.Clock
	log     *zap.Logger
}

// New creates an empty store.
func New(opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Store{
		messages: make(map[string][]model.Message),
		removed:  make(map[string]struct{}),
		subs:     make(map[int]Listener),
		backend:  opts.Backend,
		clock:    opts.Clock,
		log:      logging.OrNop(opts.Logger).Named("store"),
	}
}

// Subscribe registers fn and returns a function that unregisters it.
func (s *Store) Subscribe(fn Listener) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

// CreateConversation creates a conversation on the backend, inserts it and
// makes it active. On failure the store is unchanged.
func (s *Store) CreateConversation(ctx context.Context, title string) (model.Conversation, error) {
	conv, err := s.backend.CreateConversation(ctx, title)
	if err != nil {
		return model.Conversation{}, asTransport("create conversation", err)
	}

	s.mu.Lock()
	if i := s.indexLocked(conv.ID); i >= 0 {
		s.conversations[i] = conv
	} else {
		s.conversations = append([]model.Conversation{conv}, s.conversations...)
	}
	if _, ok := s.messages[conv.ID]; !ok {
		s.messages[conv.ID] = []model.Message{}
	}
	delete(s.removed, conv.ID)
	s.active = conv.ID
	listeners := s.listenersLocked()
	s.mu.Unlock()

	s.log.Info("conversation created", zap.String("conversation_id", conv.ID))
	dispatch(listeners,
		Event{Kind: EventConversationCreated, ConversationID: conv.ID},
		Event{Kind: EventActiveChanged, ConversationID: conv.ID})
	return conv, nil
}

// RefreshConversations fetches one page. The first page (skip 0) replaces
// the list: local entries the server no longer lists are dropped with their
// messages, except the active conversation and any holding an unconfirmed
// message, which stay ahead of the page. Later pages merge by ID: known
// entries are updated in place, new ones appended in server order. The
// active selection is kept.
func (s *Store) RefreshConversations(ctx context.Context, skip, limit int) (model.ConversationPage, error) {
	page, err := s.backend.ListConversations(ctx, skip, limit)
	if err != nil {
		return model.ConversationPage{}, asTransport("list conversations", err)
	}

	s.mu.Lock()
	if skip == 0 {
		s.replaceFirstPageLocked(page.Conversations)
	} else {
		for _, conv := range page.Conversations {
			if i := s.indexLocked(conv.ID); i >= 0 {
				s.conversations[i] = conv
			} else {
				s.conversations = append(s.conversations, conv)
			}
		}
	}
	for _, conv := range page.Conversations {
		delete(s.removed, conv.ID)
	}
	listeners := s.listenersLocked()
	s.mu.Unlock()

	dispatch(listeners, Event{Kind: EventConversationsRefreshed})
	return page, nil
}

// RemoveConversation deletes a conversation on the backend, then drops it
// and all of its messages. The active selection is cleared if it pointed
// there. On failure the store is unchanged.
//
// A removed conversation accepts no further messages: a reply that finishes
// after the removal is discarded rather than recreating the list. Creating
// the conversation again, or seeing it in a refreshed page, lifts that.
func (s *Store) RemoveConversation(ctx context.Context, conversationID string) error {
	if err := s.backend.DeleteConversation(ctx, conversationID); err != nil {
		return asTransport("delete conversation", err)
	}

	s.mu.Lock()
	if i := s.indexLocked(conversationID); i >= 0 {
		s.conversations = append(s.conversations[:i], s.conversations[i+1:]...)
	}
	delete(s.messages, conversationID)
	s.removed[conversationID] = struct{}{}
	events := []Event{{Kind: EventConversationRemoved, ConversationID: conversationID}}
	if s.active == conversationID {
		s.active = ""
		events = append(events, Event{Kind: EventActiveChanged})
	}
	listeners := s.listenersLocked()
	s.mu.Unlock()

	s.log.Info("conversation removed", zap.String("conversation_id", conversationID))
	dispatch(listeners, events...)
	return nil
}

// SetActive selects a conversation. An empty ID clears the selection.
func (s *Store) SetActive(conversationID string) error {
	s.mu.Lock()
	if conversationID != "" && s.indexLocked(conversationID) < 0 {
		s.mu.Unlock()
		return ErrUnknownConversation
	}
	if s.active == conversationID {
		s.mu.Unlock()
		return nil
	}
	s.active = conversationID
	listeners := s.listenersLocked()
	s.mu.Unlock()

	dispatch(listeners, Event{Kind: EventActiveChanged, ConversationID: conversationID})
	return nil
}

// ActiveID returns the selected conversation ID, or "".
func (s *Store) ActiveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Active returns the selected conversation.
func (s *Store) Active() (model.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(s.active); i >= 0 {
		return s.conversations[i], true
	}
	return model.Conversation{}, false
}

// Conversation returns one conversation by ID.
func (s *Store) Conversation(conversationID string) (model.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(conversationID); i >= 0 {
		return s.conversations[i], true
	}
	return model.Conversation{}, false
}

// Conversations returns a copy of the conversation list.
func (s *Store) Conversations() []model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Conversation(nil), s.conversations...)
}

// =============================================================================
// MESSAGES
// =============================================================================

// LoadMessages fetches a conversation's history and replaces the local list
// wholesale. On failure the local list is unchanged.
func (s *Store) LoadMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	msgs, err := s.backend.GetMessages(ctx, conversationID)
	if err != nil {
		return nil, asTransport("load messages", err)
	}

	loaded := cloneMessages(msgs)
	s.mu.Lock()
	s.messages[conversationID] = loaded
	out := cloneMessages(loaded)
	listeners := s.listenersLocked()
	s.mu.Unlock()

	s.log.Debug("messages loaded", zap.String("conversation_id", conversationID), zap.Int("count", len(out)))
	dispatch(listeners, Event{Kind: EventMessagesLoaded, ConversationID: conversationID})
	return out, nil
}

// AppendOptimisticMessage appends partial under a fresh temporary ID and
// returns that ID. Role defaults to user and Timestamp to now. Nothing is
// appended to a removed conversation.
func (s *Store) AppendOptimisticMessage(conversationID string, partial model.Message) string {
	msg := partial.Clone()
	msg.ID = model.NewTemporaryID()
	if msg.Role == "" {
		msg.Role = model.RoleUser
	}

	s.mu.Lock()
	if _, gone := s.removed[conversationID]; gone {
		s.mu.Unlock()
		return msg.ID
	}
	now := s.clock.Now()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	s.messages[conversationID] = append(s.messages[conversationID], msg)
	s.touchLocked(conversationID, now)
	listeners := s.listenersLocked()
	s.mu.Unlock()

	dispatch(listeners, Event{Kind: EventMessageAppended, ConversationID: conversationID, MessageID: msg.ID})
	return msg.ID
}

// ReconcileMessage installs the authoritative copy of a message.
//
//   - tempID present: final replaces it in place, keeping its position.
//   - tempID empty or absent: final is appended.
//   - final.ID already present: that entry is overwritten in place (last
//     writer wins) and a still-present tempID entry is dropped, so the list
//     never holds two entries with the same identity.
//
// Messages for a removed conversation are discarded.
func (s *Store) ReconcileMessage(conversationID, tempID string, final model.Message) {
	final = final.Clone()

	s.mu.Lock()
	if _, gone := s.removed[conversationID]; gone {
		s.mu.Unlock()
		s.log.Debug("reconcile for removed conversation dropped",
			zap.String("conversation_id", conversationID),
			zap.String("message_id", final.ID))
		return
	}
	msgs := s.messages[conversationID]
	tempIdx := -1
	if tempID != "" {
		tempIdx = indexOfMessage(msgs, tempID)
	}
	finalIdx := -1
	if final.ID != "" {
		finalIdx = indexOfMessage(msgs, final.ID)
	}

	switch {
	case finalIdx >= 0:
		msgs[finalIdx] = final
		if tempIdx >= 0 && tempIdx != finalIdx {
			msgs = append(msgs[:tempIdx], msgs[tempIdx+1:]...)
		}
	case tempIdx >= 0:
		msgs[tempIdx] = final
	default:
		msgs = append(msgs, final)
	}
	s.messages[conversationID] = msgs
	s.touchLocked(conversationID, final.Timestamp)
	listeners := s.listenersLocked()
	s.mu.Unlock()

	s.log.Debug("message reconciled",
		zap.String("conversation_id", conversationID),
		zap.String("temp_id", tempID),
		zap.String("message_id", final.ID))
	dispatch(listeners, Event{Kind: EventMessageReconciled, ConversationID: conversationID, MessageID: final.ID})
}

// RemoveMessage drops a message and reports whether it existed.
func (s *Store) RemoveMessage(conversationID, messageID string) bool {
	s.mu.Lock()
	msgs := s.messages[conversationID]
	i := indexOfMessage(msgs, messageID)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	s.messages[conversationID] = append(msgs[:i], msgs[i+1:]...)
	listeners := s.listenersLocked()
	s.mu.Unlock()

	dispatch(listeners, Event{Kind: EventMessageRemoved, ConversationID: conversationID, MessageID: messageID})
	return true
}

// Messages returns a deep copy of a conversation's messages in order.
func (s *Store) Messages(conversationID string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMessages(s.messages[conversationID])
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Store) indexLocked(conversationID string) int {
	if conversationID == "" {
		return -1
	}
	for i, c := range s.conversations {
		if c.ID == conversationID {
			return i
		}
	}
	return -1
}

// replaceFirstPageLocked installs page as the head of the list.
func (s *Store) replaceFirstPageLocked(page []model.Conversation) {
	listed := make(map[string]struct{}, len(page))
	for _, conv := range page {
		listed[conv.ID] = struct{}{}
	}

	next := make([]model.Conversation, 0, len(page)+1)
	for _, conv := range s.conversations {
		if _, ok := listed[conv.ID]; ok {
			continue
		}
		if conv.ID == s.active || hasUnconfirmed(s.messages[conv.ID]) {
			next = append(next, conv)
			continue
		}
		delete(s.messages, conv.ID)
	}
	s.conversations = append(next, page...)
}

func hasUnconfirmed(msgs []model.Message) bool {
	for _, m := range msgs {
		if model.IsTemporaryID(m.ID) {
			return true
		}
	}
	return false
}

func (s *Store) touchLocked(conversationID string, at time.Time) {
	if at.IsZero() {
		return
	}
	if i := s.indexLocked(conversationID); i >= 0 {
		s.conversations[i].Touch(at)
	}
}

func (s *Store) listenersLocked() []Listener {
	if len(s.subs) == 0 {
		return nil
	}
	out := make([]Listener, 0, len(s.subs))
	for i := 0; i < s.nextSub; i++ {
		if l, ok := s.subs[i]; ok {
			out = append(out, l)
		}
	}
	return out
}

func indexOfMessage(msgs []model.Message, id string) int {
	for i, m := range msgs {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func cloneMessages(msgs []model.Message) []model.Message {
	out := make([]model.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// asTransport keeps taxonomy errors as they are and wraps anything else.
func asTransport(op string, err error) error {
	if apperr.KindOf(err) != apperr.KindUnknown {
		return err
	}
	return apperr.Transport(op, 0, err)
}

func dispatch(listeners []Listener, events ...Event) {
	for _, e := range events {
		for _, l := range listeners {
			l(e)
		}
	}
}
