// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/ragchat/internal/apperr"
	"github.com/jeranaias/ragchat/internal/clock"
	"github.com/jeranaias/ragchat/internal/model"
)

// =============================================================================
// FAKE BACKEND
// =============================================================================

type fakeBackend struct {
	mu       sync.Mutex
	created  []string
	deleted  []string
	pages    map[int]model.ConversationPage
	messages map[string][]model.Message
	err      error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		pages:    make(map[int]model.ConversationPage),
		messages: make(map[string][]model.Message),
	}
}

func (b *fakeBackend) ListConversations(_ context.Context, skip, _ int) (model.ConversationPage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return model.ConversationPage{}, b.err
	}
	return b.pages[skip], nil
}

func (b *fakeBackend) CreateConversation(_ context.Context, title string) (model.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return model.Conversation{}, b.err
	}
	b.created = append(b.created, title)
	return model.Conversation{ID: "conv-" + title, Title: title, CreatedAt: epoch, UpdatedAt: epoch}, nil
}

func (b *fakeBackend) GetMessages(_ context.Context, id string) ([]model.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	return b.messages[id], nil
}

func (b *fakeBackend) DeleteConversation(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.deleted = append(b.deleted, id)
	return nil
}

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *fakeBackend, *clock.Fake) {
	t.Helper()
	backend := newFakeBackend()
	clk := clock.NewFake(epoch)
	return New(Options{Backend: backend, Clock: clk}), backend, clk
}

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

// =============================================================================
// CONVERSATION TESTS
// =============================================================================

func TestCreateConversation(t *testing.T) {
	s, backend, _ := newTestStore(t)

	conv, err := s.CreateConversation(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, "conv-alpha", conv.ID)
	assert.Equal(t, []string{"alpha"}, backend.created)
	assert.Equal(t, "conv-alpha", s.ActiveID())

	active, ok := s.Active()
	require.True(t, ok)
	assert.Equal(t, "alpha", active.Title)
	assert.NotNil(t, s.Messages(conv.ID))
	assert.Empty(t, s.Messages(conv.ID))
}

func TestCreateConversationNewestFirst(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateConversation(ctx, "a")
	require.NoError(t, err)
	_, err = s.CreateConversation(ctx, "b")
	require.NoError(t, err)

	convs := s.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, "conv-b", convs[0].ID)
	assert.Equal(t, "conv-a", convs[1].ID)
	assert.Equal(t, "conv-b", s.ActiveID())
}

func TestCreateConversationFailureLeavesStateUnchanged(t *testing.T) {
	s, backend, _ := newTestStore(t)
	backend.err = errors.New("connection refused")

	var events []Event
	s.Subscribe(func(e Event) { events = append(events, e) })

	_, err := s.CreateConversation(context.Background(), "alpha")
	require.Error(t, err)
	assert.Equal(t, apperr.KindTransport, apperr.KindOf(err))
	assert.Empty(t, s.Conversations())
	assert.Empty(t, s.ActiveID())
	assert.Empty(t, events)
}

func TestCreateConversationKeepsTaxonomyErrors(t *testing.T) {
	s, backend, _ := newTestStore(t)
	backend.err = &apperr.AuthExpiredError{}

	_, err := s.CreateConversation(context.Background(), "alpha")
	assert.Equal(t, apperr.KindAuthExpired, apperr.KindOf(err))
}

func TestRefreshConversationsMergesByID(t *testing.T) {
	s, backend, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateConversation(ctx, "local")
	require.NoError(t, err)

	backend.pages[0] = model.ConversationPage{
		Conversations: []model.Conversation{
			{ID: "conv-local", Title: "renamed"},
			{ID: "conv-remote", Title: "remote"},
		},
		Total: 3,
		Limit: 2,
	}
	page, err := s.RefreshConversations(ctx, 0, 2)
	require.NoError(t, err)
	assert.True(t, page.HasMore())

	convs := s.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, "renamed", convs[0].Title)
	assert.Equal(t, "conv-remote", convs[1].ID)
	assert.Equal(t, "conv-local", s.ActiveID())

	backend.pages[2] = model.ConversationPage{
		Conversations: []model.Conversation{{ID: "conv-old", Title: "old"}},
		Total:         3,
		Skip:          2,
		Limit:         2,
	}
	page, err = s.RefreshConversations(ctx, 2, 2)
	require.NoError(t, err)
	assert.False(t, page.HasMore())
	assert.Len(t, s.Conversations(), 3)
}

func TestRefreshConversationsFailure(t *testing.T) {
	s, backend, _ := newTestStore(t)
	backend.err = errors.New("boom")

	_, err := s.RefreshConversations(context.Background(), 0, 50)
	assert.Equal(t, apperr.KindTransport, apperr.KindOf(err))
}

func TestRefreshFirstPageDropsStaleEntries(t *testing.T) {
	s, backend, _ := newTestStore(t)
	ctx := context.Background()

	for _, title := range []string{"a", "b", "c"} {
		_, err := s.CreateConversation(ctx, title)
		require.NoError(t, err)
	}
	pendingID := s.AppendOptimisticMessage("conv-b", model.Message{Content: "in flight"})
	s.ReconcileMessage("conv-a", "", model.Message{ID: "m1", Role: model.RoleAssistant, Content: "old"})

	backend.pages[0] = model.ConversationPage{
		Conversations: []model.Conversation{{ID: "conv-remote", Title: "remote"}},
		Total:         1,
		Limit:         50,
	}
	_, err := s.RefreshConversations(ctx, 0, 50)
	require.NoError(t, err)

	var got []string
	for _, c := range s.Conversations() {
		got = append(got, c.ID)
	}
	// conv-c is active, conv-b holds an unconfirmed message
	assert.Equal(t, []string{"conv-c", "conv-b", "conv-remote"}, got)
	assert.Equal(t, []string{pendingID}, ids(s.Messages("conv-b")))
	assert.Empty(t, s.Messages("conv-a"))
	assert.Equal(t, "conv-c", s.ActiveID())
}

func TestRefreshLaterPageKeepsEntries(t *testing.T) {
	s, backend, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateConversation(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, s.SetActive(""))

	backend.pages[50] = model.ConversationPage{
		Conversations: []model.Conversation{{ID: "conv-old", Title: "old"}},
		Total:         51,
		Skip:          50,
		Limit:         50,
	}
	_, err = s.RefreshConversations(ctx, 50, 50)
	require.NoError(t, err)
	assert.Len(t, s.Conversations(), 2)
}

func TestRemoveConversationCascades(t *testing.T) {
	s, backend, _ := newTestStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "alpha")
	require.NoError(t, err)
	s.AppendOptimisticMessage(conv.ID, model.Message{Content: "hi"})

	require.NoError(t, s.RemoveConversation(ctx, conv.ID))
	assert.Equal(t, []string{conv.ID}, backend.deleted)
	assert.Empty(t, s.Conversations())
	assert.Empty(t, s.Messages(conv.ID))
	assert.Empty(t, s.ActiveID())
	_, ok := s.Active()
	assert.False(t, ok)
}

func TestRemoveConversationKeepsOtherActive(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateConversation(ctx, "a")
	require.NoError(t, err)
	_, err = s.CreateConversation(ctx, "b")
	require.NoError(t, err)

	require.NoError(t, s.RemoveConversation(ctx, "conv-a"))
	assert.Equal(t, "conv-b", s.ActiveID())
}

func TestRemoveConversationFailure(t *testing.T) {
	s, backend, _ := newTestStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "alpha")
	require.NoError(t, err)
	backend.err = errors.New("boom")

	err = s.RemoveConversation(ctx, conv.ID)
	assert.Equal(t, apperr.KindTransport, apperr.KindOf(err))
	assert.Len(t, s.Conversations(), 1)
	assert.Equal(t, conv.ID, s.ActiveID())
}

func TestReconcileAfterRemoveIsDropped(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "alpha")
	require.NoError(t, err)
	require.NoError(t, s.RemoveConversation(ctx, conv.ID))

	var events []Event
	s.Subscribe(func(e Event) { events = append(events, e) })

	// A reply that lands after the delete must not bring the list back.
	s.ReconcileMessage(conv.ID, "", model.Message{ID: "a1", Role: model.RoleAssistant, Content: "late"})
	s.AppendOptimisticMessage(conv.ID, model.Message{Content: "late question"})

	assert.Empty(t, s.Messages(conv.ID))
	assert.Empty(t, s.Conversations())
	assert.Empty(t, events)
}

func TestRemovedConversationCanReturn(t *testing.T) {
	s, backend, _ := newTestStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "alpha")
	require.NoError(t, err)
	require.NoError(t, s.RemoveConversation(ctx, conv.ID))

	backend.pages[0] = model.ConversationPage{Conversations: []model.Conversation{conv}, Total: 1, Limit: 50}
	_, err = s.RefreshConversations(ctx, 0, 50)
	require.NoError(t, err)

	s.ReconcileMessage(conv.ID, "", model.Message{ID: "a1", Role: model.RoleAssistant, Content: "hello"})
	assert.Equal(t, []string{"a1"}, ids(s.Messages(conv.ID)))
}

func TestSetActive(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateConversation(ctx, "a")
	require.NoError(t, err)
	_, err = s.CreateConversation(ctx, "b")
	require.NoError(t, err)

	require.NoError(t, s.SetActive("conv-a"))
	assert.Equal(t, "conv-a", s.ActiveID())

	assert.ErrorIs(t, s.SetActive("nope"), ErrUnknownConversation)
	assert.Equal(t, "conv-a", s.ActiveID())

	require.NoError(t, s.SetActive(""))
	assert.Empty(t, s.ActiveID())
}

// =============================================================================
// MESSAGE TESTS
// =============================================================================

func TestLoadMessagesReplacesWholesale(t *testing.T) {
	s, backend, _ := newTestStore(t)
	ctx := context.Background()

	s.AppendOptimisticMessage("c1", model.Message{Content: "draft"})
	backend.messages["c1"] = []model.Message{
		{ID: "m1", Role: model.RoleUser, Content: "hello"},
		{ID: "m2", Role: model.RoleAssistant, Content: "hi"},
	}

	got, err := s.LoadMessages(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, ids(got))
	assert.Equal(t, []string{"m1", "m2"}, ids(s.Messages("c1")))
}

func TestLoadMessagesFailureKeepsList(t *testing.T) {
	s, backend, _ := newTestStore(t)

	tempID := s.AppendOptimisticMessage("c1", model.Message{Content: "draft"})
	backend.err = errors.New("boom")

	_, err := s.LoadMessages(context.Background(), "c1")
	require.Error(t, err)
	assert.Equal(t, []string{tempID}, ids(s.Messages("c1")))
}

func TestAppendOptimisticMessage(t *testing.T) {
	s, _, clk := newTestStore(t)

	id := s.AppendOptimisticMessage("c1", model.Message{ID: "ignored", Content: "hello"})
	assert.True(t, model.IsTemporaryID(id))

	msgs := s.Messages("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, clk.Now(), msgs[0].Timestamp)
	assert.True(t, msgs[0].IsOptimistic())

	other := s.AppendOptimisticMessage("c1", model.Message{Content: "again"})
	assert.NotEqual(t, id, other)
}

func TestAppendTouchesConversation(t *testing.T) {
	s, _, clk := newTestStore(t)

	conv, err := s.CreateConversation(context.Background(), "alpha")
	require.NoError(t, err)

	clk.Advance(time.Minute)
	s.AppendOptimisticMessage(conv.ID, model.Message{Content: "hi"})

	got, ok := s.Conversation(conv.ID)
	require.True(t, ok)
	assert.Equal(t, epoch.Add(time.Minute), got.UpdatedAt)
}

func TestReconcileReplacesInPlace(t *testing.T) {
	s, _, _ := newTestStore(t)

	first := s.AppendOptimisticMessage("c1", model.Message{Content: "one"})
	tempID := s.AppendOptimisticMessage("c1", model.Message{Content: "two"})
	last := s.AppendOptimisticMessage("c1", model.Message{Content: "three"})

	s.ReconcileMessage("c1", tempID, model.Message{ID: "m2", Role: model.RoleUser, Content: "two (server)"})

	msgs := s.Messages("c1")
	assert.Equal(t, []string{first, "m2", last}, ids(msgs))
	assert.Equal(t, "two (server)", msgs[1].Content)
}

func TestReconcileWithoutTempAppends(t *testing.T) {
	s, _, _ := newTestStore(t)

	tempID := s.AppendOptimisticMessage("c1", model.Message{Content: "q"})
	s.ReconcileMessage("c1", "", model.Message{ID: "a1", Role: model.RoleAssistant, Content: "answer"})
	s.ReconcileMessage("c1", "temp_missing", model.Message{ID: "a2", Role: model.RoleAssistant, Content: "more"})

	assert.Equal(t, []string{tempID, "a1", "a2"}, ids(s.Messages("c1")))
}

func TestReconcileExistingFinalIDOverwrites(t *testing.T) {
	s, _, _ := newTestStore(t)

	s.ReconcileMessage("c1", "", model.Message{ID: "m1", Content: "first"})
	tempID := s.AppendOptimisticMessage("c1", model.Message{Content: "dup"})
	s.ReconcileMessage("c1", "", model.Message{ID: "m2", Content: "after"})

	s.ReconcileMessage("c1", tempID, model.Message{ID: "m1", Content: "winner"})

	msgs := s.Messages("c1")
	assert.Equal(t, []string{"m1", "m2"}, ids(msgs))
	assert.Equal(t, "winner", msgs[0].Content)

	seen := map[string]int{}
	for _, m := range msgs {
		seen[m.ID]++
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "duplicate id %s", id)
	}
}

func TestReconcileIsRepeatable(t *testing.T) {
	s, _, _ := newTestStore(t)

	final := model.Message{ID: "m1", Content: "done"}
	s.ReconcileMessage("c1", "", final)
	s.ReconcileMessage("c1", "", final)

	assert.Equal(t, []string{"m1"}, ids(s.Messages("c1")))
}

func TestRemoveMessage(t *testing.T) {
	s, _, _ := newTestStore(t)

	tempID := s.AppendOptimisticMessage("c1", model.Message{Content: "x"})
	assert.True(t, s.RemoveMessage("c1", tempID))
	assert.False(t, s.RemoveMessage("c1", tempID))
	assert.Empty(t, s.Messages("c1"))
}

func TestMessagesAreCopies(t *testing.T) {
	s, _, _ := newTestStore(t)

	s.ReconcileMessage("c1", "", model.Message{
		ID:        "m1",
		Content:   "answer",
		Citations: []model.Citation{{SourceID: "doc-1"}},
	})

	msgs := s.Messages("c1")
	msgs[0].Content = "mutated"
	msgs[0].Citations[0].SourceID = "mutated"

	again := s.Messages("c1")
	assert.Equal(t, "answer", again[0].Content)
	assert.Equal(t, "doc-1", again[0].Citations[0].SourceID)
}

// =============================================================================
// SUBSCRIPTION TESTS
// =============================================================================

func TestSubscribeReceivesEvents(t *testing.T) {
	s, _, _ := newTestStore(t)

	var events []Event
	unsubscribe := s.Subscribe(func(e Event) {
		// Listeners run outside the lock and may read the store.
		_ = s.Messages(e.ConversationID)
		events = append(events, e)
	})

	conv, err := s.CreateConversation(context.Background(), "alpha")
	require.NoError(t, err)
	tempID := s.AppendOptimisticMessage(conv.ID, model.Message{Content: "hi"})
	s.ReconcileMessage(conv.ID, tempID, model.Message{ID: "m1", Content: "hi"})

	require.Len(t, events, 4)
	assert.Equal(t, EventConversationCreated, events[0].Kind)
	assert.Equal(t, EventActiveChanged, events[1].Kind)
	assert.Equal(t, EventMessageAppended, events[2].Kind)
	assert.Equal(t, tempID, events[2].MessageID)
	assert.Equal(t, EventMessageReconciled, events[3].Kind)
	assert.Equal(t, "m1", events[3].MessageID)

	unsubscribe()
	unsubscribe()
	s.RemoveMessage(conv.ID, "m1")
	assert.Len(t, events, 4)
}

func TestConcurrentReconcile(t *testing.T) {
	s, _, _ := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tempID := s.AppendOptimisticMessage("c1", model.Message{Content: "q"})
			s.ReconcileMessage("c1", tempID, model.Message{ID: "shared", Content: "a"})
		}()
	}
	wg.Wait()

	msgs := s.Messages("c1")
	count := 0
	for _, m := range msgs {
		if m.ID == "shared" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "message_reconciled", EventMessageReconciled.String())
	assert.Equal(t, "unknown", EventKind(99).String())
}
