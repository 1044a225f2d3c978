// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

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
	"github.com/jeranaias/ragchat/internal/transport/transporttest"
)

const waitFor = 2 * time.Second

// =============================================================================
// FAKES
// =============================================================================

type reconciled struct {
	conversationID string
	tempID         string
	msg            model.Message
}

type fakeStore struct {
	mu    sync.Mutex
	calls []reconciled
}

func (s *fakeStore) ReconcileMessage(conversationID, tempID string, final model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, reconciled{conversationID, tempID, final})
}

func (s *fakeStore) Calls() []reconciled {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]reconciled(nil), s.calls...)
}

type fakeReporter struct {
	mu   sync.Mutex
	errs []error
}

func (r *fakeReporter) Report(err error) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
	return "n"
}

func (r *fakeReporter) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

type harness struct {
	coord     *Coordinator
	transport *transporttest.Transport
	store     *fakeStore
	reporter  *fakeReporter
	clock     *clock.Fake
}

func newHarness(t *testing.T, idle time.Duration) *harness {
	t.Helper()
	h := &harness{
		transport: transporttest.New(),
		store:     &fakeStore{},
		reporter:  &fakeReporter{},
		clock:     clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	h.coord = New(Options{
		Transport:   h.transport,
		Store:       h.store,
		Reporter:    h.reporter,
		IdleTimeout: idle,
		Clock:       h.clock,
	})
	t.Cleanup(h.coord.StopStreaming)
	return h
}

func (h *harness) start(t *testing.T, streamID, conversationID string) *transporttest.Session {
	t.Helper()
	require.NoError(t, h.coord.StartStreaming(context.Background(), streamID, conversationID))
	sess := h.transport.WaitOpen(waitFor)
	require.NotNil(t, sess)
	return sess
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return h.coord.State() == StateIdle }, waitFor, time.Millisecond)
}

// Commits and reports happen just after the state flips to idle.
func (h *harness) waitCommitted(t *testing.T, n int) []reconciled {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.store.Calls()) == n }, waitFor, time.Millisecond)
	return h.store.Calls()
}

func (h *harness) waitReported(t *testing.T, n int) []error {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.reporter.Errors()) == n }, waitFor, time.Millisecond)
	return h.reporter.Errors()
}

// =============================================================================
// HAPPY PATH
// =============================================================================

func TestStreaming_AccumulatesAndCommits(t *testing.T) {
	h := newHarness(t, 0)
	sess := h.start(t, "s1", "c1")
	assert.Equal(t, StateStreaming, h.coord.State())

	require.True(t, sess.SendFragment("f1", "Hello ", false, ""))
	require.Eventually(t, func() bool { return h.coord.Buffer() == "Hello " }, waitFor, time.Millisecond)

	require.True(t, sess.SendFragment("f2", "world", true, "m1"))
	h.waitIdle(t)

	calls := h.waitCommitted(t, 1)
	assert.Equal(t, "c1", calls[0].conversationID)
	assert.Equal(t, "", calls[0].tempID)
	assert.Equal(t, "m1", calls[0].msg.ID)
	assert.Equal(t, model.RoleAssistant, calls[0].msg.Role)
	assert.Equal(t, "Hello world", calls[0].msg.Content)

	assert.Equal(t, "", h.coord.Buffer(), "buffer cleared")
	assert.True(t, sess.Closed(), "transport released")
	assert.Empty(t, h.reporter.Errors())
}

func TestStreaming_MessageIDDefaultsToStreamID(t *testing.T) {
	h := newHarness(t, 0)
	sess := h.start(t, "s7", "c1")

	require.True(t, sess.SendFragment("f1", "only", true, ""))
	calls := h.waitCommitted(t, 1)
	assert.Equal(t, "s7", calls[0].msg.ID)
	assert.Equal(t, "only", calls[0].msg.Content)
}

func TestStreaming_TerminalCitationsAttached(t *testing.T) {
	h := newHarness(t, 0)
	sess := h.start(t, "s1", "c1")

	require.True(t, sess.Send(`{"id":"f1","content":"cited","isComplete":true,"messageId":"m1","citations":[{"sourceId":"d1","title":"Doc"}]}`))
	calls := h.waitCommitted(t, 1)
	require.Len(t, calls[0].msg.Citations, 1)
	assert.Equal(t, "d1", calls[0].msg.Citations[0].SourceID)
}

func TestStreaming_ListenersSeeProgressAndOutcome(t *testing.T) {
	h := newHarness(t, 0)

	var (
		mu      sync.Mutex
		updates []Update
	)
	h.coord.Subscribe(func(u Update) {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, u)
	})

	sess := h.start(t, "s1", "c1")
	require.True(t, sess.SendFragment("f1", "a", false, ""))
	require.True(t, sess.SendFragment("f2", "b", true, "m1"))
	h.waitIdle(t)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(updates) == 3
	}, waitFor, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, StateStreaming, updates[0].State)
	assert.Equal(t, "a", updates[1].Buffer)
	assert.Equal(t, OutcomeCompleted, updates[2].Outcome)
	require.NotNil(t, updates[2].Message)
	assert.Equal(t, "ab", updates[2].Message.Content)
}

// =============================================================================
// SUPERSEDE
// =============================================================================

func TestStreaming_NewSessionSupersedesOld(t *testing.T) {
	h := newHarness(t, 0)
	s1 := h.start(t, "s1", "c1")
	require.True(t, s1.SendFragment("f1", "stale ", false, ""))
	require.Eventually(t, func() bool { return h.coord.Buffer() == "stale " }, waitFor, time.Millisecond)

	s2 := h.start(t, "s2", "c1")
	assert.True(t, s1.Closed(), "old transport closed before the new one opens")
	assert.Equal(t, "", h.coord.Buffer(), "old buffer discarded")

	session, ok := h.coord.Session()
	require.True(t, ok)
	assert.Equal(t, "s2", session.StreamID)

	// Events for the old session are never delivered
	assert.False(t, s1.SendFragment("f2", "late", true, "old"))

	require.True(t, s2.SendFragment("g1", "fresh", true, "m2"))
	calls := h.waitCommitted(t, 1)
	assert.Equal(t, "m2", calls[0].msg.ID)
	assert.Equal(t, "fresh", calls[0].msg.Content)
}

func TestStreaming_StaleGenerationDiscarded(t *testing.T) {
	h := newHarness(t, 0)
	s1 := h.start(t, "s1", "c1")
	h.start(t, "s2", "c1")

	session, _ := h.coord.Session()
	// Directly feed an event tagged with the first generation
	assert.False(t, h.coord.handle(session.Generation-1, fragmentEvent(`{"id":"x","content":"ghost","isComplete":true}`)))
	assert.Empty(t, h.store.Calls())
	assert.True(t, s1.Closed())
	assert.Equal(t, StateStreaming, h.coord.State())
}

// =============================================================================
// FAILURES
// =============================================================================

func TestStreaming_MalformedFragmentAborts(t *testing.T) {
	h := newHarness(t, 0)
	sess := h.start(t, "s1", "c1")

	require.True(t, sess.SendFragment("f1", "partial", false, ""))
	require.True(t, sess.Send(`{"id": "f2", "content": `))
	errs := h.waitReported(t, 1)

	assert.Empty(t, h.store.Calls(), "nothing committed")
	assert.Equal(t, StateIdle, h.coord.State())
	assert.Equal(t, "", h.coord.Buffer())
	assert.True(t, sess.Closed())

	var parseErr *apperr.ParseError
	assert.True(t, errors.As(errs[0], &parseErr))
}

func TestStreaming_TransportErrorAborts(t *testing.T) {
	h := newHarness(t, 0)
	sess := h.start(t, "s1", "c1")

	require.True(t, sess.SendFragment("f1", "partial", false, ""))
	require.True(t, sess.Fail(errors.New("connection reset")))
	errs := h.waitReported(t, 1)

	assert.Empty(t, h.store.Calls())
	assert.Equal(t, StateIdle, h.coord.State())
	assert.Equal(t, apperr.KindTransport, apperr.KindOf(errs[0]))
	assert.Contains(t, errs[0].Error(), "connection reset")
}

func TestStreaming_ServerHangupIsTransportError(t *testing.T) {
	h := newHarness(t, 0)
	sess := h.start(t, "s1", "c1")

	sess.End()
	errs := h.waitReported(t, 1)
	assert.Equal(t, StateIdle, h.coord.State())
	assert.ErrorIs(t, errs[0], ErrStreamEnded)
	assert.Empty(t, h.store.Calls())
}

func TestStreaming_OpenFailure(t *testing.T) {
	h := newHarness(t, 0)
	openErr := apperr.Transport("open stream", 404, errors.New("not found"))
	h.transport.FailNextOpen(openErr)

	err := h.coord.StartStreaming(context.Background(), "s1", "c1")
	require.ErrorIs(t, err, openErr)
	assert.Equal(t, StateIdle, h.coord.State())
	require.Len(t, h.reporter.Errors(), 1)
}

func TestStreaming_OpenAuthExpired(t *testing.T) {
	h := newHarness(t, 0)
	h.transport.FailNextOpen(&apperr.AuthExpiredError{Op: "open stream"})

	err := h.coord.StartStreaming(context.Background(), "s1", "c1")
	assert.True(t, errors.Is(err, apperr.ErrAuthExpired))
	assert.Equal(t, StateIdle, h.coord.State())
}

// =============================================================================
// STOP
// =============================================================================

func TestStopStreaming_IdempotentAndSynchronous(t *testing.T) {
	h := newHarness(t, 0)
	sess := h.start(t, "s1", "c1")
	require.True(t, sess.SendFragment("f1", "partial", false, ""))

	h.coord.StopStreaming()
	assert.True(t, sess.Closed(), "closed before StopStreaming returns")
	assert.Equal(t, StateIdle, h.coord.State())
	assert.Equal(t, "", h.coord.Buffer())

	h.coord.StopStreaming()
	h.coord.StopStreaming()
	assert.Equal(t, 1, sess.CloseCount())
	assert.Empty(t, h.reporter.Errors(), "stopping is not an error")
}

func TestStopStreaming_SlowCloseLeavesStateReadable(t *testing.T) {
	h := newHarness(t, 0)
	sess := h.start(t, "s1", "c1")
	release := sess.HoldClose()
	defer release()

	stopped := make(chan struct{})
	go func() {
		h.coord.StopStreaming()
		close(stopped)
	}()
	require.Eventually(t, func() bool { return sess.CloseCount() == 1 }, waitFor, time.Millisecond)

	read := make(chan State, 1)
	go func() { read <- h.coord.State() }()
	select {
	case st := <-read:
		assert.Equal(t, StateIdle, st)
	case <-time.After(waitFor):
		t.Fatal("State blocked while the transport was closing")
	}
	_, live := h.coord.Session()
	assert.False(t, live)

	select {
	case <-stopped:
		t.Fatal("StopStreaming returned before the transport closed")
	default:
	}
	release()
	select {
	case <-stopped:
	case <-time.After(waitFor):
		t.Fatal("StopStreaming did not return after close")
	}
}

func TestStopStreaming_WhileIdle(t *testing.T) {
	h := newHarness(t, 0)
	h.coord.StopStreaming()
	assert.Equal(t, StateIdle, h.coord.State())
}

func TestStreaming_LateTerminalIgnored(t *testing.T) {
	h := newHarness(t, 0)
	sess := h.start(t, "s1", "c1")
	require.True(t, sess.SendFragment("f1", "done", true, "m1"))
	h.waitCommitted(t, 1)

	// Duplicate terminal after close goes nowhere
	assert.False(t, sess.SendFragment("f1", "done", true, "m1"))
	session := Session{Generation: 1}
	assert.False(t, h.coord.handle(session.Generation, fragmentEvent(`{"id":"f1","content":"done","isComplete":true,"messageId":"m1"}`)))

	assert.Len(t, h.store.Calls(), 1)
}

// =============================================================================
// IDLE TIMEOUT
// =============================================================================

func TestStreaming_IdleTimeout(t *testing.T) {
	h := newHarness(t, 30*time.Second)
	sess := h.start(t, "s1", "c1")

	h.clock.Advance(20 * time.Second)
	require.True(t, sess.SendFragment("f1", "tick", false, ""))
	require.Eventually(t, func() bool { return h.coord.Buffer() == "tick" }, waitFor, time.Millisecond)

	// Activity re-armed the window
	h.clock.Advance(20 * time.Second)
	assert.Equal(t, StateStreaming, h.coord.State())

	h.clock.Advance(10 * time.Second)
	assert.Equal(t, StateIdle, h.coord.State())
	assert.True(t, sess.Closed())
	assert.Empty(t, h.store.Calls())

	errs := h.reporter.Errors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrIdleTimeout)
	assert.Equal(t, apperr.KindTransport, apperr.KindOf(errs[0]))
}

func TestStreaming_TimerStoppedOnCompletion(t *testing.T) {
	h := newHarness(t, 30*time.Second)
	sess := h.start(t, "s1", "c1")
	require.True(t, sess.SendFragment("f1", "x", true, "m1"))
	h.waitCommitted(t, 1)

	assert.Equal(t, 0, h.clock.Pending())
	h.clock.Advance(time.Minute)
	assert.Empty(t, h.reporter.Errors())
}

// =============================================================================
// FRAGMENT DECODING
// =============================================================================

func TestDecodeFragment(t *testing.T) {
	f, err := DecodeFragment([]byte(`{"id":"1","content":"hi","isComplete":true,"messageId":"m1"}`))
	require.NoError(t, err)
	assert.Equal(t, Fragment{ID: "1", Content: "hi", IsComplete: true, MessageID: "m1"}, f)

	for _, bad := range []string{``, `null`, `"text"`, `{"id":`, `[1,2]`, `{"isComplete":"yes"}`} {
		_, err := DecodeFragment([]byte(bad))
		var parseErr *apperr.ParseError
		assert.True(t, errors.As(err, &parseErr), "payload %q", bad)
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "streaming", StateStreaming.String())
}
