// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package transporttest provides an in-memory transport.Transport whose
// sessions are driven by the test.
package transporttest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jeranaias/ragchat/internal/transport"
)

// Transport records every session it opens.
type Transport struct {
	mu       sync.Mutex
	sessions []*Session
	openErr  error
	opened   chan *Session
}

// New creates a fake transport.
func New() *Transport {
	return &Transport{opened: make(chan *Session, 64)}
}

// FailNextOpen makes the next Open return err.
func (t *Transport) FailNextOpen(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.openErr = err
}

// Open implements transport.Transport.
func (t *Transport) Open(ctx context.Context, conversationID, streamID string) (transport.Session, error) {
	t.mu.Lock()
	if err := t.openErr; err != nil {
		t.openErr = nil
		t.mu.Unlock()
		return nil, err
	}
	s := &Session{
		ConversationID: conversationID,
		StreamID:       streamID,
		events:         make(chan transport.Event),
		done:           make(chan struct{}),
	}
	t.sessions = append(t.sessions, s)
	t.mu.Unlock()

	select {
	case t.opened <- s:
	default:
	}
	return s, nil
}

// Sessions returns every session opened so far, oldest first.
func (t *Transport) Sessions() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Session(nil), t.sessions...)
}

// Last returns the most recently opened session, or nil.
func (t *Transport) Last() *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sessions) == 0 {
		return nil
	}
	return t.sessions[len(t.sessions)-1]
}

// WaitOpen returns the next opened session, or nil after timeout.
func (t *Transport) WaitOpen(timeout time.Duration) *Session {
	select {
	case s := <-t.opened:
		return s
	case <-time.After(timeout):
		return nil
	}
}

// Session is a fake push session. Send* block until the consumer receives
// the event or the session is closed.
type Session struct {
	ConversationID string
	StreamID       string

	events   chan transport.Event
	done     chan struct{}
	once     sync.Once
	endOnce  sync.Once
	mu       sync.Mutex
	closed   bool
	closeCnt int
	hold     chan struct{}
}

// Events implements transport.Session.
func (s *Session) Events() <-chan transport.Event {
	return s.events
}

// Close implements transport.Session. It blocks while a HoldClose is
// outstanding.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCnt++
	s.closed = true
	hold := s.hold
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
	if hold != nil {
		<-hold
	}
	return nil
}

// HoldClose makes Close block until release is called, like a slow close
// handshake.
func (s *Session) HoldClose() (release func()) {
	hold := make(chan struct{})
	s.mu.Lock()
	s.hold = hold
	s.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(hold) }) }
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseCount returns how many times Close was called.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCnt
}

// Send delivers a raw payload. Reports false if the session was closed first.
func (s *Session) Send(payload string) bool {
	return s.deliver(transport.Event{Data: []byte(payload)})
}

// SendFragment delivers a JSON-encoded fragment.
func (s *Session) SendFragment(id, content string, complete bool, messageID string) bool {
	frag := map[string]interface{}{
		"id":         id,
		"content":    content,
		"isComplete": complete,
	}
	if messageID != "" {
		frag["messageId"] = messageID
	}
	data, _ := json.Marshal(frag)
	return s.deliver(transport.Event{Data: data})
}

// Fail delivers a transport error.
func (s *Session) Fail(err error) bool {
	return s.deliver(transport.Event{Err: err})
}

// End closes the event channel as if the server hung up.
func (s *Session) End() {
	s.endOnce.Do(func() { close(s.events) })
}

func (s *Session) deliver(ev transport.Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}
