// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream implements the streaming coordinator: it drives at most one
// live reply stream, accumulates fragments in arrival order and hands the
// finished assistant message to the conversation store.
//
// State machine:
//
//	Idle --StartStreaming--> Streaming --terminal fragment--> Idle (message committed)
//	                         Streaming --error/timeout/stop--> Idle (nothing committed)
//	                         Streaming --StartStreaming-----> Streaming (old session torn down first)
//
// Every session carries a generation number. Events that arrive for a
// generation that is no longer current are discarded, so a late or
// duplicate terminal fragment after teardown has no effect.
package stream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/ragchat/internal/apperr"
	"github.com/jeranaias/ragchat/internal/clock"
	"github.com/jeranaias/ragchat/internal/logging"
	"github.com/jeranaias/ragchat/internal/metrics"
	"github.com/jeranaias/ragchat/internal/model"
	"github.com/jeranaias/ragchat/internal/transport"
)

// =============================================================================
// STATE
// =============================================================================

// State is the coordinator's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStreaming
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateStreaming:
		return "streaming"
	default:
		return "idle"
	}
}

// Outcome describes how a session ended.
type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeStopped    Outcome = "stopped"
	OutcomeSuperseded Outcome = "superseded"
	OutcomeTimeout    Outcome = "timeout"
	OutcomeFailed     Outcome = "failed"
)

var (
	// ErrIdleTimeout is wrapped in the TransportError raised when a session
	// receives nothing within the idle window.
	ErrIdleTimeout = errors.New("stream idle timeout")

	// ErrStreamEnded is wrapped when the server closes the stream before
	// sending a terminal fragment.
	ErrStreamEnded = errors.New("stream ended before completion")
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Reconciler receives finished messages. *conversation.Store implements it.
type Reconciler interface {
	ReconcileMessage(conversationID, tempID string, final model.Message)
}

// Reporter receives stream failures. *notify.Center implements it.
type Reporter interface {
	Report(err error) string
}

// Session describes the live session.
type Session struct {
	StreamID       string
	ConversationID string
	Generation     uint64
	StartedAt      time.Time
}

// Update is delivered to listeners after every state or buffer change.
type Update struct {
	State   State
	Session Session
	// Buffer is the accumulated content of the live session (empty when idle).
	Buffer string
	// Outcome is set when a session just ended.
	Outcome Outcome
	// Message is the committed message when Outcome is OutcomeCompleted.
	Message *model.Message
	// Err is the failure when Outcome is OutcomeFailed or OutcomeTimeout.
	Err error
}

// Listener observes coordinator updates. Listeners are invoked outside the
// coordinator's lock, possibly from the session's pump goroutine.
type Listener func(Update)

// =============================================================================
// COORDINATOR
// =============================================================================

// Options configures a Coordinator. Transport and Store are required.
type Options struct {
	Transport transport.Transport
	Store     Reconciler
	Reporter  Reporter

	// IdleTimeout aborts a session that receives nothing for this long.
	// Zero disables it.
	IdleTimeout time.Duration
	Clock       clock.Clock
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// live is the mutable state of the current session.
type live struct {
	Session
	buf     strings.Builder
	session transport.Session // nil while opening
	timer   clock.Timer
	stopped chan struct{} // closed on teardown
}

// Coordinator drives at most one live streaming session.
type Coordinator struct {
	mu      sync.Mutex
	state   State
	gen     uint64
	cur     *live
	subs    map[int]Listener
	nextSub int

	transport   transport.Transport
	store       Reconciler
	reporter    Reporter
	idleTimeout time.Duration
	clock       clock.Clock
	log         *zap.Logger
	metrics     *metrics.Metrics
}

// New creates an idle Coordinator.
func New(opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Coordinator{
		subs:        make(map[int]Listener),
		transport:   opts.Transport,
		store:       opts.Store,
		reporter:    opts.Reporter,
		idleTimeout: opts.IdleTimeout,
		clock:       opts.Clock,
		log:         logging.OrNop(opts.Logger).Named("stream"),
		metrics:     opts.Metrics,
	}
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Buffer returns the accumulated content of the live session.
func (c *Coordinator) Buffer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return ""
	}
	return c.cur.buf.String()
}

// Session returns the live session, if any.
func (c *Coordinator) Session() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return Session{}, false
	}
	return c.cur.Session, true
}

// Subscribe registers fn and returns a function that unregisters it.
func (c *Coordinator) Subscribe(fn Listener) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

// StartStreaming opens a session for streamID. A live session is torn down
// (transport closed, buffer discarded) before the new one is opened. ctx
// bounds the open handshake only.
//
// If the session is stopped or superseded while opening, StartStreaming
// closes the new connection and returns nil.
func (c *Coordinator) StartStreaming(ctx context.Context, streamID, conversationID string) error {
	c.mu.Lock()
	var (
		updates []Update
		old     transport.Session
	)
	if c.cur != nil {
		var u Update
		u, old = c.teardownLocked(OutcomeSuperseded, nil, nil)
		updates = append(updates, u)
	}
	c.gen++
	cur := &live{
		Session: Session{
			StreamID:       streamID,
			ConversationID: conversationID,
			Generation:     c.gen,
			StartedAt:      c.clock.Now(),
		},
		stopped: make(chan struct{}),
	}
	c.cur = cur
	c.state = StateStreaming
	updates = append(updates, c.updateLocked())
	listeners := c.listenersLocked()
	c.mu.Unlock()
	c.closeSession(old)
	dispatch(listeners, updates...)

	sess, err := c.transport.Open(ctx, conversationID, streamID)

	c.mu.Lock()
	if c.cur != cur {
		// Stopped or superseded while opening
		c.mu.Unlock()
		if sess != nil {
			sess.Close()
		}
		c.log.Debug("session abandoned during open", zap.String("stream_id", streamID))
		return nil
	}
	if err != nil {
		// No session is attached yet, so there is nothing to close.
		update, _ := c.teardownLocked(OutcomeFailed, err, nil)
		listeners = c.listenersLocked()
		c.mu.Unlock()
		c.log.Warn("failed to open stream", zap.String("stream_id", streamID), zap.Error(err))
		c.report(err)
		dispatch(listeners, update)
		return err
	}
	cur.session = sess
	c.armTimerLocked(cur)
	c.mu.Unlock()

	c.metrics.StreamStarted()
	c.log.Info("streaming started",
		zap.String("stream_id", streamID),
		zap.String("conversation_id", conversationID),
		zap.Uint64("generation", cur.Generation))

	go c.pump(cur.Generation, sess, cur.stopped)
	return nil
}

// StopStreaming tears down the live session, discarding its buffer. The
// transport is closed before StopStreaming returns. Calling it while idle
// does nothing.
func (c *Coordinator) StopStreaming() {
	c.mu.Lock()
	if c.cur == nil {
		c.mu.Unlock()
		return
	}
	update, sess := c.teardownLocked(OutcomeStopped, nil, nil)
	listeners := c.listenersLocked()
	c.mu.Unlock()

	c.closeSession(sess)
	dispatch(listeners, update)
}

// =============================================================================
// EVENT HANDLING
// =============================================================================

// pump forwards one session's events. Exactly one pump runs per session.
func (c *Coordinator) pump(gen uint64, sess transport.Session, stopped <-chan struct{}) {
	events := sess.Events()
	for {
		select {
		case <-stopped:
			return
		case ev, ok := <-events:
			if !ok {
				c.abort(gen, OutcomeFailed, apperr.Transport("stream", 0, ErrStreamEnded))
				return
			}
			if !c.handle(gen, ev) {
				return
			}
		}
	}
}

// handle applies one event and reports whether the pump should continue.
func (c *Coordinator) handle(gen uint64, ev transport.Event) bool {
	if ev.Err != nil {
		var transportErr *apperr.TransportError
		err := ev.Err
		if !errors.As(err, &transportErr) {
			err = apperr.Transport("stream", 0, err)
		}
		c.abort(gen, OutcomeFailed, err)
		return false
	}

	frag, err := DecodeFragment(ev.Data)
	if err != nil {
		c.abort(gen, OutcomeFailed, err)
		return false
	}

	c.mu.Lock()
	cur := c.cur
	if cur == nil || cur.Generation != gen {
		c.mu.Unlock()
		return false
	}
	cur.buf.WriteString(frag.Content)
	c.metrics.Fragment()

	if !frag.IsComplete {
		c.armTimerLocked(cur)
		update := c.updateLocked()
		listeners := c.listenersLocked()
		c.mu.Unlock()
		dispatch(listeners, update)
		return true
	}

	id := frag.MessageID
	if id == "" {
		id = cur.StreamID
	}
	msg := model.Message{
		ID:        id,
		Role:      model.RoleAssistant,
		Content:   cur.buf.String(),
		Timestamp: c.clock.Now(),
		Citations: frag.Citations,
	}
	conversationID := cur.ConversationID
	update, sess := c.teardownLocked(OutcomeCompleted, nil, &msg)
	listeners := c.listenersLocked()
	c.mu.Unlock()

	c.closeSession(sess)
	c.store.ReconcileMessage(conversationID, "", msg)
	c.log.Info("streaming completed",
		zap.String("stream_id", update.Session.StreamID),
		zap.String("message_id", id),
		zap.Int("content_len", len(msg.Content)))
	dispatch(listeners, update)
	return false
}

// abort ends generation gen with err if it is still current.
func (c *Coordinator) abort(gen uint64, outcome Outcome, err error) {
	c.mu.Lock()
	if c.cur == nil || c.cur.Generation != gen {
		c.mu.Unlock()
		return
	}
	update, sess := c.teardownLocked(outcome, err, nil)
	listeners := c.listenersLocked()
	c.mu.Unlock()

	c.closeSession(sess)

	c.log.Warn("streaming aborted",
		zap.String("stream_id", update.Session.StreamID),
		zap.String("outcome", string(outcome)),
		zap.Error(err))
	c.report(err)
	dispatch(listeners, update)
}

func (c *Coordinator) armTimerLocked(cur *live) {
	if cur.timer != nil {
		cur.timer.Stop()
		cur.timer = nil
	}
	if c.idleTimeout <= 0 {
		return
	}
	gen := cur.Generation
	cur.timer = c.clock.AfterFunc(c.idleTimeout, func() {
		c.abort(gen, OutcomeTimeout, apperr.Transport("stream", 0, ErrIdleTimeout))
	})
}

// teardownLocked ends the current session and returns to Idle. It hands
// back the detached transport session, which the caller must pass to
// closeSession once the lock is released.
func (c *Coordinator) teardownLocked(outcome Outcome, err error, msg *model.Message) (Update, transport.Session) {
	cur := c.cur
	close(cur.stopped)
	if cur.timer != nil {
		cur.timer.Stop()
	}
	c.cur = nil
	c.state = StateIdle
	c.metrics.StreamFinished(string(outcome))

	return Update{
		State:   StateIdle,
		Session: cur.Session,
		Outcome: outcome,
		Message: msg,
		Err:     err,
	}, cur.session
}

// closeSession closes a detached transport session. It must be called
// without holding c.mu; the close handshake may take a while.
func (c *Coordinator) closeSession(sess transport.Session) {
	if sess == nil {
		return
	}
	if err := sess.Close(); err != nil {
		c.log.Debug("transport close failed", zap.Error(err))
	}
}

func (c *Coordinator) updateLocked() Update {
	u := Update{State: c.state}
	if c.cur != nil {
		u.Session = c.cur.Session
		u.Buffer = c.cur.buf.String()
	}
	return u
}

func (c *Coordinator) listenersLocked() []Listener {
	if len(c.subs) == 0 {
		return nil
	}
	out := make([]Listener, 0, len(c.subs))
	for i := 0; i < c.nextSub; i++ {
		if l, ok := c.subs[i]; ok {
			out = append(out, l)
		}
	}
	return out
}

func (c *Coordinator) report(err error) {
	if c.reporter != nil && err != nil {
		c.reporter.Report(err)
	}
}

func dispatch(listeners []Listener, updates ...Update) {
	for _, u := range updates {
		for _, l := range listeners {
			l(u)
		}
	}
}
