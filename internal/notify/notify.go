// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package notify implements the notification center: a bounded, ordered set
// of user-facing notices with per-severity auto-dismissal.
//
// The center owns no rendering. Surfaces read List() or Subscribe() and draw
// the notices however they like.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jeranaias/ragchat/internal/apperr"
	"github.com/jeranaias/ragchat/internal/clock"
	"github.com/jeranaias/ragchat/internal/logging"
	"github.com/jeranaias/ragchat/internal/metrics"
)

// =============================================================================
// SEVERITY
// =============================================================================

// Severity classifies a notification.
type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Per-severity auto-dismiss durations used when no default is configured.
const (
	DefaultInfoDuration    = 4 * time.Second
	DefaultSuccessDuration = 4 * time.Second
	DefaultWarningDuration = 6 * time.Second
	DefaultErrorDuration   = 8 * time.Second
)

// DefaultMaxNotifications is the capacity when Options leave it unset.
const DefaultMaxNotifications = 5

// DefaultDuration returns the built-in display duration for s.
func (s Severity) DefaultDuration() time.Duration {
	switch s {
	case SeverityError:
		return DefaultErrorDuration
	case SeverityWarning:
		return DefaultWarningDuration
	case SeveritySuccess:
		return DefaultSuccessDuration
	default:
		return DefaultInfoDuration
	}
}

// =============================================================================
// NOTIFICATION
// =============================================================================

// Notification is a single user-facing notice.
type Notification struct {
	ID         string
	Severity   Severity
	Title      string
	Message    string
	Persistent bool          // Never auto-dismissed
	Duration   time.Duration // Zero means the center's default
	CreatedAt  time.Time
}

// ExpiresAt returns when the notification will be dismissed, or the zero
// time for persistent notifications.
func (n Notification) ExpiresAt() time.Time {
	if n.Persistent {
		return time.Time{}
	}
	return n.CreatedAt.Add(n.Duration)
}

// Listener receives the newest-first list after every change.
type Listener func([]Notification)

// =============================================================================
// CENTER
// =============================================================================

// Options configures a Center.
type Options struct {
	// DefaultDuration overrides the per-severity durations when non-zero.
	DefaultDuration  time.Duration
	MaxNotifications int
	Clock            clock.Clock
	Logger           *zap.Logger
	Metrics          *metrics.Metrics
}

// Center holds the active notifications, oldest first.
type Center struct {
	mu        sync.Mutex
	items     []Notification
	timers    map[string]clock.Timer
	listeners map[int]Listener
	nextSub   int

	defaultDuration time.Duration
	max             int
	clock           clock.Clock
	log             *zap.Logger
	metrics         *metrics.Metrics
}

// New creates a notification center.
func New(opts Options) *Center {
	if opts.MaxNotifications <= 0 {
		opts.MaxNotifications = DefaultMaxNotifications
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Center{
		timers:          make(map[string]clock.Timer),
		listeners:       make(map[int]Listener),
		defaultDuration: opts.DefaultDuration,
		max:             opts.MaxNotifications,
		clock:           opts.Clock,
		log:             logging.OrNop(opts.Logger).Named("notify"),
		metrics:         opts.Metrics,
	}
}

// Add inserts n and returns its assigned ID. When the center is full the
// oldest non-persistent notification is evicted; if every other entry is
// persistent the oldest of those goes instead. The new entry itself is
// never the one evicted.
func (c *Center) Add(n Notification) string {
	if n.Severity == "" {
		n.Severity = SeverityInfo
	}

	c.mu.Lock()
	n.ID = uuid.NewString()
	n.CreatedAt = c.clock.Now()
	if n.Duration <= 0 {
		n.Duration = c.durationFor(n.Severity)
	}
	c.items = append(c.items, n)

	for len(c.items) > c.max {
		c.evictLocked(n.ID)
	}

	if !n.Persistent {
		id := n.ID
		c.timers[id] = c.clock.AfterFunc(n.Duration, func() { c.expire(id) })
	}
	snapshot, listeners := c.snapshotLocked()
	c.mu.Unlock()

	c.log.Debug("notification added",
		zap.String("id", n.ID),
		zap.String("severity", string(n.Severity)),
		zap.String("title", n.Title))
	c.metrics.Notification(string(n.Severity))
	notifyAll(listeners, snapshot)
	return n.ID
}

func (c *Center) durationFor(s Severity) time.Duration {
	if c.defaultDuration > 0 {
		return c.defaultDuration
	}
	return s.DefaultDuration()
}

// evictLocked drops one entry other than keep.
func (c *Center) evictLocked(keep string) {
	victim := -1
	for i, item := range c.items {
		if item.ID != keep && !item.Persistent {
			victim = i
			break
		}
	}
	if victim < 0 {
		for i, item := range c.items {
			if item.ID != keep {
				victim = i
				break
			}
		}
	}
	if victim < 0 {
		return
	}
	c.removeAtLocked(victim)
}

func (c *Center) removeAtLocked(i int) {
	id := c.items[i].ID
	if t, ok := c.timers[id]; ok {
		t.Stop()
		delete(c.timers, id)
	}
	c.items = append(c.items[:i], c.items[i+1:]...)
}

func (c *Center) expire(id string) {
	c.Remove(id)
}

// Remove dismisses a notification. Unknown IDs are ignored. Reports whether
// anything was removed.
func (c *Center) Remove(id string) bool {
	c.mu.Lock()
	idx := -1
	for i, item := range c.items {
		if item.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return false
	}
	c.removeAtLocked(idx)
	snapshot, listeners := c.snapshotLocked()
	c.mu.Unlock()

	notifyAll(listeners, snapshot)
	return true
}

// Clear dismisses every notification.
func (c *Center) Clear() {
	c.mu.Lock()
	if len(c.items) == 0 {
		c.mu.Unlock()
		return
	}
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
	c.items = nil
	snapshot, listeners := c.snapshotLocked()
	c.mu.Unlock()

	notifyAll(listeners, snapshot)
}

// List returns the active notifications, newest first.
func (c *Center) List() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listLocked()
}

// Len returns the number of active notifications.
func (c *Center) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Subscribe registers fn to receive the list after every change and returns
// a function that unregisters it.
func (c *Center) Subscribe(fn Listener) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.listeners[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

func (c *Center) listLocked() []Notification {
	out := make([]Notification, len(c.items))
	for i, item := range c.items {
		out[len(c.items)-1-i] = item
	}
	return out
}

func (c *Center) snapshotLocked() ([]Notification, []Listener) {
	if len(c.listeners) == 0 {
		return nil, nil
	}
	listeners := make([]Listener, 0, len(c.listeners))
	for i := 0; i < c.nextSub; i++ {
		if l, ok := c.listeners[i]; ok {
			listeners = append(listeners, l)
		}
	}
	return c.listLocked(), listeners
}

func notifyAll(listeners []Listener, snapshot []Notification) {
	for _, l := range listeners {
		l(snapshot)
	}
}

// =============================================================================
// CONVENIENCE
// =============================================================================

// Error adds an error notification.
func (c *Center) Error(title, message string) string {
	return c.Add(Notification{Severity: SeverityError, Title: title, Message: message})
}

// Warning adds a warning notification.
func (c *Center) Warning(title, message string) string {
	return c.Add(Notification{Severity: SeverityWarning, Title: title, Message: message})
}

// Info adds an info notification.
func (c *Center) Info(title, message string) string {
	return c.Add(Notification{Severity: SeverityInfo, Title: title, Message: message})
}

// Success adds a success notification.
func (c *Center) Success(title, message string) string {
	return c.Add(Notification{Severity: SeveritySuccess, Title: title, Message: message})
}

// Report turns err into a notification titled after its kind. Session
// expiry is persistent since it needs user action. Returns "" for nil and
// for cancellations.
func (c *Center) Report(err error) string {
	if err == nil || errors.Is(err, context.Canceled) {
		return ""
	}

	n := Notification{Severity: SeverityError, Message: err.Error()}
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		n.Severity = SeverityWarning
		n.Title = "Some files were not added"
	case apperr.KindParse:
		n.Title = "Response interrupted"
	case apperr.KindTransport:
		n.Title = "Request failed"
	case apperr.KindAuthExpired:
		n.Title = "Session expired"
		n.Message = "Sign in again to continue."
		n.Persistent = true
	default:
		n.Title = "Something went wrong"
	}
	return c.Add(n)
}
