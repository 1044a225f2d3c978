// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/ragchat/internal/api"
	"github.com/jeranaias/ragchat/internal/apperr"
	"github.com/jeranaias/ragchat/internal/clock"
	"github.com/jeranaias/ragchat/internal/logging"
	"github.com/jeranaias/ragchat/internal/metrics"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrUploadInProgress is returned when removing an entry that is uploading.
	ErrUploadInProgress = errors.New("upload in progress")

	// ErrNotFound is returned for an unknown entry ID.
	ErrNotFound = errors.New("upload not found")

	// ErrNotUploadable is returned by Upload for entries that are in flight
	// or already completed.
	ErrNotUploadable = errors.New("upload already started")
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Uploader sends one file to the backend. *api.Client implements it.
type Uploader interface {
	UploadFile(ctx context.Context, f api.FileUpload, progress api.ProgressFunc) (api.UploadResult, error)
}

// Reporter surfaces errors to the user. *notify.Center implements it.
type Reporter interface {
	Report(err error) string
}

// EventKind identifies what changed in the queue.
type EventKind int

const (
	EventAdded EventKind = iota
	EventRemoved
	EventStatus
	EventProgress
	EventDragging
)

// Event describes one queue mutation. FileID is empty for EventDragging and
// for bulk removals.
type Event struct {
	Kind   EventKind
	FileID string
}

// Listener observes queue mutations.
type Listener func(Event)

// DefaultConcurrency bounds UploadAll when Options leave it unset.
const DefaultConcurrency = 2

// Options configures a Queue.
type Options struct {
	Policy      Policy
	Uploader    Uploader
	Reporter    Reporter
	Concurrency int
	Clock       clock.Clock
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// =============================================================================
// QUEUE
// =============================================================================

type entry struct {
	file File
	open func() (io.ReadCloser, error)
}

// Queue owns the attachment entries for the next outgoing message.
type Queue struct {
	mu       sync.Mutex
	entries  []*entry
	dragging bool
	subs     map[int]Listener
	nextSub  int

	policy      Policy
	uploader    Uploader
	reporter    Reporter
	concurrency int
	clock       clock.Clock
	log         *zap.Logger
	metrics     *metrics.Metrics
}

// New creates an empty queue.
func New(opts Options) *Queue {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	return &Queue{
		subs:        make(map[int]Listener),
		policy:      opts.Policy,
		uploader:    opts.Uploader,
		reporter:    opts.Reporter,
		concurrency: opts.Concurrency,
		clock:       opts.Clock,
		log:         logging.OrNop(opts.Logger).Named("upload"),
		metrics:     opts.Metrics,
	}
}

// Policy returns the validation policy in force.
func (q *Queue) Policy() Policy {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.policy
}

// SetPolicy replaces the validation policy. Entries already queued are not
// re-validated.
func (q *Queue) SetPolicy(p Policy) {
	q.mu.Lock()
	q.policy = p
	q.mu.Unlock()
	q.log.Info("policy updated", zap.Int64("max_file_size", p.MaxFileSize), zap.Int("max_files", p.MaxFiles))
}

// Subscribe registers fn and returns a function that unregisters it.
func (q *Queue) Subscribe(fn Listener) func() {
	q.mu.Lock()
	id := q.nextSub
	q.nextSub++
	q.subs[id] = fn
	q.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			delete(q.subs, id)
			q.mu.Unlock()
		})
	}
}

// =============================================================================
// ENQUEUE AND REMOVAL
// =============================================================================

// Add validates a batch and enqueues the accepted files as Pending. The
// returned error, if any, is a *apperr.ValidationError that has already been
// reported; accepted files are enqueued even when it is non-nil.
func (q *Queue) Add(batch []Candidate) ([]File, error) {
	q.mu.Lock()
	accepted, verr := q.policy.Check(len(q.entries), batch)

	now := q.clock.Now()
	added := make([]File, 0, len(accepted))
	for _, c := range accepted {
		e := &entry{
			file: File{
				ID:      uuid.NewString(),
				Name:    displayName(c.Name),
				Size:    c.Size,
				Type:    q.fileType(c),
				Status:  Pending{},
				AddedAt: now,
			},
			open: c.Open,
		}
		q.entries = append(q.entries, e)
		added = append(added, e.file)
	}
	listeners := q.listenersLocked()
	q.mu.Unlock()

	if verr != nil {
		q.log.Info("files rejected", zap.Error(verr))
		if q.reporter != nil {
			q.reporter.Report(verr)
		}
	}
	for _, f := range added {
		q.log.Debug("file queued", zap.String("file_id", f.ID), zap.String("name", f.Name), zap.Int64("size", f.Size))
		dispatch(listeners, Event{Kind: EventAdded, FileID: f.ID})
	}
	return added, verr
}

func (q *Queue) fileType(c Candidate) string {
	if t := normalizeType(c.Type); t != "" {
		return t
	}
	return InferType(c.Name)
}

// Remove drops an entry unless it is uploading.
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	i := q.indexLocked(id)
	if i < 0 {
		q.mu.Unlock()
		return ErrNotFound
	}
	if q.entries[i].file.IsUploading() {
		q.mu.Unlock()
		return ErrUploadInProgress
	}
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
	listeners := q.listenersLocked()
	q.mu.Unlock()

	dispatch(listeners, Event{Kind: EventRemoved, FileID: id})
	return nil
}

// Clear removes every entry that is not uploading.
func (q *Queue) Clear() {
	q.removeWhere(func(f File) bool { return !f.IsUploading() })
}

// ClearCompleted removes completed entries.
func (q *Queue) ClearCompleted() {
	q.removeWhere(func(f File) bool {
		_, ok := f.RemoteID()
		return ok
	})
}

func (q *Queue) removeWhere(match func(File) bool) {
	q.mu.Lock()
	kept := q.entries[:0]
	removed := 0
	for _, e := range q.entries {
		if match(e.file) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(q.entries); i++ {
		q.entries[i] = nil
	}
	q.entries = kept
	listeners := q.listenersLocked()
	q.mu.Unlock()

	if removed > 0 {
		dispatch(listeners, Event{Kind: EventRemoved})
	}
}

// =============================================================================
// UPLOADING
// =============================================================================

// Upload sends one Pending or Failed entry. The entry always ends Completed
// or Failed, including when ctx is cancelled. The failure is reported and
// returned.
func (q *Queue) Upload(ctx context.Context, id string) error {
	q.mu.Lock()
	i := q.indexLocked(id)
	if i < 0 {
		q.mu.Unlock()
		return ErrNotFound
	}
	e := q.entries[i]
	switch e.file.Status.(type) {
	case Pending, Failed:
	default:
		q.mu.Unlock()
		return ErrNotUploadable
	}
	e.file.Status = Uploading{}
	file := e.file
	listeners := q.listenersLocked()
	q.mu.Unlock()

	dispatch(listeners, Event{Kind: EventStatus, FileID: id})
	q.log.Debug("upload started", zap.String("file_id", id), zap.String("name", file.Name))

	result, err := q.send(ctx, e, file)

	q.mu.Lock()
	if err != nil {
		e.file.Status = Failed{Err: err}
	} else {
		e.file.Status = Completed{Remote: result.File}
	}
	listeners = q.listenersLocked()
	q.mu.Unlock()

	dispatch(listeners, Event{Kind: EventStatus, FileID: id})

	if err != nil {
		q.metrics.UploadFinished("failed", file.Size)
		q.log.Warn("upload failed", zap.String("file_id", id), zap.String("name", file.Name), zap.Error(err))
		if q.reporter != nil {
			q.reporter.Report(err)
		}
		return err
	}
	q.metrics.UploadFinished("completed", file.Size)
	q.log.Info("upload completed",
		zap.String("file_id", id),
		zap.String("remote_id", result.File.ID),
		zap.String("processing_status", result.ProcessingStatus))
	return nil
}

func (q *Queue) send(ctx context.Context, e *entry, file File) (api.UploadResult, error) {
	if q.uploader == nil {
		return api.UploadResult{}, apperr.Transport("upload file", 0, errors.New("no uploader configured"))
	}
	if e.open == nil {
		return api.UploadResult{}, fmt.Errorf("%s: no content", file.Name)
	}
	body, err := e.open()
	if err != nil {
		return api.UploadResult{}, fmt.Errorf("open %s: %w", file.Name, err)
	}
	defer body.Close()

	return q.uploader.UploadFile(ctx, api.FileUpload{
		Name:        file.Name,
		ContentType: file.Type,
		Size:        file.Size,
		Body:        body,
	}, func(sent, total int64) {
		q.setProgress(e, sent, total)
	})
}

// setProgress records byte progress, notifying on whole-percent changes.
func (q *Queue) setProgress(e *entry, sent, total int64) {
	if total <= 0 {
		return
	}
	pct := math.Min(100, math.Floor(float64(sent)*100/float64(total)))

	q.mu.Lock()
	cur, ok := e.file.Status.(Uploading)
	if !ok || pct <= cur.Progress {
		q.mu.Unlock()
		return
	}
	e.file.Status = Uploading{Progress: pct}
	id := e.file.ID
	listeners := q.listenersLocked()
	q.mu.Unlock()

	dispatch(listeners, Event{Kind: EventProgress, FileID: id})
}

// UploadAll sends every Pending or Failed entry with bounded concurrency
// and waits for all of them, so a failed upload is retried in place.
// Failures don't stop the others; they are joined into the returned error.
func (q *Queue) UploadAll(ctx context.Context) error {
	q.mu.Lock()
	var pending []string
	for _, e := range q.entries {
		switch e.file.Status.(type) {
		case Pending, Failed:
			pending = append(pending, e.file.ID)
		}
	}
	q.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(q.concurrency)
	for _, id := range pending {
		g.Go(func() error {
			if err := q.Upload(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// =============================================================================
// QUERIES
// =============================================================================

// Files returns a snapshot of all entries in insertion order.
func (q *Queue) Files() []File {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]File, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.file
	}
	return out
}

// Completed returns a snapshot of completed entries.
func (q *Queue) Completed() []File {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []File
	for _, e := range q.entries {
		if _, ok := e.file.RemoteID(); ok {
			out = append(out, e.file)
		}
	}
	return out
}

// File returns one entry by ID.
func (q *Queue) File(id string) (File, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := q.indexLocked(id); i >= 0 {
		return q.entries[i].file, true
	}
	return File{}, false
}

// Len returns the number of entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// AggregateProgress is the mean progress of entries currently uploading,
// or 0 when none are.
func (q *Queue) AggregateProgress() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	var sum float64
	n := 0
	for _, e := range q.entries {
		if s, ok := e.file.Status.(Uploading); ok {
			sum += s.Progress
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// SetDragging records drag-over state. Repeated calls with the same value
// change nothing.
func (q *Queue) SetDragging(dragging bool) {
	q.mu.Lock()
	if q.dragging == dragging {
		q.mu.Unlock()
		return
	}
	q.dragging = dragging
	listeners := q.listenersLocked()
	q.mu.Unlock()

	dispatch(listeners, Event{Kind: EventDragging})
}

// Dragging reports the drag-over state.
func (q *Queue) Dragging() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dragging
}

// =============================================================================
// HELPERS
// =============================================================================

func (q *Queue) indexLocked(id string) int {
	for i, e := range q.entries {
		if e.file.ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) listenersLocked() []Listener {
	if len(q.subs) == 0 {
		return nil
	}
	out := make([]Listener, 0, len(q.subs))
	for i := 0; i < q.nextSub; i++ {
		if l, ok := q.subs[i]; ok {
			out = append(out, l)
		}
	}
	return out
}

func dispatch(listeners []Listener, events ...Event) {
	for _, e := range events {
		for _, l := range listeners {
			l(e)
		}
	}
}
