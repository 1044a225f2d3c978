// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package upload

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/ragchat/internal/api"
	"github.com/jeranaias/ragchat/internal/apperr"
)

// =============================================================================
// FAKES
// =============================================================================

type fakeUploader struct {
	mu      sync.Mutex
	gate    chan struct{} // When non-nil, uploads block until it is closed
	fail    map[string]error
	bodies  map[string]string
	active  atomic.Int32
	maxSeen atomic.Int32
	started chan string
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{
		fail:    make(map[string]error),
		bodies:  make(map[string]string),
		started: make(chan string, 16),
	}
}

func (u *fakeUploader) UploadFile(ctx context.Context, f api.FileUpload, progress api.ProgressFunc) (api.UploadResult, error) {
	n := u.active.Add(1)
	defer u.active.Add(-1)
	for {
		seen := u.maxSeen.Load()
		if n <= seen || u.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	u.started <- f.Name

	data, err := io.ReadAll(f.Body)
	if err != nil {
		return api.UploadResult{}, err
	}
	if progress != nil {
		progress(int64(len(data))/2, f.Size)
	}

	u.mu.Lock()
	gate := u.gate
	failErr := u.fail[f.Name]
	u.bodies[f.Name] = string(data)
	u.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return api.UploadResult{}, apperr.Transport("upload file", 0, ctx.Err())
		}
	}
	if failErr != nil {
		return api.UploadResult{}, failErr
	}
	if progress != nil {
		progress(int64(len(data)), f.Size)
	}
	return api.UploadResult{
		File:             api.RemoteFile{ID: "remote-" + f.Name, Filename: f.Name, Size: f.Size},
		ProcessingStatus: "queued",
	}, nil
}

func (u *fakeUploader) block() {
	u.mu.Lock()
	u.gate = make(chan struct{})
	u.mu.Unlock()
}

func (u *fakeUploader) release() {
	u.mu.Lock()
	close(u.gate)
	u.gate = nil
	u.mu.Unlock()
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

func newTestQueue(t *testing.T, p Policy) (*Queue, *fakeUploader, *fakeReporter) {
	t.Helper()
	up := newFakeUploader()
	rep := &fakeReporter{}
	return New(Options{Policy: p, Uploader: up, Reporter: rep}), up, rep
}

func textFile(name string, size int) Candidate {
	data := make([]byte, size)
	for i := range data {
		data[i] = 'x'
	}
	return FromBytes(name, "text/plain", data)
}

func statusOf(t *testing.T, q *Queue, id string) Status {
	t.Helper()
	f, ok := q.File(id)
	require.True(t, ok)
	return f.Status
}

func waitStarted(t *testing.T, up *fakeUploader) string {
	t.Helper()
	select {
	case name := <-up.started:
		return name
	case <-time.After(2 * time.Second):
		t.Fatal("upload did not start")
		return ""
	}
}

// =============================================================================
// ADD
// =============================================================================

func TestAddGrowsQueueByBatch(t *testing.T) {
	q, _, rep := newTestQueue(t, testPolicy())

	added, err := q.Add([]Candidate{textFile("a.txt", 10), textFile("b.txt", 20)})
	require.NoError(t, err)
	require.Len(t, added, 2)
	assert.Equal(t, 2, q.Len())
	assert.Empty(t, rep.Errors())

	for _, f := range added {
		assert.NotEmpty(t, f.ID)
		assert.IsType(t, Pending{}, f.Status)
		assert.Equal(t, "text/plain", f.Type)
	}
}

func TestAddRejectsOverflowingBatch(t *testing.T) {
	q, _, rep := newTestQueue(t, testPolicy())

	_, err := q.Add([]Candidate{textFile("a.txt", 1), textFile("b.txt", 1)})
	require.NoError(t, err)

	added, err := q.Add([]Candidate{textFile("c.txt", 1)})
	require.Error(t, err)
	assert.Empty(t, added)
	assert.Contains(t, err.Error(), "Maximum 2 files")
	assert.Equal(t, 2, q.Len())

	errs := rep.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(errs[0]))
}

func TestSetPolicyAppliesToLaterAdds(t *testing.T) {
	q, _, _ := newTestQueue(t, testPolicy())

	_, err := q.Add([]Candidate{textFile("a.txt", 1), textFile("b.txt", 1)})
	require.NoError(t, err)

	p := testPolicy()
	p.MaxFiles = 3
	q.SetPolicy(p)
	assert.Equal(t, 3, q.Policy().MaxFiles)

	added, err := q.Add([]Candidate{textFile("c.txt", 1)})
	require.NoError(t, err)
	assert.Len(t, added, 1)
	assert.Equal(t, 3, q.Len())
}

func TestAddTooLargeNotQueued(t *testing.T) {
	q, _, rep := newTestQueue(t, testPolicy())

	added, err := q.Add([]Candidate{textFile("big.txt", 2048)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
	assert.Empty(t, added)
	assert.Equal(t, 0, q.Len())
	assert.Len(t, rep.Errors(), 1)
}

func TestAddPartialAcceptance(t *testing.T) {
	q, _, _ := newTestQueue(t, testPolicy())

	added, err := q.Add([]Candidate{textFile("ok.txt", 10), textFile("big.txt", 2048)})
	require.Error(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, "ok.txt", added[0].Name)
	assert.Equal(t, 1, q.Len())
}

func TestAddInfersMissingType(t *testing.T) {
	q, _, _ := newTestQueue(t, testPolicy())

	added, err := q.Add([]Candidate{FromBytes("notes.md", "", []byte("# hi"))})
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, "notes.md", added[0].Name)
}

// =============================================================================
// REMOVE AND CLEAR
// =============================================================================

func TestRemoveRejectedWhileUploading(t *testing.T) {
	q, up, _ := newTestQueue(t, testPolicy())
	added, err := q.Add([]Candidate{textFile("a.txt", 10)})
	require.NoError(t, err)
	id := added[0].ID

	up.block()
	done := make(chan error, 1)
	go func() { done <- q.Upload(context.Background(), id) }()
	waitStarted(t, up)

	assert.ErrorIs(t, q.Remove(id), ErrUploadInProgress)
	assert.Equal(t, 1, q.Len())
	assert.IsType(t, Uploading{}, statusOf(t, q, id))

	up.release()
	require.NoError(t, <-done)

	assert.NoError(t, q.Remove(id))
	assert.Equal(t, 0, q.Len())
	assert.ErrorIs(t, q.Remove(id), ErrNotFound)
}

func TestRemoveAfterFailure(t *testing.T) {
	q, up, _ := newTestQueue(t, testPolicy())
	added, err := q.Add([]Candidate{textFile("a.txt", 10)})
	require.NoError(t, err)
	up.fail["a.txt"] = apperr.Transport("upload file", 500, errors.New("boom"))

	require.Error(t, q.Upload(context.Background(), added[0].ID))
	assert.NoError(t, q.Remove(added[0].ID))
}

func TestClearKeepsUploading(t *testing.T) {
	q, up, _ := newTestQueue(t, Policy{MaxFiles: 5, MaxFileSize: 1024, AllowedTypes: []string{"text/plain"}})
	added, err := q.Add([]Candidate{textFile("a.txt", 10), textFile("b.txt", 10), textFile("c.txt", 10)})
	require.NoError(t, err)

	require.NoError(t, q.Upload(context.Background(), added[2].ID))

	up.block()
	done := make(chan error, 1)
	go func() { done <- q.Upload(context.Background(), added[0].ID) }()
	waitStarted(t, up)
	waitStarted(t, up)

	q.Clear()
	files := q.Files()
	require.Len(t, files, 1)
	assert.Equal(t, added[0].ID, files[0].ID)

	up.release()
	require.NoError(t, <-done)
}

func TestClearCompleted(t *testing.T) {
	q, _, _ := newTestQueue(t, testPolicy())
	added, err := q.Add([]Candidate{textFile("a.txt", 10), textFile("b.txt", 10)})
	require.NoError(t, err)

	require.NoError(t, q.Upload(context.Background(), added[0].ID))
	q.ClearCompleted()

	files := q.Files()
	require.Len(t, files, 1)
	assert.Equal(t, added[1].ID, files[0].ID)
}

// =============================================================================
// UPLOAD
// =============================================================================

func TestUploadCompletes(t *testing.T) {
	q, up, _ := newTestQueue(t, testPolicy())
	added, err := q.Add([]Candidate{textFile("a.txt", 10)})
	require.NoError(t, err)
	id := added[0].ID

	var mu sync.Mutex
	var kinds []EventKind
	q.Subscribe(func(e Event) {
		mu.Lock()
		kinds = append(kinds, e.Kind)
		mu.Unlock()
	})

	require.NoError(t, q.Upload(context.Background(), id))

	f, ok := q.File(id)
	require.True(t, ok)
	remoteID, ok := f.RemoteID()
	require.True(t, ok)
	assert.Equal(t, "remote-a.txt", remoteID)
	assert.Equal(t, float64(100), f.Progress())
	assert.NoError(t, f.Err())
	assert.Equal(t, "xxxxxxxxxx", up.bodies["a.txt"])

	completed := q.Completed()
	require.Len(t, completed, 1)
	assert.Equal(t, id, completed[0].ID)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, EventStatus, kinds[0])
	assert.Contains(t, kinds, EventProgress)
	assert.Equal(t, EventStatus, kinds[len(kinds)-1])
}

func TestUploadFailureIsReported(t *testing.T) {
	q, up, rep := newTestQueue(t, testPolicy())
	added, err := q.Add([]Candidate{textFile("a.txt", 10)})
	require.NoError(t, err)
	boom := apperr.Transport("upload file", 502, errors.New("bad gateway"))
	up.fail["a.txt"] = boom

	err = q.Upload(context.Background(), added[0].ID)
	require.ErrorIs(t, err, boom)

	f, _ := q.File(added[0].ID)
	assert.IsType(t, Failed{}, f.Status)
	assert.ErrorIs(t, f.Err(), boom)
	assert.Equal(t, float64(0), f.Progress())
	assert.Equal(t, []error{boom}, rep.Errors())
}

func TestUploadRetryAfterFailure(t *testing.T) {
	q, up, _ := newTestQueue(t, testPolicy())
	added, err := q.Add([]Candidate{textFile("a.txt", 10)})
	require.NoError(t, err)
	id := added[0].ID

	up.fail["a.txt"] = errors.New("flaky")
	require.Error(t, q.Upload(context.Background(), id))

	delete(up.fail, "a.txt")
	require.NoError(t, q.Upload(context.Background(), id))
	assert.IsType(t, Completed{}, statusOf(t, q, id))

	assert.ErrorIs(t, q.Upload(context.Background(), id), ErrNotUploadable)
	assert.ErrorIs(t, q.Upload(context.Background(), "missing"), ErrNotFound)
}

func TestUploadAllRetriesFailed(t *testing.T) {
	q, up, _ := newTestQueue(t, testPolicy())
	added, err := q.Add([]Candidate{textFile("a.txt", 10), textFile("b.txt", 10)})
	require.NoError(t, err)

	up.fail["a.txt"] = errors.New("flaky")
	require.Error(t, q.UploadAll(context.Background()))
	assert.IsType(t, Failed{}, statusOf(t, q, added[0].ID))
	assert.IsType(t, Completed{}, statusOf(t, q, added[1].ID))

	delete(up.fail, "a.txt")
	require.NoError(t, q.UploadAll(context.Background()))
	done, ok := statusOf(t, q, added[0].ID).(Completed)
	require.True(t, ok)
	assert.Equal(t, "remote-a.txt", done.Remote.ID)
	assert.Len(t, q.Completed(), 2)

	// Completed entries are not sent again
	require.NoError(t, q.UploadAll(context.Background()))
	assert.Len(t, up.started, 3)
}

func TestUploadCancelledEndsFailed(t *testing.T) {
	q, up, _ := newTestQueue(t, testPolicy())
	added, err := q.Add([]Candidate{textFile("a.txt", 10)})
	require.NoError(t, err)
	id := added[0].ID

	up.block()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Upload(ctx, id) }()
	waitStarted(t, up)

	cancel()
	err = <-done
	require.ErrorIs(t, err, context.Canceled)
	assert.IsType(t, Failed{}, statusOf(t, q, id))
}

func TestUploadOpenFailure(t *testing.T) {
	q, _, rep := newTestQueue(t, testPolicy())
	c := textFile("a.txt", 10)
	c.Open = func() (io.ReadCloser, error) { return nil, os.ErrPermission }

	added, err := q.Add([]Candidate{c})
	require.NoError(t, err)

	err = q.Upload(context.Background(), added[0].ID)
	require.ErrorIs(t, err, os.ErrPermission)
	assert.IsType(t, Failed{}, statusOf(t, q, added[0].ID))
	assert.Len(t, rep.Errors(), 1)
}

func TestUploadAllBoundedConcurrency(t *testing.T) {
	p := Policy{MaxFiles: 10, MaxFileSize: 1024, AllowedTypes: []string{"text/plain"}}
	up := newFakeUploader()
	q := New(Options{Policy: p, Uploader: up, Concurrency: 2})

	batch := make([]Candidate, 0, 6)
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		batch = append(batch, textFile(name+".txt", 8))
	}
	_, err := q.Add(batch)
	require.NoError(t, err)

	up.fail["c.txt"] = errors.New("nope")
	err = q.UploadAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")

	assert.LessOrEqual(t, up.maxSeen.Load(), int32(2))
	assert.Len(t, q.Completed(), 5)
	for _, f := range q.Files() {
		assert.False(t, f.IsUploading(), f.Name)
	}
}

func TestUploadAllNothingPending(t *testing.T) {
	q, _, _ := newTestQueue(t, testPolicy())
	assert.NoError(t, q.UploadAll(context.Background()))
}

// =============================================================================
// PROGRESS AND DRAGGING
// =============================================================================

func TestAggregateProgress(t *testing.T) {
	q, _, _ := newTestQueue(t, Policy{MaxFiles: 5, MaxFileSize: 1024, AllowedTypes: []string{"text/plain"}})
	_, err := q.Add([]Candidate{textFile("a.txt", 100), textFile("b.txt", 100), textFile("c.txt", 100)})
	require.NoError(t, err)

	assert.Equal(t, float64(0), q.AggregateProgress())

	q.mu.Lock()
	q.entries[0].file.Status = Uploading{Progress: 20}
	q.entries[1].file.Status = Uploading{Progress: 60}
	q.entries[2].file.Status = Completed{}
	q.mu.Unlock()

	assert.InDelta(t, 40.0, q.AggregateProgress(), 0.001)
}

func TestSetProgressMonotonic(t *testing.T) {
	q, _, _ := newTestQueue(t, testPolicy())
	added, err := q.Add([]Candidate{textFile("a.txt", 100)})
	require.NoError(t, err)

	q.mu.Lock()
	e := q.entries[0]
	e.file.Status = Uploading{}
	q.mu.Unlock()

	q.setProgress(e, 50, 100)
	q.setProgress(e, 25, 100)
	q.setProgress(e, 200, 100)
	q.setProgress(e, 10, 0)

	f, _ := q.File(added[0].ID)
	assert.Equal(t, float64(100), f.Progress())
}

func TestSetDraggingIdempotent(t *testing.T) {
	q, _, _ := newTestQueue(t, testPolicy())

	events := 0
	q.Subscribe(func(e Event) {
		if e.Kind == EventDragging {
			events++
		}
	})

	q.SetDragging(true)
	q.SetDragging(true)
	assert.True(t, q.Dragging())
	q.SetDragging(false)
	q.SetDragging(false)
	assert.False(t, q.Dragging())
	assert.Equal(t, 2, events)
}

// =============================================================================
// CANDIDATES
// =============================================================================

func TestFromPath(t *testing.T) {
	dir := t.TempDir()

	txt := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(txt, []byte("hello"), 0o600))
	c, err := FromPath(txt)
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", c.Name)
	assert.Equal(t, int64(5), c.Size)
	assert.Equal(t, "text/plain", c.Type)

	rc, err := c.Open()
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	unknown := filepath.Join(dir, "README")
	require.NoError(t, os.WriteFile(unknown, []byte("plain words"), 0o600))
	c, err = FromPath(unknown)
	require.NoError(t, err)
	assert.Equal(t, "text/plain", c.Type)

	_, err = FromPath(dir)
	assert.Error(t, err)
	_, err = FromPath(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestStatusNames(t *testing.T) {
	assert.Equal(t, "pending", Pending{}.Name())
	assert.Equal(t, "uploading", Uploading{}.Name())
	assert.Equal(t, "completed", Completed{}.Name())
	assert.Equal(t, "error", Failed{}.Name())
}
