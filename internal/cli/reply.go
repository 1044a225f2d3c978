// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	core "github.com/jeranaias/ragchat/internal/chat"
	"github.com/jeranaias/ragchat/internal/model"
	"github.com/jeranaias/ragchat/internal/stream"
)

// ErrReplyStopped is returned by sendAndStream when the reply was cancelled.
var ErrReplyStopped = errors.New("reply stopped")

// replyWriter copies a streaming session's buffer to w as it grows.
type replyWriter struct {
	mu      sync.Mutex
	w       io.Writer
	gen     uint64
	printed int
	done    chan stream.Update
}

func newReplyWriter(w io.Writer) *replyWriter {
	return &replyWriter{w: w, done: make(chan stream.Update, 1)}
}

func (r *replyWriter) observe(u stream.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.gen == 0 {
		if u.State != stream.StateStreaming {
			return
		}
		r.gen = u.Session.Generation
	}
	if u.Session.Generation != r.gen {
		return
	}

	if u.Outcome == "" {
		if len(u.Buffer) > r.printed {
			fmt.Fprint(r.w, u.Buffer[r.printed:])
			r.printed = len(u.Buffer)
		}
		return
	}

	// The committed message is authoritative; print whatever the buffer
	// had not shown yet.
	if u.Message != nil {
		printed := u.Message.Content[:min(r.printed, len(u.Message.Content))]
		if strings.HasPrefix(u.Message.Content, printed) {
			fmt.Fprint(r.w, u.Message.Content[len(printed):])
		}
	}
	select {
	case r.done <- u:
	default:
	}
}

func (r *replyWriter) started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen != 0
}

// sendAndStream sends content and writes the assistant reply to w while it
// streams. It returns the committed reply, or a zero Message when the
// backend did not stream one.
func sendAndStream(ctx context.Context, svc *core.Service, w io.Writer, conversationID, content string) (model.Message, error) {
	rw := newReplyWriter(w)
	unsub := svc.Streamer().Subscribe(rw.observe)
	defer unsub()

	if err := svc.Send(ctx, conversationID, content); err != nil {
		return model.Message{}, err
	}
	// The opening update is delivered before Send returns.
	if !rw.started() {
		return model.Message{}, nil
	}

	stop := context.AfterFunc(ctx, svc.Stop)
	defer stop()

	u := <-rw.done
	fmt.Fprintln(w)

	// A cancelled caller sees its own error whichever way the session ended.
	if ctx.Err() != nil && u.Outcome != stream.OutcomeCompleted {
		return model.Message{}, ctx.Err()
	}
	switch u.Outcome {
	case stream.OutcomeCompleted:
		if u.Message != nil {
			return *u.Message, nil
		}
		return model.Message{}, nil
	case stream.OutcomeStopped, stream.OutcomeSuperseded:
		return model.Message{}, ErrReplyStopped
	default:
		return model.Message{}, u.Err
	}
}
