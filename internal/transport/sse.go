// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/jeranaias/ragchat/internal/apperr"
	"github.com/jeranaias/ragchat/internal/logging"
)

// =============================================================================
// SSE READER
// =============================================================================

// SSEReader parses Server-Sent Events from a stream.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates a new SSE reader from an io.Reader.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{
		reader: bufio.NewReader(r),
	}
}

// ReadEvent reads the next SSE event from the stream.
// Returns the event type (empty for the default "message" type), the data
// lines joined with newlines, and any error. Returns io.EOF when the stream
// ends. Comment lines (":" keep-alives) and id:/retry: fields are skipped.
func (s *SSEReader) ReadEvent() (string, []byte, error) {
	var eventType string
	var dataLines [][]byte

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				// A final event without trailing blank line still counts
				if trimmed := bytes.TrimRight(line, "\r\n"); len(trimmed) > 0 {
					eventType, dataLines = parseField(trimmed, eventType, dataLines)
				}
				if len(dataLines) > 0 {
					return eventType, bytes.Join(dataLines, []byte("\n")), nil
				}
				return "", nil, io.EOF
			}
			return "", nil, err
		}

		line = bytes.TrimRight(line, "\r\n")

		// Empty line signals end of event
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			eventType = ""
			continue
		}

		eventType, dataLines = parseField(line, eventType, dataLines)
	}
}

func parseField(line []byte, eventType string, dataLines [][]byte) (string, [][]byte) {
	switch {
	case bytes.HasPrefix(line, []byte("event:")):
		eventType = string(bytes.TrimSpace(line[6:]))
	case bytes.HasPrefix(line, []byte("data:")):
		data := line[5:]
		// A single leading space is part of the field separator
		data = bytes.TrimPrefix(data, []byte(" "))
		dataLines = append(dataLines, data)
	}
	return eventType, dataLines
}

// =============================================================================
// SSE TRANSPORT
// =============================================================================

// SSE opens sessions as GET requests answered with text/event-stream.
type SSE struct {
	backend Backend
	client  *http.Client
	log     *zap.Logger
}

// NewSSE creates an SSE transport.
func NewSSE(backend Backend, opts Options) *SSE {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &SSE{
		backend: backend,
		client:  client,
		log:     logging.OrNop(opts.Logger).Named("sse"),
	}
}

// Open implements Transport.
func (t *SSE) Open(ctx context.Context, conversationID, streamID string) (Session, error) {
	// The session outlives ctx; ctx only bounds the handshake.
	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	endpoint := streamEndpoint(t.backend, conversationID, streamID)
	req, err := http.NewRequestWithContext(sessCtx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		cancel()
		return nil, apperr.Transport(openOp, 0, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if err := t.backend.Authorize(ctx, req.Header); err != nil {
		cancel()
		return nil, apperr.Transport(openOp, 0, err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, apperr.Transport(openOp, 0, err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, t.backend.Unauthorized(openOp)
		}
		return nil, apperr.Transport(openOp, resp.StatusCode, errors.New(errorText(resp.Status, body)))
	}

	s := &sseSession{
		body:   resp.Body,
		cancel: cancel,
		events: make(chan Event),
		done:   make(chan struct{}),
		log:    t.log.With(zap.String("stream_id", streamID)),
	}
	s.wg.Add(1)
	go s.read()

	t.log.Debug("stream opened",
		zap.String("conversation_id", conversationID),
		zap.String("stream_id", streamID))
	return s, nil
}

type sseSession struct {
	body   io.ReadCloser
	cancel context.CancelFunc
	events chan Event
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	log    *zap.Logger
}

func (s *sseSession) Events() <-chan Event {
	return s.events
}

func (s *sseSession) read() {
	defer s.wg.Done()
	defer close(s.events)

	reader := NewSSEReader(s.body)
	for {
		eventType, data, err := reader.ReadEvent()
		if err != nil {
			if errors.Is(err, io.EOF) || s.closed() {
				return
			}
			s.deliver(Event{Err: apperr.Transport("stream", 0, err)})
			return
		}

		switch eventType {
		case "", "message":
			if !s.deliver(Event{Data: data}) {
				return
			}
		case "error":
			s.deliver(Event{Err: apperr.Transport("stream", 0, errors.New(errorText("stream error", data)))})
			return
		default:
			s.log.Debug("ignoring event", zap.String("type", eventType))
		}
	}
}

// deliver blocks until the consumer takes ev or the session is closed.
func (s *sseSession) deliver(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *sseSession) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *sseSession) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.cancel()
		err = s.body.Close()
		s.wg.Wait()
	})
	return err
}

// errorText extracts a human-readable message from an error payload, which
// may be {"error": "..."}, {"detail": "..."}, {"message": "..."} or plain text.
func errorText(fallback string, payload []byte) string {
	var parsed struct {
		Error   string `json:"error"`
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}
	if json.Unmarshal(payload, &parsed) == nil {
		for _, s := range []string{parsed.Error, parsed.Detail, parsed.Message} {
			if s != "" {
				return s
			}
		}
	}
	if text := strings.TrimSpace(string(payload)); text != "" && len(text) <= 200 {
		return text
	}
	return fallback
}
