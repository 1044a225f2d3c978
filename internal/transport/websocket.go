// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jeranaias/ragchat/internal/apperr"
	"github.com/jeranaias/ragchat/internal/logging"
)

const closeGracePeriod = 250 * time.Millisecond

// WebSocket opens sessions as WebSocket connections carrying one fragment
// payload per text frame. The server ends a stream with a normal closure;
// any other close code is a transport error whose reason is the message.
type WebSocket struct {
	backend Backend
	dialer  *websocket.Dialer
	log     *zap.Logger
}

// NewWebSocket creates a WebSocket transport.
func NewWebSocket(backend Backend, opts Options) *WebSocket {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		}
	}
	return &WebSocket{
		backend: backend,
		dialer:  dialer,
		log:     logging.OrNop(opts.Logger).Named("websocket"),
	}
}

// Open implements Transport.
func (t *WebSocket) Open(ctx context.Context, conversationID, streamID string) (Session, error) {
	endpoint := streamEndpoint(t.backend, conversationID, streamID)
	switch endpoint.Scheme {
	case "https":
		endpoint.Scheme = "wss"
	default:
		endpoint.Scheme = "ws"
	}

	header := http.Header{}
	if err := t.backend.Authorize(ctx, header); err != nil {
		return nil, apperr.Transport(openOp, 0, err)
	}

	conn, resp, err := t.dialer.DialContext(ctx, endpoint.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusUnauthorized {
				return nil, t.backend.Unauthorized(openOp)
			}
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return nil, apperr.Transport(openOp, resp.StatusCode, errors.New(errorText(resp.Status, body)))
		}
		return nil, apperr.Transport(openOp, 0, err)
	}

	s := &wsSession{
		conn:   conn,
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

type wsSession struct {
	conn   *websocket.Conn
	events chan Event
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	log    *zap.Logger
}

func (s *wsSession) Events() <-chan Event {
	return s.events
}

func (s *wsSession) read() {
	defer s.wg.Done()
	defer close(s.events)

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Text != "" {
				err = errors.New(closeErr.Text)
			}
			s.deliver(Event{Err: apperr.Transport("stream", 0, err)})
			return
		}
		if msgType != websocket.TextMessage {
			s.log.Debug("ignoring non-text frame", zap.Int("type", msgType))
			continue
		}
		if !s.deliver(Event{Data: data}) {
			return
		}
	}
}

func (s *wsSession) deliver(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *wsSession) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *wsSession) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		// Best effort close handshake; the peer may already be gone.
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGracePeriod))
		if cerr := s.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = fmt.Errorf("close websocket: %w", cerr)
		}
		s.wg.Wait()
	})
	return err
}
