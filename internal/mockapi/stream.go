// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package mockapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// handleStream serves a pending reply over WebSocket when the request asks
// for an upgrade and over SSE otherwise.
func (s *Server) handleStream(c *gin.Context) {
	r, ok := s.takeStream(c.Param("id"), c.Param("streamId"))
	if !ok {
		notFound(c, "Stream not found")
		return
	}

	log := s.log.With(zap.String("stream_id", r.streamID), zap.String("conversation_id", r.conversationID))
	if websocket.IsWebSocketUpgrade(c.Request) {
		s.streamWebSocket(c, r, log)
		return
	}
	s.streamSSE(c, r, log)
}

// ============================================================================
// SSE
// ============================================================================

func (s *Server) streamSSE(c *gin.Context, r *reply, log *zap.Logger) {
	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ctx := c.Request.Context()
	send := func(event string, data []byte) bool {
		if event != "" {
			fmt.Fprintf(w, "event: %s\n", event)
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		w.Flush()
		return ctx.Err() == nil
	}

	s.play(ctx, r, log, player{
		fragment: func(data []byte) bool { return send("", data) },
		fail:     func(msg string) { send("error", []byte(fmt.Sprintf(`{"message":%q}`, msg))) },
		end:      func() {},
	})
}

// ============================================================================
// WebSocket
// ============================================================================

func (s *Server) streamWebSocket(c *gin.Context, r *reply, log *zap.Logger) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Reads detect the client going away; nothing it sends matters.
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	closeWith := func(code int, text string) {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
	}

	s.play(ctx, r, log, player{
		fragment: func(data []byte) bool {
			return conn.WriteMessage(websocket.TextMessage, data) == nil
		},
		fail: func(msg string) { closeWith(websocket.CloseInternalServerErr, msg) },
		end:  func() { closeWith(websocket.CloseNormalClosure, "") },
	})
}

// ============================================================================
// Playback
// ============================================================================

// player adapts one push protocol.
type player struct {
	fragment func(data []byte) bool
	fail     func(msg string)
	end      func()
}

// play sends r's fragments with the configured pacing, applying its
// fault. A completed reply is committed before its terminal fragment goes
// out, so a client that reloads on completion sees it.
func (s *Server) play(ctx context.Context, r *reply, log *zap.Logger, p player) {
	frags := r.fragments()
	half := len(frags) / 2

	for i, data := range frags {
		if i > 0 && !s.pause(ctx) {
			log.Debug("client went away", zap.Int("sent", i))
			return
		}
		switch {
		case r.fault == faultError && i == half:
			log.Info("injecting stream error")
			p.fail("upstream model failed")
			return
		case r.fault == faultMalformed && i == half:
			data = []byte(`{"id": "broken", "content": `)
		}
		if i == len(frags)-1 && r.fault == faultNone {
			s.commitReply(r)
		}
		if !p.fragment(data) {
			log.Debug("write failed", zap.Int("sent", i))
			return
		}
	}

	if r.fault == faultHang {
		<-ctx.Done()
		return
	}
	log.Debug("stream complete", zap.Int("fragments", len(frags)))
	p.end()
}

func (s *Server) pause(ctx context.Context) bool {
	if s.opts.FragmentDelay <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(s.opts.FragmentDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
