// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package transport opens push sessions that deliver a reply stream's raw
// fragment payloads. Two implementations exist: Server-Sent Events over a
// long-lived GET, and WebSocket text frames.
//
// Transports know nothing about fragment structure. They hand each payload
// to the consumer as bytes and report connection-level failures as
// Event.Err. Decoding belongs to the streaming coordinator.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Event is one item delivered by a Session. Exactly one of Data or Err is set.
type Event struct {
	Data []byte
	// Err is a transport failure (server-signalled error or broken
	// connection). It is always the last event of a session.
	Err error
}

// Session is a live push subscription.
type Session interface {
	// Events delivers payloads in arrival order. The channel is closed when
	// the session ends for any reason.
	Events() <-chan Event

	// Close tears the session down. Once Close returns the underlying
	// connection is closed and no further events are delivered. Safe to
	// call more than once.
	Close() error
}

// Transport opens Sessions.
type Transport interface {
	// Open subscribes to streamID of conversationID. ctx bounds the open
	// handshake only. The session lives until Close or until the server
	// ends it.
	Open(ctx context.Context, conversationID, streamID string) (Session, error)
}

// Backend resolves endpoints and credentials. *api.Client implements it.
type Backend interface {
	Endpoint(segments ...string) *url.URL
	Authorize(ctx context.Context, h http.Header) error
	Unauthorized(op string) error
}

// Options configures both transport implementations.
type Options struct {
	// HTTPClient is used for SSE. It must not set a Timeout, which would
	// cut long replies short.
	HTTPClient *http.Client
	// Dialer is used for WebSocket sessions.
	Dialer *websocket.Dialer
	Logger *zap.Logger
}

// Kind names a transport implementation.
type Kind string

const (
	KindSSE       Kind = "sse"
	KindWebSocket Kind = "websocket"
)

// New returns the transport selected by kind.
func New(kind Kind, backend Backend, opts Options) (Transport, error) {
	switch kind {
	case KindSSE, "":
		return NewSSE(backend, opts), nil
	case KindWebSocket:
		return NewWebSocket(backend, opts), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

func streamEndpoint(b Backend, conversationID, streamID string) *url.URL {
	return b.Endpoint("api", "conversations", conversationID, "stream", streamID)
}

const openOp = "open stream"
