// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package apperr defines the error taxonomy shared by the chat core.
//
// Four kinds exist:
//
//   - ValidationError: local rejection of upload candidates; never reaches the network
//   - TransportError: non-2xx HTTP response or a push-transport error event
//   - ParseError: a malformed streaming payload
//   - AuthExpiredError: the backend answered 401
//
// All types implement Unwrap and work with errors.Is / errors.As.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// ERROR KINDS
// =============================================================================

// Kind categorizes errors for routing and display.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindTransport
	KindParse
	KindAuthExpired
)

// String returns a lowercase name for the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransport:
		return "transport"
	case KindParse:
		return "parse"
	case KindAuthExpired:
		return "auth_expired"
	default:
		return "unknown"
	}
}

// KindOf returns the kind of the first taxonomy error found in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var (
		authErr      *AuthExpiredError
		validErr     *ValidationError
		parseErr     *ParseError
		transportErr *TransportError
	)
	switch {
	case errors.As(err, &authErr):
		return KindAuthExpired
	case errors.As(err, &validErr):
		return KindValidation
	case errors.As(err, &parseErr):
		return KindParse
	case errors.As(err, &transportErr):
		return KindTransport
	}
	return KindUnknown
}

// =============================================================================
// VALIDATION ERROR
// =============================================================================

// ValidationError reports one or more rejected upload candidates.
type ValidationError struct {
	// Problems holds one human-readable line per rejected file, or a single
	// line for a batch-level rejection.
	Problems []string
}

// NewValidationError creates a ValidationError from the given problems.
func NewValidationError(problems ...string) *ValidationError {
	return &ValidationError{Problems: problems}
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 0 {
		return "validation failed"
	}
	return strings.Join(e.Problems, "; ")
}

// =============================================================================
// TRANSPORT ERROR
// =============================================================================

// TransportError reports a failed HTTP round-trip or a push-transport failure.
type TransportError struct {
	Op     string // Operation that failed (e.g. "create conversation")
	Status int    // HTTP status, 0 when no response was received
	Err    error
}

func (e *TransportError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(" failed")
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Transport wraps err as a TransportError for op.
func Transport(op string, status int, err error) *TransportError {
	return &TransportError{Op: op, Status: status, Err: err}
}

// =============================================================================
// PARSE ERROR
// =============================================================================

// ParseError reports a payload that could not be decoded.
type ParseError struct {
	Payload string // Raw payload, truncated for display
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed stream payload %q: %v", e.Payload, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Parse wraps a decode failure for the given raw payload.
func Parse(payload []byte, err error) *ParseError {
	const maxPayload = 120
	p := string(payload)
	if len(p) > maxPayload {
		p = p[:maxPayload] + "..."
	}
	return &ParseError{Payload: p, Err: err}
}

// =============================================================================
// AUTH EXPIRED ERROR
// =============================================================================

// AuthExpiredError reports a 401 from the backend.
type AuthExpiredError struct {
	Op string
}

func (e *AuthExpiredError) Error() string {
	if e.Op == "" {
		return "session expired"
	}
	return e.Op + ": session expired"
}

// ErrAuthExpired is a sentinel usable with errors.Is.
var ErrAuthExpired = &AuthExpiredError{}

// Is matches any AuthExpiredError regardless of operation.
func (e *AuthExpiredError) Is(target error) bool {
	_, ok := target.(*AuthExpiredError)
	return ok
}
