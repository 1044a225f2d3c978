// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package mockapi is a self-contained development backend that speaks the
// same REST and push protocols as the real chat service.
//
// Replies are generated locally and streamed as fragments over SSE or
// WebSocket, whichever the client asks for. A message whose content starts
// with one of the fault prefixes makes its reply misbehave on purpose:
//
//	!error      the stream fails halfway (SSE "event: error", WebSocket close 1011)
//	!malformed  one fragment is not valid JSON
//	!hang       the stream never completes
//
// State lives in memory and can optionally be persisted to a BoltDB file.
package mockapi
