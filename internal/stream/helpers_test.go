// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import "github.com/jeranaias/ragchat/internal/transport"

func fragmentEvent(payload string) transport.Event {
	return transport.Event{Data: []byte(payload)}
}
