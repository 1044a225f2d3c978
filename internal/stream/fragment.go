// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/jeranaias/ragchat/internal/apperr"
	"github.com/jeranaias/ragchat/internal/model"
)

// Fragment is one piece of a streamed reply.
type Fragment struct {
	ID         string `json:"id"`
	Content    string `json:"content"`
	IsComplete bool   `json:"isComplete"`
	// MessageID is the persisted identity of the finished message, sent
	// with the terminal fragment. Absent means the stream ID is used.
	MessageID string `json:"messageId,omitempty"`
	// Citations may accompany the terminal fragment.
	Citations []model.Citation `json:"citations,omitempty"`
}

var errNotObject = errors.New("fragment must be a JSON object")

// DecodeFragment parses a raw payload. Failures are *apperr.ParseError.
func DecodeFragment(data []byte) (Fragment, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Fragment{}, apperr.Parse(data, errNotObject)
	}
	var f Fragment
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return Fragment{}, apperr.Parse(data, err)
	}
	return f, nil
}
