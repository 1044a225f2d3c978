// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package mockapi

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jeranaias/ragchat/internal/api"
	"github.com/jeranaias/ragchat/internal/model"
)

// fault makes a reply stream misbehave.
type fault int

const (
	faultNone fault = iota
	faultError
	faultMalformed
	faultHang
)

var faultPrefixes = map[string]fault{
	"!error":     faultError,
	"!malformed": faultMalformed,
	"!hang":      faultHang,
}

func parseFault(content string) fault {
	word, _, _ := strings.Cut(strings.TrimSpace(content), " ")
	return faultPrefixes[strings.ToLower(word)]
}

// reply is an assistant message waiting to be streamed.
type reply struct {
	streamID       string
	conversationID string
	messageID      string
	chunks         []string
	citations      []model.Citation
	fault          fault
}

// wireFragment is the push payload.
type wireFragment struct {
	ID         string           `json:"id"`
	Content    string           `json:"content"`
	IsComplete bool             `json:"isComplete"`
	MessageID  string           `json:"messageId,omitempty"`
	Citations  []model.Citation `json:"citations,omitempty"`
}

func newReply(conversationID, text string, files []api.RemoteFile, f fault) *reply {
	r := &reply{
		streamID:       newID("stream_"),
		conversationID: conversationID,
		messageID:      newID("msg_"),
		chunks:         chunkWords(text),
		fault:          f,
	}
	for _, file := range files {
		r.citations = append(r.citations, model.Citation{
			SourceID: file.ID,
			Title:    file.Filename,
			Snippet:  fmt.Sprintf("Excerpt from %s", file.Filename),
			Score:    1,
		})
	}
	return r
}

// fragments renders the payloads in send order. The last one is terminal
// unless the reply hangs.
func (r *reply) fragments() [][]byte {
	out := make([][]byte, 0, len(r.chunks))
	for i, chunk := range r.chunks {
		frag := wireFragment{ID: fmt.Sprintf("%s-%d", r.streamID, i), Content: chunk}
		if i == len(r.chunks)-1 && r.fault != faultHang {
			frag.IsComplete = true
			frag.MessageID = r.messageID
			frag.Citations = r.citations
		}
		data, _ := json.Marshal(frag)
		out = append(out, data)
	}
	return out
}

// text is the full reply content.
func (r *reply) text() string {
	return strings.Join(r.chunks, "")
}

// chunkWords splits text into word-sized pieces that concatenate back to it.
func chunkWords(text string) []string {
	if text == "" {
		return []string{""}
	}
	var chunks []string
	start := 0
	for i := 1; i < len(text); i++ {
		if text[i-1] == ' ' && text[i] != ' ' {
			chunks = append(chunks, text[start:i])
			start = i
		}
	}
	return append(chunks, text[start:])
}

// cannedReply is the default assistant text.
func cannedReply(content string, files []api.RemoteFile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You asked: %q.", strings.TrimSpace(content))
	switch len(files) {
	case 0:
		b.WriteString(" No documents were attached, so this answer draws on nothing in particular.")
	case 1:
		fmt.Fprintf(&b, " I looked through %s for you.", files[0].Filename)
	default:
		fmt.Fprintf(&b, " I looked through %d documents for you.", len(files))
	}
	return b.String()
}
