// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package mockapi

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/ragchat/internal/chat"
	"github.com/jeranaias/ragchat/internal/conversation"
	"github.com/jeranaias/ragchat/internal/model"
	"github.com/jeranaias/ragchat/internal/notify"
	"github.com/jeranaias/ragchat/internal/stream"
	"github.com/jeranaias/ragchat/internal/transport"
	"github.com/jeranaias/ragchat/internal/upload"
)

// TestChatFlow drives the client stack against the dev backend: attach a
// file, upload it, send a message and receive the streamed reply.
func TestChatFlow(t *testing.T) {
	for _, kind := range []transport.Kind{transport.KindSSE, transport.KindWebSocket} {
		t.Run(string(kind), func(t *testing.T) {
			_, client := newTestServer(t, Options{FragmentDelay: time.Millisecond})
			ctx := context.Background()

			tr, err := transport.New(kind, client, transport.Options{})
			require.NoError(t, err)

			notes := notify.New(notify.Options{})
			store := conversation.New(conversation.Options{Backend: client})
			queue := upload.New(upload.Options{
				Policy:   upload.DefaultPolicy(),
				Uploader: client,
				Reporter: notes,
			})
			coord := stream.New(stream.Options{Transport: tr, Store: store, Reporter: notes})
			t.Cleanup(coord.StopStreaming)

			svc, err := chat.New(chat.Deps{
				Sender:        client,
				Store:         store,
				Uploads:       queue,
				Streamer:      coord,
				Notifications: notes,
			})
			require.NoError(t, err)

			path := filepath.Join(t.TempDir(), "notes.txt")
			require.NoError(t, os.WriteFile(path, []byte("meeting notes"), 0o600))
			_, err = svc.Attach(path)
			require.NoError(t, err)
			require.NoError(t, svc.UploadAll(ctx))
			require.Len(t, queue.Completed(), 1)

			require.NoError(t, svc.Send(ctx, "", "what happened?"))
			convID := store.ActiveID()
			require.NotEmpty(t, convID)
			assert.Zero(t, queue.Len(), "sent attachments leave the queue")

			require.Eventually(t, func() bool {
				msgs := store.Messages(convID)
				return coord.State() == stream.StateIdle && len(msgs) == 2
			}, 5*time.Second, 5*time.Millisecond)

			msgs := store.Messages(convID)
			assert.Equal(t, model.RoleUser, msgs[0].Role)
			assert.False(t, msgs[0].IsOptimistic())
			assert.Equal(t, model.RoleAssistant, msgs[1].Role)
			assert.Contains(t, msgs[1].Content, "notes.txt")
			require.Len(t, msgs[1].Citations, 1)
			assert.Zero(t, notes.Len())

			remote, err := client.GetMessages(ctx, convID)
			require.NoError(t, err)
			require.Len(t, remote, 2)
			assert.Equal(t, remote[0].ID, msgs[0].ID)
			assert.Equal(t, remote[1].ID, msgs[1].ID)
			assert.Equal(t, remote[1].Content, msgs[1].Content)
		})
	}
}

func TestChatFlowStreamError(t *testing.T) {
	_, client := newTestServer(t, Options{})
	ctx := context.Background()

	tr, err := transport.New(transport.KindSSE, client, transport.Options{})
	require.NoError(t, err)
	notes := notify.New(notify.Options{})
	store := conversation.New(conversation.Options{Backend: client})
	coord := stream.New(stream.Options{Transport: tr, Store: store, Reporter: notes})
	t.Cleanup(coord.StopStreaming)
	svc, err := chat.New(chat.Deps{
		Sender:        client,
		Store:         store,
		Uploads:       upload.New(upload.Options{Policy: upload.DefaultPolicy(), Uploader: client, Reporter: notes}),
		Streamer:      coord,
		Notifications: notes,
	})
	require.NoError(t, err)

	require.NoError(t, svc.Send(ctx, "", "!error now"))
	require.Eventually(t, func() bool {
		return coord.State() == stream.StateIdle && notes.Len() == 1
	}, 5*time.Second, 5*time.Millisecond)

	assert.Len(t, store.Messages(store.ActiveID()), 1, "only the user message remains")
	assert.Equal(t, notify.SeverityError, notes.List()[0].Severity)
}
