// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Package chat is the Bubble Tea front end for ragchat.

The Model never owns chat state. It subscribes to the conversation store,
the upload queue, the streaming coordinator and the notification center,
and re-reads their snapshots whenever any of them changes. Listener
callbacks only poke a one-slot channel, so core code never blocks on the
UI loop and bursts of fragments collapse into one redraw per frame.

Blocking calls (sending, uploading, listing) run as tea.Cmds. Their errors
are already reported to the notification center by the chat service; the
Model only tracks how many are in flight.

# Keys

	enter      send the input, or run a /command
	esc        stop the live stream, or close the conversation list
	ctrl+l     toggle the conversation list (up/down, enter opens, ctrl+d deletes)
	ctrl+n     start a new conversation
	ctrl+x     dismiss the newest notification
	pgup/pgdn  scroll messages
	ctrl+c     quit

Pasting file paths (which is what most terminals do when a file is dragged
onto the window) attaches them.
*/
package chat
