// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the ragchat command line.
//
// Running ragchat without a subcommand on a terminal opens the chat TUI.
// The remaining commands work without one:
//
//	ragchat chat                       line-mode chat with history
//	ragchat ask "question" -a f.pdf    one-shot question, reply on stdout
//	ragchat conversations list         list conversations
//	ragchat conversations show ID      print a transcript
//	ragchat conversations export ID    write a transcript to Markdown or JSON
//	ragchat files upload PATH...       upload files and print their IDs
//	ragchat config show                print the effective configuration
//	ragchat version                    print version information
//
// Every command loads .env files, then the config file, then RAGCHAT_*
// environment overrides, then flags. Errors map to the exit codes in
// errors.go.
package cli
