// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package upload implements the attachment queue for outgoing messages.
//
// Candidates pass through a Policy before they enter the queue. Each entry
// then moves through a closed set of states:
//
//	Pending -> Uploading -> Completed
//	               |
//	               +------> Failed
//
// An Uploading entry cannot be removed. Every upload ends Completed or
// Failed, so no entry is left in flight once Upload returns.
//
// Usage:
//
//	q := upload.New(upload.Options{Policy: upload.DefaultPolicy(), Uploader: client})
//	if _, err := q.Add([]upload.Candidate{c}); err != nil {
//	    // already reported; accepted files are still queued
//	}
//	err := q.UploadAll(ctx)
package upload
