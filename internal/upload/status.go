// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package upload

import (
	"time"

	"github.com/jeranaias/ragchat/internal/api"
)

// =============================================================================
// STATUS
// =============================================================================

// Status is the closed set of entry states: Pending, Uploading, Completed
// and Failed. Only Failed carries an error.
type Status interface {
	Name() string
	isStatus()
}

// Pending entries are queued and not yet sent.
type Pending struct{}

// Uploading entries are in flight. Progress is 0-100.
type Uploading struct {
	Progress float64
}

// Completed entries were accepted by the backend.
type Completed struct {
	Remote api.RemoteFile
}

// Failed entries ended with Err.
type Failed struct {
	Err error
}

func (Pending) Name() string   { return "pending" }
func (Uploading) Name() string { return "uploading" }
func (Completed) Name() string { return "completed" }
func (Failed) Name() string    { return "error" }

func (Pending) isStatus()   {}
func (Uploading) isStatus() {}
func (Completed) isStatus() {}
func (Failed) isStatus()    {}

// =============================================================================
// FILE
// =============================================================================

// File is a snapshot of one queue entry.
type File struct {
	ID      string
	Name    string
	Size    int64
	Type    string
	Status  Status
	AddedAt time.Time
}

// Progress returns 0-100 for display.
func (f File) Progress() float64 {
	switch s := f.Status.(type) {
	case Uploading:
		return s.Progress
	case Completed:
		return 100
	default:
		return 0
	}
}

// IsUploading reports whether the entry is in flight.
func (f File) IsUploading() bool {
	_, ok := f.Status.(Uploading)
	return ok
}

// RemoteID returns the backend file ID of a completed entry.
func (f File) RemoteID() (string, bool) {
	if c, ok := f.Status.(Completed); ok {
		return c.Remote.ID, true
	}
	return "", false
}

// Err returns the failure of a failed entry.
func (f File) Err() error {
	if s, ok := f.Status.(Failed); ok {
		return s.Err
	}
	return nil
}
