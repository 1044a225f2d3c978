// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jeranaias/ragchat/internal/apperr"
)

// =============================================================================
// WIRE TYPES
// =============================================================================

// RemoteFile is the backend's record of an uploaded file.
type RemoteFile struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"contentType,omitempty"`
	Size        int64     `json:"size,omitempty"`
	Processed   bool      `json:"processed"`
	CreatedAt   time.Time `json:"createdAt,omitempty"`
}

// UploadResult is the response of POST /api/files/upload.
type UploadResult struct {
	File             RemoteFile `json:"file"`
	ProcessingStatus string     `json:"processingStatus"`
}

// FileStatus is the response of GET /api/files/{id}/status.
type FileStatus struct {
	DocumentID string `json:"documentId"`
	Filename   string `json:"filename"`
	Processed  bool   `json:"processed"`
}

// FileUpload describes one file to send.
type FileUpload struct {
	Name        string
	ContentType string
	Size        int64 // Total bytes for progress; zero if unknown
	Body        io.Reader
}

// ProgressFunc receives bytes of file content sent so far and the total.
type ProgressFunc func(sent, total int64)

// =============================================================================
// FILE ENDPOINTS
// =============================================================================

// UploadFile streams f as multipart field "file". Progress is reported as
// the HTTP transport consumes the body, so it tracks bytes actually handed
// to the connection. Uploads are not retried.
func (c *Client) UploadFile(ctx context.Context, f FileUpload, progress ProgressFunc) (UploadResult, error) {
	const op = "upload file"

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	contentType := mw.FormDataContentType()
	counted := &countingReader{r: f.Body, total: f.Size, progress: progress}

	go func() {
		err := writeMultipart(mw, f, counted)
		pw.CloseWithError(err)
	}()

	var result UploadResult
	err := c.do(ctx, request{
		op:          op,
		method:      http.MethodPost,
		url:         c.Endpoint("api", "files", "upload"),
		raw:         pr,
		contentType: contentType,
	}, &result)
	// Unblock the writer goroutine if the request ended early.
	pr.CloseWithError(io.ErrClosedPipe)
	if err != nil {
		return UploadResult{}, err
	}
	if result.File.ID == "" {
		return UploadResult{}, apperr.Transport(op, http.StatusOK, fmt.Errorf("response missing file id"))
	}
	return result, nil
}

func writeMultipart(mw *multipart.Writer, f FileUpload, body io.Reader) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(f.Name)))
	contentType := f.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)

	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, body); err != nil {
		return err
	}
	return mw.Close()
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// countingReader reports cumulative bytes read.
type countingReader struct {
	r        io.Reader
	total    int64
	sent     atomic.Int64
	progress ProgressFunc
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		sent := cr.sent.Add(int64(n))
		if cr.progress != nil {
			cr.progress(sent, cr.total)
		}
	}
	return n, err
}

// FileStatus looks up the processing status of an uploaded file.
func (c *Client) FileStatus(ctx context.Context, fileID string) (FileStatus, error) {
	var status FileStatus
	err := c.do(ctx, request{
		op:     "file status",
		method: http.MethodGet,
		url:    c.Endpoint("api", "files", fileID, "status"),
	}, &status)
	return status, err
}
