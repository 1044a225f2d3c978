// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package upload

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
)

// sniffLen is how much content http.DetectContentType looks at.
const sniffLen = 512

// Candidate is a file offered to the queue.
type Candidate struct {
	Name string
	Size int64
	Type string // Declared MIME type; may be empty

	// Open returns the content. It is called once per upload attempt.
	Open func() (io.ReadCloser, error)
}

// FromPath builds a candidate for a file on disk. The type comes from the
// extension, falling back to content sniffing.
func FromPath(path string) (Candidate, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Candidate{}, err
	}
	if info.IsDir() {
		return Candidate{}, fmt.Errorf("%s is a directory", path)
	}

	contentType := InferType(path)
	if contentType == "" {
		contentType, err = sniff(path)
		if err != nil {
			return Candidate{}, err
		}
	}
	return Candidate{
		Name: filepath.Base(path),
		Size: info.Size(),
		Type: contentType,
		Open: func() (io.ReadCloser, error) { return os.Open(path) },
	}, nil
}

// FromBytes builds an in-memory candidate.
func FromBytes(name, contentType string, data []byte) Candidate {
	if contentType == "" {
		contentType = InferType(name)
	}
	return Candidate{
		Name: name,
		Size: int64(len(data)),
		Type: contentType,
		Open: func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil },
	}
}

func sniff(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	buf := make([]byte, sniffLen)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", err
	}
	return normalizeType(http.DetectContentType(buf[:n])), nil
}
