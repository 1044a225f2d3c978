// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package upload

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/jeranaias/ragchat/internal/apperr"
	"github.com/jeranaias/ragchat/internal/config"
	"github.com/jeranaias/ragchat/internal/util"
)

// =============================================================================
// POLICY
// =============================================================================

// Policy decides which candidate files may enter the queue.
type Policy struct {
	MaxFileSize       int64
	MaxFiles          int
	AllowedTypes      []string // MIME types; "image/*" matches a whole family
	AllowedExtensions []string // Lowercase, with leading dot
}

// DefaultPolicy mirrors the backend's accepted types and limits.
func DefaultPolicy() Policy {
	return PolicyFromConfig(config.Default().Upload)
}

// PolicyFromConfig builds a policy from the upload config section.
func PolicyFromConfig(cfg config.UploadConfig) Policy {
	p := Policy{
		MaxFileSize:       cfg.MaxFileSize,
		MaxFiles:          cfg.MaxFiles,
		AllowedTypes:      make([]string, 0, len(cfg.AllowedTypes)),
		AllowedExtensions: make([]string, 0, len(cfg.AllowedExtensions)),
	}
	for _, t := range cfg.AllowedTypes {
		p.AllowedTypes = append(p.AllowedTypes, normalizeType(t))
	}
	for _, ext := range cfg.AllowedExtensions {
		p.AllowedExtensions = append(p.AllowedExtensions, strings.ToLower(ext))
	}
	return p
}

// Check validates a batch against a queue that already holds existing
// entries. A batch that would overflow MaxFiles is rejected as a whole.
// Otherwise each file is judged on size and type independently: accepted
// files are returned and every rejection is listed in one ValidationError.
func (p Policy) Check(existing int, batch []Candidate) ([]Candidate, error) {
	if p.MaxFiles > 0 && existing+len(batch) > p.MaxFiles {
		return nil, apperr.NewValidationError(fmt.Sprintf("Maximum %d files allowed", p.MaxFiles))
	}

	var (
		accepted []Candidate
		problems []string
	)
	for _, c := range batch {
		if reason := p.reject(c); reason != "" {
			problems = append(problems, reason)
			continue
		}
		accepted = append(accepted, c)
	}
	if len(problems) > 0 {
		return accepted, apperr.NewValidationError(problems...)
	}
	return accepted, nil
}

// Allowed reports whether a file of this name and declared type passes the
// type check. Either a MIME match or an extension match is enough.
func (p Policy) Allowed(name, contentType string) bool {
	if t := normalizeType(contentType); t != "" {
		for _, allowed := range p.AllowedTypes {
			if matchType(allowed, t) {
				return true
			}
		}
	}
	if ext := Extension(name); ext != "" {
		for _, allowed := range p.AllowedExtensions {
			if ext == allowed {
				return true
			}
		}
	}
	return false
}

func (p Policy) reject(c Candidate) string {
	name := displayName(c.Name)
	if p.MaxFileSize > 0 && c.Size > p.MaxFileSize {
		return fmt.Sprintf("%s is too large (max %s)", name, util.FormatBytes(p.MaxFileSize))
	}
	if !p.Allowed(c.Name, c.Type) {
		return fmt.Sprintf("%s has an unsupported file type", name)
	}
	return ""
}

// =============================================================================
// HELPERS
// =============================================================================

// Extension returns the lowercase extension of a file name after Unicode
// normalization, so visually identical names compare equal.
func Extension(name string) string {
	return strings.ToLower(filepath.Ext(norm.NFC.String(name)))
}

// InferType guesses a MIME type from the file name.
func InferType(name string) string {
	return normalizeType(mime.TypeByExtension(Extension(name)))
}

func displayName(name string) string {
	name = norm.NFC.String(filepath.Base(name))
	if name == "" || name == "." {
		return "file"
	}
	return name
}

// normalizeType lowercases a media type and drops its parameters.
func normalizeType(t string) string {
	t = strings.TrimSpace(t)
	if t == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(t); err == nil {
		return mt
	}
	return strings.ToLower(t)
}

func matchType(allowed, t string) bool {
	if family, ok := strings.CutSuffix(allowed, "/*"); ok {
		return strings.HasPrefix(t, family+"/")
	}
	return allowed == t
}
