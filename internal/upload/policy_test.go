// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package upload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/ragchat/internal/apperr"
	"github.com/jeranaias/ragchat/internal/config"
)

func testPolicy() Policy {
	return Policy{
		MaxFileSize:       1024,
		MaxFiles:          2,
		AllowedTypes:      []string{"text/plain", "image/*"},
		AllowedExtensions: []string{".md"},
	}
}

func TestPolicyCountOverflowRejectsBatch(t *testing.T) {
	p := testPolicy()

	accepted, err := p.Check(2, []Candidate{{Name: "a.txt", Size: 1, Type: "text/plain"}})
	require.Error(t, err)
	assert.Empty(t, accepted)
	assert.Contains(t, err.Error(), "Maximum 2 files")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	accepted, err = p.Check(0, []Candidate{
		{Name: "a.txt", Size: 1, Type: "text/plain"},
		{Name: "b.txt", Size: 1, Type: "text/plain"},
		{Name: "c.txt", Size: 1, Type: "text/plain"},
	})
	require.Error(t, err)
	assert.Empty(t, accepted)
}

func TestPolicyTooLarge(t *testing.T) {
	p := testPolicy()

	accepted, err := p.Check(0, []Candidate{{Name: "big.txt", Size: 2048, Type: "text/plain"}})
	require.Error(t, err)
	assert.Empty(t, accepted)
	assert.Contains(t, err.Error(), "too large")
	assert.Contains(t, err.Error(), "big.txt is too large (max 1.0 KB)")
}

func TestPolicyUnsupportedType(t *testing.T) {
	p := testPolicy()

	_, err := p.Check(0, []Candidate{{Name: "run.exe", Size: 10, Type: "application/x-msdownload"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run.exe has an unsupported file type")
}

func TestPolicyAggregatesAndKeepsAccepted(t *testing.T) {
	p := testPolicy()

	accepted, err := p.Check(0, []Candidate{
		{Name: "ok.txt", Size: 10, Type: "text/plain"},
		{Name: "huge.png", Size: 4096, Type: "image/png"},
	})
	require.Error(t, err)
	require.Len(t, accepted, 1)
	assert.Equal(t, "ok.txt", accepted[0].Name)

	var verr *apperr.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Problems, 1)

	_, err = p.Check(0, []Candidate{
		{Name: "huge.png", Size: 4096, Type: "image/png"},
		{Name: "bad.bin", Size: 1, Type: "application/octet-stream"},
	})
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Problems, 2)
}

func TestPolicyAllowed(t *testing.T) {
	p := testPolicy()

	tests := []struct {
		name        string
		file        string
		contentType string
		want        bool
	}{
		{"exact mime", "a.txt", "text/plain", true},
		{"mime with params", "a", "text/plain; charset=utf-8", true},
		{"mime case", "a", "TEXT/PLAIN", true},
		{"family wildcard", "photo", "image/webp", true},
		{"extension only", "notes.md", "", true},
		{"extension case", "NOTES.MD", "application/octet-stream", true},
		{"neither", "data.bin", "application/octet-stream", false},
		{"no info", "data", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Allowed(tt.file, tt.contentType))
		})
	}
}

func TestPolicyFromConfig(t *testing.T) {
	cfg := config.Default().Upload
	cfg.AllowedTypes = []string{"Text/Plain"}
	cfg.AllowedExtensions = []string{".MD"}

	p := PolicyFromConfig(cfg)
	assert.Equal(t, cfg.MaxFileSize, p.MaxFileSize)
	assert.Equal(t, cfg.MaxFiles, p.MaxFiles)
	assert.Equal(t, []string{"text/plain"}, p.AllowedTypes)
	assert.Equal(t, []string{".md"}, p.AllowedExtensions)
}

func TestDefaultPolicyAcceptsBackendTypes(t *testing.T) {
	p := DefaultPolicy()

	assert.True(t, p.Allowed("report.pdf", "application/pdf"))
	assert.True(t, p.Allowed("server.log", ""))
	assert.True(t, p.Allowed("scan.jpeg", "image/jpeg"))
	assert.False(t, p.Allowed("archive.zip", "application/zip"))
}

func TestExtensionNormalizesUnicode(t *testing.T) {
	// "e" followed by a combining acute accent
	assert.Equal(t, ".pdf", Extension("re\u0301sume\u0301.PDF"))
	assert.Equal(t, "", Extension("README"))
}
