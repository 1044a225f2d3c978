// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package styles

import (
	"testing"

	"github.com/muesli/termenv"
	"github.com/stretchr/testify/assert"
)

func TestNewTheme_ExplicitModes(t *testing.T) {
	assert.True(t, NewTheme("dark").IsDark)
	assert.False(t, NewTheme("light").IsDark)
}

func TestMarkdownStyle(t *testing.T) {
	tests := []struct {
		dark    bool
		profile termenv.Profile
		want    string
	}{
		{true, termenv.TrueColor, "dark"},
		{false, termenv.ANSI256, "light"},
		{true, termenv.Ascii, "notty"},
	}
	for _, tt := range tests {
		theme := &Theme{IsDark: tt.dark, ColorProfile: tt.profile}
		if got := theme.MarkdownStyle(); got != tt.want {
			t.Errorf("MarkdownStyle() = %q, want %q", got, tt.want)
		}
	}
}
