// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"strings"
	"testing"

	"github.com/muesli/termenv"
	"github.com/stretchr/testify/assert"

	"github.com/jeranaias/instachat-tui/internal/ui/styles"
)

func TestSplitFences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []segment
	}{
		{
			name: "prose only",
			in:   "hello\nthere",
			want: []segment{{text: "hello\nthere"}},
		},
		{
			name: "block between prose",
			in:   "look:\n```go\nx := 1\n```\nneat",
			want: []segment{
				{text: "look:"},
				{code: true, lang: "go", text: "x := 1"},
				{text: "neat"},
			},
		},
		{
			name: "block without language",
			in:   "```\nls -la\n```",
			want: []segment{{code: true, text: "ls -la"}},
		},
		{
			name: "unterminated fence stays prose",
			in:   "```sh\necho hi",
			want: []segment{{text: "```sh\necho hi"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitFences(tt.in))
		})
	}
}

func TestRenderBodyWithoutColor(t *testing.T) {
	th := styles.NewTheme("dark")
	th.ColorProfile = termenv.Ascii
	m := Model{theme: th}

	out := m.renderBody("see\n```\n"+strings.Repeat("x", 30)+"\n```", 10)
	lines := strings.Split(out, "\n")
	assert.Equal(t, "see", lines[0])
	assert.Len(t, lines, 2)
	assert.NotContains(t, out, "\x1b[")
	assert.LessOrEqual(t, len([]rune(lines[1])), 10)
}

func TestHighlightColorsCode(t *testing.T) {
	out := highlight("package main\n\nfunc main() {}", "go", "monokai", "terminal256")
	assert.Contains(t, out, "\x1b[")
	assert.Contains(t, out, "main")

	assert.Equal(t, "plain", highlight("plain", "go", "monokai", ""))
}
