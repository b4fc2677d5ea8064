// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	chromaStyles "github.com/alecthomas/chroma/v2/styles"

	"github.com/jeranaias/instachat-tui/internal/util"
)

// =============================================================================
// FENCED CODE
// =============================================================================

const fence = "```"

// segment is a run of message text: prose, or the body of a fenced block.
type segment struct {
	code bool
	lang string
	text string
}

// splitFences cuts text at ``` fence lines. An unterminated fence is prose.
func splitFences(text string) []segment {
	var (
		out   []segment
		prose []string
		code  []string
		open  string // the opening fence line while inside a block
		lang  string
	)
	flushProse := func() {
		if len(prose) > 0 {
			out = append(out, segment{text: strings.Join(prose, "\n")})
			prose = nil
		}
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if open == "" {
			if strings.HasPrefix(trimmed, fence) {
				flushProse()
				open = line
				lang = strings.TrimSpace(strings.TrimPrefix(trimmed, fence))
				code = nil
				continue
			}
			prose = append(prose, line)
			continue
		}
		if trimmed == fence {
			out = append(out, segment{code: true, lang: lang, text: strings.Join(code, "\n")})
			open = ""
			continue
		}
		code = append(code, line)
	}

	if open != "" {
		prose = append(prose, open)
		prose = append(prose, code...)
	}
	flushProse()
	return out
}

// renderBody wraps prose to width and highlights fenced code. Code lines are
// cut at width instead of wrapped.
func (m Model) renderBody(text string, width int) string {
	segs := splitFences(text)
	parts := make([]string, 0, len(segs))
	for _, s := range segs {
		if !s.code {
			parts = append(parts, strings.Join(util.Wrap(s.text, width), "\n"))
			continue
		}
		lines := strings.Split(strings.ReplaceAll(s.text, "\t", "    "), "\n")
		for i, l := range lines {
			lines[i] = util.TruncateWidth(l, width)
		}
		parts = append(parts, highlight(strings.Join(lines, "\n"), s.lang,
			m.theme.CodeStyle(), m.theme.CodeFormatter()))
	}
	return strings.Join(parts, "\n")
}

// highlight colors code with chroma. An empty formatter returns code as is.
func highlight(code, lang, style, formatter string) string {
	if formatter == "" || strings.TrimSpace(code) == "" {
		return code
	}

	lexer := lexers.Get(lang)
	if lexer == nil {
		lexer = lexers.Analyse(code)
	}
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	st := chromaStyles.Get(style)
	if st == nil {
		st = chromaStyles.Fallback
	}
	f := formatters.Get(formatter)
	if f == nil {
		f = formatters.Fallback
	}

	it, err := lexer.Tokenise(nil, code)
	if err != nil {
		return code
	}
	var b strings.Builder
	if err := f.Format(&b, st, it); err != nil {
		return code
	}
	// Formatters may end with a reset and newline; the bubble adds its own.
	return strings.TrimSuffix(b.String(), "\n")
}
