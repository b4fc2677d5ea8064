// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package styles

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Theme holds the styled components for the chat screen.
type Theme struct {
	// Terminal capabilities
	IsDark       bool
	ColorProfile termenv.Profile

	// Layout dimensions
	Width  int
	Height int

	// ==========================================================================
	// HEADER
	// ==========================================================================

	Header      lipgloss.Style
	HeaderTitle lipgloss.Style
	HeaderBrand lipgloss.Style

	// ==========================================================================
	// MESSAGES
	// ==========================================================================

	MineBubble   lipgloss.Style
	TheirsBubble lipgloss.Style
	Sender       lipgloss.Style
	Timestamp    lipgloss.Style
	Empty        lipgloss.Style

	// ==========================================================================
	// INPUT AREA
	// ==========================================================================

	InputContainer   lipgloss.Style
	InputPrompt      lipgloss.Style
	InputPlaceholder lipgloss.Style
	Typing           lipgloss.Style

	// ==========================================================================
	// STATUS BAR AND NOTICES
	// ==========================================================================

	StatusBar    lipgloss.Style
	Connected    lipgloss.Style
	Disconnected lipgloss.Style
	NoticeStatus lipgloss.Style
	NoticeRetry  lipgloss.Style
	NoticeBlock  lipgloss.Style
	ShortcutKey  lipgloss.Style
	ShortcutDesc lipgloss.Style
	Spinner      lipgloss.Style
}

// ParseMode resolves a ui.theme setting to a background: "dark" and "light"
// force it, anything else asks the terminal.
func ParseMode(mode string) (isDark bool) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "dark":
		return true
	case "light":
		return false
	default:
		return termenv.HasDarkBackground()
	}
}

// NewTheme creates a theme for the given ui.theme setting ("auto", "dark", "light").
func NewTheme(mode string) *Theme {
	isDark := ParseMode(mode)
	// AdaptiveColor reads the renderer's background, so keep them in step.
	lipgloss.SetHasDarkBackground(isDark)

	t := &Theme{
		IsDark:       isDark,
		ColorProfile: termenv.ColorProfile(),
	}
	t.initStyles()
	return t
}

// SetSize updates the layout dimensions.
func (t *Theme) SetSize(width, height int) {
	t.Width = width
	t.Height = height
}

// CodeStyle names the chroma style for fenced code in messages.
func (t *Theme) CodeStyle() string {
	if t.IsDark {
		return "monokai"
	}
	return "github"
}

// CodeFormatter names the chroma formatter matching the color profile, or ""
// when the terminal has no color.
func (t *Theme) CodeFormatter() string {
	switch t.ColorProfile {
	case termenv.TrueColor:
		return "terminal16m"
	case termenv.ANSI256:
		return "terminal256"
	case termenv.ANSI:
		return "terminal16"
	default:
		return ""
	}
}

// BubbleWidth is the widest a message bubble may render, border included.
func (t *Theme) BubbleWidth() int {
	w := t.Width * 3 / 4
	if w < 20 {
		w = 20
	}
	return w
}

func (t *Theme) initStyles() {
	t.Header = lipgloss.NewStyle().
		Background(SurfaceDim).
		Padding(0, 1)

	t.HeaderTitle = lipgloss.NewStyle().
		Bold(true).
		Foreground(Purple)

	t.HeaderBrand = lipgloss.NewStyle().
		Bold(true).
		Foreground(Cyan)

	t.MineBubble = lipgloss.NewStyle().
		Foreground(MineBubbleFg).
		Background(MineBubbleBg).
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(MineBubbleBorder).
		Padding(0, 1)

	t.TheirsBubble = lipgloss.NewStyle().
		Foreground(TheirsBubbleFg).
		Background(TheirsBubbleBg).
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(TheirsBubbleBorder).
		Padding(0, 1)

	t.Sender = lipgloss.NewStyle().
		Foreground(TextSecondary).
		Bold(true)

	t.Timestamp = lipgloss.NewStyle().
		Foreground(TextMuted)

	t.Empty = lipgloss.NewStyle().
		Foreground(TextMuted).
		Italic(true)

	t.InputContainer = lipgloss.NewStyle().
		BorderStyle(lipgloss.NormalBorder()).
		BorderTop(true).
		BorderForeground(Overlay).
		Padding(0, 1)

	t.InputPrompt = lipgloss.NewStyle().
		Foreground(Cyan).
		Bold(true)

	t.InputPlaceholder = lipgloss.NewStyle().
		Foreground(TextMuted).
		Italic(true)

	t.Typing = lipgloss.NewStyle().
		Foreground(TextSecondary).
		Italic(true).
		PaddingLeft(1)

	t.StatusBar = lipgloss.NewStyle().
		Background(SurfaceDim).
		Foreground(TextSecondary).
		Padding(0, 1)

	t.Connected = lipgloss.NewStyle().
		Foreground(Emerald).
		Bold(true)

	t.Disconnected = lipgloss.NewStyle().
		Foreground(Amber).
		Bold(true)

	t.NoticeStatus = lipgloss.NewStyle().
		Foreground(TextSecondary)

	t.NoticeRetry = lipgloss.NewStyle().
		Foreground(Amber).
		Bold(true)

	t.NoticeBlock = lipgloss.NewStyle().
		Foreground(Rose).
		Bold(true)

	t.ShortcutKey = lipgloss.NewStyle().
		Foreground(Cyan).
		Bold(true)

	t.ShortcutDesc = lipgloss.NewStyle().
		Foreground(TextMuted)

	t.Spinner = lipgloss.NewStyle().
		Foreground(Purple)
}
