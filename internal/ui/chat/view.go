// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/jeranaias/instachat-tui/internal/feedsync"
	"github.com/jeranaias/instachat-tui/internal/model"
	"github.com/jeranaias/instachat-tui/internal/ui/styles"
	"github.com/jeranaias/instachat-tui/internal/util"
)

// =============================================================================
// LAYOUT
// =============================================================================

func (m Model) renderChat() string {
	if !m.ready {
		return "Loading..."
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		m.viewport.View(),
		m.renderTyping(),
		m.renderInput(),
		m.renderStatusBar(),
	)
}

func (m Model) renderHeader() string {
	t := m.theme
	title := t.HeaderTitle.Render(m.snap.Title())
	brand := t.HeaderBrand.Render("instachat")

	var conn string
	if m.snap.Connected {
		conn = t.Connected.Render(styles.StatusIndicators.Connected + " live")
	} else {
		conn = t.Disconnected.Render(styles.StatusIndicators.Disconnected + " offline")
	}

	left := brand + "  " + title
	gap := m.width - 2 - lipgloss.Width(left) - lipgloss.Width(conn)
	if gap < 1 {
		gap = 1
	}
	return t.Header.Width(m.width).Render(left + strings.Repeat(" ", gap) + conn)
}

func (m Model) renderTyping() string {
	if m.snap.TypingLabel == "" {
		return ""
	}
	line := util.TruncateWidth(m.snap.TypingLabel+" is typing...", max(m.width-1, 1))
	return m.theme.Typing.Render(line)
}

func (m Model) renderInput() string {
	return m.theme.InputContainer.Width(m.width).Render(m.input.View())
}

func (m Model) renderStatusBar() string {
	t := m.theme
	width := max(m.width-2, 1)

	var line string
	switch {
	case m.actionErr != nil && errorText(m.actionErr) != "":
		line = t.NoticeBlock.Render(util.TruncateWidth(styles.StatusIndicators.Error+" "+errorText(m.actionErr), width))
	case m.snap.Notice != nil:
		line = m.renderNotice(*m.snap.Notice, width)
	case m.snap.Sending > 0:
		line = t.NoticeStatus.Render("Sending...")
	default:
		var parts []string
		for _, b := range m.keys.ShortHelp() {
			h := b.Help()
			parts = append(parts, t.ShortcutKey.Render(h.Key)+" "+t.ShortcutDesc.Render(h.Desc))
		}
		line = strings.Join(parts, "  ")
		if lipgloss.Width(line) > width {
			line = t.ShortcutDesc.Render(util.TruncateWidth("Enter send  C-c quit", width))
		}
	}
	return t.StatusBar.Width(m.width).Render(line)
}

func (m Model) renderNotice(n feedsync.Notice, width int) string {
	t := m.theme
	switch n.Level {
	case feedsync.NoticeBlocking:
		return t.NoticeBlock.Render(util.TruncateWidth(styles.StatusIndicators.Error+" "+n.Text, width))
	case feedsync.NoticeRetryable:
		return t.NoticeRetry.Render(util.TruncateWidth(styles.StatusIndicators.Warning+" "+n.Text+" (Esc to dismiss)", width))
	default:
		return t.NoticeStatus.Render(util.TruncateWidth(n.Text, width))
	}
}

// =============================================================================
// MESSAGES
// =============================================================================

func (m Model) renderMessages() string {
	t := m.theme
	if m.snap.Loading && len(m.bubbles) == 0 {
		return m.spinner.View() + " " + t.Empty.Render("Loading messages...")
	}
	if len(m.bubbles) == 0 {
		return t.Empty.Render("No messages yet. Say hello!")
	}

	sep := "\n\n"
	if m.opts.Compact {
		sep = "\n"
	}
	blocks := make([]string, 0, len(m.bubbles))
	for _, b := range m.bubbles {
		blocks = append(blocks, m.renderBubble(b))
	}
	return strings.Join(blocks, sep)
}

func (m Model) renderBubble(b model.Bubble) string {
	t := m.theme
	style := t.TheirsBubble
	if b.Variant == model.Mine {
		style = t.MineBubble
	}

	// Border and padding take two cells on each side.
	inner := max(min(t.BubbleWidth(), m.width)-4, 4)
	body := style.Render(m.renderBody(b.Text, inner))

	var parts []string
	if b.Variant == model.Theirs {
		parts = append(parts, t.Sender.Render(util.TruncateWidth(b.Sender, inner)))
	}
	parts = append(parts, body)
	if m.opts.ShowTimestamps && b.Timestamp != "" {
		parts = append(parts, t.Timestamp.Render(b.Timestamp))
	}

	if b.Variant == model.Mine {
		block := lipgloss.JoinVertical(lipgloss.Right, parts...)
		return lipgloss.PlaceHorizontal(m.width, lipgloss.Right, block)
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}
