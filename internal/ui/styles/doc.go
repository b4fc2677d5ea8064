// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Package styles provides the colors and Lip Gloss styles of the chat screen.

Colors are lipgloss.AdaptiveColor values. NewTheme takes the ui.theme setting:
"dark" and "light" force the background, "auto" asks the terminal through
termenv.

	theme := styles.NewTheme(cfg.UI.Theme)
	theme.SetSize(msg.Width, msg.Height)
	bubble := theme.MineBubble.Render(text)

Mine bubbles are blue and right aligned; theirs are violet and left aligned.
Status indicators pair every color with an ASCII marker.
*/
package styles
