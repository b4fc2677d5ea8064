// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// history.go - The history command.
//
// Command: history [--raw] [--limit N]
//   Prints the most recent messages, oldest first. Output is rendered as
//   markdown on a terminal; --raw (or a pipe) prints one line per message.

package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"go.uber.org/zap"

	"github.com/jeranaias/instachat-tui/internal/model"
)

// DefaultHistoryLimit is the number of messages printed without --limit.
const DefaultHistoryLimit = 50

// HandleHistory prints recent messages. A stored session is used when present
// so row level security sees the user; otherwise the request is anonymous.
func HandleHistory(ctx context.Context, app *App, env Env) error {
	user, err := app.Session.Restore(ctx)
	if err != nil {
		return err
	}

	rctx, cancel := app.RequestContext(ctx)
	defer cancel()
	msgs, err := app.Client.SelectMessages(rctx)
	if err != nil {
		return &CommandError{Command: "history", Reason: "fetch messages", Err: err}
	}

	limit := env.Args.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	msgs = lastN(msgs, limit)

	if env.Args.Raw || !IsStdoutTTY() {
		writeHistoryRaw(env.Out, msgs, user)
		return nil
	}

	md := historyMarkdown(msgs, user)
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(GetTerminalWidth()-4),
	)
	if err != nil {
		app.Log.Warn("markdown renderer unavailable", zap.Error(err))
		fmt.Fprint(env.Out, md)
		return nil
	}
	out, err := r.Render(md)
	if err != nil {
		app.Log.Warn("markdown render failed", zap.Error(err))
		out = md
	}
	fmt.Fprint(env.Out, out)
	return nil
}

func lastN(msgs []model.Message, n int) []model.Message {
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}

// historyMarkdown renders messages as a markdown document, one block per message.
func historyMarkdown(msgs []model.Message, user *model.User) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", model.HeaderTitle(user))
	if len(msgs) == 0 {
		b.WriteString("_No messages yet._\n")
		return b.String()
	}
	for _, bubble := range model.ProjectAll(msgs, user) {
		sender := bubble.Sender
		if bubble.Variant == model.Mine {
			sender = "you"
		}
		fmt.Fprintf(&b, "**%s**", sender)
		if bubble.Timestamp != "" {
			fmt.Fprintf(&b, " `%s`", bubble.Timestamp)
		}
		b.WriteString("\n\n")
		for _, line := range strings.Split(bubble.Text, "\n") {
			fmt.Fprintf(&b, "> %s\n", line)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// writeHistoryRaw prints "HH:MM sender: text" lines.
func writeHistoryRaw(w io.Writer, msgs []model.Message, user *model.User) {
	for _, bubble := range model.ProjectAll(msgs, user) {
		fmt.Fprintln(w, formatLine(bubble))
	}
}

// formatLine renders a bubble as a single unstyled line.
func formatLine(b model.Bubble) string {
	sender := b.Sender
	if b.Variant == model.Mine {
		sender = "you"
	}
	text := strings.ReplaceAll(b.Text, "\n", " ")
	if b.Timestamp == "" {
		return fmt.Sprintf("%s: %s", sender, text)
	}
	return fmt.Sprintf("%s %s: %s", b.Timestamp, sender, text)
}
