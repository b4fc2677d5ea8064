// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// tui.go - The full-screen chat.

package cli

import (
	"context"
	"errors"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/jeranaias/instachat-tui/internal/session"
	"github.com/jeranaias/instachat-tui/internal/ui/chat"
	"github.com/jeranaias/instachat-tui/internal/ui/styles"
)

// HandleTUI opens the full-screen chat, signing in first when needed.
func HandleTUI(ctx context.Context, app *App, env Env) error {
	if !IsTTY() || !IsStdoutTTY() {
		return &TTYRequiredError{Operation: "open the chat screen (try 'instachat chat --plain')"}
	}

	feed, err := startFeedOrLogin(ctx, app, env)
	if err != nil {
		return err
	}
	defer feed.Close()

	theme := styles.NewTheme(app.Config.UI.Theme)
	m := chat.New(feed.Ctrl, theme, chat.Options{
		ShowTimestamps: app.Config.UI.ShowTimestamps,
		Compact:        app.Config.UI.CompactMode,
	})
	defer m.Close()

	p := tea.NewProgram(
		m,
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
		tea.WithContext(ctx),
	)
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("chat screen: %w", err)
	}
	return nil
}

// startFeedOrLogin starts the feed, running the login prompts first when no
// session is stored and a prompter is available.
func startFeedOrLogin(ctx context.Context, app *App, env Env) (*Feed, error) {
	feed, err := app.StartFeed(ctx)
	if !errors.Is(err, session.ErrNoSession) {
		return feed, err
	}
	if env.Prompter == nil {
		return nil, &CommandError{Command: env.Command.String(), Reason: "not signed in (run 'instachat login')", Err: err}
	}

	fmt.Fprintln(env.Err, DimStyle.Render("Not signed in."))
	if _, err := login(ctx, app, env); err != nil {
		return nil, err
	}
	return app.StartFeed(ctx)
}
