// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// run.go - Command dispatch.

package cli

import (
	"context"
	"fmt"
	"io"
)

// Env is what a command handler reads from and writes to.
type Env struct {
	Command Command
	Args    Args
	Out     io.Writer
	Err     io.Writer
	// Prompter is nil when stdin is not interactive.
	Prompter *Prompter
}

// Run executes cmd. Commands that talk to the backend get an App built from
// the loaded configuration; help, version and config do not.
func Run(ctx context.Context, cmd Command, env Env) error {
	env.Command = cmd

	switch cmd {
	case CmdHelp:
		if env.Args.Unknown != "" {
			PrintUsage(env.Err)
			return &UsageError{Message: fmt.Sprintf("unknown command %q", env.Args.Unknown)}
		}
		PrintUsage(env.Out)
		return nil
	case CmdVersion:
		PrintVersion(env.Out)
		return nil
	case CmdConfig:
		return HandleConfig(env)
	}

	cfg, err := LoadConfig(env.Args, env.Err)
	if err != nil {
		return err
	}

	fullScreen := cmd == CmdTUI || (cmd == CmdChat && !env.Args.Plain && IsTTY() && IsStdoutTTY())
	app, err := Open(ctx, cfg, OpenOptions{
		Stderr:   !fullScreen,
		Watch:    cmd == CmdTUI || cmd == CmdChat,
		Prompter: env.Prompter,
	})
	if err != nil {
		return err
	}
	defer app.Close()

	switch cmd {
	case CmdTUI:
		return HandleTUI(ctx, app, env)
	case CmdChat:
		return HandleChat(ctx, app, env)
	case CmdLogin:
		return HandleLogin(ctx, app, env)
	case CmdSignup:
		return HandleSignup(ctx, app, env)
	case CmdLogout:
		return HandleLogout(ctx, app, env)
	case CmdWhoami:
		return HandleWhoami(ctx, app, env)
	case CmdHistory:
		return HandleHistory(ctx, app, env)
	default:
		return &UsageError{Message: fmt.Sprintf("unsupported command %s", cmd)}
	}
}
