// instachat - realtime chat in the terminal.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jeranaias/instachat-tui/internal/cli"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func init() {
	cli.Version = Version
	cli.GitCommit = GitCommit
	cli.BuildDate = BuildDate
}

func main() {
	cmd, args := cli.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env := cli.Env{
		Args: args,
		Out:  os.Stdout,
		Err:  os.Stderr,
	}
	if cli.IsTTY() {
		env.Prompter = cli.NewTerminalPrompter()
	}

	if err := cli.Run(ctx, cmd, env); err != nil {
		cli.DisplayError(os.Stderr, err)
		stop()
		os.Exit(cli.GetExitCode(err))
	}
}
