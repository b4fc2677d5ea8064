// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli provides command-line parsing and execution for instachat.
//
// # Key Types
//
//   - Command: Enumeration of the CLI commands
//   - Args: Parsed command-line arguments with global and command-specific flags
//   - App: Config, logger, backend client and session provider for one run
//   - Feed: A running sync controller bound to the App's session
//
// # Usage
//
//	cmd, args := cli.Parse()
//	err := cli.Run(ctx, cmd, cli.Env{Args: args, Out: os.Stdout, Err: os.Stderr})
//	if err != nil {
//	    cli.DisplayError(os.Stderr, err)
//	    os.Exit(cli.GetExitCode(err))
//	}
//
// # Commands Overview
//
//   - tui (default): full-screen chat
//   - chat --plain: line-mode chat
//   - login, signup, logout, whoami: account management
//   - history: print recent messages
//   - config: configuration management
package cli
