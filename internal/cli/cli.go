// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - Command-line parsing for instachat.
package cli

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command represents the CLI command to execute.
type Command int

const (
	CmdTUI Command = iota
	CmdChat
	CmdLogin
	CmdSignup
	CmdLogout
	CmdWhoami
	CmdHistory
	CmdConfig
	CmdVersion
	CmdHelp
)

// String returns the command name as typed on the command line.
func (c Command) String() string {
	switch c {
	case CmdTUI:
		return "tui"
	case CmdChat:
		return "chat"
	case CmdLogin:
		return "login"
	case CmdSignup:
		return "signup"
	case CmdLogout:
		return "logout"
	case CmdWhoami:
		return "whoami"
	case CmdHistory:
		return "history"
	case CmdConfig:
		return "config"
	case CmdVersion:
		return "version"
	default:
		return "help"
	}
}

// Args holds parsed CLI arguments.
type Args struct {
	// Global flags
	Verbose    bool
	ConfigPath string
	Theme      string

	// Command-specific
	Email      string
	Plain      bool
	Raw        bool
	Limit      int
	Subcommand string
	ConfigKey  string
	ConfigVal  string

	// Unknown is the first word that did not name a command.
	Unknown string
	// Rest holds everything after the command word.
	Rest []string
}

// boolFlags never consume the following argument.
var boolFlags = []string{"v", "verbose", "plain", "raw", "h", "help", "version"}

const usageText = `instachat - realtime chat in your terminal

USAGE:
    instachat [flags] [command]

COMMANDS:
    (none), tui          Open the full-screen chat
    chat [--plain]       Line-mode chat (no alternate screen)
    login [--email E]    Sign in with email and password (TOTP if enrolled)
    signup [--email E]   Create an account
    logout               Sign out and forget the stored session
    whoami               Show the signed-in account
    history [--raw]      Print recent messages
            [--limit N]
    config <sub>         Manage configuration:
                           show | path | init | keys
                           get <key> | set <key> <value>
    version              Show version information
    help                 Show this help

GLOBAL FLAGS:
    --config FILE        Read configuration from FILE
    --theme MODE         auto, dark or light
    -v, --verbose        Debug logging, mirrored to stderr

ENVIRONMENT:
    SUPABASE_URL, SUPABASE_ANON_KEY       Backend project
    INSTACHAT_EMAIL                       Default sign-in email
    INSTACHAT_TOTP_SECRET                 Generate MFA codes automatically
    INSTACHAT_SESSION_PASSPHRASE          Encrypt the stored session
    INSTACHAT_HOME                        Config directory (default ~/.instachat)

Version: %s
`

// PrintUsage writes the usage/help text.
func PrintUsage(w io.Writer) {
	fmt.Fprintf(w, usageText, Version)
}

// PrintVersion writes version information.
func PrintVersion(w io.Writer) {
	fmt.Fprintf(w, "instachat version %s\n", Version)
	fmt.Fprintf(w, "  Git commit: %s\n", GitCommit)
	fmt.Fprintf(w, "  Build date: %s\n", BuildDate)
	fmt.Fprintf(w, "  Go:         %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Parse parses os.Args.
func Parse() (Command, Args) {
	return ParseArgs(os.Args[1:])
}

// ParseArgs parses argv (without the program name) and returns the command
// and its arguments. No command means the TUI.
func ParseArgs(argv []string) (Command, Args) {
	p := NewArgParser(argv, boolFlags...)

	args := Args{
		Verbose:    p.BoolFlag("v") || p.BoolFlag("verbose"),
		ConfigPath: p.Flag("config"),
		Theme:      p.Flag("theme"),
		Email:      p.Flag("email"),
		Plain:      p.BoolFlag("plain"),
		Raw:        p.BoolFlag("raw"),
		Limit:      p.FlagIntOrDefault("limit", 0),
		Rest:       p.PositionalFrom(1),
	}

	if p.BoolFlag("h") || p.BoolFlag("help") {
		return CmdHelp, args
	}
	if p.BoolFlag("version") {
		return CmdVersion, args
	}

	switch strings.ToLower(p.Subcommand()) {
	case "", "tui":
		return CmdTUI, args
	case "chat":
		return CmdChat, args
	case "login", "signin":
		return CmdLogin, args
	case "signup", "register":
		return CmdSignup, args
	case "logout", "signout":
		return CmdLogout, args
	case "whoami":
		return CmdWhoami, args
	case "history", "log":
		return CmdHistory, args
	case "config":
		args.Subcommand = strings.ToLower(p.Positional(1))
		args.ConfigKey = p.Positional(2)
		args.ConfigVal = strings.Join(p.PositionalFrom(3), " ")
		return CmdConfig, args
	case "version":
		return CmdVersion, args
	case "help":
		return CmdHelp, args
	default:
		args.Unknown = p.Subcommand()
		return CmdHelp, args
	}
}
