// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chat.go - Line-mode chat for terminals where the full-screen UI is unwanted.
//
// Command: chat [--plain]
//   Without --plain (and on a terminal) this opens the full-screen UI.
//
// Interactive commands:
//   /help, /h           Show available commands
//   /reconnect, /r      Reopen the live channel
//   /dismiss            Clear the current notice
//   /quit, /q           Exit
//   Ctrl+C, Ctrl+D      Exit
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/peterh/liner"
	"go.uber.org/zap"

	"github.com/jeranaias/instachat-tui/internal/config"
	"github.com/jeranaias/instachat-tui/internal/feedsync"
	"github.com/jeranaias/instachat-tui/internal/model"
	"github.com/jeranaias/instachat-tui/internal/ui/chat"
)

// =============================================================================
// INPUT HISTORY
// =============================================================================

// lineInput provides line editing and a persistent input history.
type lineInput struct {
	line        *liner.State
	historyFile string
}

func newLineInput() *lineInput {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	dir, err := config.ConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	in := &lineInput{line: line, historyFile: filepath.Join(dir, "chat_history")}
	if f, err := os.Open(in.historyFile); err == nil {
		_, _ = in.line.ReadHistory(f)
		f.Close()
	}
	return in
}

func (in *lineInput) read(prompt string) (string, error) {
	text, err := in.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) != "" {
		in.line.AppendHistory(text)
	}
	return text, nil
}

// close saves the history with owner-only permissions and restores the terminal.
func (in *lineInput) close() {
	if err := config.EnsureConfigDir(); err == nil {
		if f, err := os.OpenFile(in.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
			_, _ = in.line.WriteHistory(f)
			f.Close()
		}
	}
	in.line.Close()
}

// =============================================================================
// SNAPSHOT PRINTER
// =============================================================================

// lineRenderer turns successive snapshots into the lines not printed yet.
type lineRenderer struct {
	seen      map[string]bool
	loaded    bool
	typing    string
	notice    string
	connected bool
}

func newLineRenderer() *lineRenderer {
	return &lineRenderer{seen: make(map[string]bool)}
}

// diff returns the lines for everything that changed since the last call.
func (r *lineRenderer) diff(s feedsync.Snapshot) []string {
	var out []string

	for _, b := range s.Bubbles() {
		if r.seen[b.ID] {
			continue
		}
		r.seen[b.ID] = true
		out = append(out, styleLine(b))
	}

	if !s.Loading && !r.loaded {
		r.loaded = true
		if len(s.Messages) == 0 {
			out = append(out, DimStyle.Render("No messages yet. Say hello!"))
		}
	}

	if s.Connected != r.connected {
		r.connected = s.Connected
		if s.Connected {
			out = append(out, DimStyle.Render("[*] live"))
		} else if r.loaded {
			out = append(out, WarningStyle.Render("[ ] offline"))
		}
	}

	if s.TypingLabel != r.typing {
		r.typing = s.TypingLabel
		if s.TypingLabel != "" {
			out = append(out, DimStyle.Render(s.TypingLabel+" is typing..."))
		}
	}

	notice := ""
	if s.Notice != nil {
		notice = s.Notice.Text
	}
	if notice != r.notice {
		r.notice = notice
		if notice != "" {
			out = append(out, WarningStyle.Render("[!] "+notice))
		}
	}
	return out
}

// styleLine is formatLine with colors.
func styleLine(b model.Bubble) string {
	var sender string
	if b.Variant == model.Mine {
		sender = MineStyle.Render("you")
	} else {
		sender = PeerStyle.Render(b.Sender)
	}
	text := strings.ReplaceAll(b.Text, "\n", " ")
	if b.Timestamp == "" {
		return fmt.Sprintf("%s: %s", sender, text)
	}
	return fmt.Sprintf("%s %s: %s", DimStyle.Render(b.Timestamp), sender, text)
}

// =============================================================================
// CHAT HANDLER
// =============================================================================

const chatHelp = `Commands:
  /help, /h        Show this help
  /reconnect, /r   Reopen the live channel
  /dismiss         Clear the current notice
  /quit, /q        Exit`

// HandleChat runs the chat. The full-screen UI is used unless --plain is given
// or stdout is not a terminal.
func HandleChat(ctx context.Context, app *App, env Env) error {
	if !env.Args.Plain && IsTTY() && IsStdoutTTY() {
		return HandleTUI(ctx, app, env)
	}

	feed, err := startFeedOrLogin(ctx, app, env)
	if err != nil {
		return err
	}
	defer feed.Close()

	user := app.Session.CurrentUser()
	fmt.Fprintln(env.Out, TitleStyle.Render("instachat - "+model.HeaderTitle(user)))
	fmt.Fprintln(env.Out, DimStyle.Render("Type a message and press Enter. /help for commands."))

	var mu sync.Mutex
	printLines := func(lines []string) {
		mu.Lock()
		defer mu.Unlock()
		for _, l := range lines {
			fmt.Fprint(env.Out, "\r\x1b[K"+l+"\n")
		}
	}

	changes, stop := feed.Ctrl.Changes()
	defer stop()
	printerDone := make(chan struct{})
	go func() {
		defer close(printerDone)
		r := newLineRenderer()
		printLines(r.diff(feed.Ctrl.Snapshot()))
		for range changes {
			printLines(r.diff(feed.Ctrl.Snapshot()))
		}
	}()

	in := newLineInput()
	defer in.close()

	for {
		text, err := in.read("> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		if quit := runChatLine(feed.Ctrl, text, printLines, app.Log); quit {
			break
		}
	}

	stop()
	<-printerDone
	return nil
}

// chatActions is the part of the controller the line loop drives.
type chatActions interface {
	Send(text string) error
	Reconnect() error
	DismissNotice() error
}

// runChatLine handles one input line and reports whether the user asked to quit.
func runChatLine(ctrl chatActions, text string, print func([]string), log *zap.Logger) bool {
	trimmed := strings.TrimSpace(text)
	switch strings.ToLower(trimmed) {
	case "":
		return false
	case "/quit", "/q", "/exit":
		return true
	case "/help", "/h":
		print(strings.Split(chatHelp, "\n"))
		return false
	case "/reconnect", "/r":
		if err := ctrl.Reconnect(); err != nil {
			print([]string{ErrorStyle.Render(err.Error())})
		}
		return false
	case "/dismiss":
		_ = ctrl.DismissNotice()
		return false
	}

	if len([]rune(text)) > chat.MaxMessageLength {
		print([]string{ErrorStyle.Render(fmt.Sprintf("Message too long (max %d characters).", chat.MaxMessageLength))})
		return false
	}
	if err := ctrl.Send(text); err != nil {
		log.Debug("send rejected", zap.Error(err))
		print([]string{ErrorStyle.Render(userMessage(err))})
	}
	return false
}

// userMessage returns the friendly text for a sync error, or the raw error.
func userMessage(err error) string {
	var se *model.SyncError
	if errors.As(err, &se) {
		if msg := se.UserMessage(); msg != "" {
			return msg
		}
	}
	return err.Error()
}
