// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"errors"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/jeranaias/instachat-tui/internal/feedsync"
	"github.com/jeranaias/instachat-tui/internal/model"
	"github.com/jeranaias/instachat-tui/internal/ui/styles"
)

// MaxMessageLength caps the input, matching the backend column.
const MaxMessageLength = 2000

// Feed is the part of feedsync.Controller the chat screen drives.
type Feed interface {
	Snapshot() feedsync.Snapshot
	Changes() (<-chan struct{}, func())
	InputChanged(text string) error
	Send(text string) error
	Reconnect() error
	DismissNotice() error
}

// Options toggles optional rendering.
type Options struct {
	ShowTimestamps bool
	Compact        bool
}

// =============================================================================
// MODEL
// =============================================================================

// Model is the Bubble Tea model of the chat screen.
type Model struct {
	feed  Feed
	theme *styles.Theme
	opts  Options
	keys  KeyMap

	changes <-chan struct{}
	stop    func()

	snap    feedsync.Snapshot
	bubbles []model.Bubble

	viewport viewport.Model
	input    textinput.Model
	spinner  spinner.Model

	// actionErr is a synchronous rejection shown until the next keystroke.
	actionErr error

	width  int
	height int
	ready  bool
}

// New creates the chat model and subscribes to feed changes.
// Call Close when the program exits.
func New(feed Feed, theme *styles.Theme, opts Options) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Type a message..."
	ti.CharLimit = MaxMessageLength
	ti.PromptStyle = theme.InputPrompt
	ti.PlaceholderStyle = theme.InputPlaceholder
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Line
	sp.Style = theme.Spinner

	changes, stop := feed.Changes()

	m := Model{
		feed:     feed,
		theme:    theme,
		opts:     opts,
		keys:     DefaultKeyMap(),
		changes:  changes,
		stop:     stop,
		viewport: viewport.New(80, 20),
		input:    ti,
		spinner:  sp,
	}
	m.applySnapshot(feed.Snapshot())
	return m
}

// Close stops listening for feed changes.
func (m Model) Close() {
	if m.stop != nil {
		m.stop()
	}
}

// =============================================================================
// BUBBLE TEA INTERFACE
// =============================================================================

// Init starts the change listener, the cursor blink and the spinner.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, waitForChange(m.changes))
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		return m.handleResize(msg)

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.MouseMsg:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case SnapshotMsg:
		m.applySnapshot(m.feed.Snapshot())
		return m, waitForChange(m.changes)

	case ActionErrorMsg:
		m.actionErr = msg.Err
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// View renders the chat screen.
func (m Model) View() string {
	return m.renderChat()
}

// =============================================================================
// HANDLERS
// =============================================================================

const (
	headerHeight = 1
	typingHeight = 1
	inputHeight  = 2 // top border + input line
	statusHeight = 1
)

func (m Model) handleResize(msg tea.WindowSizeMsg) (tea.Model, tea.Cmd) {
	m.width = msg.Width
	m.height = msg.Height
	m.theme.SetSize(msg.Width, msg.Height)

	vpHeight := m.height - headerHeight - typingHeight - inputHeight - statusHeight
	if vpHeight < 1 {
		vpHeight = 1
	}
	m.viewport.Width = max(m.width, 1)
	m.viewport.Height = vpHeight

	// Padding(0,1) on the container plus the prompt.
	m.input.Width = max(m.width-2-len(m.input.Prompt)-1, 10)

	m.ready = true
	m.refreshViewport(true)
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Submit):
		return m.submit()

	case key.Matches(msg, m.keys.Dismiss):
		m.actionErr = nil
		return m, m.call(m.feed.DismissNotice)

	case key.Matches(msg, m.keys.Reconnect):
		return m, m.call(m.feed.Reconnect)

	case key.Matches(msg, m.keys.PageUp):
		m.viewport.ViewUp()
		return m, nil

	case key.Matches(msg, m.keys.PageDown):
		m.viewport.ViewDown()
		return m, nil

	case key.Matches(msg, m.keys.Home):
		m.viewport.GotoTop()
		return m, nil

	case key.Matches(msg, m.keys.End):
		m.viewport.GotoBottom()
		return m, nil
	}

	before := m.input.Value()
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	if after := m.input.Value(); after != before {
		m.actionErr = nil
		if err := m.feed.InputChanged(after); err != nil {
			return m, tea.Batch(cmd, actionError(err))
		}
	}
	return m, cmd
}

func (m Model) submit() (tea.Model, tea.Cmd) {
	text := m.input.Value()
	if err := m.feed.Send(text); err != nil {
		// The draft stays so the user can sign in and retry.
		m.actionErr = err
		return m, nil
	}
	m.input.Reset()
	m.actionErr = nil
	m.viewport.GotoBottom()
	return m, nil
}

func (m Model) call(fn func() error) tea.Cmd {
	return func() tea.Msg {
		if err := fn(); err != nil {
			return ActionErrorMsg{Err: err}
		}
		return nil
	}
}

func actionError(err error) tea.Cmd {
	return func() tea.Msg { return ActionErrorMsg{Err: err} }
}

// =============================================================================
// STATE
// =============================================================================

func (m *Model) applySnapshot(s feedsync.Snapshot) {
	grew := len(s.Messages) > len(m.snap.Messages)
	m.snap = s
	m.bubbles = s.Bubbles()
	m.refreshViewport(grew)
}

func (m *Model) refreshViewport(follow bool) {
	if !m.ready {
		return
	}
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(m.renderMessages())
	if follow && atBottom || m.viewport.TotalLineCount() <= m.viewport.Height {
		m.viewport.GotoBottom()
	}
}

// Value returns the current draft.
func (m Model) Value() string {
	return m.input.Value()
}

// Snapshot returns the snapshot the screen last rendered.
func (m Model) Snapshot() feedsync.Snapshot {
	return m.snap
}

// errorText formats a synchronous rejection for the status bar.
func errorText(err error) string {
	var serr *model.SyncError
	if errors.As(err, &serr) {
		return serr.UserMessage()
	}
	return strings.TrimSpace(err.Error())
}
