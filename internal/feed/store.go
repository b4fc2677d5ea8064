// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package feed

import (
	"context"
	"sync"

	"github.com/jeranaias/instachat-tui/internal/model"
)

// Inserter persists an outbound message.
// It does not return the created row; the row arrives later on the live channel.
type Inserter interface {
	InsertMessage(ctx context.Context, msg model.NewMessage) error
}

// InserterFunc adapts a function to Inserter.
type InserterFunc func(ctx context.Context, msg model.NewMessage) error

// InsertMessage calls f.
func (f InserterFunc) InsertMessage(ctx context.Context, msg model.NewMessage) error {
	return f(ctx, msg)
}

// =============================================================================
// STORE
// =============================================================================

// Store is an append-only list of messages keyed by ID.
//
// The initial load is ordered by created_at ascending. Live inserts are
// appended at the tail in arrival order and never re-sorted.
type Store struct {
	mu       sync.RWMutex
	messages []model.Message
	ids      map[string]struct{}

	inserter Inserter
}

// NewStore creates an empty store that persists outbound messages with ins.
func NewStore(ins Inserter) *Store {
	return &Store{
		ids:      make(map[string]struct{}),
		inserter: ins,
	}
}

// LoadInitial replaces the store content with msgs.
// Duplicate IDs inside msgs keep their first occurrence; rows without an ID are skipped.
func (s *Store) LoadInitial(msgs []model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = make([]model.Message, 0, len(msgs))
	s.ids = make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		s.appendLocked(m)
	}
}

// MergeInbound appends msg unless a message with the same ID is present.
// It returns true if the message was appended.
func (s *Store) MergeInbound(msg model.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(msg)
}

// MergeAll merges msgs in order and returns how many were appended.
func (s *Store) MergeAll(msgs []model.Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, m := range msgs {
		if s.appendLocked(m) {
			n++
		}
	}
	return n
}

func (s *Store) appendLocked(m model.Message) bool {
	if m.ID == "" {
		return false
	}
	if _, ok := s.ids[m.ID]; ok {
		return false
	}
	s.ids[m.ID] = struct{}{}
	s.messages = append(s.messages, m)
	return true
}

// AppendOutbound validates text and persists it as a message from author.
//
// Empty text is rejected without a round trip. The message is not added to
// the store; it shows up once the live channel echoes the insert. The
// returned message has no ID.
func (s *Store) AppendOutbound(ctx context.Context, text string, author *model.User) (model.Message, error) {
	nm, err := model.NewOutbound(text, author)
	if err != nil {
		return model.Message{}, model.NewSyncError(err, "send", nil)
	}
	if s.inserter == nil {
		return model.Message{}, model.NewSyncError(model.ErrSendFailed, "send", errNoInserter)
	}
	if err := s.inserter.InsertMessage(ctx, nm); err != nil {
		return model.Message{}, model.NewSyncError(model.ErrSendFailed, "send", err)
	}
	return nm.AsMessage(), nil
}

// =============================================================================
// ACCESSORS
// =============================================================================

// Messages returns a copy of the messages in display order.
func (s *Store) Messages() []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}
