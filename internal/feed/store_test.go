// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package feed

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/instachat-tui/internal/model"
)

var t0 = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

func msg(id string) model.Message {
	return model.Message{ID: id, Text: "text " + id, CreatedAt: t0}
}

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

// =============================================================================
// MERGE TESTS
// =============================================================================

func TestMergeInbound_NoDuplicateIDs(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for round := 0; round < 50; round++ {
		s := NewStore(nil)
		seen := map[string]bool{}
		for i := 0; i < 200; i++ {
			id := fmt.Sprintf("%d", rng.Intn(40))
			added := s.MergeInbound(msg(id))
			assert.Equal(t, !seen[id], added, "merge of %s", id)
			seen[id] = true
		}

		got := s.Messages()
		unique := map[string]bool{}
		for _, m := range got {
			require.False(t, unique[m.ID], "duplicate id %s", m.ID)
			unique[m.ID] = true
		}
		assert.Equal(t, len(seen), s.Len())
	}
}

func TestMergeInbound_ReplayLeavesStoreUnchanged(t *testing.T) {
	s := NewStore(nil)
	s.LoadInitial([]model.Message{msg("1"), msg("2"), msg("3")})
	before := s.Messages()

	for i := 0; i < 10; i++ {
		for _, m := range before {
			assert.False(t, s.MergeInbound(m))
		}
	}
	assert.Equal(t, before, s.Messages())
}

func TestMergeInbound_AppendsAtTail(t *testing.T) {
	s := NewStore(nil)
	s.LoadInitial([]model.Message{msg("1"), msg("2")})

	// Older created_at still lands at the tail.
	old := model.Message{ID: "0", CreatedAt: t0.Add(-time.Hour)}
	require.True(t, s.MergeInbound(old))
	assert.Equal(t, []string{"1", "2", "0"}, ids(s.Messages()))
}

func TestMergeInbound_SkipsEmptyID(t *testing.T) {
	s := NewStore(nil)
	assert.False(t, s.MergeInbound(model.Message{Text: "no id"}))
	assert.Equal(t, 0, s.Len())
}

func TestFetchThenDuplicateInsert(t *testing.T) {
	s := NewStore(nil)
	s.LoadInitial([]model.Message{{ID: "1", Text: "hi", CreatedAt: t0}})

	assert.False(t, s.MergeInbound(model.Message{ID: "1", Text: "hi", CreatedAt: t0}))
	require.Equal(t, 1, s.Len())
	assert.Equal(t, "1", s.Messages()[0].ID)
}

func TestMergeAll(t *testing.T) {
	s := NewStore(nil)
	s.LoadInitial([]model.Message{msg("1")})
	n := s.MergeAll([]model.Message{msg("1"), msg("2"), msg("2"), msg("3")})
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"1", "2", "3"}, ids(s.Messages()))
}

// =============================================================================
// LOAD TESTS
// =============================================================================

func TestLoadInitial_Replaces(t *testing.T) {
	s := NewStore(nil)
	s.MergeInbound(msg("x"))
	s.LoadInitial([]model.Message{msg("1"), msg("2"), msg("1")})

	assert.Equal(t, []string{"1", "2"}, ids(s.Messages()))
	assert.Equal(t, 2, s.Len())
	// The replaced entry is forgotten, so it can be merged again.
	assert.True(t, s.MergeInbound(msg("x")))
	assert.False(t, s.MergeInbound(msg("2")))
}

func TestMessages_ReturnsCopy(t *testing.T) {
	s := NewStore(nil)
	s.LoadInitial([]model.Message{msg("1")})
	got := s.Messages()
	got[0].Text = "changed"
	assert.Equal(t, "text 1", s.Messages()[0].Text)
}

// =============================================================================
// OUTBOUND TESTS
// =============================================================================

func TestAppendOutbound(t *testing.T) {
	var got []model.NewMessage
	s := NewStore(InserterFunc(func(_ context.Context, m model.NewMessage) error {
		got = append(got, m)
		return nil
	}))
	me := &model.User{ID: "u1", Email: "a@x.com"}

	out, err := s.AppendOutbound(context.Background(), " hello ", me)
	require.NoError(t, err)
	assert.Equal(t, "hello", out.Text)
	assert.Empty(t, out.ID)
	assert.True(t, model.IsMine(out, me))

	require.Len(t, got, 1)
	assert.Equal(t, model.NewMessage{Text: "hello", Sender: "a@x.com", AuthorID: "u1"}, got[0])

	// Not inserted locally; the echo does that.
	assert.Equal(t, 0, s.Len())
}

func TestAppendOutbound_RejectsEmptyWithoutRoundTrip(t *testing.T) {
	calls := 0
	s := NewStore(InserterFunc(func(context.Context, model.NewMessage) error {
		calls++
		return nil
	}))

	_, err := s.AppendOutbound(context.Background(), "   ", &model.User{ID: "u1"})
	assert.ErrorIs(t, err, model.ErrEmptyMessage)

	_, err = s.AppendOutbound(context.Background(), "hi", nil)
	assert.ErrorIs(t, err, model.ErrAuthMissing)

	assert.Equal(t, 0, calls)
}

func TestAppendOutbound_InsertFailure(t *testing.T) {
	cause := errors.New("503 service unavailable")
	s := NewStore(InserterFunc(func(context.Context, model.NewMessage) error { return cause }))

	_, err := s.AppendOutbound(context.Background(), "hi", &model.User{ID: "u1"})
	assert.ErrorIs(t, err, model.ErrSendFailed)
	assert.ErrorIs(t, err, cause)

	var se *model.SyncError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "send", se.Op)
}

func TestAppendOutbound_NoInserter(t *testing.T) {
	s := NewStore(nil)
	_, err := s.AppendOutbound(context.Background(), "hi", &model.User{ID: "u1"})
	assert.ErrorIs(t, err, model.ErrSendFailed)
}
