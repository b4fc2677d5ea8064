// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/jeranaias/instachat-tui/internal/model"
)

const messagesPath = "/rest/v1/messages"

// SelectMessages returns every row of public.messages ordered by created_at ascending.
// A row with an unreadable created_at is kept with a zero timestamp.
func (c *Client) SelectMessages(ctx context.Context) ([]model.Message, error) {
	var rows []json.RawMessage
	err := c.do(ctx, request{
		method:    http.MethodGet,
		path:      messagesPath + "?select=*&order=created_at.asc",
		retryable: true,
	}, &rows)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}

	msgs := make([]model.Message, 0, len(rows))
	for i, raw := range rows {
		var m model.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			if !errors.Is(err, model.ErrBadTimestamp) {
				return nil, fmt.Errorf("select messages: row %d: %w", i, err)
			}
			c.log.Warn("message has unreadable created_at", zap.String("id", m.ID), zap.Error(err))
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// InsertMessage inserts msg. The created row is not returned; it arrives on
// the realtime channel.
func (c *Client) InsertMessage(ctx context.Context, msg model.NewMessage) error {
	err := c.do(ctx, request{
		method:  http.MethodPost,
		path:    messagesPath,
		body:    msg,
		headers: map[string]string{"Prefer": "return=minimal"},
	}, nil)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}
