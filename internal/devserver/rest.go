// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// rest.go - The messages table over a PostgREST-style interface.

package devserver

import (
	"net/http"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	desc := strings.HasSuffix(r.URL.Query().Get("order"), ".desc")
	writeJSON(w, http.StatusOK, s.sortedRows(desc))
}

type insertRequest struct {
	Text   string  `json:"text"`
	Sender string  `json:"sender"`
	UserID *string `json:"user_id"`
}

// handleInsertMessage applies the row-level policy of the hosted table:
// inserts need a signed-in user and user_id must be that user.
func (s *Server) handleInsertMessage(w http.ResponseWriter, r *http.Request) {
	tok := s.bearer(r)
	if tok == "" {
		writeRestError(w, http.StatusUnauthorized, "42501", `new row violates row-level security policy for table "messages"`)
		return
	}
	uid, ok := s.UserForToken(tok)
	if !ok {
		writeRestError(w, http.StatusUnauthorized, "PGRST301", "JWT expired")
		return
	}

	var req insertRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeRestError(w, http.StatusBadRequest, "PGRST102", "Empty or invalid json")
		return
	}
	if req.UserID == nil || *req.UserID != uid {
		writeRestError(w, http.StatusForbidden, "42501", `new row violates row-level security policy for table "messages"`)
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" || utf8.RuneCountInString(req.Text) > MaxTextLength {
		writeRestError(w, http.StatusBadRequest, "23514", `new row for relation "messages" violates check constraint "messages_text_check"`)
		return
	}

	row := s.insert(req.Text, req.Sender, req.UserID)
	s.log.Debug("message inserted", zap.String("id", row.ID), zap.String("user_id", uid))

	if strings.Contains(r.Header.Get("Prefer"), "return=representation") {
		writeJSON(w, http.StatusCreated, []Row{row})
		return
	}
	w.WriteHeader(http.StatusCreated)
}
