// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package devserver is an in-memory stand-in for the hosted chat backend,
// for local development and integration tests.
//
// It serves the subset of the hosted APIs the client uses.
//
// # Endpoints
//
//   - POST /auth/v1/signup                   - Create an account
//   - POST /auth/v1/token?grant_type=...     - Password and refresh grants
//   - GET  /auth/v1/user                     - Current user
//   - POST /auth/v1/logout                   - Revoke the caller's tokens
//   - POST /auth/v1/factors/{id}/challenge   - Start a TOTP challenge
//   - POST /auth/v1/factors/{id}/verify      - Complete it and upgrade to aal2
//   - GET  /rest/v1/messages                 - List messages by created_at
//   - POST /rest/v1/messages                 - Insert as the signed-in user
//   - GET  /realtime/v1/websocket            - Phoenix channel socket
//   - GET  /health                           - Counts, no key required
//
// Every other route requires the anon key in the apikey header or query
// parameter. Nothing is persisted.
//
// # Usage
//
//	srv := devserver.New(devserver.Options{AutoConfirm: true})
//	ts := httptest.NewServer(srv.Handler())
//	defer ts.Close()
//	client := supabase.NewClient(ts.URL, srv.AnonKey())
package devserver
