// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session provides the signed-in identity and its change notifications.
//
// The Provider persists the backend session in a storage.Store under
// "sb-auth-token", restores it on startup, refreshes the access token
// before it expires and notifies subscribers on every change.
//
// # Key Types
//
//   - Provider: identity holder with Restore, SignIn, SignUp, SignOut and Refresh
//   - AuthEvent: delivered to subscribers on every auth change
//   - Auth: the identity backend, satisfied by *supabase.Client
//
// # Usage
//
//	kv, _ := storage.Open(cfg.Storage.Path)
//	p := session.NewProvider(client, kv, session.DefaultConfig(), log)
//	defer p.Close()
//
//	unsubscribe := p.Subscribe(func(ev session.AuthEvent) {
//	    // react to ev.User
//	})
//	defer unsubscribe()
//
//	user, err := p.Restore(ctx)
//
// Watch follows the database file so that a login performed in another
// terminal is picked up by a running client.
package session
