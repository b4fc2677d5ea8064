// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides the key/value store behind session persistence.
//
// The store has the three-call shape auth libraries expect from a storage
// adapter (GetItem, SetItem, RemoveItem) and keeps its data in a single
// SQLite file. Values can be sealed with AES-256-GCM under a key derived
// with PBKDF2 so that tokens are not kept on disk in clear text.
//
// # Key Types
//
//   - KV: SQLite-backed key/value store
//   - Sealer: AES-GCM sealing of values
//   - SealedKV: KV wrapper that seals on write and opens on read
//
// # Usage
//
//	kv, err := storage.Open(filepath.Join(dir, "session.db"))
//	sealer, err := storage.NewSealer(ctx, kv, passphrase, storage.DefaultIterations)
//	store := storage.NewSealedKV(kv, sealer)
//	err = store.SetItem(ctx, "sb-auth-token", sessionJSON)
//
// # Storage Location
//
// The database lives in ~/.instachat/session.db by default.
package storage
