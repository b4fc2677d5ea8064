// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package feed holds the ordered, de-duplicated message feed.
//
// The initial history load and the live insert stream race each other; the
// store resolves that race by merging on message ID, so a row delivered by
// both paths appears exactly once.
//
// Outbound messages are never inserted locally. AppendOutbound validates and
// persists them, and the row is merged when the live channel echoes it.
package feed
