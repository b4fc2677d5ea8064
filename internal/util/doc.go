// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util holds small helpers shared by the config, UI and CLI layers.
//
// String Utilities:
//   - StringWidth, TruncateWidth, PadRight, Wrap: terminal cell aware text layout
//
// File Operations:
//   - AtomicWriteFile: crash-safe file writing with fsync
package util
