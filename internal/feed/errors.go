// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package feed

import "errors"

var errNoInserter = errors.New("feed: no inserter configured")
