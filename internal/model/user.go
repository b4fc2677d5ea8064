// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// fallbackLabel is used when the backend returns a user without an email.
const fallbackLabel = "User"

// =============================================================================
// USER TYPE
// =============================================================================

// User is the identity resolved for the current session.
// It is immutable for the lifetime of a session and recreated on re-authentication.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// DisplayLabel returns the label used for legacy author matching and for
// outbound typing signals. It is the email, or "User" when none is known.
func (u *User) DisplayLabel() string {
	if u == nil {
		return ""
	}
	if u.Email == "" {
		return fallbackLabel
	}
	return NormalizeLabel(u.Email)
}

// Resolved reports whether the user carries a usable identity.
func (u *User) Resolved() bool {
	return u != nil && u.ID != ""
}

// Equal reports whether two users refer to the same identity and label.
func (u *User) Equal(other *User) bool {
	if u == nil || other == nil {
		return u == other
	}
	return u.ID == other.ID && u.DisplayLabel() == other.DisplayLabel()
}

// =============================================================================
// LABEL HELPERS
// =============================================================================

// NormalizeLabel trims a label and puts it in Unicode NFC form so that the same
// address typed on different platforms compares equal.
func NormalizeLabel(label string) string {
	return norm.NFC.String(strings.TrimSpace(label))
}

// LocalPart returns the part of an email-like label before the first '@'.
// Labels without '@' are returned unchanged.
func LocalPart(label string) string {
	if i := strings.Index(label, "@"); i >= 0 {
		return label[:i]
	}
	return label
}

// HeaderTitle returns the title shown at the top of the chat screen.
func HeaderTitle(u *User) string {
	if u == nil || u.Email == "" {
		return "InstaChat"
	}
	return LocalPart(u.Email)
}
