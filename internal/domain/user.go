// Package domain holds the signaling payloads and the small rules that go
// with them: offer validation, the data channel ping reply and user matching.
package domain

import "strings"

// UserID is the identity a client claims in its offer. It is only used to
// label recognition results, never to authorize anything.
type UserID string

// Matches reports whether a recognition label names this user.
// The comparison is case-insensitive.
func (u UserID) Matches(label string) bool {
	return u != "" && strings.EqualFold(string(u), label)
}

func (u UserID) String() string { return string(u) }
