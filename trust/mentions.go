// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"strings"

	"github.com/perch-chat/perch/lib/ref"
	"github.com/perch-chat/perch/messaging"
)

// ResolveMentions scans body for @-patterns and matches them against
// the room's members. Two forms match: a fully-qualified user ID
// ("@ada:example.org") and a bare localpart ("@ada"). A bare localpart
// that matches more than one member resolves to nothing — guessing
// between homonyms would ping the wrong person. The result is
// deduplicated, in order of first appearance.
func ResolveMentions(body string, members []messaging.RoomMember) []ref.UserID {
	var (
		resolved []ref.UserID
		seen     = make(map[ref.UserID]bool)
	)
	for _, token := range mentionTokens(body) {
		userID, ok := matchMember(token, members)
		if !ok || seen[userID] {
			continue
		}
		seen[userID] = true
		resolved = append(resolved, userID)
	}
	return resolved
}

// mentionTokens extracts @-prefixed tokens from the body, trailing
// punctuation stripped.
func mentionTokens(body string) []string {
	var tokens []string
	for _, field := range strings.Fields(body) {
		if !strings.HasPrefix(field, "@") || len(field) < 2 {
			continue
		}
		tokens = append(tokens, strings.TrimRight(field, ".,!?;)"))
	}
	return tokens
}

// matchMember resolves one token against the member list.
func matchMember(token string, members []messaging.RoomMember) (ref.UserID, bool) {
	// Fully-qualified form: exact user ID match.
	if strings.Contains(token, ":") {
		for _, member := range members {
			if member.UserID.String() == token {
				return member.UserID, true
			}
		}
		return ref.UserID{}, false
	}

	// Bare localpart: unique match required.
	localpart := strings.TrimPrefix(token, "@")
	var (
		match ref.UserID
		hits  int
	)
	for _, member := range members {
		if member.UserID.Localpart() == localpart {
			match = member.UserID
			hits++
		}
	}
	if hits != 1 {
		return ref.UserID{}, false
	}
	return match, true
}
