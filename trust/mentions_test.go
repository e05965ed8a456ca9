// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"testing"

	"github.com/perch-chat/perch/lib/ref"
	"github.com/perch-chat/perch/messaging"
)

func TestResolveMentions(t *testing.T) {
	adaTwin := ref.MustParseUserID("@ada:other.example")
	members := []messaging.RoomMember{
		{UserID: ada, Membership: "join"},
		{UserID: bea, DisplayName: "Bea", Membership: "join"},
		{UserID: adaTwin, Membership: "join"},
	}

	tests := []struct {
		name string
		body string
		want []ref.UserID
	}{
		{
			name: "bare localpart",
			body: "hey @bea can you look at this?",
			want: []ref.UserID{bea},
		},
		{
			name: "fully qualified",
			body: "cc @ada:other.example on this",
			want: []ref.UserID{adaTwin},
		},
		{
			name: "trailing punctuation stripped",
			body: "thanks @bea!",
			want: []ref.UserID{bea},
		},
		{
			name: "ambiguous localpart resolves to nothing",
			body: "ping @ada",
			want: nil,
		},
		{
			name: "ambiguity broken by full ID",
			body: "ping @ada:example.org specifically",
			want: []ref.UserID{ada},
		},
		{
			name: "non-member ignored",
			body: "ask @carol about it",
			want: nil,
		},
		{
			name: "deduplicated in order",
			body: "@bea @ada:example.org @bea again",
			want: []ref.UserID{bea, ada},
		},
		{
			name: "no mentions",
			body: "plain message, email-like a@b.c untouched",
			want: nil,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := ResolveMentions(test.body, members)
			if len(got) != len(test.want) {
				t.Fatalf("got %v, want %v", got, test.want)
			}
			for i := range got {
				if got[i] != test.want[i] {
					t.Fatalf("got %v, want %v", got, test.want)
				}
			}
		})
	}
}
