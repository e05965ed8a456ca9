// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// EventType is a Matrix event type (e.g., "m.room.message",
// "m.room.encryption"). Event types are dotted reverse-DNS style
// strings; Perch validates only that the value is non-empty and free of
// whitespace, since servers accept custom namespaced types.
type EventType struct {
	name string
}

// Event types used by the session and trust layer.
var (
	// EventTypeMessage is the standard room message event.
	EventTypeMessage = MustParseEventType("m.room.message")

	// EventTypeMember is the room membership state event.
	EventTypeMember = MustParseEventType("m.room.member")

	// EventTypeEncryption is the state event whose presence marks a
	// room as end-to-end encrypted.
	EventTypeEncryption = MustParseEventType("m.room.encryption")

	// EventTypeRoomName is the room display name state event.
	EventTypeRoomName = MustParseEventType("m.room.name")
)

// ParseEventType validates and wraps a raw event type string.
func ParseEventType(raw string) (EventType, error) {
	if raw == "" {
		return EventType{}, fmt.Errorf("empty event type")
	}
	for i := 0; i < len(raw); i++ {
		if raw[i] <= ' ' {
			return EventType{}, fmt.Errorf("event type %q: whitespace at position %d", raw, i)
		}
	}
	return EventType{name: raw}, nil
}

// MustParseEventType is like ParseEventType but panics on error.
func MustParseEventType(raw string) EventType {
	e, err := ParseEventType(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseEventType(%q): %v", raw, err))
	}
	return e
}

// String returns the event type string.
func (e EventType) String() string { return e.name }

// IsZero reports whether the EventType is the zero value.
func (e EventType) IsZero() bool { return e.name == "" }

// MarshalText implements encoding.TextMarshaler.
func (e EventType) MarshalText() ([]byte, error) {
	return []byte(e.name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *EventType) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*e = EventType{}
		return nil
	}
	parsed, err := ParseEventType(string(data))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}
