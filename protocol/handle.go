// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"context"
	"errors"

	"github.com/perch-chat/perch/lib/ref"
	"github.com/perch-chat/perch/messaging"
)

// ErrNoOtherDevices is returned by [Crypto.RequestVerification] when a
// self-verification is requested but the account has no other device
// capable of answering.
var ErrNoOtherDevices = errors.New("protocol: no other devices to verify against")

// RoomSink receives room updates extracted from sync responses. The
// store package's room cache implements it; the handle applies every
// sync response to the sink before emitting [RoomUpdated] events.
type RoomSink interface {
	ApplySync(ctx context.Context, response *messaging.SyncResponse) ([]ref.RoomID, error)
}

// SyncConfig tunes the handle's sync loop.
type SyncConfig struct {
	// InitialHistoryLimit caps the timeline events fetched per room on
	// the initial sync. Zero means the server default.
	InitialHistoryLimit int

	// Sink, when non-nil, receives every sync response for room cache
	// maintenance.
	Sink RoomSink
}

// Handle is a connected protocol session. The session manager owns the
// handle; the watchdog, trust evaluator, and send gate consume it.
//
// Events delivers lifecycle notifications to exactly one consumer (the
// watchdog), which fans out to interested parties. The channel is
// buffered; the handle drops room-level events rather than block, but
// never drops StateChanged, LoggedOut, or SyncError.
type Handle interface {
	UserID() ref.UserID
	DeviceID() ref.DeviceID

	// Events is the handle's single lifecycle stream. It is closed when
	// the handle shuts down.
	Events() <-chan Event

	// StartSync launches the sync loop. Calling it twice is an error.
	StartSync(cfg SyncConfig) error

	// SendEvent sends a room event with an idempotent transaction ID.
	SendEvent(ctx context.Context, room ref.RoomID, eventType ref.EventType, content any) (ref.EventID, error)

	// IsRoomEncrypted reports whether the room has encryption enabled.
	// The error is meaningful: an indeterminate answer must not be
	// treated as "unencrypted".
	IsRoomEncrypted(ctx context.Context, room ref.RoomID) (bool, error)

	// RoomMembers lists the joined members of a room.
	RoomMembers(ctx context.Context, room ref.RoomID) ([]messaging.RoomMember, error)

	// AccountDevices lists the devices registered to the account,
	// straight from the server.
	AccountDevices(ctx context.Context) ([]messaging.DeviceInfo, error)

	// ServerLogout invalidates the access token server-side. It does
	// not touch local state; the session manager handles that.
	ServerLogout(ctx context.Context) error

	// Crypto returns the encryption provider, or nil when the session
	// is running without one.
	Crypto() Crypto

	// Close stops the sync loop, closes the events channel, and
	// releases connections. Safe to call more than once.
	Close() error
}
