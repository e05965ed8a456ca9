// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"

	"github.com/perch-chat/perch/lib/ref"
)

// ConnectionState describes where the client is in its connection
// lifecycle. Transitions are driven by the sync loop and observed by
// subscribers through [StateChanged] events.
type ConnectionState int

const (
	// StateDisconnected is the resting state: no session, or the
	// session was shut down cleanly.
	StateDisconnected ConnectionState = iota

	// StateConnecting covers credential exchange and handle
	// construction, before the first sync request is in flight.
	StateConnecting

	// StateSyncingInitial is the first sync after login or restore.
	// The client has a valid session but no room state yet.
	StateSyncingInitial

	// StateLive means the initial sync completed and the long-poll
	// loop is running. Transient sync errors do not leave this state;
	// the loop retries in place.
	StateLive

	// StateError is a terminal connection failure: the sync loop gave
	// up (exhausted retries on a non-auth error) or the session was
	// rejected by the server. Recovering requires a new login or
	// restore.
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSyncingInitial:
		return "syncing-initial"
	case StateLive:
		return "live"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// Event is a lifecycle notification delivered on [Handle.Events].
// Exactly one concrete type below implements it per notification.
type Event interface {
	isEvent()
}

// StateChanged reports a connection state transition. Err is set only
// when State is [StateError].
type StateChanged struct {
	State ConnectionState
	Err   error
}

// SyncError reports a failed sync request. The loop may still be
// retrying; a SyncError does not by itself imply a state change.
// Errcode carries the Matrix error code when the server returned one,
// and HTTPStatus the status line, so subscribers can classify the
// failure without unwrapping.
type SyncError struct {
	Errcode    string
	HTTPStatus int
	Err        error
}

// LoggedOut reports that the server no longer accepts this session's
// access token: the device was deleted remotely or the account
// deactivated. The handle stops syncing before emitting this.
type LoggedOut struct {
	Errcode string
}

// InitialSyncComplete fires once per handle, when the first sync
// response has been applied. Trust caches primed before this point are
// unreliable and must be discarded.
type InitialSyncComplete struct{}

// DevicesUpdated reports that the device lists of the named users
// changed (new device, deleted device, key rotation). Trust
// conclusions involving these users are stale.
type DevicesUpdated struct {
	Users []ref.UserID
}

// TrustChanged reports that the trust standing of a user changed
// outside a device-list update, such as a verification completing.
type TrustChanged struct {
	User ref.UserID
}

// RoomUpdated reports new timeline or state activity in a room. The
// room cache has already been updated when this is delivered.
type RoomUpdated struct {
	Room ref.RoomID
}

func (StateChanged) isEvent()        {}
func (SyncError) isEvent()           {}
func (LoggedOut) isEvent()           {}
func (InitialSyncComplete) isEvent() {}
func (DevicesUpdated) isEvent()      {}
func (TrustChanged) isEvent()        {}
func (RoomUpdated) isEvent()         {}
