// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocoltest provides in-memory fakes for the protocol
// interfaces. Tests drive the fakes directly: push lifecycle events
// with [Handle.Emit], flip crypto readiness with [Crypto.MarkReady],
// and walk verification exchanges with the driver methods on [Request]
// and [SAS].
package protocoltest

import (
	"context"
	"fmt"
	"sync"

	"github.com/perch-chat/perch/lib/ref"
	"github.com/perch-chat/perch/messaging"
	"github.com/perch-chat/perch/protocol"
)

// SentEvent records one SendEvent call made against the fake handle.
type SentEvent struct {
	Room    ref.RoomID
	Type    ref.EventType
	Content any
}

// Handle is a fake protocol.Handle. The zero value is not usable;
// construct with NewHandle.
type Handle struct {
	User   ref.UserID
	Device ref.DeviceID

	// CryptoProvider is returned by Crypto(). Nil models a
	// plaintext-only session.
	CryptoProvider protocol.Crypto

	events chan protocol.Event

	mu          sync.Mutex
	started     bool
	closed      bool
	encrypted   map[ref.RoomID]bool
	roomErrs    map[ref.RoomID]error
	members     map[ref.RoomID][]messaging.RoomMember
	devices     []messaging.DeviceInfo
	sendErr     error
	sent        []SentEvent
	logoutErr   error
	logoutCalls int
	sendSeq     int
}

// NewHandle builds a fake handle for the given identity.
func NewHandle(user ref.UserID, device ref.DeviceID) *Handle {
	return &Handle{
		User:      user,
		Device:    device,
		events:    make(chan protocol.Event, 64),
		encrypted: make(map[ref.RoomID]bool),
		roomErrs:  make(map[ref.RoomID]error),
		members:   make(map[ref.RoomID][]messaging.RoomMember),
	}
}

func (h *Handle) UserID() ref.UserID            { return h.User }
func (h *Handle) DeviceID() ref.DeviceID        { return h.Device }
func (h *Handle) Events() <-chan protocol.Event { return h.events }
func (h *Handle) Crypto() protocol.Crypto       { return h.CryptoProvider }

func (h *Handle) StartSync(cfg protocol.SyncConfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return fmt.Errorf("protocoltest: sync already started")
	}
	h.started = true
	return nil
}

// Emit pushes a lifecycle event to the handle's consumer.
func (h *Handle) Emit(event protocol.Event) {
	h.events <- event
}

// SetEncrypted configures IsRoomEncrypted's answer for a room.
func (h *Handle) SetEncrypted(room ref.RoomID, encrypted bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.encrypted[room] = encrypted
}

// SetRoomError makes IsRoomEncrypted and RoomMembers fail for a room.
func (h *Handle) SetRoomError(room ref.RoomID, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.roomErrs[room] = err
}

// SetMembers configures the joined member list of a room.
func (h *Handle) SetMembers(room ref.RoomID, members []messaging.RoomMember) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.members[room] = members
}

// SetDevices configures the account device list.
func (h *Handle) SetDevices(devices []messaging.DeviceInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.devices = devices
}

// SetSendError makes SendEvent fail with err.
func (h *Handle) SetSendError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sendErr = err
}

// SetLogoutError makes ServerLogout fail with err.
func (h *Handle) SetLogoutError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logoutErr = err
}

func (h *Handle) SendEvent(ctx context.Context, room ref.RoomID, eventType ref.EventType, content any) (ref.EventID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendErr != nil {
		return ref.EventID{}, h.sendErr
	}
	h.sendSeq++
	h.sent = append(h.sent, SentEvent{Room: room, Type: eventType, Content: content})
	return ref.MustParseEventID(fmt.Sprintf("$fake-%d", h.sendSeq)), nil
}

// Sent returns a copy of all events sent through the handle.
func (h *Handle) Sent() []SentEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]SentEvent, len(h.sent))
	copy(out, h.sent)
	return out
}

func (h *Handle) IsRoomEncrypted(ctx context.Context, room ref.RoomID) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.roomErrs[room]; err != nil {
		return false, err
	}
	return h.encrypted[room], nil
}

func (h *Handle) RoomMembers(ctx context.Context, room ref.RoomID) ([]messaging.RoomMember, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.roomErrs[room]; err != nil {
		return nil, err
	}
	return h.members[room], nil
}

func (h *Handle) AccountDevices(ctx context.Context) ([]messaging.DeviceInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.devices, nil
}

func (h *Handle) ServerLogout(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logoutCalls++
	return h.logoutErr
}

// LogoutCalls reports how many times ServerLogout was invoked.
func (h *Handle) LogoutCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.logoutCalls
}

// Close closes the events channel. Idempotent.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	close(h.events)
	return nil
}

var _ protocol.Handle = (*Handle)(nil)
