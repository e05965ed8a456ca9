// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/perch-chat/perch/lib/ref"
	"github.com/perch-chat/perch/protocol"
)

// Evaluator answers trust questions over a protocol handle, caching
// per-room verdicts between invalidations. Safe for concurrent use.
type Evaluator struct {
	handle protocol.Handle
	logger *slog.Logger

	mu       sync.Mutex
	verdicts map[ref.RoomID]bool // room -> has unverified devices
}

// NewEvaluator builds an evaluator over the handle. Pass the manager's
// subscription to Watch to keep the cache honest.
func NewEvaluator(handle protocol.Handle, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		handle:   handle,
		logger:   logger,
		verdicts: make(map[ref.RoomID]bool),
	}
}

// Watch consumes lifecycle events and invalidates cached verdicts.
// Run it on its own goroutine; it returns when the channel closes.
func (e *Evaluator) Watch(events <-chan protocol.Event) {
	for event := range events {
		switch event.(type) {
		case protocol.DevicesUpdated, protocol.TrustChanged:
			// Membership of the affected users is not tracked here, so
			// every cached verdict is suspect.
			e.InvalidateAll()
		case protocol.InitialSyncComplete:
			// Verdicts computed against pre-sync state were built on
			// incomplete device lists.
			e.InvalidateAll()
		}
	}
}

// InvalidateAll drops every cached verdict.
func (e *Evaluator) InvalidateAll() {
	e.mu.Lock()
	e.verdicts = make(map[ref.RoomID]bool)
	e.mu.Unlock()
}

// InvalidateRoom drops the cached verdict for one room.
func (e *Evaluator) InvalidateRoom(room ref.RoomID) {
	e.mu.Lock()
	delete(e.verdicts, room)
	e.mu.Unlock()
}

// IsAccountTrustEstablished reports whether cross-signing is fully
// set up on this device: the account's public identity is present
// locally AND the private cross-signing keys are retrievable from
// secret storage. Either half missing means not established. False on
// every indeterminate input: no crypto provider, provider not ready,
// or a failed status query.
func (e *Evaluator) IsAccountTrustEstablished(ctx context.Context) bool {
	crypto := e.handle.Crypto()
	if crypto == nil {
		return false
	}
	select {
	case <-crypto.Ready():
	default:
		return false
	}
	status, err := crypto.CrossSigningStatus(ctx)
	if err != nil {
		e.logger.Debug("cross-signing status query failed", "error", err)
		return false
	}
	return status.PublicKeysOnDevice && status.PrivateKeysCached
}

// RoomHasUnverifiedDevices reports whether any joined member of the
// room has a device that is not verified. The answer fails closed: on
// any error the room is reported as containing unverified devices,
// with the underlying cause in err for logging.
func (e *Evaluator) RoomHasUnverifiedDevices(ctx context.Context, room ref.RoomID) (bool, error) {
	e.mu.Lock()
	if verdict, cached := e.verdicts[room]; cached {
		e.mu.Unlock()
		return verdict, nil
	}
	e.mu.Unlock()

	verdict, err := e.evaluateRoom(ctx, room)
	if err != nil {
		return true, err
	}

	e.mu.Lock()
	e.verdicts[room] = verdict
	e.mu.Unlock()
	return verdict, nil
}

func (e *Evaluator) evaluateRoom(ctx context.Context, room ref.RoomID) (bool, error) {
	crypto := e.handle.Crypto()
	if crypto == nil {
		return true, fmt.Errorf("trust: no crypto provider, cannot verify devices in %s", room)
	}
	select {
	case <-crypto.Ready():
	default:
		return true, fmt.Errorf("trust: crypto not ready, cannot verify devices in %s", room)
	}

	members, err := e.handle.RoomMembers(ctx, room)
	if err != nil {
		return true, fmt.Errorf("trust: listing members of %s: %w", room, err)
	}

	for _, member := range members {
		devices, err := crypto.UserDevices(ctx, member.UserID)
		if err != nil {
			return true, fmt.Errorf("trust: devices of %s: %w", member.UserID, err)
		}
		active := 0
		for _, device := range devices {
			if device.Deleted {
				continue
			}
			active++
			if !device.Trusted {
				return true, nil
			}
		}
		// No known devices means the key query has not completed for
		// this user. Indeterminate, so unverified.
		if active == 0 {
			return true, nil
		}
	}
	return false, nil
}
