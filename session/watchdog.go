// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"

	"github.com/perch-chat/perch/protocol"
)

// watchdog is the single consumer of a handle's event stream. It keeps
// the manager's connection state current, rebroadcasts every event to
// subscribers, and converts a server-forced logout into the local
// teardown. One watchdog per adopted handle; it exits when the
// handle's events channel closes.
type watchdog struct {
	manager *Manager
	handle  protocol.Handle
}

func newWatchdog(manager *Manager, handle protocol.Handle) *watchdog {
	return &watchdog{manager: manager, handle: handle}
}

func (w *watchdog) run(done chan struct{}) {
	defer close(done)
	for event := range w.handle.Events() {
		switch typed := event.(type) {
		case protocol.StateChanged:
			w.manager.setState(typed.State)
		case protocol.InitialSyncComplete:
			w.manager.markSynced()
		case protocol.LoggedOut:
			w.manager.logger.Warn("session invalidated by server", "errcode", typed.Errcode)
			// Teardown runs on its own goroutine: logout closes the
			// handle and waits for this loop to drain, so doing it
			// inline would deadlock. The single-flight guard makes a
			// concurrent user-initiated logout harmless.
			go func() {
				if err := w.manager.localLogout(context.Background()); err != nil {
					w.manager.logger.Error("local logout after server invalidation", "error", err)
				}
			}()
		}
		w.manager.broadcast(event)
	}
}
